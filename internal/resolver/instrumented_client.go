package resolver

import (
	"context"

	"github.com/italolelis/manhwa_downloader/internal/telemetry"
)

// ImageResolver resolves the image URLs of a chapter.
type ImageResolver interface {
	ResolveChapterImages(ctx context.Context, chapterID int64) ([]string, error)
}

// InstrumentedClient wraps an ImageResolver with telemetry.
type InstrumentedClient struct {
	client     ImageResolver
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented resolver.
func NewInstrumentedClient(client ImageResolver, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// ResolveChapterImages resolves chapter images with telemetry.
func (c *InstrumentedClient) ResolveChapterImages(ctx context.Context, chapterID int64) ([]string, error) {
	var result []string

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, opResolveImages, func(ctx context.Context) error {
		var err error

		result, err = c.client.ResolveChapterImages(ctx, chapterID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
