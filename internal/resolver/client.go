// Package resolver looks up the image URLs of a chapter in the content API.
package resolver

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const opResolveImages = "resolve_chapter_images"

// Image is one page of a chapter as returned by the content API.
type Image struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
}

type imagesResponse struct {
	Data []Image `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Client talks to the content API over HTTP.
type Client struct {
	http *resty.Client
}

// NewClient creates a content API client. When token is set every request
// carries it as a bearer token. Requests failing with a transport error, 429
// or 5xx are retried up to retries times.
func NewClient(baseURL, token string, timeout time.Duration, retries int) *Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	httpClient := base
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}

	client := resty.NewWithClient(httpClient).
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}

			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{http: client}
}

// ResolveChapterImages returns the image URLs of chapterID ordered by page
// position. An empty chapter yields an empty slice.
func (c *Client) ResolveChapterImages(ctx context.Context, chapterID int64) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx).With("chapter_id", chapterID)

	var (
		result  imagesResponse
		failure errorResponse
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(chapterID, 10)).
		SetResult(&result).
		SetError(&failure).
		Get("/chapters/{id}/images")
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve chapter images", "err", err)

		return nil, &APIError{Operation: opResolveImages, APIMessage: err.Error(), Err: err}
	}

	if resp.IsError() {
		switch resp.StatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, &AuthenticationError{Operation: opResolveImages, StatusCode: resp.StatusCode()}
		}

		message := failure.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}

		return nil, &APIError{Operation: opResolveImages, StatusCode: resp.StatusCode(), APIMessage: message}
	}

	images := result.Data
	sort.SliceStable(images, func(i, j int) bool { return images[i].Position < images[j].Position })

	urls := make([]string, 0, len(images))
	for _, img := range images {
		urls = append(urls, img.URL)
	}

	logger.DebugContext(ctx, "resolved chapter images", "count", len(urls))

	return urls, nil
}
