package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/manhwa_downloader/internal/events"
	"github.com/italolelis/manhwa_downloader/internal/logctx"
	"github.com/italolelis/manhwa_downloader/internal/storage"
)

// Subscribe sends a notification whenever a chapter download completes or
// fails. Notifications are sent off the publishing goroutine.
func Subscribe(ctx context.Context, bus *events.Bus, notif Notifier) (off func()) {
	logger := logctx.LoggerFromContext(ctx)

	return events.Subscribe(bus, func(u events.QueueUpdate) {
		if u.Finished == nil {
			return
		}

		content, ok := message(u.Finished)
		if !ok {
			return
		}

		go func() {
			if err := notif.Notify(ctx, content); err != nil {
				logger.Error("failed to send notification",
					"work_id", u.Finished.WorkID, "chapter_id", u.Finished.ChapterID, "err", err)
			}
		}()
	})
}

func message(o *events.Outcome) (string, bool) {
	name := o.ChapterName
	if name == "" {
		name = fmt.Sprintf("chapter %d", o.ChapterID)
	}

	switch o.Status {
	case storage.StatusCompleted:
		return fmt.Sprintf("✅ Download finished for %s (work %d)", name, o.WorkID), true
	case storage.StatusFailed:
		if o.Error != "" {
			return fmt.Sprintf("❌ Download failed for %s (work %d): %s", name, o.WorkID, o.Error), true
		}

		return fmt.Sprintf("❌ Download failed for %s (work %d)", name, o.WorkID), true
	}

	return "", false
}
