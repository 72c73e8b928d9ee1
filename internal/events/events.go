// Package events carries download progress and queue state to observers.
package events

import "github.com/italolelis/manhwa_downloader/internal/storage"

// Topic names a stream of events.
type Topic string

const (
	TopicProgress    Topic = "progress"
	TopicQueueUpdate Topic = "queueUpdate"
)

// Event is a payload published on a topic.
type Event interface {
	Topic() Topic
}

// Progress reports the whole-percent progress of the chapter being downloaded.
type Progress struct {
	WorkID     int64 `json:"work_id"`
	ChapterID  int64 `json:"chapter_id"`
	BatchIndex int   `json:"batch_index,omitempty"`
	BatchTotal int   `json:"batch_total,omitempty"`
	Percentage int   `json:"percentage"`
}

func (Progress) Topic() Topic { return TopicProgress }

// Unit identifies a chapter in queue events.
type Unit struct {
	WorkID      int64  `json:"work_id"`
	ChapterID   int64  `json:"chapter_id"`
	ChapterName string `json:"chapter_name,omitempty"`
}

// Outcome describes how a chapter download ended.
type Outcome struct {
	Unit
	Status storage.Status `json:"status"`
	Error  string         `json:"error,omitempty"`
	Err    error          `json:"-"`
}

// QueueUpdate is a snapshot of the scheduler taken whenever its state changes.
type QueueUpdate struct {
	Current     *Unit    `json:"current,omitempty"`
	Queued      int      `json:"queued"`
	Downloading bool     `json:"downloading"`
	Paused      bool     `json:"paused"`
	Finished    *Outcome `json:"finished,omitempty"`
}

func (QueueUpdate) Topic() Topic { return TopicQueueUpdate }
