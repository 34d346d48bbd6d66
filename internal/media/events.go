package media

import "context"

type EventType string

const (
	EventDownloadStarted   EventType = "downloadStarted"
	EventDownloadCompleted EventType = "downloadCompleted"
	EventDownloadCancelled EventType = "downloadCancelled"
	EventDownloadBlocked   EventType = "downloadBlocked"
	EventDownloadFailed    EventType = "downloadFailed"
)

// Event is a lifecycle notification mirrored back to the originating page.
type Event struct {
	Type         EventType `json:"type"`
	DownloadID   string    `json:"downloadId,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	QualityLabel string    `json:"qualityLabel,omitempty"`
	IsExisting   bool      `json:"isExisting,omitempty"`
	Message      string    `json:"message,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	TabID        int       `json:"tabId"`
	VideoID      string    `json:"videoId,omitempty"`
}

// EventSink receives every lifecycle event the coordinator emits.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// MultiSink fans an event out to several sinks, returning the first error.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var first error

	for _, s := range m {
		if s == nil {
			continue
		}

		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}

	return first
}
