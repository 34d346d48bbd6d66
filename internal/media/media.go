// Package media holds the types shared by the download pipeline: stream descriptors coming from
// the extraction layer, lifecycle states, outbound events and the error taxonomy.
package media

import (
	"strings"
	"time"
)

type Kind string

const (
	KindMP4 Kind = "mp4"
	KindHLS Kind = "hls"
)

// ParseKind maps an extension-supplied hint to a Kind. Unknown hints yield "".
func ParseKind(hint string) Kind {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "hls", "m3u8", "application/x-mpegurl", "application/vnd.apple.mpegurl":
		return KindHLS
	case "mp4", "video/mp4", "progressive":
		return KindMP4
	default:
		return ""
	}
}

// StreamDescriptor is a playable resource found on a page. Immutable once created.
type StreamDescriptor struct {
	URL          string `json:"url"`
	Kind         Kind   `json:"mediaKind"`
	QualityLabel string `json:"qualityLabel"`
	VideoID      string `json:"videoId"`
	SourceTabID  int    `json:"sourceTabId"`
}

type State string

const (
	StatePreparing                State = "preparing"
	StateFetching                 State = "fetching"
	StateMerging                  State = "merging"
	StateAwaitingPlatformDownload State = "awaiting_platform_download"
	StateCompleted                State = "completed"
	StateCancelled                State = "cancelled"
	StateFailed                   State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// DownloadRecord is the persisted view of one download attempt.
type DownloadRecord struct {
	DownloadID    string    `json:"downloadId"`
	URL           string    `json:"url"`
	NormalizedURL string    `json:"normalizedUrl"`
	Filename      string    `json:"filename"`
	QualityLabel  string    `json:"qualityLabel"`
	TabID         int       `json:"tabId"`
	VideoID       string    `json:"videoId"`
	StartTime     time.Time `json:"startTime"`
	State         State     `json:"state"`
}
