// Package tabs tracks the pages talking to the daemon: which video each tab shows, the streams
// discovered on it and the lifecycle events waiting to be picked up.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/streamgrab/internal/media"
)

const defaultOutboxSize = 100

// ErrTabNotFound is returned when sending to a tab that never registered or was closed.
var ErrTabNotFound = errors.New("tab not found")

type tab struct {
	videoID string
	streams []media.StreamDescriptor
	seen    map[string]struct{}
	outbox  []media.Event
}

type Hub struct {
	mu         sync.Mutex
	tabs       map[int]*tab
	outboxSize int
}

func NewHub(outboxSize int) *Hub {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}

	return &Hub{tabs: make(map[int]*tab), outboxSize: outboxSize}
}

func (h *Hub) get(tabID int) *tab {
	t, ok := h.tabs[tabID]
	if !ok {
		t = &tab{seen: make(map[string]struct{})}
		h.tabs[tabID] = t
	}

	return t
}

// Navigate records the video a tab is showing. Moving to another video forgets the streams
// found on the previous one; pending events are kept.
func (h *Hub) Navigate(tabID int, videoID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.get(tabID)
	if t.videoID == videoID {
		return
	}

	t.videoID = videoID
	t.streams = nil
	t.seen = make(map[string]struct{})
}

// Register adds descriptors found on a tab, skipping URLs it has already seen. It returns how
// many were new.
func (h *Hub) Register(tabID int, descriptors ...media.StreamDescriptor) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.get(tabID)
	added := 0

	for _, d := range descriptors {
		if d.URL == "" {
			continue
		}

		if _, dup := t.seen[d.URL]; dup {
			continue
		}

		t.seen[d.URL] = struct{}{}

		d.SourceTabID = tabID
		if d.VideoID == "" {
			d.VideoID = t.videoID
		}

		t.streams = append(t.streams, d)
		added++
	}

	return added
}

func (h *Hub) Streams(tabID int) []media.StreamDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tabs[tabID]
	if !ok {
		return nil
	}

	out := make([]media.StreamDescriptor, len(t.streams))
	copy(out, t.streams)

	return out
}

// VideoID is the video the tab currently shows.
func (h *Hub) VideoID(tabID int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tabs[tabID]
	if !ok || t.videoID == "" {
		return "", false
	}

	return t.videoID, true
}

// Send queues an event for a tab. The oldest event is dropped once the outbox is full.
func (h *Hub) Send(_ context.Context, tabID int, ev media.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tabs[tabID]
	if !ok {
		return fmt.Errorf("tab %d: %w", tabID, ErrTabNotFound)
	}

	if len(t.outbox) >= h.outboxSize {
		t.outbox = t.outbox[1:]
	}

	t.outbox = append(t.outbox, ev)

	return nil
}

// Drain hands over and clears a tab's pending events.
func (h *Hub) Drain(tabID int) []media.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tabs[tabID]
	if !ok {
		return nil
	}

	out := t.outbox
	t.outbox = nil

	return out
}

// Close forgets a tab entirely.
func (h *Hub) Close(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.tabs, tabID)
}
