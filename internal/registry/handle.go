package registry

import (
	"context"
	"sync"

	"github.com/italolelis/streamgrab/internal/media"
)

// Handle is the cooperative cancellation signal for one download attempt. Fetch code checks it
// at suspension points; it never aborts a request already in flight.
type Handle struct {
	downloadID string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	platformID  int
	hasPlatform bool
}

func NewHandle(downloadID string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())

	return &Handle{downloadID: downloadID, ctx: ctx, cancel: cancel}
}

func (h *Handle) DownloadID() string { return h.downloadID }

// Cancel fires the signal. Calling it more than once is a no-op.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Err returns media.ErrCancelled once the handle fired, nil before.
func (h *Handle) Err() error {
	if h.Cancelled() {
		return media.ErrCancelled
	}

	return nil
}

// Context is cancelled together with the handle. It bounds waits (backoff sleeps, rate
// limiting), not network requests.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) SetPlatformID(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.platformID = id
	h.hasPlatform = true
}

func (h *Handle) PlatformID() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.platformID, h.hasPlatform
}
