// Package platform describes the download manager that receives finished payloads.
package platform

import "context"

// Options for a platform download.
type Options struct {
	Source   string // reference minted by the offscreen minter
	Filename string
	SaveAs   bool // ask where to save instead of using the default directory
}

type State string

const (
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
)

// Delta reports a platform download reaching a final state.
type Delta struct {
	ID    int
	State State
	Path  string
	Error string
}

// Manager is the platform download API.
type Manager interface {
	// Start begins a download and returns its platform id. An id of 0 means the platform did
	// not accept the download.
	Start(ctx context.Context, opts Options) (int, error)
	Cancel(ctx context.Context, id int) error
	Deltas() <-chan Delta
}
