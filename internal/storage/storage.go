package storage

import (
	"context"
	"time"
)

// Persisted key prefixes. Every key for a download is "<prefix><downloadID>".
const (
	InfoPrefix      = "downloadInfo_"
	ProgressPrefix  = "downloadProgress_"
	StatusPrefix    = "downloadStatus_"
	CancelledPrefix = "downloadCancelled_"
	BlobReadyPrefix = "blobReady_"
)

func InfoKey(id string) string      { return InfoPrefix + id }
func ProgressKey(id string) string  { return ProgressPrefix + id }
func StatusKey(id string) string    { return StatusPrefix + id }
func CancelledKey(id string) string { return CancelledPrefix + id }
func BlobReadyKey(id string) string { return BlobReadyPrefix + id }

// Blob is an assembled media payload waiting for handoff.
type Blob struct {
	ID           string
	Data         []byte
	ExpectedSize int64
	CreatedAt    time.Time
}

// StateStore is a key/value store with JSON values and single-key writes only.
type StateStore interface {
	Set(ctx context.Context, key string, value any) error
	// Get decodes the value into dst and reports whether the key existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// BlobStore holds large payloads shared between the coordinator and the minter.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte, expectedSize int64) error
	Get(ctx context.Context, id string) (*Blob, error)
	Delete(ctx context.Context, id string) error
	// MarkReady sets the ready signal once the writer's Put has returned.
	MarkReady(ctx context.Context, id string) error
	// GetWhenReady polls the ready signal with bounded backoff before reading.
	GetWhenReady(ctx context.Context, id string) (*Blob, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]string, error)
}
