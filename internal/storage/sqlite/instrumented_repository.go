package sqlite

import (
	"context"
	"time"

	"github.com/italolelis/streamgrab/internal/storage"
	"github.com/italolelis/streamgrab/internal/telemetry"
)

// InstrumentedStateRepository wraps a StateStore with telemetry.
type InstrumentedStateRepository struct {
	repo      storage.StateStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStateRepository creates a new instrumented state repository.
func NewInstrumentedStateRepository(repo storage.StateStore, tel *telemetry.Telemetry) *InstrumentedStateRepository {
	return &InstrumentedStateRepository{repo: repo, telemetry: tel}
}

func (r *InstrumentedStateRepository) Set(ctx context.Context, key string, value any) error {
	return r.telemetry.InstrumentDBOperation(ctx, "state_set", func(ctx context.Context) error {
		return r.repo.Set(ctx, key, value)
	})
}

func (r *InstrumentedStateRepository) Get(ctx context.Context, key string, dst any) (bool, error) {
	var found bool

	err := r.telemetry.InstrumentDBOperation(ctx, "state_get", func(ctx context.Context) error {
		var err error

		found, err = r.repo.Get(ctx, key, dst)

		return err
	})

	return found, err
}

func (r *InstrumentedStateRepository) Delete(ctx context.Context, keys ...string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "state_delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, keys...)
	})
}

func (r *InstrumentedStateRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := r.telemetry.InstrumentDBOperation(ctx, "state_keys", func(ctx context.Context) error {
		var err error

		keys, err = r.repo.Keys(ctx, prefix)

		return err
	})

	return keys, err
}

// InstrumentedBlobRepository wraps a BlobStore with telemetry.
type InstrumentedBlobRepository struct {
	repo      storage.BlobStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedBlobRepository creates a new instrumented blob repository.
func NewInstrumentedBlobRepository(repo storage.BlobStore, tel *telemetry.Telemetry) *InstrumentedBlobRepository {
	return &InstrumentedBlobRepository{repo: repo, telemetry: tel}
}

func (r *InstrumentedBlobRepository) Put(ctx context.Context, id string, data []byte, expectedSize int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "blob_put", func(ctx context.Context) error {
		return r.repo.Put(ctx, id, data, expectedSize)
	})
}

func (r *InstrumentedBlobRepository) Get(ctx context.Context, id string) (*storage.Blob, error) {
	var blob *storage.Blob

	err := r.telemetry.InstrumentDBOperation(ctx, "blob_get", func(ctx context.Context) error {
		var err error

		blob, err = r.repo.Get(ctx, id)

		return err
	})

	return blob, err
}

func (r *InstrumentedBlobRepository) Delete(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "blob_delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *InstrumentedBlobRepository) MarkReady(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "blob_mark_ready", func(ctx context.Context) error {
		return r.repo.MarkReady(ctx, id)
	})
}

func (r *InstrumentedBlobRepository) GetWhenReady(ctx context.Context, id string) (*storage.Blob, error) {
	var blob *storage.Blob

	err := r.telemetry.InstrumentDBOperation(ctx, "blob_get_when_ready", func(ctx context.Context) error {
		var err error

		blob, err = r.repo.GetWhenReady(ctx, id)

		return err
	})

	return blob, err
}

func (r *InstrumentedBlobRepository) ListStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	var ids []string

	err := r.telemetry.InstrumentDBOperation(ctx, "blob_list_stale", func(ctx context.Context) error {
		var err error

		ids, err = r.repo.ListStale(ctx, olderThan)

		return err
	})

	return ids, err
}
