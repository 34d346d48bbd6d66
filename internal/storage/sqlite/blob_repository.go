package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/storage"
)

var errBlobNotReady = errors.New("blob not ready")

// BlobRepository implements storage.BlobStore on the blobs table. The ready signal lives in the
// state table under storage.BlobReadyKey.
type BlobRepository struct {
	db            *sql.DB
	state         *StateRepository
	readyAttempts int
	readyInterval time.Duration
}

func NewBlobRepository(dbConn *sql.DB, readyAttempts int, readyInterval time.Duration) *BlobRepository {
	if readyAttempts < 1 {
		readyAttempts = 1
	}

	if readyInterval <= 0 {
		readyInterval = 50 * time.Millisecond
	}

	return &BlobRepository{
		db:            dbConn,
		state:         NewStateRepository(dbConn),
		readyAttempts: readyAttempts,
		readyInterval: readyInterval,
	}
}

func (r *BlobRepository) Put(ctx context.Context, id string, data []byte, expectedSize int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blobs (id, data, expected_size, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, expected_size = excluded.expected_size
	`, id, data, expectedSize, time.Now().UnixNano())

	return err
}

func (r *BlobRepository) Get(ctx context.Context, id string) (*storage.Blob, error) {
	var (
		blob      storage.Blob
		expected  sql.NullInt64
		createdAt int64
	)

	err := r.db.QueryRowContext(ctx, `SELECT id, data, expected_size, created_at FROM blobs WHERE id = ?`, id).
		Scan(&blob.ID, &blob.Data, &expected, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, media.ErrBlobNotFound
	}

	if err != nil {
		return nil, err
	}

	blob.ExpectedSize = expected.Int64
	blob.CreatedAt = time.Unix(0, createdAt)

	return &blob, nil
}

// Delete removes the payload and then its ready signal.
func (r *BlobRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return err
	}

	return r.state.Delete(ctx, storage.BlobReadyKey(id))
}

func (r *BlobRepository) MarkReady(ctx context.Context, id string) error {
	return r.state.Set(ctx, storage.BlobReadyKey(id), true)
}

func (r *BlobRepository) GetWhenReady(ctx context.Context, id string) (*storage.Blob, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.readyInterval
	b.MaxInterval = 16 * r.readyInterval

	blob, err := backoff.Retry(ctx, func() (*storage.Blob, error) {
		var ready bool

		found, err := r.state.Get(ctx, storage.BlobReadyKey(id), &ready)
		if err != nil {
			return nil, err
		}

		if !found || !ready {
			return nil, errBlobNotReady
		}

		blob, err := r.Get(ctx, id)
		if errors.Is(err, media.ErrBlobNotFound) {
			return nil, backoff.Permanent(err)
		}

		return blob, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.readyAttempts)))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", id, err)
	}

	return blob, nil
}

func (r *BlobRepository) ListStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM blobs WHERE created_at < ? ORDER BY created_at`,
		olderThan.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}
