// Package offscreen turns assembled blobs into references the platform download manager can
// consume. It only returns errors; user-visible status is decided by the coordinator.
package offscreen

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/storage"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	spoolExt = ".bin"
)

// Reference points at a spooled payload.
type Reference struct {
	URL  string // file:// URL
	Path string
	Size int64
}

type Minter struct {
	blobs    storage.BlobStore
	spoolDir string
}

func NewMinter(blobs storage.BlobStore, spoolDir string) *Minter {
	return &Minter{blobs: blobs, spoolDir: spoolDir}
}

// SpoolDir is where minted payloads live until the platform picks them up.
func (m *Minter) SpoolDir() string { return m.spoolDir }

// Mint waits for blobID to be marked ready, spools it to disk and returns its reference.
func (m *Minter) Mint(ctx context.Context, blobID string) (Reference, error) {
	logger := logctx.LoggerFromContext(ctx)

	blob, err := m.blobs.GetWhenReady(ctx, blobID)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to read blob %s: %w", blobID, err)
	}

	if err := os.MkdirAll(m.spoolDir, dirPerm); err != nil {
		return Reference{}, fmt.Errorf("failed to create spool directory: %w", err)
	}

	path := filepath.Join(m.spoolDir, sanitize(blobID)+spoolExt)

	// Readers only ever see the renamed file.
	tmp := path + ".part"
	if err := os.WriteFile(tmp, blob.Data, filePerm); err != nil {
		return Reference{}, fmt.Errorf("failed to write spool file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return Reference{}, fmt.Errorf("failed to finalize spool file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	logger.Debug("blob spooled", "blob_id", blobID, "path", abs, "size", humanize.Bytes(uint64(len(blob.Data))))

	return Reference{
		URL:  (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Path: abs,
		Size: int64(len(blob.Data)),
	}, nil
}

// Revoke removes a spooled payload. Revoking twice is not an error.
func (m *Minter) Revoke(ref Reference) error {
	if ref.Path == "" {
		return nil
	}

	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to revoke %s: %w", ref.URL, err)
	}

	return nil
}

// PathFromURL maps a file:// reference back to a local path.
func PathFromURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference: %w", err)
	}

	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported reference scheme %q", u.Scheme)
	}

	return filepath.FromSlash(u.Path), nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
