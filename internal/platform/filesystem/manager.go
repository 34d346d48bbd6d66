// Package filesystem implements the platform download manager by copying spooled payloads into
// local directories.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/platform"
)

const (
	dirPerm     = 0o755
	filePerm    = 0o644
	maxUniquify = 1000

	errUserCanceled = "USER_CANCELED"
)

var errTooManyDuplicates = errors.New("too many files with the same name")

type Manager struct {
	downloadDir string
	promptDir   string

	mu     sync.Mutex
	nextID int
	active map[int]context.CancelFunc
	closed bool

	wg     sync.WaitGroup
	deltas chan platform.Delta
}

// New builds a manager. An empty promptDir makes every SaveAs download fail with
// media.ErrPromptUnavailable.
func New(downloadDir, promptDir string) *Manager {
	return &Manager{
		downloadDir: downloadDir,
		promptDir:   promptDir,
		active:      make(map[int]context.CancelFunc),
		deltas:      make(chan platform.Delta, 64),
	}
}

func (m *Manager) Deltas() <-chan platform.Delta { return m.deltas }

// Start reserves the target file and copies the source asynchronously. The outcome is reported
// on Deltas.
func (m *Manager) Start(ctx context.Context, opts platform.Options) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	dir := m.downloadDir
	if opts.SaveAs {
		if m.promptDir == "" {
			return 0, media.ErrPromptUnavailable
		}

		dir = m.promptDir
	}

	src, err := sourcePath(opts.Source)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	out, target, err := reserve(dir, cleanFilename(opts.Filename))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		out.Close()
		_ = os.Remove(target)

		return 0, errors.New("download manager closed")
	}

	m.nextID++
	id := m.nextID

	copyCtx, cancel := context.WithCancel(context.Background())
	m.active[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	logger.Info("platform download started",
		"platform_id", id, "target", target, "save_as", opts.SaveAs, "size", humanize.Bytes(uint64(info.Size())))

	go func() {
		defer m.wg.Done()

		delta := m.copy(copyCtx, id, src, out, target)

		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()

		cancel()

		m.deltas <- delta
	}()

	return id, nil
}

func (m *Manager) copy(ctx context.Context, id int, src string, out *os.File, target string) platform.Delta {
	in, err := os.Open(src)
	if err != nil {
		out.Close()
		_ = os.Remove(target)

		return platform.Delta{ID: id, State: platform.StateInterrupted, Error: err.Error()}
	}

	defer in.Close()

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: in})
	closeErr := out.Close()

	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(target)

		if errors.Is(err, context.Canceled) {
			return platform.Delta{ID: id, State: platform.StateInterrupted, Error: errUserCanceled}
		}

		return platform.Delta{ID: id, State: platform.StateInterrupted, Error: err.Error()}
	}

	return platform.Delta{ID: id, State: platform.StateComplete, Path: target}
}

// Cancel interrupts a running copy. Unknown or finished ids are ignored.
func (m *Manager) Cancel(_ context.Context, id int) error {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()

	if ok {
		cancel()
	}

	return nil
}

// Close waits for running copies and closes the delta channel.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	close(m.deltas)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

func sourcePath(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid source: %w", err)
	}

	switch u.Scheme {
	case "file":
		return filepath.FromSlash(u.Path), nil
	case "":
		return ref, nil
	default:
		return "", fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func cleanFilename(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "download"
	}

	return name
}

// reserve creates dir/name exclusively, appending " (n)" before the extension on collision.
func reserve(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < maxUniquify; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		target := filepath.Join(dir, candidate)

		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			return f, target, nil
		}

		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("failed to create target file: %w", err)
		}
	}

	return nil, "", fmt.Errorf("%s: %w", name, errTooManyDuplicates)
}
