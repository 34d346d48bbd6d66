package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "blob_1.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return "file://" + filepath.ToSlash(path)
}

func nextDelta(t *testing.T, m *Manager) platform.Delta {
	t.Helper()

	select {
	case d := <-m.Deltas():
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delta received")

		return platform.Delta{}
	}
}

func TestStart_SilentCopiesIntoDownloadDir(t *testing.T) {
	downloads := t.TempDir()
	m := New(downloads, "")

	id, err := m.Start(context.Background(), platform.Options{Source: writeSource(t, "payload"), Filename: "video.mp4"})
	require.NoError(t, err)
	assert.Positive(t, id)

	d := nextDelta(t, m)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, platform.StateComplete, d.State)
	assert.Equal(t, filepath.Join(downloads, "video.mp4"), d.Path)

	data, err := os.ReadFile(d.Path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	m.Close()
}

func TestStart_UniquifiesFilename(t *testing.T) {
	downloads := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(downloads, "video.mp4"), []byte("old"), 0o644))

	m := New(downloads, "")
	defer m.Close()

	_, err := m.Start(context.Background(), platform.Options{Source: writeSource(t, "new"), Filename: "video.mp4"})
	require.NoError(t, err)

	d := nextDelta(t, m)
	assert.Equal(t, filepath.Join(downloads, "video (1).mp4"), d.Path)
}

func TestStart_SaveAsWithoutPromptDir(t *testing.T) {
	m := New(t.TempDir(), "")
	defer m.Close()

	_, err := m.Start(context.Background(), platform.Options{Source: writeSource(t, "x"), Filename: "a.mp4", SaveAs: true})
	assert.ErrorIs(t, err, media.ErrPromptUnavailable)
}

func TestStart_SaveAsUsesPromptDir(t *testing.T) {
	prompt := t.TempDir()

	m := New(t.TempDir(), prompt)
	defer m.Close()

	_, err := m.Start(context.Background(), platform.Options{Source: writeSource(t, "x"), Filename: "../escape.mp4", SaveAs: true})
	require.NoError(t, err)

	d := nextDelta(t, m)
	assert.Equal(t, platform.StateComplete, d.State)
	assert.Equal(t, filepath.Join(prompt, ".._escape.mp4"), d.Path)
}

func TestStart_Errors(t *testing.T) {
	m := New(t.TempDir(), "")
	defer m.Close()

	_, err := m.Start(context.Background(), platform.Options{Source: "https://cdn.example/a.mp4", Filename: "a.mp4"})
	assert.Error(t, err)

	_, err = m.Start(context.Background(), platform.Options{Source: "file:///does/not/exist.bin", Filename: "a.mp4"})
	assert.Error(t, err)
}

func TestCancel_UnknownIDIsIgnored(t *testing.T) {
	m := New(t.TempDir(), "")
	defer m.Close()

	assert.NoError(t, m.Cancel(context.Background(), 42))
}

func TestCtxReader_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &ctxReader{ctx: ctx, r: nil}

	_, err := r.Read(make([]byte, 4))
	assert.ErrorIs(t, err, context.Canceled)
}
