package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/streamgrab/internal/downloader"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/offscreen"
	"github.com/italolelis/streamgrab/internal/platform"
	"github.com/italolelis/streamgrab/internal/platform/filesystem"
	"github.com/italolelis/streamgrab/internal/registry"
	"github.com/italolelis/streamgrab/internal/storage"
	"github.com/italolelis/streamgrab/internal/storage/sqlite"
	"github.com/italolelis/streamgrab/internal/tabs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// mediaServer serves playlists and segments by path and counts hits.
type mediaServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	hooks  map[string]func(w http.ResponseWriter, r *http.Request)
}

func newMediaServer(t *testing.T) *mediaServer {
	t.Helper()

	ms := &mediaServer{
		bodies: make(map[string]string),
		hits:   make(map[string]int),
		hooks:  make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits[r.URL.Path]++
		body, ok := ms.bodies[r.URL.Path]
		hook := ms.hooks[r.URL.Path]
		ms.mu.Unlock()

		if hook != nil {
			hook(w, r)
		}

		if !ok {
			http.NotFound(w, r)

			return
		}

		http.ServeContent(w, r, "", time.Time{}, strings.NewReader(body))
	}))

	t.Cleanup(ms.Close)

	return ms
}

func (ms *mediaServer) set(path, body string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.bodies[path] = body
}

func (ms *mediaServer) hook(path string, fn func(w http.ResponseWriter, r *http.Request)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.hooks[path] = fn
}

func (ms *mediaServer) hitCount(path string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.hits[path]
}

// threeSegments publishes a media playlist at /master.m3u8 and returns the merged payload.
func (ms *mediaServer) threeSegments() string {
	ms.set("/master.m3u8", `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.000,
s0.ts
#EXTINF:4.000,
s1.ts
#EXTINF:4.000,
s2.ts
#EXT-X-ENDLIST
`)
	ms.set("/s0.ts", "segment-zero|")
	ms.set("/s1.ts", "segment-one|")
	ms.set("/s2.ts", "segment-two")

	return "segment-zero|segment-one|segment-two"
}

// blockUntil makes path wait for release (or for the client to go away).
func (ms *mediaServer) blockUntil(path string, release <-chan struct{}) {
	ms.hook(path, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
}

type recordingState struct {
	storage.StateStore

	mu       sync.Mutex
	progress map[string][]int
}

func (s *recordingState) Set(ctx context.Context, key string, value any) error {
	if id, ok := strings.CutPrefix(key, storage.ProgressPrefix); ok {
		if pct, ok := value.(int); ok {
			s.mu.Lock()
			s.progress[id] = append(s.progress[id], pct)
			s.mu.Unlock()
		}
	}

	return s.StateStore.Set(ctx, key, value)
}

func (s *recordingState) progressOf(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.progress[id]...)
}

type countingBlobs struct {
	storage.BlobStore

	mu   sync.Mutex
	puts int
}

func (b *countingBlobs) Put(ctx context.Context, id string, data []byte, expectedSize int64) error {
	b.mu.Lock()
	b.puts++
	b.mu.Unlock()

	return b.BlobStore.Put(ctx, id, data, expectedSize)
}

func (b *countingBlobs) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.puts
}

type recordingSink struct {
	mu     sync.Mutex
	events []media.Event
}

func (s *recordingSink) Publish(_ context.Context, ev media.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)

	return nil
}

func (s *recordingSink) find(typ media.EventType, id string) (media.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.Type == typ && (id == "" || ev.DownloadID == id) {
			return ev, true
		}
	}

	return media.Event{}, false
}

type fakePlatform struct {
	mu      sync.Mutex
	starts  []platform.Options
	results []fakeStart
	deltas  chan platform.Delta
}

type fakeStart struct {
	id  int
	err error
}

func newFakePlatform(results ...fakeStart) *fakePlatform {
	return &fakePlatform{results: results, deltas: make(chan platform.Delta, 8)}
}

func (p *fakePlatform) Start(_ context.Context, opts platform.Options) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.starts = append(p.starts, opts)

	if len(p.results) == 0 {
		return 0, errors.New("unexpected start")
	}

	res := p.results[0]
	p.results = p.results[1:]

	if res.err == nil && res.id != 0 {
		p.deltas <- platform.Delta{ID: res.id, State: platform.StateComplete, Path: "/downloads/" + opts.Filename}
	}

	return res.id, res.err
}

func (p *fakePlatform) Cancel(context.Context, int) error { return nil }

func (p *fakePlatform) Deltas() <-chan platform.Delta { return p.deltas }

func (p *fakePlatform) startOptions() []platform.Options {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]platform.Options(nil), p.starts...)
}

type harness struct {
	coord     *Coordinator
	srv       *mediaServer
	state     *recordingState
	blobs     *countingBlobs
	hub       *tabs.Hub
	events    *recordingSink
	registry  *registry.Registry
	downloads string
}

func testConfig() Config {
	return Config{
		MaxConcurrentDownloads: 3,
		MaxSegments:            100,
		MaxMergeBytes:          1 << 20,
		CancelledCleanupDelay:  time.Minute,
		FailedCleanupDelay:     time.Minute,
		CompletedCleanupDelay:  time.Minute,
		CancelMarkerGrace:      time.Minute,
	}
}

func withSegmentConcurrency(n int) func(*Dependencies) {
	return func(d *Dependencies) {
		d.Merger = downloader.NewMerger(&http.Client{Timeout: waitFor}, downloader.Config{Concurrency: n, Retries: 1, RetryDelay: time.Millisecond}, nil)
	}
}

func withPlatform(p platform.Manager) func(*Dependencies) {
	return func(d *Dependencies) { d.Platform = p }
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Dependencies)) *harness {
	t.Helper()

	srv := newMediaServer(t)

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	h := &harness{
		srv:       srv,
		state:     &recordingState{StateStore: sqlite.NewStateRepository(db), progress: make(map[string][]int)},
		blobs:     &countingBlobs{BlobStore: sqlite.NewBlobRepository(db, 5, time.Millisecond)},
		hub:       tabs.NewHub(0),
		events:    &recordingSink{},
		registry:  registry.New(),
		downloads: t.TempDir(),
	}

	fs := filesystem.New(h.downloads, "")
	httpClient := &http.Client{Timeout: waitFor}

	deps := Dependencies{
		Registry:  h.registry,
		State:     h.state,
		Blobs:     h.blobs,
		Merger:    downloader.NewMerger(httpClient, downloader.Config{Concurrency: 4, Retries: 1, RetryDelay: time.Millisecond}, nil),
		Fetcher:   downloader.NewFetcher(httpClient, downloader.Config{}),
		Minter:    offscreen.NewMinter(h.blobs, filepath.Join(t.TempDir(), "spool")),
		Platform:  fs,
		Tabs:      h.hub,
		Observers: h.events,
	}

	for _, opt := range opts {
		opt(&deps)
	}

	ctx, cancel := context.WithCancel(context.Background())

	h.coord = New(ctx, cfg, deps)
	h.coord.WatchPlatform(ctx)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()

		assert.NoError(t, h.coord.Shutdown(shutdownCtx))
		cancel()

		if deps.Platform == platform.Manager(fs) {
			fs.Close()
		}
	})

	return h
}

func (h *harness) waitEvent(t *testing.T, typ media.EventType, id string) media.Event {
	t.Helper()

	var ev media.Event

	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = h.events.find(typ, id)

		return ok
	}, waitFor, tick, "no %s event for %q", typ, id)

	return ev
}

func TestRequest_HLSEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig())
	want := h.srv.threeSegments()

	h.hub.Navigate(1, "vid-1")

	res := h.coord.Request(context.Background(), DownloadRequest{
		URL:       h.srv.URL + "/master.m3u8",
		Filename:  "video.mp4",
		MediaKind: "hls",
		TabID:     1,
		VideoID:   "vid-1",
	})
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.DownloadID)

	completed := h.waitEvent(t, media.EventDownloadCompleted, res.DownloadID)
	assert.Equal(t, "video.mp4", completed.Filename)

	data, err := os.ReadFile(filepath.Join(h.downloads, "video.mp4"))
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
	assert.Len(t, data, len("segment-zero|")+len("segment-one|")+len("segment-two"))

	snap, err := h.coord.Progress(context.Background(), res.DownloadID)
	require.NoError(t, err)
	assert.True(t, snap.Found)
	assert.Equal(t, media.StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.False(t, snap.Cancelled)

	progress := h.state.progressOf(res.DownloadID)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])

	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1], "progress must only grow: %v", progress)
	}

	_, err = h.blobs.Get(context.Background(), blobID(res.DownloadID))
	assert.ErrorIs(t, err, media.ErrBlobNotFound)

	assert.Equal(t, 0, h.registry.ActiveCount())

	var types []media.EventType
	for _, ev := range h.hub.Drain(1) {
		types = append(types, ev.Type)
	}

	assert.Equal(t, []media.EventType{media.EventDownloadStarted, media.EventDownloadCompleted}, types)
}

func TestRequest_DuplicateWhileFetching(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.threeSegments()

	release := make(chan struct{})
	h.srv.blockUntil("/s0.ts", release)

	h.hub.Navigate(2, "vid")

	first := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8?_nc_rid=1", TabID: 2})
	require.True(t, first.Success)

	second := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8?_nc_rid=2", TabID: 2})
	assert.False(t, second.Success)
	assert.True(t, second.IsExisting)
	assert.Equal(t, first.DownloadID, second.DownloadID)

	var existing []media.Event
	for _, ev := range h.hub.Drain(2) {
		if ev.IsExisting {
			existing = append(existing, ev)
		}
	}

	require.Len(t, existing, 1)
	assert.Equal(t, media.EventDownloadStarted, existing[0].Type)
	assert.Equal(t, first.DownloadID, existing[0].DownloadID)

	close(release)

	h.waitEvent(t, media.EventDownloadCompleted, first.DownloadID)
}

func TestCancel_AfterFirstSegment(t *testing.T) {
	h := newHarness(t, testConfig(), withSegmentConcurrency(1))
	h.srv.threeSegments()

	ids := make(chan string, 1)

	h.srv.hook("/s0.ts", func(w http.ResponseWriter, r *http.Request) {
		id := <-ids
		h.coord.Cancel(context.Background(), id)
	})

	url := h.srv.URL + "/master.m3u8"

	res := h.coord.Request(context.Background(), DownloadRequest{URL: url, MediaKind: "hls", TabID: 3})
	require.True(t, res.Success)

	ids <- res.DownloadID

	h.waitEvent(t, media.EventDownloadCancelled, res.DownloadID)
	h.coord.wg.Wait()

	snap, err := h.coord.Progress(context.Background(), res.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, media.StateCancelled, snap.State)
	assert.True(t, snap.Cancelled)

	cancelled, err := h.coord.IsDownloadCancelled(context.Background(), res.DownloadID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, completed := h.events.find(media.EventDownloadCompleted, res.DownloadID)
	assert.False(t, completed)
	assert.Equal(t, 0, h.blobs.putCount())
	assert.Equal(t, 0, h.srv.hitCount("/s1.ts"))
	assert.Equal(t, 0, h.srv.hitCount("/s2.ts"))

	_, active := h.registry.GetActive(url)
	assert.False(t, active)

	// Cancelling again is only acknowledged.
	h.coord.Cancel(context.Background(), res.DownloadID)
}

func TestRequest_ConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentDownloads = 1

	h := newHarness(t, cfg)
	h.srv.threeSegments()

	release := make(chan struct{})
	h.srv.blockUntil("/s0.ts", release)

	h.hub.Navigate(5, "vid")

	first := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 4})
	require.True(t, first.Success)

	blocked := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/other.mp4", TabID: 5})
	assert.False(t, blocked.Success)
	assert.True(t, blocked.Blocked)
	assert.Equal(t, media.ReasonConcurrencyLimit, blocked.Reason)
	assert.NotEmpty(t, blocked.Error)

	events := h.hub.Drain(5)
	require.Len(t, events, 1)
	assert.Equal(t, media.EventDownloadBlocked, events[0].Type)
	assert.Equal(t, media.ReasonConcurrencyLimit, events[0].Reason)

	close(release)

	h.waitEvent(t, media.EventDownloadCompleted, first.DownloadID)
}

func TestRequest_SegmentCeilingBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSegments = 2

	h := newHarness(t, cfg)
	h.srv.threeSegments()

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 6})
	require.True(t, res.Success)

	ev := h.waitEvent(t, media.EventDownloadBlocked, res.DownloadID)
	assert.Equal(t, media.ReasonSegmentLimit, ev.Reason)
	assert.NotEmpty(t, ev.Message)

	h.coord.wg.Wait()

	_, failed := h.events.find(media.EventDownloadFailed, res.DownloadID)
	assert.False(t, failed)
	assert.Equal(t, 0, h.srv.hitCount("/s0.ts"))
	assert.Equal(t, 0, h.registry.ActiveCount())

	snap, err := h.coord.Progress(context.Background(), res.DownloadID)
	require.NoError(t, err)
	assert.True(t, snap.Found)
	assert.True(t, strings.HasPrefix(snap.Status, "Blocked: "), snap.Status)
	assert.NotEqual(t, media.StateFailed, snap.State)
}

func TestRequest_MP4WithRangeURL(t *testing.T) {
	h := newHarness(t, testConfig())

	payload := strings.Repeat("mp4-bytes", 100)
	h.srv.set("/videos/12345/clip.mp4", payload)

	var rawQueries []string

	h.srv.hook("/videos/12345/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		h.srv.mu.Lock()
		rawQueries = append(rawQueries, r.URL.RawQuery)
		h.srv.mu.Unlock()
	})

	res := h.coord.Request(context.Background(), DownloadRequest{
		URL:   h.srv.URL + "/videos/12345/clip.mp4?bytestart=0&byteend=99&oh=abc",
		TabID: 7,
	})
	require.True(t, res.Success)

	completed := h.waitEvent(t, media.EventDownloadCompleted, res.DownloadID)
	assert.Equal(t, "12345", completed.VideoID)

	data, err := os.ReadFile(filepath.Join(h.downloads, "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	h.srv.mu.Lock()
	defer h.srv.mu.Unlock()

	for _, q := range rawQueries {
		assert.NotContains(t, q, "bytestart")
		assert.NotContains(t, q, "byteend")
	}
}

func TestRequest_MP4SizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMergeBytes = 10

	h := newHarness(t, cfg)
	h.srv.set("/big.mp4", strings.Repeat("x", 100))

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/big.mp4", TabID: 8})
	require.True(t, res.Success)

	ev := h.waitEvent(t, media.EventDownloadBlocked, res.DownloadID)
	assert.Equal(t, media.ReasonSizeLimit, ev.Reason)
}

func TestHandoff_FallsBackWhenSaveAsReturnsNoID(t *testing.T) {
	fake := newFakePlatform(fakeStart{id: 0}, fakeStart{id: 41})

	h := newHarness(t, testConfig(), withPlatform(fake))
	h.srv.threeSegments()

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", Filename: "show", TabID: 9})
	require.True(t, res.Success)

	completed := h.waitEvent(t, media.EventDownloadCompleted, res.DownloadID)
	assert.Equal(t, "show.mp4", completed.Filename)

	starts := fake.startOptions()
	require.Len(t, starts, 2)
	assert.True(t, starts[0].SaveAs)
	assert.False(t, starts[1].SaveAs)
	assert.Equal(t, "show.mp4", starts[1].Filename)
	assert.True(t, strings.HasPrefix(starts[1].Source, "file://"))
}

func TestHandoff_BothAttemptsFail(t *testing.T) {
	fake := newFakePlatform(fakeStart{err: media.ErrPromptUnavailable}, fakeStart{err: errors.New("disk full")})

	h := newHarness(t, testConfig(), withPlatform(fake))
	h.srv.threeSegments()

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 10})
	require.True(t, res.Success)

	failed := h.waitEvent(t, media.EventDownloadFailed, res.DownloadID)
	assert.Contains(t, failed.Message, "could not save file")

	snap, err := h.coord.Progress(context.Background(), res.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, media.StateFailed, snap.State)
	assert.Equal(t, 0, h.registry.ActiveCount())
}

func TestRequest_ManifestFailure(t *testing.T) {
	h := newHarness(t, testConfig())

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/missing.m3u8", TabID: 11})
	require.True(t, res.Success)

	failed := h.waitEvent(t, media.EventDownloadFailed, res.DownloadID)
	assert.Equal(t, "Download failed: server answered 404", failed.Message)
}

func TestCompletion_StaleTabIsNotNotified(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.threeSegments()

	release := make(chan struct{})
	h.srv.blockUntil("/s2.ts", release)

	h.hub.Navigate(12, "vid-a")

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 12, VideoID: "vid-a"})
	require.True(t, res.Success)

	h.hub.Navigate(12, "vid-b")
	close(release)

	h.waitEvent(t, media.EventDownloadCompleted, res.DownloadID)

	for _, ev := range h.hub.Drain(12) {
		assert.NotEqual(t, media.EventDownloadCompleted, ev.Type)
	}
}

func TestQueryActive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.threeSegments()

	release := make(chan struct{})
	h.srv.blockUntil("/s0.ts", release)

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8?t=1", TabID: 13, VideoID: "vid-q"})
	require.True(t, res.Success)

	got := h.coord.QueryActive(map[int]VideoData{
		13: {URLs: []string{h.srv.URL + "/master.m3u8?t=999"}},
		14: {VideoID: "vid-q"},
		15: {VideoID: "other", URLs: []string{h.srv.URL + "/else.mp4"}},
	})

	require.Contains(t, got, 13)
	assert.Equal(t, res.DownloadID, got[13].DownloadID)
	require.Contains(t, got, 14)
	assert.Equal(t, res.DownloadID, got[14].DownloadID)
	assert.NotContains(t, got, 15)

	close(release)

	h.waitEvent(t, media.EventDownloadCompleted, res.DownloadID)

	assert.Empty(t, h.coord.QueryActive(map[int]VideoData{13: {VideoID: "vid-q"}}))
}

func TestRestore_MarksInterruptedDownloadsFailed(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	rec := media.DownloadRecord{DownloadID: "1-dead", URL: "https://cdn.example/a.m3u8", State: media.StateMerging}
	require.NoError(t, h.state.Set(ctx, storage.InfoKey(rec.DownloadID), rec))
	require.NoError(t, h.state.Set(ctx, storage.ProgressKey(rec.DownloadID), 40))

	done := media.DownloadRecord{DownloadID: "2-done", State: media.StateCompleted}
	require.NoError(t, h.state.Set(ctx, storage.InfoKey(done.DownloadID), done))

	n, err := h.coord.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := h.coord.Progress(ctx, rec.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, media.StateFailed, snap.State)
	assert.Equal(t, statusInterrupted, snap.Status)
	assert.Equal(t, 40, snap.Progress)

	var persisted media.DownloadRecord

	found, err := h.state.Get(ctx, storage.InfoKey(rec.DownloadID), &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, media.StateFailed, persisted.State)

	snap, err = h.coord.Progress(ctx, done.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, media.StateCompleted, snap.State)
}

func TestCleanup_RemovesPersistedKeysAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.CancelledCleanupDelay = 20 * time.Millisecond
	cfg.CancelMarkerGrace = 200 * time.Millisecond

	h := newHarness(t, cfg)
	h.srv.threeSegments()

	release := make(chan struct{})
	h.srv.blockUntil("/s0.ts", release)

	t.Cleanup(func() { close(release) })

	ctx := context.Background()

	res := h.coord.Request(ctx, DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 16})
	require.True(t, res.Success)

	h.coord.Cancel(ctx, res.DownloadID)

	exists := func(key string) bool {
		var v any

		found, err := h.state.Get(ctx, key, &v)

		return err != nil || found
	}

	require.Eventually(t, func() bool {
		return !exists(storage.InfoKey(res.DownloadID)) && !exists(storage.ProgressKey(res.DownloadID))
	}, waitFor, tick)

	cancelled, err := h.coord.IsDownloadCancelled(ctx, res.DownloadID)
	require.NoError(t, err)
	assert.True(t, cancelled, "cancellation marker must outlive the record")

	require.Eventually(t, func() bool {
		return !exists(storage.CancelledKey(res.DownloadID)) && !exists(storage.StatusKey(res.DownloadID))
	}, waitFor, tick)

	snap, err := h.coord.Progress(ctx, res.DownloadID)
	require.NoError(t, err)
	assert.False(t, snap.Found)

	assert.Eventually(t, func() bool { return h.coord.pendingTimers() == 0 }, waitFor, tick)
}

func TestCancel_ImmediatelyAfterRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.threeSegments()

	ctx := context.Background()

	for i := 0; i < 20; i++ {
		res := h.coord.Request(ctx, DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 18})
		require.True(t, res.Success)

		h.coord.Cancel(ctx, res.DownloadID)

		h.waitEvent(t, media.EventDownloadCancelled, res.DownloadID)
		h.coord.wg.Wait()

		_, completed := h.events.find(media.EventDownloadCompleted, res.DownloadID)
		assert.False(t, completed)

		snap, err := h.coord.Progress(ctx, res.DownloadID)
		require.NoError(t, err)
		assert.Equal(t, media.StateCancelled, snap.State)
	}

	assert.Equal(t, 0, h.registry.ActiveCount())
}

func TestCancel_DropsPersistedInfoAtOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.threeSegments()

	release := make(chan struct{})
	h.srv.blockUntil("/s0.ts", release)

	t.Cleanup(func() { close(release) })

	ctx := context.Background()

	res := h.coord.Request(ctx, DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 19})
	require.True(t, res.Success)

	readyKey := storage.BlobReadyKey(blobID(res.DownloadID))
	require.NoError(t, h.state.Set(ctx, readyKey, true))

	h.coord.Cancel(ctx, res.DownloadID)

	exists := func(key string) bool {
		var v any

		found, err := h.state.Get(ctx, key, &v)
		require.NoError(t, err)

		return found
	}

	assert.False(t, exists(storage.InfoKey(res.DownloadID)))
	assert.False(t, exists(storage.ProgressKey(res.DownloadID)))
	assert.False(t, exists(readyKey))
	assert.True(t, exists(storage.StatusKey(res.DownloadID)))
	assert.True(t, exists(storage.CancelledKey(res.DownloadID)))

	snap, err := h.coord.Progress(ctx, res.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, media.StateCancelled, snap.State)
	assert.True(t, snap.Cancelled)
}

// cancellingMinter cancels the download while its payload is being minted.
type cancellingMinter struct {
	*offscreen.Minter

	mu     sync.Mutex
	cancel func(id string)
	minted offscreen.Reference
}

func (m *cancellingMinter) Mint(ctx context.Context, blob string) (offscreen.Reference, error) {
	ref, err := m.Minter.Mint(ctx, blob)

	m.mu.Lock()
	m.minted = ref
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel(strings.TrimPrefix(blob, "blob_"))
	}

	return ref, err
}

func (m *cancellingMinter) lastMinted() offscreen.Reference {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.minted
}

func TestHandoff_CancelDuringMintRevokesSpool(t *testing.T) {
	var minter *cancellingMinter

	h := newHarness(t, testConfig(), func(d *Dependencies) {
		inner, ok := d.Minter.(*offscreen.Minter)
		require.True(t, ok)

		minter = &cancellingMinter{Minter: inner}
		d.Minter = minter
	})
	h.srv.threeSegments()

	minter.mu.Lock()
	minter.cancel = func(id string) { h.coord.Cancel(context.Background(), id) }
	minter.mu.Unlock()

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 20})
	require.True(t, res.Success)

	h.waitEvent(t, media.EventDownloadCancelled, res.DownloadID)
	h.coord.wg.Wait()

	ref := minter.lastMinted()
	require.NotEmpty(t, ref.Path)
	assert.NoFileExists(t, ref.Path)

	_, completed := h.events.find(media.EventDownloadCompleted, res.DownloadID)
	assert.False(t, completed)
}

func TestRequest_Validation(t *testing.T) {
	h := newHarness(t, testConfig())

	for _, raw := range []string{"", "ftp://cdn.example/a.mp4", "https:///nohost"} {
		res := h.coord.Request(context.Background(), DownloadRequest{URL: raw})
		assert.False(t, res.Success, raw)
		assert.NotEmpty(t, res.Error, raw)
	}

	assert.Equal(t, 0, h.registry.ActiveCount())
}

func TestFilenameFor(t *testing.T) {
	tests := []struct {
		requested string
		url       string
		want      string
	}{
		{requested: "video.mp4", url: "https://cdn.example/x.m3u8", want: "video.mp4"},
		{requested: "My Show", url: "https://cdn.example/x.m3u8", want: "My Show.mp4"},
		{requested: "", url: "https://cdn.example/hls/master.m3u8", want: "master.mp4"},
		{requested: "", url: "https://cdn.example/clip.webm?x=1", want: "clip.webm"},
		{requested: "", url: "https://cdn.example/", want: "video.mp4"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, filenameFor(tt.requested, tt.url), "%q %q", tt.requested, tt.url)
	}
}

func TestSpoolFileIsRevokedAfterCompletion(t *testing.T) {
	h := newHarness(t, testConfig())
	h.srv.threeSegments()

	res := h.coord.Request(context.Background(), DownloadRequest{URL: h.srv.URL + "/master.m3u8", TabID: 17})
	require.True(t, res.Success)

	h.waitEvent(t, media.EventDownloadCompleted, res.DownloadID)

	minter, ok := h.coord.minter.(*offscreen.Minter)
	require.True(t, ok)

	entries, err := os.ReadDir(minter.SpoolDir())
	if err == nil {
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), blobID(res.DownloadID)), e.Name())
		}
	}
}
