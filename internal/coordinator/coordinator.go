// Package coordinator owns the download lifecycle: admission, the fetch or merge pipeline,
// handoff to the platform download manager, cancellation and the cleanup of every record it
// creates.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/streamgrab/internal/downloader"
	"github.com/italolelis/streamgrab/internal/identity"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/offscreen"
	"github.com/italolelis/streamgrab/internal/platform"
	"github.com/italolelis/streamgrab/internal/registry"
	"github.com/italolelis/streamgrab/internal/storage"
	"github.com/italolelis/streamgrab/internal/telemetry"
)

const (
	statusPreparing   = "Preparing download..."
	statusFetching    = "Downloading..."
	statusMerging     = "Downloading and merging segments..."
	statusSaving      = "Saving file..."
	statusCompleted   = "Download complete"
	statusCancelled   = "Download cancelled"
	statusInterrupted = "Interrupted by restart"

	defaultFilename = "video.mp4"
)

// Merger resolves and merges HLS playlists.
type Merger interface {
	Resolve(ctx context.Context, manifestURL string) (*downloader.Plan, error)
	Merge(ctx context.Context, sig downloader.Signal, plan *downloader.Plan, onProgress func(done, total int)) ([]byte, error)
}

// Fetcher downloads progressive files.
type Fetcher interface {
	Probe(ctx context.Context, url string) (int64, error)
	Fetch(ctx context.Context, sig downloader.Signal, url string, onProgress func(received, total int64)) ([]byte, error)
}

// Minter spools ready blobs for the platform.
type Minter interface {
	Mint(ctx context.Context, blobID string) (offscreen.Reference, error)
	Revoke(ref offscreen.Reference) error
}

// Tabs is the view of open pages the coordinator reports back to.
type Tabs interface {
	VideoID(tabID int) (string, bool)
	Send(ctx context.Context, tabID int, ev media.Event) error
}

type Config struct {
	MaxConcurrentDownloads int
	MaxSegments            int
	MaxMergeBytes          int64

	CancelledCleanupDelay time.Duration
	FailedCleanupDelay    time.Duration
	CompletedCleanupDelay time.Duration
	CancelMarkerGrace     time.Duration
}

type Dependencies struct {
	Registry  *registry.Registry
	State     storage.StateStore
	Blobs     storage.BlobStore
	Merger    Merger
	Fetcher   Fetcher
	Minter    Minter
	Platform  platform.Manager
	Tabs      Tabs
	Observers media.EventSink // optional, receives every event regardless of tab
	Telemetry *telemetry.Telemetry
}

// DownloadRequest is what a page asks for.
type DownloadRequest struct {
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	MediaKind    string `json:"mediaKind"`
	QualityLabel string `json:"qualityLabel"`
	TabID        int    `json:"tabId"`
	VideoID      string `json:"videoId"`
}

// Result answers a DownloadRequest.
type Result struct {
	Success    bool   `json:"success"`
	DownloadID string `json:"downloadId,omitempty"`
	Error      string `json:"error,omitempty"`
	IsExisting bool   `json:"isExisting,omitempty"`
	Blocked    bool   `json:"blocked,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ProgressSnapshot is the polled state of one download.
type ProgressSnapshot struct {
	DownloadID string      `json:"downloadId"`
	Progress   int         `json:"progress"`
	Status     string      `json:"status"`
	Cancelled  bool        `json:"cancelled"`
	State      media.State `json:"state,omitempty"`
	Found      bool        `json:"-"`
}

// VideoData is what a page knows about the video it shows.
type VideoData struct {
	VideoID string   `json:"videoId"`
	URLs    []string `json:"urls"`
}

// ActiveDownload is a running download matched to a tab.
type ActiveDownload struct {
	DownloadID   string      `json:"downloadId"`
	URL          string      `json:"url"`
	Filename     string      `json:"filename"`
	QualityLabel string      `json:"qualityLabel,omitempty"`
	State        media.State `json:"state"`
	Progress     int         `json:"progress"`
}

type Coordinator struct {
	cfg Config

	registry  *registry.Registry
	state     storage.StateStore
	blobs     storage.BlobStore
	merger    Merger
	fetcher   Fetcher
	minter    Minter
	platform  platform.Manager
	tabs      Tabs
	observers media.EventSink
	tel       *telemetry.Telemetry

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// writeMu serializes every persisted write so the mirror never goes backwards.
	writeMu sync.Mutex

	// platformMu spans a platform start and its binding; deltas wait for it.
	platformMu sync.Mutex

	mu       sync.Mutex
	records  map[string]*media.DownloadRecord
	progress map[string]int
	status   map[string]string
	refs     map[string]offscreen.Reference

	timers    map[uint64]*time.Timer
	nextTimer uint64
}

// New builds a coordinator. Pipelines and cleanup timers run under ctx.
func New(ctx context.Context, cfg Config, deps Dependencies) *Coordinator {
	baseCtx, stop := context.WithCancel(ctx)

	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}

	return &Coordinator{
		cfg:       cfg,
		registry:  reg,
		state:     deps.State,
		blobs:     deps.Blobs,
		merger:    deps.Merger,
		fetcher:   deps.Fetcher,
		minter:    deps.Minter,
		platform:  deps.Platform,
		tabs:      deps.Tabs,
		observers: deps.Observers,
		tel:       deps.Telemetry,
		baseCtx:   baseCtx,
		stop:      stop,
		records:   make(map[string]*media.DownloadRecord),
		progress:  make(map[string]int),
		status:    make(map[string]string),
		refs:      make(map[string]offscreen.Reference),
		timers:    make(map[uint64]*time.Timer),
	}
}

// Request admits a download and starts its pipeline in the background.
func (c *Coordinator) Request(ctx context.Context, req DownloadRequest) Result {
	logger := logctx.LoggerFromContext(ctx)

	if err := validateURL(req.URL); err != nil {
		return Result{Error: err.Error()}
	}

	videoID := req.VideoID
	if videoID == "" {
		videoID, _ = identity.ExtractVideoID(req.URL)
	}

	filename := filenameFor(req.Filename, req.URL)
	normalized := identity.NormalizeURLForDownload(req.URL)

	adm, err := c.registry.Admit(normalized, registry.Metadata{
		URL:          req.URL,
		Filename:     filename,
		QualityLabel: req.QualityLabel,
		TabID:        req.TabID,
		VideoID:      videoID,
	}, c.cfg.MaxConcurrentDownloads)

	var admissionErr *media.AdmissionError
	if errors.As(err, &admissionErr) {
		logger.Info("download blocked", "url", req.URL, "reason", admissionErr.Reason)

		c.tel.RecordBlocked(admissionErr.Reason)
		c.notify(ctx, req.TabID, "", media.Event{
			Type:    media.EventDownloadBlocked,
			Message: admissionErr.Message,
			Reason:  admissionErr.Reason,
			TabID:   req.TabID,
			VideoID: videoID,
		})

		return Result{Error: admissionErr.Message, Blocked: true, Reason: admissionErr.Reason}
	}

	if err != nil {
		return Result{Error: err.Error()}
	}

	if adm.Existing {
		logger.Info("download already in progress", "download_id", adm.ID, "url", req.URL)

		c.notify(ctx, req.TabID, "", media.Event{
			Type:       media.EventDownloadStarted,
			DownloadID: adm.ID,
			Filename:   filename,
			IsExisting: true,
			TabID:      req.TabID,
			VideoID:    videoID,
		})

		return Result{DownloadID: adm.ID, Error: "Download already in progress", IsExisting: true, Reason: media.ReasonAlreadyActive}
	}

	meta, _ := c.registry.Metadata(adm.ID)

	rec := &media.DownloadRecord{
		DownloadID:    adm.ID,
		URL:           req.URL,
		NormalizedURL: normalized,
		Filename:      filename,
		QualityLabel:  req.QualityLabel,
		TabID:         req.TabID,
		VideoID:       videoID,
		StartTime:     meta.StartTime,
		State:         media.StatePreparing,
	}

	// rec belongs to the coordinator once created; everything below reads the copy.
	snapshot := *rec

	c.create(ctx, rec)

	kind := identity.ClassifyKind(req.URL, media.ParseKind(req.MediaKind))

	logger.Info("download admitted",
		"download_id", snapshot.DownloadID, "url", snapshot.URL, "kind", kind, "filename", snapshot.Filename, "tab_id", snapshot.TabID)

	c.notify(ctx, snapshot.TabID, "", media.Event{
		Type:         media.EventDownloadStarted,
		DownloadID:   snapshot.DownloadID,
		Filename:     snapshot.Filename,
		QualityLabel: snapshot.QualityLabel,
		TabID:        snapshot.TabID,
		VideoID:      snapshot.VideoID,
	})

	runCtx := logctx.WithLogger(c.baseCtx, logger.With("download_id", snapshot.DownloadID))

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.run(runCtx, snapshot, adm.Handle, kind)
	}()

	return Result{Success: true, DownloadID: snapshot.DownloadID}
}

// Cancel stops a download. The outcome is observed through Progress.
func (c *Coordinator) Cancel(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx)

	h, ok := c.registry.Cancel(id)
	if !ok {
		logger.Debug("cancel for unknown or finished download", "download_id", id)

		return
	}

	if err := c.state.Set(ctx, storage.CancelledKey(id), true); err != nil {
		logger.Error("failed to persist cancellation marker", "download_id", id, "err", err)
	}

	if pid, ok := h.PlatformID(); ok {
		if err := c.platform.Cancel(ctx, pid); err != nil {
			logger.Warn("failed to cancel platform download", "download_id", id, "platform_id", pid, "err", err)
		}
	}

	logger.Info("download cancelled", "download_id", id)

	c.terminate(ctx, id, media.StateCancelled, statusCancelled, "")
}

// IsDownloadCancelled reads the persisted cancellation marker.
func (c *Coordinator) IsDownloadCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool

	if _, err := c.state.Get(ctx, storage.CancelledKey(id), &cancelled); err != nil {
		return false, fmt.Errorf("failed to read cancellation marker: %w", err)
	}

	return cancelled, nil
}

// Progress returns the polled state of a download, from memory or from the persisted mirror.
func (c *Coordinator) Progress(ctx context.Context, id string) (ProgressSnapshot, error) {
	c.mu.Lock()
	rec, ok := c.records[id]

	if ok {
		snap := ProgressSnapshot{
			DownloadID: id,
			Progress:   c.progress[id],
			Status:     c.status[id],
			Cancelled:  rec.State == media.StateCancelled,
			State:      rec.State,
			Found:      true,
		}
		c.mu.Unlock()

		return snap, nil
	}
	c.mu.Unlock()

	snap := ProgressSnapshot{DownloadID: id}

	foundProgress, err := c.state.Get(ctx, storage.ProgressKey(id), &snap.Progress)
	if err != nil {
		return snap, fmt.Errorf("failed to read progress: %w", err)
	}

	foundStatus, err := c.state.Get(ctx, storage.StatusKey(id), &snap.Status)
	if err != nil {
		return snap, fmt.Errorf("failed to read status: %w", err)
	}

	foundCancelled, err := c.state.Get(ctx, storage.CancelledKey(id), &snap.Cancelled)
	if err != nil {
		return snap, fmt.Errorf("failed to read cancellation marker: %w", err)
	}

	var persisted media.DownloadRecord

	foundInfo, err := c.state.Get(ctx, storage.InfoKey(id), &persisted)
	if err != nil {
		return snap, fmt.Errorf("failed to read download info: %w", err)
	}

	snap.State = persisted.State
	snap.Found = foundProgress || foundStatus || foundCancelled || foundInfo

	return snap, nil
}

// QueryActive matches each tab's known URLs, then its video id, against running downloads.
func (c *Coordinator) QueryActive(byTab map[int]VideoData) map[int]ActiveDownload {
	out := make(map[int]ActiveDownload)

	for tabID, data := range byTab {
		if d, ok := c.activeFor(tabID, data); ok {
			out[tabID] = d
		}
	}

	return out
}

func (c *Coordinator) activeFor(tabID int, data VideoData) (ActiveDownload, bool) {
	for _, u := range data.URLs {
		if id, ok := c.registry.GetActive(identity.NormalizeURLForDownload(u)); ok {
			if d, ok := c.active(id); ok {
				return d, true
			}
		}
	}

	if data.VideoID == "" {
		return ActiveDownload{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Prefer the tab's own download, then the most recent one.
	better := func(a, b *media.DownloadRecord) bool {
		if (a.TabID == tabID) != (b.TabID == tabID) {
			return a.TabID == tabID
		}

		return a.StartTime.After(b.StartTime)
	}

	var best *media.DownloadRecord

	for _, rec := range c.records {
		if rec.State.IsTerminal() || rec.VideoID != data.VideoID {
			continue
		}

		if best == nil || better(rec, best) {
			best = rec
		}
	}

	if best == nil {
		return ActiveDownload{}, false
	}

	return c.activeLocked(best), true
}

func (c *Coordinator) active(id string) (ActiveDownload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok || rec.State.IsTerminal() {
		return ActiveDownload{}, false
	}

	return c.activeLocked(rec), true
}

func (c *Coordinator) activeLocked(rec *media.DownloadRecord) ActiveDownload {
	return ActiveDownload{
		DownloadID:   rec.DownloadID,
		URL:          rec.URL,
		Filename:     rec.Filename,
		QualityLabel: rec.QualityLabel,
		State:        rec.State,
		Progress:     c.progress[rec.DownloadID],
	}
}

// Shutdown stops pipelines and pending cleanups and waits for pipelines to return.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()

	c.mu.Lock()
	for _, t := range c.timers {
		t.Stop()
	}
	clear(c.timers)
	c.mu.Unlock()

	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}

// notify delivers an event to observers and to the originating tab. When videoID is set the
// tab only hears about it while it still shows that video.
func (c *Coordinator) notify(ctx context.Context, tabID int, videoID string, ev media.Event) {
	logger := logctx.LoggerFromContext(ctx)

	if c.observers != nil {
		if err := c.observers.Publish(ctx, ev); err != nil {
			logger.Warn("failed to publish event", "event", ev.Type, "download_id", ev.DownloadID, "err", err)
		}
	}

	if c.tabs == nil {
		return
	}

	if videoID != "" {
		current, ok := c.tabs.VideoID(tabID)
		if !ok || current != videoID {
			logger.Debug("tab moved on, event not delivered",
				"event", ev.Type, "download_id", ev.DownloadID, "tab_id", tabID)

			return
		}
	}

	if err := c.tabs.Send(ctx, tabID, ev); err != nil {
		logger.Debug("failed to deliver event to tab", "event", ev.Type, "tab_id", tabID, "err", err)
	}
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("url has no host")
	}

	return nil
}

// filenameFor picks the saved name: the requested one, else the URL's last path element. The
// result always carries a media extension.
func filenameFor(requested, rawURL string) string {
	name := strings.TrimSpace(requested)

	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}

	if name == "" || name == "." || name == "/" {
		return defaultFilename
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".m4v", ".mov", ".webm", ".mkv", ".ts":
		return name
	case ".m3u8":
		return strings.TrimSuffix(name, path.Ext(name)) + ".mp4"
	default:
		return name + ".mp4"
	}
}
