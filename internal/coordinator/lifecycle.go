package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/platform"
	"github.com/italolelis/streamgrab/internal/storage"
)

// create installs a fresh record in memory and in the persisted mirror.
func (c *Coordinator) create(ctx context.Context, rec *media.DownloadRecord) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.records[rec.DownloadID] = rec
	c.progress[rec.DownloadID] = 0
	c.status[rec.DownloadID] = statusPreparing
	snapshot := *rec
	c.mu.Unlock()

	c.persist(ctx, &snapshot, statusPreparing)
	c.persistProgress(ctx, rec.DownloadID, 0)
}

// transition moves a live record to state. Terminal records never move.
func (c *Coordinator) transition(ctx context.Context, id string, state media.State, status string) bool {
	return c.update(ctx, id, status, func(rec *media.DownloadRecord) { rec.State = state })
}

// update mutates a live record and mirrors it. It reports false for unknown or terminal records.
func (c *Coordinator) update(ctx context.Context, id, status string, fn func(rec *media.DownloadRecord)) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok || rec.State.IsTerminal() {
		c.mu.Unlock()

		return false
	}

	fn(rec)

	if status != "" {
		c.status[id] = status
	} else {
		status = c.status[id]
	}

	snapshot := *rec
	c.mu.Unlock()

	c.persist(ctx, &snapshot, status)

	return true
}

// setProgress raises the progress of a live record. Lower values are ignored.
func (c *Coordinator) setProgress(ctx context.Context, id string, pct int) {
	if pct > 100 {
		pct = 100
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok || rec.State.IsTerminal() || pct <= c.progress[id] {
		c.mu.Unlock()

		return
	}

	c.progress[id] = pct
	c.mu.Unlock()

	c.persistProgress(ctx, id, pct)
}

func (c *Coordinator) persist(ctx context.Context, rec *media.DownloadRecord, status string) {
	logger := logctx.LoggerFromContext(ctx)

	if err := c.state.Set(ctx, storage.InfoKey(rec.DownloadID), rec); err != nil {
		logger.Error("failed to persist download info", "download_id", rec.DownloadID, "err", err)
	}

	if err := c.state.Set(ctx, storage.StatusKey(rec.DownloadID), status); err != nil {
		logger.Error("failed to persist download status", "download_id", rec.DownloadID, "err", err)
	}
}

func (c *Coordinator) persistProgress(ctx context.Context, id string, pct int) {
	if err := c.state.Set(ctx, storage.ProgressKey(id), pct); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist progress", "download_id", id, "err", err)
	}
}

// terminate moves a record to a terminal state exactly once: it releases the registry entry,
// revokes any spooled payload, emits the matching event and schedules cleanup.
func (c *Coordinator) terminate(ctx context.Context, id string, state media.State, status, filename string) bool {
	var snapshot media.DownloadRecord

	ok := c.update(ctx, id, status, func(rec *media.DownloadRecord) {
		rec.State = state
		snapshot = *rec
	})
	if !ok {
		return false
	}

	c.registry.Release(id)
	c.revokeRef(ctx, id)

	if filename == "" {
		filename = snapshot.Filename
	}

	ev := media.Event{
		DownloadID:   id,
		Filename:     filename,
		QualityLabel: snapshot.QualityLabel,
		TabID:        snapshot.TabID,
		VideoID:      snapshot.VideoID,
	}

	var (
		delay      time.Duration
		matchVideo string
	)

	switch state {
	case media.StateCompleted:
		ev.Type = media.EventDownloadCompleted
		delay = c.cfg.CompletedCleanupDelay
		matchVideo = snapshot.VideoID
	case media.StateCancelled:
		ev.Type = media.EventDownloadCancelled
		delay = c.cfg.CancelledCleanupDelay

		c.dropPersisted(ctx, id)
	default:
		ev.Type = media.EventDownloadFailed
		ev.Message = status
		delay = c.cfg.FailedCleanupDelay
	}

	c.notify(ctx, snapshot.TabID, matchVideo, ev)
	c.scheduleCleanup(id, delay)

	return true
}

// revokeRef releases the spooled payload minted for id, if it is still held.
func (c *Coordinator) revokeRef(ctx context.Context, id string) {
	c.mu.Lock()
	ref, ok := c.refs[id]
	delete(c.refs, id)
	c.mu.Unlock()

	if !ok {
		return
	}

	if err := c.minter.Revoke(ref); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to revoke spooled payload", "download_id", id, "err", err)
	}
}

// dropPersisted removes the persisted info and progress of a terminal record. The in-memory
// record stays until its cleanup fires.
func (c *Coordinator) dropPersisted(ctx context.Context, id string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.state.Delete(ctx, storage.InfoKey(id), storage.ProgressKey(id), storage.BlobReadyKey(blobID(id))); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to clean up download", "download_id", id, "err", err)
	}
}

// scheduleCleanup evicts a record after delay. Status and the cancellation marker survive for
// CancelMarkerGrace more so late readers still observe them.
func (c *Coordinator) scheduleCleanup(id string, delay time.Duration) {
	c.after(delay, func(ctx context.Context) {
		c.mu.Lock()
		delete(c.records, id)
		delete(c.progress, id)
		delete(c.status, id)
		c.mu.Unlock()

		c.dropPersisted(ctx, id)

		c.after(c.cfg.CancelMarkerGrace, func(ctx context.Context) {
			if err := c.state.Delete(ctx, storage.StatusKey(id), storage.CancelledKey(id)); err != nil {
				logctx.LoggerFromContext(ctx).Error("failed to clean up cancellation marker", "download_id", id, "err", err)
			}
		})
	})
}

// after runs fn once delay elapses. Fired timers forget themselves; Shutdown stops the rest.
func (c *Coordinator) after(delay time.Duration, fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.baseCtx.Err() != nil {
		return
	}

	c.nextTimer++
	key := c.nextTimer

	c.timers[key] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, key)
		c.mu.Unlock()

		if c.baseCtx.Err() != nil {
			return
		}

		fn(c.baseCtx)
	})
}

func (c *Coordinator) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.timers)
}

// Restore rebuilds records persisted by a previous process. Anything that was still running is
// marked failed; its cancellation handle is gone.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	keys, err := c.state.Keys(ctx, storage.InfoPrefix)
	if err != nil {
		return 0, err
	}

	restored := 0

	for _, key := range keys {
		id := strings.TrimPrefix(key, storage.InfoPrefix)

		var rec media.DownloadRecord

		found, err := c.state.Get(ctx, key, &rec)
		if err != nil || !found {
			logger.Warn("skipping unreadable download info", "key", key, "err", err)

			continue
		}

		var (
			pct    int
			status string
		)

		if _, err := c.state.Get(ctx, storage.ProgressKey(id), &pct); err != nil {
			logger.Warn("failed to read persisted progress", "download_id", id, "err", err)
		}

		if _, err := c.state.Get(ctx, storage.StatusKey(id), &status); err != nil {
			logger.Warn("failed to read persisted status", "download_id", id, "err", err)
		}

		rec.DownloadID = id
		delay := c.cfg.FailedCleanupDelay

		switch rec.State {
		case media.StateCompleted:
			delay = c.cfg.CompletedCleanupDelay
		case media.StateCancelled:
			delay = c.cfg.CancelledCleanupDelay
		case media.StateFailed:
		default:
			rec.State = media.StateFailed
			status = statusInterrupted

			c.persist(ctx, &rec, status)
		}

		c.mu.Lock()
		c.records[id] = &rec
		c.progress[id] = pct
		c.status[id] = status
		c.mu.Unlock()

		c.scheduleCleanup(id, delay)

		restored++
	}

	if restored > 0 {
		logger.Info("restored persisted downloads", "count", restored)
	}

	return restored, nil
}

// WatchPlatform consumes platform deltas until ctx ends or the platform closes its channel.
func (c *Coordinator) WatchPlatform(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("watching platform downloads")

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down platform watcher")

				return
			case d, ok := <-c.platform.Deltas():
				if !ok {
					return
				}

				c.handleDelta(ctx, d)
			}
		}
	}()
}

func (c *Coordinator) handleDelta(ctx context.Context, d platform.Delta) {
	logger := logctx.LoggerFromContext(ctx)

	c.platformMu.Lock()
	id, ok := c.registry.LookupPlatform(d.ID)
	c.platformMu.Unlock()

	if !ok {
		logger.Debug("delta for untracked platform download", "platform_id", d.ID, "state", d.State)

		return
	}

	switch d.State {
	case platform.StateComplete:
		c.setProgress(ctx, id, 100)

		filename := ""
		if d.Path != "" {
			filename = filepath.Base(d.Path)
		}

		if c.terminate(ctx, id, media.StateCompleted, statusCompleted, filename) {
			logger.Info("download completed", "download_id", id, "path", d.Path)
		}
	case platform.StateInterrupted:
		if c.terminate(ctx, id, media.StateFailed, "Download interrupted: "+d.Error, "") {
			logger.Warn("platform download interrupted", "download_id", id, "err", d.Error)
		}
	}
}
