package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/streamgrab/internal/identity"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/offscreen"
	"github.com/italolelis/streamgrab/internal/platform"
	"github.com/italolelis/streamgrab/internal/registry"
	"github.com/italolelis/streamgrab/internal/storage"
)

var errNoPlatformID = errors.New("no download id returned")

func blobID(downloadID string) string { return "blob_" + downloadID }

// run drives one download from Preparing to the platform handoff. Completion arrives later
// through WatchPlatform.
func (c *Coordinator) run(ctx context.Context, rec media.DownloadRecord, h *registry.Handle, kind media.Kind) {
	err := c.tel.InstrumentDownload(ctx, string(kind), outcome, func(ctx context.Context) error {
		return c.execute(ctx, rec, h, kind)
	})

	c.finish(ctx, rec, err)
}

func outcome(err error) string {
	var admissionErr *media.AdmissionError

	switch {
	case err == nil:
		return "handed_off"
	case media.IsCancellation(err):
		return "cancelled"
	case errors.As(err, &admissionErr):
		return "blocked"
	default:
		return "failed"
	}
}

func (c *Coordinator) execute(ctx context.Context, rec media.DownloadRecord, h *registry.Handle, kind media.Kind) error {
	logger := logctx.LoggerFromContext(ctx)
	id := rec.DownloadID

	source := rec.URL
	if identity.IsChunkedRangeURL(source) {
		base := identity.ExtractBaseURLFromRange(source)

		logger.Warn("range-chunked url requested, fetching whole resource", "url", source, "base_url", base)

		source = base
	}

	var (
		data []byte
		err  error
	)

	switch kind {
	case media.KindHLS:
		data, err = c.mergeHLS(ctx, id, source, h)
	default:
		data, err = c.fetchFile(ctx, id, source, h)
	}

	if err != nil {
		return err
	}

	if err := h.Err(); err != nil {
		return err
	}

	c.setProgress(ctx, id, 100)

	logger.Info("media assembled", "size", humanize.Bytes(uint64(len(data))))

	return c.handoff(ctx, rec, h, data)
}

func (c *Coordinator) mergeHLS(ctx context.Context, id, manifestURL string, h *registry.Handle) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	plan, err := c.merger.Resolve(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playlist: %w", err)
	}

	if err := h.Err(); err != nil {
		return nil, err
	}

	if c.cfg.MaxSegments > 0 && len(plan.Segments) > c.cfg.MaxSegments {
		return nil, &media.AdmissionError{
			Reason:  media.ReasonSegmentLimit,
			Message: fmt.Sprintf("stream has %d segments, more than the %d allowed", len(plan.Segments), c.cfg.MaxSegments),
		}
	}

	if c.cfg.MaxMergeBytes > 0 && plan.EstimatedBytes > c.cfg.MaxMergeBytes {
		return nil, sizeLimitError(plan.EstimatedBytes, c.cfg.MaxMergeBytes)
	}

	label := plan.Rendition.Label()

	c.update(ctx, id, statusMerging, func(r *media.DownloadRecord) {
		r.State = media.StateMerging
		if r.QualityLabel == "" {
			r.QualityLabel = label
		}
	})

	logger.Info("merging playlist", "segments", len(plan.Segments), "rendition", label, "duration", plan.Duration)

	data, err := c.merger.Merge(ctx, h, plan, func(done, total int) {
		c.setProgress(ctx, id, done*100/total)
	})
	if err != nil {
		return nil, err
	}

	if c.cfg.MaxMergeBytes > 0 && int64(len(data)) > c.cfg.MaxMergeBytes {
		return nil, sizeLimitError(int64(len(data)), c.cfg.MaxMergeBytes)
	}

	return data, nil
}

func (c *Coordinator) fetchFile(ctx context.Context, id, fileURL string, h *registry.Handle) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	size, err := c.fetcher.Probe(ctx, fileURL)
	if err != nil {
		logger.Debug("size probe failed, continuing without it", "err", err)

		size = -1
	}

	if c.cfg.MaxMergeBytes > 0 && size > c.cfg.MaxMergeBytes {
		return nil, sizeLimitError(size, c.cfg.MaxMergeBytes)
	}

	if err := h.Err(); err != nil {
		return nil, err
	}

	c.transition(ctx, id, media.StateFetching, statusFetching)

	data, err := c.fetcher.Fetch(ctx, h, fileURL, func(received, total int64) {
		if total > 0 {
			c.setProgress(ctx, id, int(received*100/total))
		}
	})
	if err != nil {
		return nil, err
	}

	if c.cfg.MaxMergeBytes > 0 && int64(len(data)) > c.cfg.MaxMergeBytes {
		return nil, sizeLimitError(int64(len(data)), c.cfg.MaxMergeBytes)
	}

	return data, nil
}

func sizeLimitError(size, limit int64) error {
	return &media.AdmissionError{
		Reason:  media.ReasonSizeLimit,
		Message: fmt.Sprintf("stream is about %s, more than the %s allowed", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit))),
	}
}

// handoff stores the payload, has it minted and passes it to the platform download manager.
func (c *Coordinator) handoff(ctx context.Context, rec media.DownloadRecord, h *registry.Handle, data []byte) error {
	logger := logctx.LoggerFromContext(ctx)
	id := rec.DownloadID
	blob := blobID(id)

	if err := h.Err(); err != nil {
		return err
	}

	if err := c.blobs.Put(ctx, blob, data, int64(len(data))); err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}

	if err := c.blobs.MarkReady(ctx, blob); err != nil {
		c.dropBlob(ctx, blob)

		return fmt.Errorf("failed to signal payload: %w", err)
	}

	ref, err := c.minter.Mint(ctx, blob)

	c.dropBlob(ctx, blob)

	if err != nil {
		return fmt.Errorf("failed to mint download reference: %w", err)
	}

	c.mu.Lock()
	c.refs[id] = ref
	c.mu.Unlock()

	// A cancel that terminated the record before the ref was stored had nothing to revoke.
	if err := h.Err(); err != nil {
		c.revokeRef(ctx, id)

		return err
	}

	c.platformMu.Lock()
	platformID, err := c.startPlatform(ctx, rec, ref)
	if err == nil {
		c.registry.BindPlatform(id, platformID)
	}
	c.platformMu.Unlock()

	if err != nil {
		return err
	}

	// A cancel that raced the start could not see the platform id yet.
	if h.Cancelled() {
		if err := c.platform.Cancel(ctx, platformID); err != nil {
			logger.Warn("failed to cancel platform download", "platform_id", platformID, "err", err)
		}

		return media.ErrCancelled
	}

	c.transition(ctx, id, media.StateAwaitingPlatformDownload, statusSaving)

	logger.Info("handed off to platform", "platform_id", platformID)

	return nil
}

// startPlatform tries a save-as download first and falls back to the default directory when
// the platform refuses it or answers without an id.
func (c *Coordinator) startPlatform(ctx context.Context, rec media.DownloadRecord, ref offscreen.Reference) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	opts := platform.Options{Source: ref.URL, Filename: rec.Filename, SaveAs: true}

	platformID, err := c.platform.Start(ctx, opts)
	if err == nil && platformID != 0 {
		return platformID, nil
	}

	if err == nil {
		err = errNoPlatformID
	}

	logger.Info("save-as download unavailable, using default location", "err", err)

	c.tel.RecordPlatformFallback()

	opts.SaveAs = false

	platformID, err = c.platform.Start(ctx, opts)
	if err != nil {
		return 0, &media.PlatformError{Attempt: "silent", Err: err}
	}

	if platformID == 0 {
		return 0, &media.PlatformError{Attempt: "silent", Err: errNoPlatformID}
	}

	return platformID, nil
}

func (c *Coordinator) dropBlob(ctx context.Context, blob string) {
	if err := c.blobs.Delete(ctx, blob); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to delete blob", "blob_id", blob, "err", err)
	}
}

// finish is the single place pipeline errors become user-visible status.
func (c *Coordinator) finish(ctx context.Context, rec media.DownloadRecord, err error) {
	if err == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	id := rec.DownloadID

	var admissionErr *media.AdmissionError

	switch {
	case media.IsCancellation(err):
		if c.terminate(ctx, id, media.StateCancelled, statusCancelled, "") {
			logger.Info("download stopped after cancellation")
		}
	case errors.As(err, &admissionErr):
		c.block(ctx, rec, admissionErr)
	default:
		logger.Error("download failed", "err", err)

		c.terminate(ctx, id, media.StateFailed, failureStatus(err), "")
	}
}

// block releases a download refused after admission. It never becomes Failed; only its status
// stays behind until cleanup.
func (c *Coordinator) block(ctx context.Context, rec media.DownloadRecord, admissionErr *media.AdmissionError) {
	logger := logctx.LoggerFromContext(ctx)
	id := rec.DownloadID

	logger.Info("download blocked", "reason", admissionErr.Reason, "message", admissionErr.Message)

	c.tel.RecordBlocked(admissionErr.Reason)
	c.registry.Release(id)

	c.writeMu.Lock()
	c.mu.Lock()
	delete(c.records, id)
	delete(c.progress, id)
	delete(c.status, id)
	c.mu.Unlock()

	if err := c.state.Delete(ctx, storage.InfoKey(id), storage.ProgressKey(id)); err != nil {
		logger.Error("failed to clear blocked download", "err", err)
	}

	if err := c.state.Set(ctx, storage.StatusKey(id), "Blocked: "+admissionErr.Message); err != nil {
		logger.Error("failed to persist blocked status", "err", err)
	}
	c.writeMu.Unlock()

	c.notify(ctx, rec.TabID, "", media.Event{
		Type:       media.EventDownloadBlocked,
		DownloadID: id,
		Filename:   rec.Filename,
		Message:    admissionErr.Message,
		Reason:     admissionErr.Reason,
		TabID:      rec.TabID,
		VideoID:    rec.VideoID,
	})

	c.scheduleCleanup(id, c.cfg.FailedCleanupDelay)
}

func failureStatus(err error) string {
	var (
		netErr      *media.NetworkError
		manifestErr *media.ManifestError
		platformErr *media.PlatformError
	)

	switch {
	case errors.As(err, &manifestErr):
		return "Download failed: " + manifestErr.Reason
	case errors.As(err, &netErr) && netErr.StatusCode > 0:
		return fmt.Sprintf("Download failed: server answered %d", netErr.StatusCode)
	case errors.As(err, &netErr):
		return "Download failed: network error"
	case errors.As(err, &platformErr):
		return "Download failed: could not save file"
	default:
		return "Download failed"
	}
}
