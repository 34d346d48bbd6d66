package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/grafov/m3u8"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxManifestDepth = 3

// Rendition is the variant picked from a master playlist. It is zero for a bare media playlist.
type Rendition struct {
	URI        string
	Bandwidth  uint32
	Resolution string
	Height     int
}

// Label renders the rendition the way quality pickers do ("1080p"), falling back to bandwidth.
func (r Rendition) Label() string {
	switch {
	case r.Height > 0:
		return strconv.Itoa(r.Height) + "p"
	case r.Bandwidth > 0:
		return humanize.SI(float64(r.Bandwidth), "bps")
	default:
		return ""
	}
}

// Plan is a resolved media playlist ready to be merged.
type Plan struct {
	ManifestURL    string
	Segments       []string // absolute URLs in playlist order, init segment first
	Rendition      Rendition
	Duration       time.Duration
	EstimatedBytes int64 // 0 when the playlist advertises no bandwidth
}

// Merger resolves HLS playlists and assembles their segments into one payload.
type Merger struct {
	client
	cfg     Config
	limiter *rate.Limiter
	tel     *telemetry.Telemetry
}

func NewMerger(httpClient *http.Client, cfg Config, tel *telemetry.Telemetry) *Merger {
	cfg = cfg.withDefaults()

	m := &Merger{
		client: client{http: httpClient, userAgent: cfg.UserAgent, referer: cfg.Referer},
		cfg:    cfg,
		tel:    tel,
	}

	if cfg.RequestsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return m
}

// Resolve fetches manifestURL and follows master playlists down to a media playlist.
// Manifest failures are not retried.
func (m *Merger) Resolve(ctx context.Context, manifestURL string) (*Plan, error) {
	return m.resolve(ctx, manifestURL, 0, Rendition{})
}

func (m *Merger) resolve(ctx context.Context, manifestURL string, depth int, rendition Rendition) (*Plan, error) {
	if depth > maxManifestDepth {
		return nil, &media.ManifestError{URL: manifestURL, Reason: "master playlists nested too deeply"}
	}

	logger := logctx.LoggerFromContext(ctx)

	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, &media.ManifestError{URL: manifestURL, Reason: "invalid url", Err: err}
	}

	body, err := m.get(ctx, "fetch_manifest", manifestURL)
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, &media.ManifestError{URL: manifestURL, Reason: "unparseable playlist", Err: err}
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, &media.ManifestError{URL: manifestURL, Reason: "unexpected master playlist type"}
		}

		variant := selectVariant(master.Variants)
		if variant == nil {
			return nil, &media.ManifestError{URL: manifestURL, Reason: "no playable variant"}
		}

		next := renditionOf(variant)
		next.URI = resolveReference(base, variant.URI)

		logger.Debug("selected rendition",
			"manifest", manifestURL, "variant", next.URI, "bandwidth", variant.Bandwidth, "resolution", variant.Resolution)

		return m.resolve(ctx, next.URI, depth+1, next)
	case m3u8.MEDIA:
		mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, &media.ManifestError{URL: manifestURL, Reason: "unexpected media playlist type"}
		}

		return buildPlan(base, mediaPlaylist, rendition)
	default:
		return nil, &media.ManifestError{URL: manifestURL, Reason: "unknown playlist type"}
	}
}

func buildPlan(base *url.URL, p *m3u8.MediaPlaylist, rendition Rendition) (*Plan, error) {
	manifestURL := base.String()

	if encrypted(p.Key) {
		return nil, &media.ManifestError{URL: manifestURL, Reason: "encrypted playlists are not supported (" + p.Key.Method + ")"}
	}

	plan := &Plan{ManifestURL: manifestURL, Rendition: rendition}
	seenInit := make(map[string]bool)

	addInit := func(mp *m3u8.Map) {
		if mp == nil || mp.URI == "" {
			return
		}

		u := resolveReference(base, mp.URI)
		if seenInit[u] {
			return
		}

		seenInit[u] = true
		plan.Segments = append(plan.Segments, u)
	}

	addInit(p.Map)

	var seconds float64

	for _, seg := range p.Segments {
		if seg == nil {
			break
		}

		if encrypted(seg.Key) {
			return nil, &media.ManifestError{URL: manifestURL, Reason: "encrypted segments are not supported (" + seg.Key.Method + ")"}
		}

		addInit(seg.Map)

		plan.Segments = append(plan.Segments, resolveReference(base, seg.URI))
		seconds += seg.Duration
	}

	if len(plan.Segments) == 0 {
		return nil, &media.ManifestError{URL: manifestURL, Reason: "playlist has no segments"}
	}

	plan.Duration = time.Duration(seconds * float64(time.Second))

	if rendition.Bandwidth > 0 {
		plan.EstimatedBytes = int64(float64(rendition.Bandwidth) / 8 * seconds)
	}

	return plan, nil
}

func encrypted(k *m3u8.Key) bool {
	return k != nil && k.Method != "" && !strings.EqualFold(k.Method, "NONE")
}

// selectVariant picks the highest bandwidth, then the largest resolution, then the first listed.
// I-frame-only variants never qualify.
func selectVariant(variants []*m3u8.Variant) *m3u8.Variant {
	var (
		best     *m3u8.Variant
		bestArea int
	)

	for _, v := range variants {
		if v == nil || v.Iframe || v.URI == "" {
			continue
		}

		area := resolutionArea(v.Resolution)

		switch {
		case best == nil,
			v.Bandwidth > best.Bandwidth,
			v.Bandwidth == best.Bandwidth && area > bestArea:
			best, bestArea = v, area
		}
	}

	return best
}

func renditionOf(v *m3u8.Variant) Rendition {
	_, h := parseResolution(v.Resolution)

	return Rendition{Bandwidth: v.Bandwidth, Resolution: v.Resolution, Height: h}
}

func resolutionArea(res string) int {
	w, h := parseResolution(res)

	return w * h
}

func parseResolution(res string) (int, int) {
	ws, hs, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0, 0
	}

	w, errW := strconv.Atoi(strings.TrimSpace(ws))
	h, errH := strconv.Atoi(strings.TrimSpace(hs))

	if errW != nil || errH != nil {
		return 0, 0
	}

	return w, h
}

func resolveReference(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}

	return base.ResolveReference(u).String()
}

// Merge downloads every segment of plan and returns them concatenated in playlist order.
// onProgress receives the completed segment count, which only ever grows.
//
// sig is checked before each segment is launched, before every attempt and after the pool
// drains. A request already on the wire is allowed to finish.
func (m *Merger) Merge(ctx context.Context, sig Signal, plan *Plan, onProgress func(done, total int)) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	total := len(plan.Segments)
	buffers := make([][]byte, total)

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	for i, segmentURL := range plan.Segments {
		if sig.Err() != nil || gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			data, err := m.fetchSegment(gctx, sig, segmentURL)
			if err != nil {
				return fmt.Errorf("segment %d/%d: %w", i+1, total, err)
			}

			buffers[i] = data

			mu.Lock()
			defer mu.Unlock()

			done++

			if onProgress != nil {
				onProgress(done, total)
			}

			return nil
		})
	}

	err := g.Wait()

	if sig.Err() != nil {
		return nil, media.ErrCancelled
	}

	if err != nil {
		return nil, err
	}

	if done != total {
		return nil, fmt.Errorf("merge stopped after %d of %d segments: %w", done, total, ctx.Err())
	}

	size := 0
	for _, b := range buffers {
		size += len(b)
	}

	out := make([]byte, 0, size)
	for _, b := range buffers {
		out = append(out, b...)
	}

	logger.Debug("segments merged", "segments", total, "size", humanize.Bytes(uint64(size)))

	return out, nil
}

func (m *Merger) fetchSegment(ctx context.Context, sig Signal, segmentURL string) ([]byte, error) {
	retries := 0

	operation := func() ([]byte, error) {
		if err := sig.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(sig.Context()); err != nil {
				return nil, backoff.Permanent(media.ErrCancelled)
			}
		}

		data, err := m.get(ctx, "fetch_segment", segmentURL)
		if err != nil {
			if media.IsTransient(err) && ctx.Err() == nil {
				return nil, err
			}

			return nil, backoff.Permanent(err)
		}

		return data, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.cfg.RetryDelay

	data, err := backoff.Retry(sig.Context(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(m.cfg.Retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			retries++

			logctx.LoggerFromContext(ctx).Debug("retrying segment", "url", segmentURL, "wait", wait, "err", err)
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) && sig.Err() != nil {
			return nil, media.ErrCancelled
		}

		return nil, err
	}

	m.tel.RecordSegment(retries, int64(len(data)))

	return data, nil
}
