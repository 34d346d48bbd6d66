package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/streamgrab/internal/downloader/progress"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
)

const progressInterval = 256 * 1024

// Fetcher downloads progressive files in one request.
type Fetcher struct {
	client
}

func NewFetcher(httpClient *http.Client, cfg Config) *Fetcher {
	return &Fetcher{client: client{http: httpClient, userAgent: cfg.UserAgent, referer: cfg.Referer}}
}

// Probe returns the declared size of url, or -1 when the server does not say.
func (f *Fetcher) Probe(ctx context.Context, url string) (int64, error) {
	resp, err := f.do(ctx, "probe", http.MethodHead, url)
	if err != nil {
		return -1, err
	}

	resp.Body.Close()

	return resp.ContentLength, nil
}

// Fetch reads url into memory. onProgress receives received and total bytes; total is -1 when
// the size is unknown and callers should leave progress indeterminate.
func (f *Fetcher) Fetch(ctx context.Context, sig Signal, url string, onProgress func(received, total int64)) ([]byte, error) {
	if err := sig.Err(); err != nil {
		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx)

	resp, err := f.do(ctx, "fetch_file", http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.ContentLength > 0 {
		logger.Info("downloading file", "url", url, "file_size", humanize.Bytes(uint64(resp.ContentLength)))
	}

	pr := progress.NewReader(resp.Body, resp.ContentLength, progressInterval, onProgress)

	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, &media.NetworkError{Operation: "fetch_file", URL: url, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	return data, nil
}
