package progress

import (
	"errors"
	"io"
)

// ProgressReader wraps an io.Reader and reports progress via a callback.
type ProgressReader struct {
	Reader         io.Reader
	Total          int64 // <= 0 when the size is unknown
	OnProgress     func(read int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Read reports every reportInterval bytes and once more at EOF, so the last callback always
// carries the full byte count.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)
	}

	if pr.OnProgress == nil {
		return n, err
	}

	if (n > 0 && pr.lastReport >= pr.reportInterval) || (errors.Is(err, io.EOF) && pr.lastReport > 0) {
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

// BytesRead returns the bytes consumed so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.totalRead
}
