// Package identity computes the stable keys the pipeline dedups on: normalized asset URLs,
// video ids and download ids.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/streamgrab/internal/media"
)

// volatileParams change between requests for the same asset.
var volatileParams = []string{"range", "bytestart", "byteend", "_nc_rid", "oh", "oe", "t", "ts", "timestamp", "_"}

var rangeParams = []string{"range", "bytestart", "byteend"}

var videoPathMarkers = []string{"videos", "video", "watch"}

// NormalizeURLForDownload collapses semantically identical asset URLs to one key.
// Normalizing an already normalized URL returns it unchanged.
func NormalizeURLForDownload(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for _, p := range volatileParams {
		q.Del(p)
	}

	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String()
}

// ExtractVideoID returns the owning video id of a page or asset URL. Path segments win over the
// "v" query parameter, which wins over "video_id".
func ExtractVideoID(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		for _, marker := range videoPathMarkers {
			if segments[i] == marker && segments[i+1] != "" {
				return segments[i+1], true
			}
		}
	}

	q := u.Query()
	if v := q.Get("v"); v != "" {
		return v, true
	}

	if v := q.Get("video_id"); v != "" {
		return v, true
	}

	return "", false
}

// GenerateDownloadID returns a process-unique id (unix millis + random suffix).
func GenerateDownloadID() string {
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + hex.EncodeToString(rnd)
}

// IsChunkedRangeURL reports whether the URL asks for an explicit byte range of a resource.
func IsChunkedRangeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	q := u.Query()
	if q.Has("range") {
		return true
	}

	return q.Has("bytestart") && q.Has("byteend")
}

// ExtractBaseURLFromRange rewrites a partial-content URL to the whole resource.
func ExtractBaseURLFromRange(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	for _, p := range rangeParams {
		q.Del(p)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// ClassifyKind decides between the merge engine and a direct fetch. An explicit hint wins.
func ClassifyKind(raw string, hint media.Kind) media.Kind {
	if hint != "" {
		return hint
	}

	lower := strings.ToLower(raw)
	if strings.Contains(lower, "mpegurl") || strings.Contains(lower, "/hls/") {
		return media.KindHLS
	}

	if u, err := url.Parse(raw); err == nil && strings.EqualFold(path.Ext(u.Path), ".m3u8") {
		return media.KindHLS
	}

	return media.KindMP4
}
