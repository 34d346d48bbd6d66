// Package registry keeps the in-memory bookkeeping of live downloads: the active URL index,
// cancellation handles, per-download metadata and platform download ids. Nothing here survives
// a restart.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/streamgrab/internal/identity"
	"github.com/italolelis/streamgrab/internal/media"
)

// Metadata describes who asked for a download.
type Metadata struct {
	URL           string
	NormalizedURL string
	Filename      string
	QualityLabel  string
	TabID         int
	VideoID       string
	StartTime     time.Time
}

// Admission is the outcome of a successful Admit.
type Admission struct {
	ID       string
	Existing bool
	Handle   *Handle
}

type indexEntry struct {
	id  string
	gen uint64
}

type Registry struct {
	mu sync.Mutex

	gen      uint64
	newID    func() string
	active   map[string]indexEntry // normalized URL -> live download
	gens     map[string]uint64     // download id -> generation
	handles  map[string]*Handle
	meta     map[string]Metadata
	platform map[int]string // platform download id -> download id
}

func New() *Registry {
	return &Registry{
		newID:    identity.GenerateDownloadID,
		active:   make(map[string]indexEntry),
		gens:     make(map[string]uint64),
		handles:  make(map[string]*Handle),
		meta:     make(map[string]Metadata),
		platform: make(map[int]string),
	}
}

// Admit is the dedup gate. A live download for the same normalized URL is returned with
// Existing set. An index entry that lost both its handle and its metadata is stale and gets
// replaced. maxActive <= 0 disables the concurrency cap.
func (r *Registry) Admit(normalizedURL string, meta Metadata, maxActive int) (Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.active[normalizedURL]; ok {
		_, hasHandle := r.handles[entry.id]
		_, hasMeta := r.meta[entry.id]

		if hasHandle || hasMeta {
			return Admission{ID: entry.id, Existing: true, Handle: r.handles[entry.id]}, nil
		}

		delete(r.active, normalizedURL)
		delete(r.gens, entry.id)
	}

	if maxActive > 0 && len(r.handles) >= maxActive {
		return Admission{}, &media.AdmissionError{
			Reason:  media.ReasonConcurrencyLimit,
			Message: fmt.Sprintf("%d downloads are already running; wait for one to finish", len(r.handles)),
		}
	}

	r.gen++

	id := r.newID()
	handle := NewHandle(id)

	meta.NormalizedURL = normalizedURL
	if meta.StartTime.IsZero() {
		meta.StartTime = time.Now()
	}

	r.active[normalizedURL] = indexEntry{id: id, gen: r.gen}
	r.gens[id] = r.gen
	r.recordCancellation(id, handle)
	r.meta[id] = meta

	return Admission{ID: id, Handle: handle}, nil
}

// Release drops every trace of id. An index entry owned by a newer generation is left alone.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if meta, ok := r.meta[id]; ok {
		if entry, ok := r.active[meta.NormalizedURL]; ok && entry.id == id && entry.gen == r.gens[id] {
			delete(r.active, meta.NormalizedURL)
		}
	}

	if h, ok := r.handles[id]; ok {
		if pid, ok := h.PlatformID(); ok && r.platform[pid] == id {
			delete(r.platform, pid)
		}
	}

	delete(r.handles, id)
	delete(r.meta, id)
	delete(r.gens, id)
}

// GetActive returns the live download for a normalized URL.
func (r *Registry) GetActive(normalizedURL string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[normalizedURL]
	if !ok {
		return "", false
	}

	if _, live := r.handles[entry.id]; !live {
		return "", false
	}

	return entry.id, true
}

// RecordCancellation installs h as the cancellation handle of id, replacing any previous one.
// Admit records the handle it creates the same way; callers use this to swap in a handle they
// built themselves. A download with a handle counts as live for dedup.
func (r *Registry) RecordCancellation(id string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recordCancellation(id, h)
}

func (r *Registry) recordCancellation(id string, h *Handle) {
	r.handles[id] = h
}

// Cancel fires the handle of id. It reports false when id is not live.
func (r *Registry) Cancel(id string) (*Handle, bool) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()

	if !ok {
		return nil, false
	}

	h.Cancel()

	return h, true
}

func (r *Registry) Handle(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]

	return h, ok
}

func (r *Registry) Metadata(id string) (Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meta[id]

	return m, ok
}

// BindPlatform maps a platform download id back to the internal download id.
func (r *Registry) BindPlatform(id string, platformID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.platform[platformID] = id

	if h, ok := r.handles[id]; ok {
		h.SetPlatformID(platformID)
	}
}

func (r *Registry) LookupPlatform(platformID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.platform[platformID]

	return id, ok
}

// ActiveCount is the number of downloads holding a live handle.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handles)
}
