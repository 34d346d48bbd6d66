package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/streamgrab/internal/coordinator"
	"github.com/italolelis/streamgrab/internal/logctx"
	"github.com/italolelis/streamgrab/internal/media"
	"github.com/italolelis/streamgrab/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Downloads is the part of the coordinator exposed over HTTP.
type Downloads interface {
	Request(ctx context.Context, req coordinator.DownloadRequest) coordinator.Result
	Cancel(ctx context.Context, id string)
	Progress(ctx context.Context, id string) (coordinator.ProgressSnapshot, error)
	QueryActive(byTab map[int]coordinator.VideoData) map[int]coordinator.ActiveDownload
}

// Tabs is the per-page state exposed over HTTP.
type Tabs interface {
	Navigate(tabID int, videoID string)
	Register(tabID int, descriptors ...media.StreamDescriptor) int
	Streams(tabID int) []media.StreamDescriptor
	Drain(tabID int) []media.Event
	Close(tabID int)
}

type Handler struct {
	username  string
	password  string
	downloads Downloads
	tabs      Tabs
	telemetry *telemetry.Telemetry
}

// NewHandler creates the API handler. Basic auth is only enforced when a username is set.
func NewHandler(username, password string, downloads Downloads, tabs Tabs, t *telemetry.Telemetry) *Handler {
	return &Handler{
		username:  username,
		password:  password,
		downloads: downloads,
		tabs:      tabs,
		telemetry: t,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)
	r.Use(h.basicAuthMiddleware)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleRequest)
		r.Post("/active", h.HandleQueryActive)
		r.Get("/{id}", h.HandleProgress)
		r.Delete("/{id}", h.HandleCancel)
	})

	r.Route("/tabs/{tabID}", func(r chi.Router) {
		r.Put("/", h.HandleNavigate)
		r.Delete("/", h.HandleCloseTab)
		r.Get("/streams", h.HandleStreams)
		r.Post("/streams", h.HandleRegisterStreams)
		r.Get("/events", h.HandleEvents)
	})

	return h.telemetry.WrapHandler(r, "api")
}

// HandleRequest admits a download. Blocked requests answer 429, duplicates 200 with the running id.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req coordinator.DownloadRequest
	if err := decode(w, r, &req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	res := h.downloads.Request(r.Context(), req)

	status := http.StatusAccepted

	switch {
	case res.Success:
	case res.Blocked:
		status = http.StatusTooManyRequests
	case res.IsExisting:
		status = http.StatusOK
	default:
		status = http.StatusBadRequest
	}

	writeJSON(w, r, status, res)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.downloads.Cancel(r.Context(), chi.URLParam(r, "id"))

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	snap, err := h.downloads.Progress(r.Context(), id)
	if err != nil {
		logger.Error("failed to read progress", "download_id", id, "err", err)
		http.Error(w, "failed to read progress", http.StatusInternalServerError)

		return
	}

	if !snap.Found {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, snap)
}

func (h *Handler) HandleQueryActive(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var byTab map[int]coordinator.VideoData
	if err := decode(w, r, &byTab); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	writeJSON(w, r, http.StatusOK, h.downloads.QueryActive(byTab))
}

func (h *Handler) HandleNavigate(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	var body struct {
		VideoID string `json:"videoId"`
	}

	if err := decode(w, r, &body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	h.tabs.Navigate(tabID, body.VideoID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCloseTab(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	h.tabs.Close(tabID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRegisterStreams(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	var descriptors []media.StreamDescriptor
	if err := decode(w, r, &descriptors); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	added := h.tabs.Register(tabID, descriptors...)

	writeJSON(w, r, http.StatusOK, map[string]int{"added": added})
}

func (h *Handler) HandleStreams(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	streams := h.tabs.Streams(tabID)
	if streams == nil {
		streams = []media.StreamDescriptor{}
	}

	writeJSON(w, r, http.StatusOK, streams)
}

// HandleEvents hands over the tab's pending lifecycle events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabParam(w, r)
	if !ok {
		return
	}

	events := h.tabs.Drain(tabID)
	if events == nil {
		events = []media.Event{}
	}

	writeJSON(w, r, http.StatusOK, events)
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func tabParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	tabID, err := strconv.Atoi(chi.URLParam(r, "tabID"))
	if err != nil {
		http.Error(w, "invalid tab id", http.StatusBadRequest)

		return 0, false
	}

	return tabID, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
