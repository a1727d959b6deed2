package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fritztv/fritztv/internal/catalog"
	"github.com/fritztv/fritztv/internal/relay"
	"github.com/fritztv/fritztv/internal/transcoder"
)

// Handlers wires the catalog and relay registry into the HTTP routes.
type Handlers struct {
	catalog  *catalog.Catalog
	registry *relay.Registry
	metrics  http.Handler
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cat *catalog.Catalog, registry *relay.Registry, metricsHandler http.Handler, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		catalog:  cat,
		registry: registry,
		metrics:  metricsHandler,
		logger:   logger.With(slog.String("component", "http")),
	}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(r *chi.Mux) {
	r.Get("/", h.index)
	r.Get("/channels", h.channels)
	r.Get("/stream/{id}.mp4", h.streamFMP4)
	r.Get("/stream/{id}.m3u8", h.hlsPlaylist)
	r.Head("/stream/{id}.m3u8", h.hlsPlaylist)
	r.Get("/stream/{id}/{segment}", h.hlsSegment)
	r.Head("/stream/{id}/{segment}", h.hlsSegment)
	r.Get("/healthz", h.health)
	r.Post("/api/refresh", h.refresh)
	r.Post("/api/client-log", h.clientLog)
	if h.metrics != nil {
		r.Get("/metrics", h.metrics.ServeHTTP)
	}
}

// channelResponse is the public channel representation.
type channelResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
	Logo  string `json:"logo,omitempty"`
}

// channels lists the catalog in order.
func (h *Handlers) channels(w http.ResponseWriter, r *http.Request) {
	list := h.catalog.Channels()
	out := make([]channelResponse, 0, len(list))
	for _, ch := range list {
		out = append(out, channelResponse{ID: ch.ID, Name: ch.Name, Group: ch.Group, Logo: ch.Logo})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Warn("encoding channel list failed", slog.String("error", err.Error()))
	}
}

// lookupChannel resolves the id path parameter, answering 404 itself.
func (h *Handlers) lookupChannel(w http.ResponseWriter, r *http.Request) (catalog.Channel, bool) {
	id := chi.URLParam(r, "id")
	ch, ok := h.catalog.Lookup(id)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return catalog.Channel{}, false
	}
	return ch, true
}

// attachError maps session errors onto HTTP statuses.
func (h *Handlers) attachError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrAdmissionDenied):
		w.Header().Set("Retry-After", "1")
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, "stream limit reached", http.StatusServiceUnavailable)
	case errors.Is(err, relay.ErrStartupTimeout):
		http.Error(w, "timeout starting stream", http.StatusGatewayTimeout)
	case errors.Is(err, relay.ErrSessionClosed), errors.Is(err, relay.ErrTranscoderExited):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "failed to start stream", http.StatusInternalServerError)
	}
}

// streamFMP4 serves a channel as a fragmented-MP4 byte stream: the init
// segment followed by media segments until the client disconnects.
func (h *Handlers) streamFMP4(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.lookupChannel(w, r)
	if !ok {
		return
	}

	sess, err := h.registry.GetOrCreate(ch, transcoder.FormatFMP4)
	if err != nil {
		h.logger.Warn("stream rejected",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()))
		h.attachError(w, err)
		return
	}

	sub, err := sess.Subscribe(r.Context())
	if err != nil {
		h.attachError(w, err)
		return
	}
	defer sess.Unsubscribe(sub.ID)

	init := sess.InitSegment()

	// iOS Safari probes live MP4 streams with a tiny fixed Range request
	// before committing to playback. Satisfy small ranges out of the init
	// segment; real byte serving is impossible on an infinite stream.
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		if h.serveInitRange(w, r, ch.ID, init, rangeHeader) {
			return
		}
	}

	// Hold the response until the first media segment so a startup
	// failure can still produce a clean status code.
	firstCtx, cancelFirst := context.WithTimeout(r.Context(), relay.DefaultStartupWait)
	first, err := sub.Next(firstCtx)
	cancelFirst()
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.attachError(w, relay.ErrStartupTimeout)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-store")

	flusher, _ := w.(http.Flusher)
	write := func(p []byte) bool {
		if _, err := w.Write(p); err != nil {
			return false
		}
		sub.AddBytesSent(uint64(len(p)))
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !write(init) || !write(first.Data) {
		return
	}

	for {
		seg, err := sub.Next(r.Context())
		if err != nil {
			if !errors.Is(err, r.Context().Err()) {
				h.logger.Info("stream ended",
					slog.String("channel_id", ch.ID),
					slog.String("subscriber_id", sub.ID.String()),
					slog.String("reason", err.Error()))
			}
			return
		}
		if !write(seg.Data) {
			return
		}
	}
}

// serveInitRange answers a byte-range probe from the init segment.
// Returns false when the header is not a simple satisfiable range, in
// which case the caller streams normally.
func (h *Handlers) serveInitRange(w http.ResponseWriter, r *http.Request, channelID string, init []byte, rangeHeader string) bool {
	spec, ok := strings.CutPrefix(strings.TrimSpace(rangeHeader), "bytes=")
	if !ok {
		return false
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return false
	}
	start, err1 := strconv.Atoi(startStr)
	end, err2 := strconv.Atoi(endStr)
	if err1 != nil || err2 != nil || start > end {
		return false
	}

	if end >= len(init) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(init)))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return true
	}

	body := init[start : end+1]
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(init)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(body)

	h.logger.Debug("served init range probe",
		slog.String("channel_id", channelID),
		slog.String("range", rangeHeader))
	return true
}

// hlsPlaylist serves the current playlist for a channel's HLS session.
func (h *Handlers) hlsPlaylist(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.lookupChannel(w, r)
	if !ok {
		return
	}

	sess, err := h.registry.GetOrCreate(ch, transcoder.FormatHLS)
	if err != nil {
		h.attachError(w, err)
		return
	}
	sess.Touch()

	if err := sess.WaitReady(r.Context()); err != nil {
		h.attachError(w, err)
		return
	}

	text, ready := sess.HLS().Playlist()
	if !ready {
		w.Header().Set("Retry-After", "1")
		w.Header().Set("Cache-Control", "no-cache")
		http.Error(w, "playlist not ready", http.StatusServiceUnavailable)
		return
	}
	sess.Touch()

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Length", strconv.Itoa(len(text)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(text))
}

// hlsSegment serves one MPEG-TS segment from the session directory.
func (h *Handlers) hlsSegment(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.lookupChannel(w, r)
	if !ok {
		return
	}

	sess, err := h.registry.GetOrCreate(ch, transcoder.FormatHLS)
	if err != nil {
		h.attachError(w, err)
		return
	}
	sess.Touch()

	name := chi.URLParam(r, "segment")
	path, err := sess.HLS().SegmentPath(name)
	if err != nil {
		http.Error(w, "invalid segment", http.StatusBadRequest)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// refresh re-fetches the upstream playlists.
func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Refresh(r.Context()); err != nil {
		h.logger.Warn("catalog refresh failed", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"channels":%d}`+"\n", h.catalog.Len())
}

// clientLogEvent is a playback event posted by the web player.
type clientLogEvent struct {
	ID     string `json:"id"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// clientLog records player-side events for debugging playback issues.
func (h *Handlers) clientLog(w http.ResponseWriter, r *http.Request) {
	var ev clientLogEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	h.logger.Info("client event",
		slog.String("channel_id", ev.ID),
		slog.String("event", ev.Event),
		slog.String("detail", ev.Detail),
		slog.String("user_agent", r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

// health reports liveness and session pressure.
func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","channels":%d,"active_sessions":%d}`+"\n",
		h.catalog.Len(), h.registry.ActiveSessions())
}
