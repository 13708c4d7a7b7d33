package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rcrowley/go-metrics"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/pkg/graph"
	"github.com/bobersik/observer/pkg/log"
)

// Handler handles inbound RPC requests from the transport adapter.
type Handler struct {
	logger *slog.Logger
	bus    *bus.Bus
	db     *graph.DB
}

// NewHandler creates a new HTTP handler
func NewHandler(b *bus.Bus, db *graph.DB) *Handler {
	return &Handler{
		logger: log.Logger("http.handler"),
		bus:    b,
		db:     db,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /deliver_event", h.DeliverEvent)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /metrics", h.Metrics)
}

// DeliverEvent handles POST /deliver_event: one raw chat event enters the
// ingestion channel.
func (h *Handler) DeliverEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := ev.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.bus.Publish(r.Context(), bus.ChannelIngestion, ev); err != nil {
		h.logger.Error("failed to enqueue event", "uid", ev.UID(), "error", err)
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    map[string]string{"message_uid": ev.UID()},
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "graph unreachable: "+err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true})
}

// Metrics handles GET /metrics with a JSON dump of the default registry.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	metrics.WriteJSONOnce(metrics.DefaultRegistry, w)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, Response{Success: false, Error: msg})
}
