package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/swaggo/swag"

	"foundry-backend/core/treasury"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	*BaseHandler
	store   Pinger
	alloc   *treasury.Allocator
	started time.Time
}

// NewHealthHandler creates a new health handler. store may be nil when the
// backend has nothing to ping.
func NewHealthHandler(store Pinger, alloc *treasury.Allocator, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		BaseHandler: NewBaseHandler(logger),
		store:       store,
		alloc:       alloc,
		started:     time.Now(),
	}
}

// Register mounts the health and API doc routes.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /swagger/doc.json", h.HandleSwagger)
}

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status         string        `json:"status"`
	Store          string        `json:"store"`
	TreasuryTier   treasury.Tier `json:"treasury_tier"`
	MintingEnabled bool          `json:"minting_enabled"`
	Uptime         string        `json:"uptime"`
}

// HandleHealth handles health check requests
// @Summary Health check
// @Tags Health
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /healthz [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := HealthStatus{Status: "ok", Store: "ok", Uptime: time.Since(h.started).Round(time.Second).String()}
	if h.alloc != nil {
		snap := h.alloc.Snapshot()
		st.TreasuryTier = snap.Tier
		st.MintingEnabled = snap.MintingEnabled
	}

	code := http.StatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("store ping failed", "error", err)
			st.Status, st.Store = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	h.sendJSON(w, code, st)
}

// HandleSwagger serves the registered OpenAPI document.
func (h *HealthHandler) HandleSwagger(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc()
	if err != nil {
		h.sendJSON(w, http.StatusNotFound, ErrorResponse{Error: "api documentation not registered", Code: "not_found"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(doc))
}
