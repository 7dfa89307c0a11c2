package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shopdesk/internal/domain"
)

const healthTimeout = 2 * time.Second

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker checks an optional remote service.
type Checker interface {
	Check(ctx context.Context) error
}

// HealthHandler reports dependency health.
type HealthHandler struct {
	db       Pinger
	fallback Checker
	status   func() domain.ConnectionStatus
}

// NewHealthHandler creates a HealthHandler. fallback may be nil.
func NewHealthHandler(db Pinger, fallback Checker, status func() domain.ConnectionStatus) *HealthHandler {
	return &HealthHandler{db: db, fallback: fallback, status: status}
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health returns 503 when the database is unreachable. A failing fallback
// only degrades the report.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	report := map[string]string{
		"status":   "ok",
		"database": "ok",
		"fallback": "disabled",
		"session":  string(h.status()),
	}
	code := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		report["database"] = err.Error()
		report["status"] = "unavailable"
		code = http.StatusServiceUnavailable
	}

	if h.fallback != nil {
		report["fallback"] = "ok"
		if err := h.fallback.Check(ctx); err != nil {
			report["fallback"] = err.Error()
			if code == http.StatusOK {
				report["status"] = "degraded"
			}
		}
	}

	JSON(w, code, report)
}
