package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/hongminglow/venue-auth/internal/http/respond"
	"github.com/hongminglow/venue-auth/internal/storage"
	log "github.com/sirupsen/logrus"
)

const healthProbeTimeout = 2 * time.Second

// HealthHandler reports uptime and the reachability of the database, the cache and, when
// configured, the mail relay.
type HealthHandler struct {
	startedAt time.Time
	db        storage.Pinger
	cache     storage.Pinger
	mail      storage.Pinger
}

// NewHealthHandler creates a health endpoint handler.
func NewHealthHandler(startedAt time.Time, db, cache storage.Pinger) *HealthHandler {
	return &HealthHandler{startedAt: startedAt, db: db, cache: cache}
}

// WithMail adds the mail relay to the probed dependencies.
func (h *HealthHandler) WithMail(mail storage.Pinger) *HealthHandler {
	h.mail = mail
	return h
}

// Register wires the handler into a ServeMux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handle)
}

func (h *HealthHandler) handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	status := map[string]string{
		"status":   "ok",
		"uptime":   time.Since(h.startedAt).Truncate(time.Second).String(),
		"database": probe(ctx, "database", h.db),
		"redis":    probe(ctx, "redis", h.cache),
	}
	healthy := status["database"] == "up" && status["redis"] == "up"
	if h.mail != nil {
		status["smtp"] = probe(ctx, "smtp", h.mail)
		healthy = healthy && status["smtp"] == "up"
	}
	if !healthy {
		status["status"] = "degraded"
		respond.JSON(w, http.StatusInternalServerError, "dependency unavailable", status)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", status)
}

func probe(ctx context.Context, name string, p storage.Pinger) string {
	if p == nil {
		return "down"
	}
	if err := p.Ping(ctx); err != nil {
		log.WithError(err).WithField("dependency", name).Warn("health probe failed")
		return "down"
	}
	return "up"
}
