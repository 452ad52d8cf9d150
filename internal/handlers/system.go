package handlers

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const serviceName = "transit-ingestion"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceInfo identifies the running build.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
}

// SystemHandler serves liveness and version checks
type SystemHandler struct {
	info    ServiceInfo
	store   Pinger
	started time.Time
	now     func() time.Time
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(info ServiceInfo, store Pinger) *SystemHandler {
	return &SystemHandler{info: info, store: store, started: time.Now(), now: time.Now}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	Environment   string  `json:"environment"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Health handles GET /health. It always answers 200; a failed store
// ping is reported as status "degraded".
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			log.WithError(err).Warn("health check: store unreachable")
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Service:       serviceName,
		Environment:   h.info.Environment,
		UptimeSeconds: h.now().Sub(h.started).Seconds(),
	})
}

// Version handles GET /version
func (h *SystemHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    h.info.Name,
		"version": h.info.Version,
		"service": serviceName,
	})
}
