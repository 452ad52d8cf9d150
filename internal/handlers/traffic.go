package handlers

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/traffic"
)

// Poller runs one traffic poll.
type Poller interface {
	PollOnce(ctx context.Context) (*models.TrafficSnapshot, error)
}

// TrafficHandler exposes on-demand traffic polling
type TrafficHandler struct {
	poller Poller
}

// NewTrafficHandler creates a new traffic handler
func NewTrafficHandler(p Poller) *TrafficHandler {
	return &TrafficHandler{poller: p}
}

// Poll handles POST /api/v1/traffic/poll
func (h *TrafficHandler) Poll(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.poller.PollOnce(r.Context())
	if err != nil {
		if errors.Is(err, traffic.ErrUpstream) {
			log.WithError(err).Error("manual traffic poll failed")
			writeError(w, NewBadGatewayError("Traffic API request failed", err))
			return
		}
		writeError(w, NewInternalError("Failed to store traffic snapshot", err))
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}
