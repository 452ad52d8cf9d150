package traffic

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/db"
	"github.com/ukydev/transit-ingestion/internal/models"
)

// Fetcher returns the current traffic reading.
type Fetcher interface {
	Fetch(ctx context.Context) (models.TrafficData, error)
}

// Poller stores a snapshot from its Fetcher every interval. It is independent
// of GPS batching.
type Poller struct {
	fetcher  Fetcher
	store    db.TrafficStore
	interval time.Duration
}

// NewPoller returns a Poller. interval must be positive for Run.
func NewPoller(f Fetcher, store db.TrafficStore, interval time.Duration) *Poller {
	return &Poller{fetcher: f, store: store, interval: interval}
}

// PollOnce fetches one reading and persists it. Fetch failures wrap
// ErrUpstream.
func (p *Poller) PollOnce(ctx context.Context) (*models.TrafficSnapshot, error) {
	data, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	snap := data.Snapshot()
	if err := p.store.InsertTrafficSnapshot(ctx, &snap); err != nil {
		return nil, fmt.Errorf("persist traffic snapshot: %w", err)
	}
	log.WithFields(log.Fields{
		"snapshot_id":      snap.ID,
		"source":           snap.Source,
		"congestion_index": snap.CongestionIndex,
		"incident_count":   snap.IncidentCount,
	}).Info("stored traffic snapshot")
	return &snap, nil
}

// Run polls immediately and then every interval until ctx is done. Failures
// are logged and the next tick tries again.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		log.Warn("traffic polling disabled: non-positive interval")
		return
	}
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("traffic poll failed")
	}
}
