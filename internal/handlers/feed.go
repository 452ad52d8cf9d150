package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/models"
	"google.golang.org/protobuf/proto"
)

const gtfsRealtimeVersion = "2.0"

// PositionSource supplies the newest telemetry row per bus.
type PositionSource interface {
	LatestPositions(ctx context.Context) ([]models.LatestPosition, error)
}

// FeedHandler publishes stored telemetry as a GTFS-Realtime feed
type FeedHandler struct {
	positions PositionSource
	now       func() time.Time
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(src PositionSource) *FeedHandler {
	return &FeedHandler{positions: src, now: time.Now}
}

// VehiclePositions handles GET /api/v1/feeds/vehicle-positions.pb
func (h *FeedHandler) VehiclePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.LatestPositions(r.Context())
	if err != nil {
		writeError(w, NewInternalError("Failed to load vehicle positions", err))
		return
	}

	body, err := proto.Marshal(BuildVehiclePositions(positions, h.now()))
	if err != nil {
		writeError(w, NewInternalError("Failed to encode feed", err))
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Warn("failed to write feed")
	}
}

// BuildVehiclePositions converts latest positions into a full-dataset
// FeedMessage. Speed is reported in metres per second.
func BuildVehiclePositions(positions []models.LatestPosition, now time.Time) *gtfsrtpb.FeedMessage {
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfsrtpb.FeedEntity, 0, len(positions)),
	}

	for _, p := range positions {
		rec := p.Record
		pos := &gtfsrtpb.Position{
			Latitude:  proto.Float32(float32(rec.Latitude)),
			Longitude: proto.Float32(float32(rec.Longitude)),
		}
		if rec.Heading != nil {
			pos.Bearing = proto.Float32(float32(*rec.Heading))
		}
		if rec.SpeedKph != nil {
			pos.Speed = proto.Float32(float32(*rec.SpeedKph / 3.6))
		}

		vp := &gtfsrtpb.VehiclePosition{
			Vehicle: &gtfsrtpb.VehicleDescriptor{
				Id:    proto.String(strconv.FormatInt(p.BusID, 10)),
				Label: proto.String(p.FleetNumber),
			},
			Position:  pos,
			Timestamp: proto.Uint64(uint64(rec.RecordedAt.Unix())),
		}
		if p.RouteCode != "" {
			vp.Trip = &gtfsrtpb.TripDescriptor{RouteId: proto.String(p.RouteCode)}
		}

		feed.Entity = append(feed.Entity, &gtfsrtpb.FeedEntity{
			Id:      proto.String(p.FleetNumber),
			Vehicle: vp,
		})
	}
	return feed
}
