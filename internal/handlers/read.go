package handlers

import (
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/db"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ReadHandler serves the read-only API over routes, buses, telemetry,
// traffic snapshots and predictions.
type ReadHandler struct {
	store db.ReadStore
}

// NewReadHandler creates a new read handler
func NewReadHandler(store db.ReadStore) *ReadHandler {
	return &ReadHandler{store: store}
}

func pathID(r *http.Request, name string) (int64, *APIError) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewBadRequestError("Invalid "+name+": "+raw, nil)
	}
	return id, nil
}

func queryLimit(r *http.Request) (int, *APIError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, NewBadRequestError("limit must be a positive integer", nil)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// storeError maps a store failure to a response; ErrNotFound becomes 404.
func storeError(err error, resource, id string) *APIError {
	if errors.Is(err, db.ErrNotFound) {
		return NewNotFoundError(resource, id)
	}
	return NewInternalError("Failed to load "+resource, err)
}

// ListRoutes handles GET /api/v1/routes
func (h *ReadHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.store.ListRoutes(r.Context())
	if err != nil {
		writeError(w, storeError(err, "routes", ""))
		return
	}
	if routes == nil {
		routes = []models.Route{}
	}
	writeJSON(w, http.StatusOK, routes)
}

// GetRoute handles GET /api/v1/routes/{id}
func (h *ReadHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r, "id")
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		writeError(w, storeError(err, "route", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// ListRoutePredictions handles GET /api/v1/routes/{id}/predictions
func (h *ReadHandler) ListRoutePredictions(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r, "id")
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	limit, apiErr := queryLimit(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if _, err := h.store.GetRoute(r.Context(), id); err != nil {
		writeError(w, storeError(err, "route", r.PathValue("id")))
		return
	}
	predictions, err := h.store.ListPredictions(r.Context(), id, limit)
	if err != nil {
		writeError(w, storeError(err, "predictions", ""))
		return
	}
	if predictions == nil {
		predictions = []models.Prediction{}
	}
	writeJSON(w, http.StatusOK, predictions)
}

// ListBuses handles GET /api/v1/buses, optionally filtered by ?route_id=
func (h *ReadHandler) ListBuses(w http.ResponseWriter, r *http.Request) {
	var routeID int64
	if raw := r.URL.Query().Get("route_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, NewBadRequestError("Invalid route_id: "+raw, nil))
			return
		}
		routeID = id
	}
	buses, err := h.store.ListBuses(r.Context(), routeID)
	if err != nil {
		writeError(w, storeError(err, "buses", ""))
		return
	}
	if buses == nil {
		buses = []models.Bus{}
	}
	writeJSON(w, http.StatusOK, buses)
}

// GetBus handles GET /api/v1/buses/{id}
func (h *ReadHandler) GetBus(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r, "id")
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	bus, err := h.store.GetBus(r.Context(), id)
	if err != nil {
		writeError(w, storeError(err, "bus", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, bus)
}

// ListBusTelemetry handles GET /api/v1/buses/{id}/telemetry. Records are
// newest first; ?format=msgpack switches the encoding.
func (h *ReadHandler) ListBusTelemetry(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r, "id")
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	limit, apiErr := queryLimit(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if _, err := h.store.GetBus(r.Context(), id); err != nil {
		writeError(w, storeError(err, "bus", r.PathValue("id")))
		return
	}
	records, err := h.store.ListTelemetry(r.Context(), id, limit)
	if err != nil {
		writeError(w, storeError(err, "telemetry", ""))
		return
	}
	if records == nil {
		records = []models.TelemetryRecord{}
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, records)
	case "msgpack":
		writeMsgpack(w, http.StatusOK, records)
	default:
		writeError(w, NewBadRequestError("format must be json or msgpack", nil))
	}
}

// ListTrafficSnapshots handles GET /api/v1/traffic/snapshots
func (h *ReadHandler) ListTrafficSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, apiErr := queryLimit(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	snapshots, err := h.store.ListTrafficSnapshots(r.Context(), limit)
	if err != nil {
		writeError(w, storeError(err, "traffic snapshots", ""))
		return
	}
	if snapshots == nil {
		snapshots = []models.TrafficSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// LatestTrafficSnapshot handles GET /api/v1/traffic/snapshots/latest
func (h *ReadHandler) LatestTrafficSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.store.LatestTrafficSnapshot(r.Context())
	if err != nil {
		writeError(w, storeError(err, "traffic snapshot", "latest"))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// writeMsgpack encodes v reusing the json tags so both formats share field
// names.
func writeMsgpack(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/msgpack")
	w.WriteHeader(status)
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Warn("failed to write msgpack response")
	}
}
