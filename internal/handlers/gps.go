package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/ingest"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

const maxGPSBody = 5 << 20

// Accumulator is the batching surface used by the GPS endpoints.
type Accumulator interface {
	Add(ctx context.Context, e models.GPSEvent) (ingest.Result, error)
	FlushAll(ctx context.Context) ingest.FlushReport
	Stats() []ingest.BatchStats
	BatchSize() int
	BatchTimeout() time.Duration
}

// GPSHandler serves the GPS webhook endpoints
type GPSHandler struct {
	validator *validation.Validator
	acc       Accumulator
}

// NewGPSHandler creates a new GPS handler
func NewGPSHandler(v *validation.Validator, acc Accumulator) *GPSHandler {
	return &GPSHandler{validator: v, acc: acc}
}

// GPSEventResponse acknowledges a single event.
type GPSEventResponse struct {
	Message     string        `json:"message"`
	BatchStatus ingest.Status `json:"batch_status"`
	BatchCount  int           `json:"batch_count"`
	FleetNumber string        `json:"fleet_number"`
}

// ItemStatus is the outcome of one element of a batch submission.
type ItemStatus string

const (
	ItemBatched  ItemStatus = "batched"
	ItemFlushed  ItemStatus = "flushed"
	ItemRejected ItemStatus = "rejected"
	ItemFailed   ItemStatus = "failed"
)

// itemFailedMessage is reported for items whose batch could not be stored.
const itemFailedMessage = "Failed to store batch; events remain pending"

// ItemResult reports what happened to one array element.
type ItemResult struct {
	Index       int        `json:"index"`
	Status      ItemStatus `json:"status"`
	Count       int        `json:"count,omitempty"`
	FleetNumber string     `json:"fleet_number,omitempty"`
	Field       string     `json:"field,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// BatchResponse summarizes a batch submission.
type BatchResponse struct {
	Message   string       `json:"message"`
	Processed int          `json:"processed"`
	Accepted  int          `json:"accepted"`
	Rejected  int          `json:"rejected"`
	Failed    int          `json:"failed"`
	Results   []ItemResult `json:"results"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, *APIError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGPSBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &APIError{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    "PAYLOAD_TOO_LARGE",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, NewBadRequestError("Failed to read request body", err)
	}
	return body, nil
}

// toAPIError maps decoding problems to 400 and field violations to 422.
func toAPIError(err error) *APIError {
	var verr *validation.Error
	if errors.As(err, &verr) {
		if verr.Field == "" {
			return NewBadRequestError(verr.Message, nil)
		}
		return NewValidationError(verr.Field, verr.Message)
	}
	return NewBadRequestError("Invalid GPS event", err)
}

// Ingest handles POST /api/v1/gps/events
func (h *GPSHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, apiErr := readBody(w, r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	event, err := h.validator.GPSEvent(body)
	if err != nil {
		writeError(w, toAPIError(err))
		return
	}

	res, err := h.acc.Add(r.Context(), event)
	if err != nil {
		writeError(w, NewInternalError("Failed to process GPS event", err))
		return
	}

	writeJSON(w, http.StatusAccepted, GPSEventResponse{
		Message:     "GPS event received",
		BatchStatus: res.Status,
		BatchCount:  res.Count,
		FleetNumber: res.Key,
	})
}

// IngestBatch handles POST /api/v1/gps/events/batch. Every element is
// validated and batched on its own; the response carries one result per
// element.
func (h *GPSHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	body, apiErr := readBody(w, r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeError(w, NewBadRequestError("Request body must be a JSON array of GPS events", err))
		return
	}
	if len(items) == 0 {
		writeError(w, NewBadRequestError("Event list cannot be empty", nil))
		return
	}

	resp := BatchResponse{
		Message: fmt.Sprintf("Batch of %d GPS events received", len(items)),
		Results: make([]ItemResult, 0, len(items)),
	}
	for i, raw := range items {
		item := ItemResult{Index: i}
		event, err := h.validator.GPSEvent(raw)
		if err != nil {
			apiErr := toAPIError(err)
			item.Status, item.Field, item.Error = ItemRejected, apiErr.Field, apiErr.Message
			resp.Rejected++
			resp.Results = append(resp.Results, item)
			continue
		}

		item.FleetNumber = event.FleetNumber
		res, err := h.acc.Add(r.Context(), event)
		switch {
		case err != nil:
			log.WithError(err).WithFields(log.Fields{
				"index":        i,
				"fleet_number": event.FleetNumber,
			}).Error("batch item flush failed")
			item.Status, item.Error = ItemFailed, itemFailedMessage
			resp.Failed++
		case res.Status == ingest.StatusFlushed:
			item.Status, item.Count = ItemFlushed, res.Count
			resp.Accepted++
		default:
			item.Status, item.Count = ItemBatched, res.Count
			resp.Accepted++
		}
		resp.Results = append(resp.Results, item)
	}
	resp.Processed = len(resp.Results)

	log.WithFields(log.Fields{
		"processed": resp.Processed,
		"accepted":  resp.Accepted,
		"rejected":  resp.Rejected,
		"failed":    resp.Failed,
	}).Info("gps batch processed")

	status := http.StatusAccepted
	switch {
	case resp.Failed > 0:
		status = http.StatusInternalServerError
	case resp.Rejected == len(items):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// FlushOutcome is the JSON form of ingest.FlushOutcome.
type FlushOutcome struct {
	FleetNumber string `json:"fleet_number"`
	Status      string `json:"status"`
	Count       int    `json:"count"`
	Error       string `json:"error,omitempty"`
}

// Flush handles POST /api/v1/gps/flush
func (h *GPSHandler) Flush(w http.ResponseWriter, r *http.Request) {
	report := h.acc.FlushAll(r.Context())

	outcomes := make([]FlushOutcome, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		out := FlushOutcome{FleetNumber: o.Key, Status: "flushed", Count: o.Count}
		if o.Err != nil {
			out.Status, out.Error = "failed", o.Err.Error()
		}
		outcomes = append(outcomes, out)
	}

	status := http.StatusOK
	if len(report.Failed()) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"total":    report.Total(),
		"outcomes": outcomes,
	})
}

// Batches handles GET /api/v1/gps/batches
func (h *GPSHandler) Batches(w http.ResponseWriter, r *http.Request) {
	stats := h.acc.Stats()
	if stats == nil {
		stats = []ingest.BatchStats{}
	}
	pending := 0
	for _, s := range stats {
		pending += s.Pending
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_size":            h.acc.BatchSize(),
		"batch_timeout_seconds": h.acc.BatchTimeout().Seconds(),
		"pending_events":        pending,
		"batches":               stats,
	})
}
