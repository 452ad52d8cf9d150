// Package traffic fetches readings from the external traffic API and stores
// them as snapshots on a fixed schedule.
package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

// DefaultSource tags readings whose payload does not name a source.
const DefaultSource = "external_api"

// ErrUpstream marks failures talking to the traffic API or understanding its
// response.
var ErrUpstream = errors.New("traffic api")

// Client calls the external traffic API.
type Client struct {
	url       string
	apiKey    string
	http      *http.Client
	validator *validation.Validator
}

// NewClient returns a Client for url. apiKey is sent as X-API-Key when set.
func NewClient(url, apiKey string, timeout time.Duration, v *validation.Validator) *Client {
	return &Client{
		url:       url,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: timeout},
		validator: v,
	}
}

type apiResponse struct {
	Source          string                 `json:"source"`
	CapturedAt      *time.Time             `json:"captured_at"`
	CongestionIndex *int                   `json:"congestion_index"`
	IncidentCount   *int                   `json:"incident_count"`
	AverageSpeedKph *float64               `json:"average_speed_kph"`
	Payload         map[string]interface{} `json:"payload"`
}

// Fetch retrieves and validates the current reading.
func (c *Client) Fetch(ctx context.Context) (models.TrafficData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return models.TrafficData{}, fmt.Errorf("%w: build request: %w", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	log.WithField("url", c.url).Debug("fetching traffic data")
	resp, err := c.http.Do(req)
	if err != nil {
		return models.TrafficData{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return models.TrafficData{}, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}

	var raw apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return models.TrafficData{}, fmt.Errorf("%w: decode response: %w", ErrUpstream, err)
	}
	data := transform(raw)
	if err := c.validator.TrafficData(data); err != nil {
		return models.TrafficData{}, fmt.Errorf("%w: invalid reading: %w", ErrUpstream, err)
	}
	return data, nil
}

func transform(raw apiResponse) models.TrafficData {
	source := raw.Source
	if source == "" {
		source = DefaultSource
	}
	return models.TrafficData{
		Source:          source,
		CapturedAt:      raw.CapturedAt,
		CongestionIndex: raw.CongestionIndex,
		IncidentCount:   raw.IncidentCount,
		AverageSpeedKph: raw.AverageSpeedKph,
		Payload:         raw.Payload,
	}
}
