package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Location represents a geographical location with latitude and longitude coordinates.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GPSEvent is the webhook payload for one reading.
type GPSEvent struct {
	FleetNumber   string    `json:"fleet_number"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	RecordedAt    time.Time `json:"recorded_at"`
	SpeedKph      float64   `json:"speed_kph"`
	Heading       int       `json:"heading"`
	PassengerLoad int       `json:"passenger_load"`
}

// BusState is the simulated position of one bus.
type BusState struct {
	FleetNumber string
	Position    Location
	Heading     int
}

// service area around San Francisco
var (
	center = Location{Lat: 37.7749, Lon: -122.4194}
	minLat = 37.7
	maxLat = 37.85
	minLon = -122.5
	maxLon = -122.35
)

var (
	authToken string
	apiKey    string
	client    = &http.Client{Timeout: 10 * time.Second}
)

func jitterLocation(base Location, meters float64) Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rand.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rand.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func fleetNumbers(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("BUS-%03d", i))
	}
	return out
}

func newFleet(n int) []*BusState {
	fleet := make([]*BusState, 0, n)
	for _, fn := range fleetNumbers(n) {
		fleet = append(fleet, &BusState{
			FleetNumber: fn,
			Position:    jitterLocation(center, 5000),
			Heading:     rand.Intn(360),
		})
	}
	return fleet
}

// step moves the bus a short random distance and returns its next event.
func step(s *BusState, now time.Time) GPSEvent {
	s.Position = jitterLocation(s.Position, 1000*rand.Float64())
	s.Position.Lat = clamp(s.Position.Lat, minLat, maxLat)
	s.Position.Lon = clamp(s.Position.Lon, minLon, maxLon)
	s.Heading = ((s.Heading+rand.Intn(21)-10)%360 + 360) % 360

	return GPSEvent{
		FleetNumber:   s.FleetNumber,
		Latitude:      math.Round(s.Position.Lat*1e6) / 1e6,
		Longitude:     math.Round(s.Position.Lon*1e6) / 1e6,
		RecordedAt:    now.UTC(),
		SpeedKph:      math.Round(rand.Float64()*600) / 10,
		Heading:       s.Heading,
		PassengerLoad: rand.Intn(41),
	}
}

func authorizedPost(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return client.Do(req)
}

func batchURL(webhookURL string) string {
	return strings.TrimSuffix(webhookURL, "/") + "/batch"
}

func sendEvent(ctx context.Context, webhookURL string, e GPSEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	resp, err := authorizedPost(ctx, webhookURL, data)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("event rejected with status: %d", resp.StatusCode)
	}
	log.WithFields(log.Fields{
		"fleet_number": e.FleetNumber,
		"latitude":     e.Latitude,
		"longitude":    e.Longitude,
	}).Info("Sent GPS event")
	return nil
}

func sendBatch(ctx context.Context, webhookURL string, events []GPSEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	resp, err := authorizedPost(ctx, batchURL(webhookURL), data)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("batch rejected with status: %d", resp.StatusCode)
	}
	log.WithField("events", len(events)).Info("Sent GPS batch")
	return nil
}

// tick sends one reading per bus, either individually in parallel or as a
// single batch.
func tick(ctx context.Context, webhookURL string, fleet []*BusState, batch bool) {
	now := time.Now()
	events := make([]GPSEvent, 0, len(fleet))
	for _, s := range fleet {
		events = append(events, step(s, now))
	}

	if batch {
		if err := sendBatch(ctx, webhookURL, events); err != nil {
			log.WithError(err).Error("GPS batch failed")
		}
		return
	}

	var wg sync.WaitGroup
	for _, e := range events {
		wg.Add(1)
		go func(e GPSEvent) {
			defer wg.Done()
			if err := sendEvent(ctx, webhookURL, e); err != nil {
				log.WithError(err).WithField("fleet_number", e.FleetNumber).Error("GPS event failed")
			}
		}(e)
	}
	wg.Wait()
}

func run(ctx context.Context, webhookURL string, fleet []*BusState, interval time.Duration, batch bool) int {
	iterations := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		iterations++
		tick(ctx, webhookURL, fleet, batch)
		select {
		case <-ctx.Done():
			return iterations
		case <-ticker.C:
		}
	}
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envSeconds(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func main() {
	// Optional credentials for a protected webhook
	authToken = os.Getenv("SIM_AUTH_TOKEN")
	apiKey = os.Getenv("SIM_API_KEY")

	webhookURL := os.Getenv("WEBHOOK_URL")
	if webhookURL == "" {
		webhookURL = "http://localhost:8080/api/v1/gps/events"
	}
	numBuses := envInt("NUM_BUSES", 5)
	interval := envSeconds("SIM_TICK_SECONDS", 2*time.Second)
	duration := envSeconds("SIM_DURATION_SECONDS", 0)
	batch, _ := strconv.ParseBool(os.Getenv("SIM_BATCH"))

	log.WithFields(log.Fields{
		"num_buses":   numBuses,
		"webhook_url": webhookURL,
		"interval":    interval,
		"batch_mode":  batch,
	}).Info("Starting GPS simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	n := run(ctx, webhookURL, newFleet(numBuses), interval, batch)
	log.WithField("iterations", n).Info("Simulator stopped")
}
