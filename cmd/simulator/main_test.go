package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetNumbers(t *testing.T) {
	assert.Equal(t, []string{"BUS-001", "BUS-002", "BUS-003"}, fleetNumbers(3))
	assert.Empty(t, fleetNumbers(0))
}

func TestStep_StaysInServiceArea(t *testing.T) {
	s := &BusState{FleetNumber: "BUS-001", Position: Location{Lat: maxLat, Lon: minLon}, Heading: 355}
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("PST", -8*3600))

	for i := 0; i < 200; i++ {
		e := step(s, now)
		assert.Equal(t, "BUS-001", e.FleetNumber)
		assert.GreaterOrEqual(t, e.Latitude, minLat)
		assert.LessOrEqual(t, e.Latitude, maxLat)
		assert.GreaterOrEqual(t, e.Longitude, minLon)
		assert.LessOrEqual(t, e.Longitude, maxLon)
		assert.GreaterOrEqual(t, e.Heading, 0)
		assert.Less(t, e.Heading, 360)
		assert.GreaterOrEqual(t, e.SpeedKph, 0.0)
		assert.LessOrEqual(t, e.SpeedKph, 60.0)
		assert.GreaterOrEqual(t, e.PassengerLoad, 0)
		assert.LessOrEqual(t, e.PassengerLoad, 40)
		assert.Equal(t, time.UTC, e.RecordedAt.Location())
	}
}

func TestJitterLocation(t *testing.T) {
	for i := 0; i < 100; i++ {
		loc := jitterLocation(center, 500)
		assert.InDelta(t, center.Lat, loc.Lat, 0.005)
		assert.InDelta(t, center.Lon, loc.Lon, 0.01)
	}
}

func TestBatchURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/api/v1/gps/events/batch", batchURL("http://localhost:8080/api/v1/gps/events"))
	assert.Equal(t, "http://x/events/batch", batchURL("http://x/events/"))
}

func TestSendEvent(t *testing.T) {
	authToken, apiKey = "jwt-token", "device-key"
	t.Cleanup(func() { authToken, apiKey = "", "" })

	var got GPSEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer jwt-token", r.Header.Get("Authorization"))
		assert.Equal(t, "device-key", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	e := GPSEvent{FleetNumber: "BUS-001", Latitude: 37.7, Longitude: -122.4, RecordedAt: time.Now().UTC()}
	require.NoError(t, sendEvent(context.Background(), server.URL, e))
	assert.Equal(t, "BUS-001", got.FleetNumber)
}

func TestSendEvent_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := sendEvent(context.Background(), server.URL, GPSEvent{FleetNumber: "BUS-001"})
	assert.Error(t, err)
}

func TestTick_BatchMode(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		sizes []int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var events []GPSEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
		mu.Lock()
		paths = append(paths, r.URL.Path)
		sizes = append(sizes, len(events))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	tick(context.Background(), server.URL+"/api/v1/gps/events", newFleet(4), true)

	assert.Equal(t, []string{"/api/v1/gps/events/batch"}, paths)
	assert.Equal(t, []int{4}, sizes)
}

func TestTick_SingleMode(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e GPSEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		seen[e.FleetNumber]++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	tick(context.Background(), server.URL, newFleet(3), false)

	assert.Equal(t, map[string]int{"BUS-001": 1, "BUS-002": 1, "BUS-003": 1}, seen)
}

func TestRun_StopsWhenContextEnds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	n := run(ctx, server.URL, newFleet(1), 50*time.Millisecond, false)
	assert.GreaterOrEqual(t, n, 2)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("NUM_BUSES", "7")
	t.Setenv("SIM_TICK_SECONDS", "0.5")
	t.Setenv("BAD_INT", "x")

	assert.Equal(t, 7, envInt("NUM_BUSES", 5))
	assert.Equal(t, 5, envInt("BAD_INT", 5))
	assert.Equal(t, 500*time.Millisecond, envSeconds("SIM_TICK_SECONDS", time.Second))
	assert.Equal(t, time.Second, envSeconds("UNSET_SECONDS", time.Second))
}
