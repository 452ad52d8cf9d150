package main

import (
	"encoding/json"
	"flag"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TrafficReading mirrors what the external traffic API returns.
type TrafficReading struct {
	Source          string                 `json:"source"`
	CapturedAt      time.Time              `json:"captured_at"`
	CongestionIndex int                    `json:"congestion_index"`
	IncidentCount   int                    `json:"incident_count"`
	AverageSpeedKph float64                `json:"average_speed_kph"`
	Payload         map[string]interface{} `json:"payload"`
}

var (
	weather    = []string{"clear", "cloudy", "rain", "fog"}
	conditions = []string{"good", "fair", "poor"}
)

func randomReading(rng *rand.Rand, now time.Time) TrafficReading {
	congestion := 20 + rng.Intn(71)
	speed := 50.0 * (1 - float64(congestion)/150.0)
	return TrafficReading{
		Source:          "mock_traffic_api",
		CapturedAt:      now.UTC(),
		CongestionIndex: congestion,
		IncidentCount:   rng.Intn(6),
		AverageSpeedKph: math.Round(speed*10) / 10,
		Payload: map[string]interface{}{
			"region":          "downtown",
			"weather":         weather[rng.Intn(len(weather))],
			"time_of_day":     now.UTC().Format("15:04"),
			"road_conditions": conditions[rng.Intn(len(conditions))],
		},
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func newMux(rng *rand.Rand) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /traffic", func(w http.ResponseWriter, r *http.Request) {
		reading := randomReading(rng, time.Now())
		log.WithFields(log.Fields{
			"congestion_index":  reading.CongestionIndex,
			"incident_count":    reading.IncidentCount,
			"average_speed_kph": reading.AverageSpeedKph,
		}).Info("Serving traffic data")
		writeJSON(w, reading)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy", "service": "mock_traffic_api"})
	})
	return mux
}

// lockedSource makes a rand.Source safe for concurrent handlers.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

func main() {
	addr := flag.String("addr", ":8001", "listen address")
	flag.Parse()

	rng := rand.New(&lockedSource{src: rand.NewSource(time.Now().UnixNano())})
	server := &http.Server{
		Addr:              *addr,
		Handler:           newMux(rng),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.WithField("addr", *addr).Info("Starting mock traffic API")
	if err := server.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("Mock traffic API stopped")
	}
}
