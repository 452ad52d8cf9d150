package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/auth"
	"github.com/ukydev/transit-ingestion/internal/config"
	"github.com/ukydev/transit-ingestion/internal/db"
	"github.com/ukydev/transit-ingestion/internal/handlers"
	"github.com/ukydev/transit-ingestion/internal/ingest"
	"github.com/ukydev/transit-ingestion/internal/logging"
	"github.com/ukydev/transit-ingestion/internal/middleware"
	"github.com/ukydev/transit-ingestion/internal/models"
	"github.com/ukydev/transit-ingestion/internal/mqtt"
	"github.com/ukydev/transit-ingestion/internal/traffic"
	"github.com/ukydev/transit-ingestion/internal/validation"
)

const (
	shutdownTimeout = 15 * time.Second
	finalFlushLimit = 30 * time.Second
)

// services bundles what the router dispatches to.
type services struct {
	cfg       *config.Config
	store     db.Store
	acc       handlers.Accumulator
	poller    handlers.Poller
	validator *validation.Validator
	auth      *auth.Service
}

// newRouter registers every endpoint. Read and operator endpoints require a
// JWT when auth is enabled; the GPS webhook checks the ingest API key.
func newRouter(s services) http.Handler {
	authMiddleware := middleware.NewAuthMiddleware(s.auth)
	protect := func(action string, h http.HandlerFunc) http.Handler {
		if !s.cfg.AuthEnabled {
			return h
		}
		return authMiddleware.Protect(action, h)
	}
	ingestOnly := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.RequireAPIKey(h)
	}

	system := handlers.NewSystemHandler(handlers.ServiceInfo{
		Name:        s.cfg.AppName,
		Version:     s.cfg.Version,
		Environment: s.cfg.Environment,
	}, s.store)
	gps := handlers.NewGPSHandler(s.validator, s.acc)
	read := handlers.NewReadHandler(s.store)
	feed := handlers.NewFeedHandler(s.store)
	trafficHandler := handlers.NewTrafficHandler(s.poller)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", system.Health)
	mux.HandleFunc("GET /version", system.Version)

	mux.Handle("POST /api/v1/gps/events", ingestOnly(gps.Ingest))
	mux.Handle("POST /api/v1/gps/events/batch", ingestOnly(gps.IngestBatch))
	mux.Handle("POST /api/v1/gps/flush", protect("flush_batches", gps.Flush))
	mux.Handle("GET /api/v1/gps/batches", protect("view_batches", gps.Batches))

	mux.Handle("POST /api/v1/traffic/poll", protect("poll_traffic", trafficHandler.Poll))
	mux.Handle("GET /api/v1/traffic/snapshots", protect("view_traffic", read.ListTrafficSnapshots))
	mux.Handle("GET /api/v1/traffic/snapshots/latest", protect("view_traffic", read.LatestTrafficSnapshot))

	mux.Handle("GET /api/v1/routes", protect("view_routes", read.ListRoutes))
	mux.Handle("GET /api/v1/routes/{id}", protect("view_routes", read.GetRoute))
	mux.Handle("GET /api/v1/routes/{id}/predictions", protect("view_predictions", read.ListRoutePredictions))
	mux.Handle("GET /api/v1/buses", protect("view_buses", read.ListBuses))
	mux.Handle("GET /api/v1/buses/{id}", protect("view_buses", read.GetBus))
	mux.Handle("GET /api/v1/buses/{id}/telemetry", protect("view_telemetry", read.ListBusTelemetry))
	mux.Handle("GET /api/v1/feeds/vehicle-positions.pb", protect("view_telemetry", feed.VehiclePositions))

	if s.cfg.AuthEnabled {
		authHandler := handlers.NewAuthHandler(s.auth, s.validator)
		mux.Handle("POST /api/v1/auth/tokens", authMiddleware.Protect("manage_tokens", http.HandlerFunc(authHandler.IssueToken)))
		// admin only
		mux.Handle("POST /api/v1/auth/api-keys", authMiddleware.Authenticate(
			authMiddleware.RequireRole(models.RoleAdmin)(http.HandlerFunc(authHandler.IssueAPIKey))))
		mux.Handle("GET /api/v1/auth/me", authMiddleware.Authenticate(http.HandlerFunc(authHandler.WhoAmI)))
	}

	limiter := middleware.NewRateLimitMiddleware()
	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logging,
		limiter.RateLimit(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow.Duration()),
	)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	if err := logging.Configure(level, cfg.LogFormat); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Service stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := db.Open(ctx, db.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		MongoURI:    cfg.MongoURI,
		MongoDB:     cfg.MongoDB,
	})
	if err != nil {
		return err
	}
	log.WithField("driver", cfg.StoreDriver).Info("Connected to store")
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	v := validation.New()
	acc := ingest.NewAccumulator(ingest.NewWriter(store), ingest.Config{
		BatchSize:    cfg.GPSBatchSize,
		BatchTimeout: cfg.GPSBatchTimeout.Duration(),
	})

	// background work stops before the final flush
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	if interval := cfg.GPSSweepInterval.Duration(); interval > 0 {
		go acc.Run(bgCtx, interval)
		log.WithField("interval", interval).Info("Batch sweeper started")
	}

	client := traffic.NewClient(cfg.TrafficAPIURL, cfg.TrafficAPIKey, cfg.TrafficTimeout.Duration(), v)
	poller := traffic.NewPoller(client, store, cfg.TrafficPollInterval.Duration())
	if cfg.TrafficAPIURL != "" {
		go poller.Run(bgCtx)
	}

	var subscriber *mqtt.Subscriber
	if cfg.MQTTBrokerURL != "" {
		subscriber = mqtt.NewSubscriber(mqtt.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			QoS:       1,
		}, v, acc)
		if err := subscriber.Start(bgCtx); err != nil {
			return err
		}
		log.WithFields(log.Fields{"broker": cfg.MQTTBrokerURL, "topic": cfg.MQTTTopic}).Info("MQTT ingestion started")
	}

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(services{
			cfg:       cfg,
			store:     store,
			acc:       acc,
			poller:    poller,
			validator: v,
			auth:      auth.NewService(cfg.JWTSecret, 0, cfg.IngestAPIKeyHash),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":        cfg.HTTPAddr,
			"environment": cfg.Environment,
			"batch_size":  acc.BatchSize(),
			"batch_wait":  acc.BatchTimeout(),
		}).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelBg()

	flushPending(acc)
	return nil
}

// flushPending drains every batch once before exit.
func flushPending(acc handlers.Accumulator) {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushLimit)
	defer cancel()

	report := acc.FlushAll(ctx)
	for _, o := range report.Outcomes {
		entry := log.WithFields(log.Fields{"fleet_number": o.Key, "count": o.Count})
		if o.Err != nil {
			entry.WithError(o.Err).Error("Final flush failed; pending events lost")
			continue
		}
		entry.Info("Final flush")
	}
	log.WithFields(log.Fields{
		"keys":     len(report.Outcomes),
		"accepted": report.Total(),
		"failed":   len(report.Failed()),
	}).Info("Shutdown flush complete")
}
