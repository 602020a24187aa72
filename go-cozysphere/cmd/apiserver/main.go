// cmd/apiserver/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal" // For graceful shutdown
	"syscall"   // For system signals

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/aggregate"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/api"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/config"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/firmware"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/ingest"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/metrics"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/modes"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/mqttbridge"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/persistence"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/publish"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/relay"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.Log.Level) // Validate already checked it
	logging.Init(level, cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("starting CozySphere API server", "store", cfg.Store.Driver, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("application shutdown finished")
}

// run wires the service together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("main")

	// --- Create Dependencies ---
	initCtx, cancel := context.WithTimeout(ctx, cfg.Store.ConnectTimeout)
	defer cancel()
	store, err := openStore(initCtx, cfg.Store)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	registry, err := modes.NewRegistry(cfg.Thresholds.Settings, cfg.Thresholds.Modes, cfg.Thresholds.ActiveMode)
	if err != nil {
		return fmt.Errorf("initialize modes: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fw := firmware.NewFileSource(cfg.Firmware.Path, cfg.Firmware.URL)

	gwOpts := []ingest.Option{ingest.WithMetrics(m)}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := publish.NewKafkaPublisher(publish.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 0)
		defer pub.Close()
		gwOpts = append(gwOpts, ingest.WithPublisher(pub))
		log.Info("publishing readings to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	gateway := ingest.NewGateway(store, fw, gwOpts...)

	var relays *relay.Set
	if cfg.Relay.PredictorURL != "" {
		relays = relay.HTTPSet(cfg.Relay.PredictorURL, nil, cfg.Relay.Timeout)
		log.Info("using remote relay predictor", "url", cfg.Relay.PredictorURL)
	} else {
		relays = relay.ThresholdSet(registry, cfg.Relay.HeaterBand)
	}

	apiHandler := api.NewAPI(api.Dependencies{
		Gateway:  gateway,
		Store:    store,
		Engine:   aggregate.NewEngine(store, aggregate.Windows{Hourly: cfg.Aggregation.HourlyWindow, Daily: cfg.Aggregation.DailyWindow}),
		Registry: registry,
		Relays:   relays,
		Firmware: fw,
		Metrics:  m,

		MaxUploadBytes: cfg.Firmware.MaxUploadBytes,
	})

	// --- Create Router (using chi) ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	api.Register(r, append(apiHandler.Routes(), api.Route{
		Method:  http.MethodGet,
		Pattern: "/metrics",
		Handler: metrics.Handler(reg).ServeHTTP,
	}))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Broker != "" {
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
		}, gateway, m)
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			<-gctx.Done()
			bridge.Stop()
			return nil
		})
	}

	g.Go(func() error {
		log.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, starting graceful shutdown")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful server shutdown failed", "error", err)
			if closeErr := server.Close(); closeErr != nil {
				log.Error("server close failed", "error", closeErr)
			}
			return err
		}
		log.Info("server shutdown complete")
		return nil
	})

	return g.Wait()
}

// openStore builds the event store selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (persistence.ReadingStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logging.Component("main").Warn("memory store selected, readings will not survive a restart")
		return persistence.NewMemoryStore(nil), nil
	case config.DriverJournal:
		return persistence.OpenJournalStore(cfg.JournalPath, nil)
	case config.DriverPostgres:
		return persistence.NewPostgresReadingStore(ctx, cfg.DatabaseDSN, nil)
	case config.DriverMongo:
		return persistence.NewMongoReadingStore(ctx, cfg.MongoURI, cfg.MongoDatabase, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
