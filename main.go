package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workflow-engine/pkg/config"
	"workflow-engine/pkg/db"
	"workflow-engine/pkg/metrics"
	"workflow-engine/pkg/mq"
	"workflow-engine/pkg/telemetry"
	"workflow-engine/services/workflow"
)

var startTime = time.Now()

func main() {
	if err := run(); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	logger := telemetry.SetupLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, db.Config{
		URI:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	// Initialize database schema and seed data
	if err := workflow.InitDB(ctx, pool); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	observers := []workflow.Observer{
		workflow.LoggingObserver(logger),
		workflow.MetricsObserver(recorder),
	}

	var broker *mq.Connection
	if cfg.AMQPURL != "" {
		events, conn, closeEvents, err := eventPublisher(ctx, cfg.AMQPURL, logger)
		if err != nil {
			return err
		}
		defer closeEvents()
		broker = conn
		observers = append(observers, events)
	}

	registry := workflow.NewRegistry(&http.Client{Timeout: 30 * time.Second}, logger)
	engine := workflow.NewEngine(registry,
		workflow.WithMaxParallel(cfg.EngineMaxParallel),
		workflow.WithLogger(logger),
		workflow.WithObserver(observers...),
	)
	workflowService := workflow.NewService(workflow.NewRepository(pool), engine)

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if broker != nil && !broker.IsConnected() {
			http.Error(w, "message broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	}).Methods("GET")
	mainRouter.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.CombinedLoggingHandler(os.Stdout, corsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr, "max_parallel", cfg.EngineMaxParallel)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		if err := workflowService.Shutdown(ctx); err != nil {
			slog.Error("Runs still in flight at shutdown", "error", err)
		}
	}
	return nil
}

// eventPublisher connects to RabbitMQ and returns an observer that publishes
// every engine event to the events exchange.
func eventPublisher(ctx context.Context, url string, logger *slog.Logger) (workflow.Observer, *mq.Connection, func(), error) {
	conn, err := mq.Dial(url, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	if err := mq.SetupTopology(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("set up RabbitMQ topology: %w", err)
	}

	topologyCtx, stopTopology := context.WithCancel(ctx)
	go mq.MaintainTopology(topologyCtx, conn, logger)

	publisher := mq.NewPublisher(conn, logger)
	async := workflow.NewAsyncObserver(1024, func(ev workflow.Event) {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Publish(pctx, string(ev.Type), ev); err != nil {
			telemetry.WithRunID(logger, ev.RunID).Warn("Failed to publish event", "event", ev.Type, "error", err)
		}
	}, logger)

	closeFn := func() {
		stopTopology()
		async.Close()
		if err := conn.Close(); err != nil {
			logger.Warn("Failed to close RabbitMQ connection", "error", err)
		}
	}
	return async, conn, closeFn, nil
}
