// GWP Sync - keeps a storefront cart's free gift lines in step with the
// gift-with-purchase widget. Serves the widget's REST and MCP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gwp-sync/internal/config"
	"gwp-sync/internal/handler"
	"gwp-sync/internal/middleware"
	"gwp-sync/internal/notify"
	"gwp-sync/internal/storefront"
	"gwp-sync/internal/transport"
	"gwp-sync/internal/view"
	"gwp-sync/internal/widget"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Environment, cfg.LogLevel)

	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("store_domain", cfg.Store.StoreDomain),
		slog.String("schema_version", cfg.Widget.SchemaVersion),
		slog.Bool("kafka", cfg.Kafka.Enabled()),
	)

	widgetCfg, seed, err := cfg.BuildWidgetConfig()
	if err != nil {
		return fmt.Errorf("building widget config: %w", err)
	}

	cart, err := storefront.New(storefront.Config{
		StoreURL:    cfg.Store.StoreURL,
		CartToken:   cfg.Store.CartToken,
		SectionsURL: widgetCfg.SectionsURL,
		HTTPClient: transport.NewClient(transport.Options{
			Timeout:     cfg.StoreTimeout(),
			Fingerprint: cfg.UseFingerprint(),
		}),
	})
	if err != nil {
		return fmt.Errorf("creating storefront client: %w", err)
	}

	bus := notify.NewBus(logger)
	if cfg.Kafka.Enabled() {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		bus.Forward(kp)
		logger.Info("forwarding gift events",
			slog.String("brokers", strings.Join(cfg.Kafka.Brokers, ",")),
			slog.String("topic", cfg.Kafka.Topic),
		)
	}
	defer bus.Close()

	sections := view.NewCache()

	w, err := widget.New(widgetCfg, widget.Options{
		Cart:   cart,
		View:   sections,
		Bus:    bus,
		Logger: logger,
		Seed:   seed,
	})
	if err != nil {
		return fmt.Errorf("creating widget: %w", err)
	}
	defer w.Close()

	// The first pass failing (storefront down) is not fatal: the widget keeps
	// listening and converges on the next notification or sync.
	activateCtx, cancelActivate := context.WithTimeout(ctx, 30*time.Second)
	if out, err := w.Activate(activateCtx); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	} else {
		logger.Info("widget active",
			slog.String("instance_id", w.ID()),
			slog.Bool("eligible", out.Eligible),
			slog.Int("removed", len(out.Removed)),
			slog.Int("added", len(out.Added)),
		)
	}
	cancelActivate()

	h := handler.New(w, bus, sections, logger)

	// Setup routes
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Apply middleware chain: recovery → request id → logging → handler
	// Recovery must be outermost to catch panics from logging middleware
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
	)(mux)

	// Create HTTP server with timeouts. A pass paces its removals, so writes
	// get more room than reads.
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Channel for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Channel for server errors
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("addr", server.Addr),
		)
		serverErr <- server.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			// Force close if graceful shutdown fails
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for GCP Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger(environment, levelName string) *slog.Logger {
	level := slog.LevelInfo
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location in debug mode
		AddSource: level == slog.LevelDebug,
	}

	// JSON for production (Cloud Logging compatible), text for development
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
