package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coderunr/cprunner/internal/config"
	"github.com/coderunr/cprunner/internal/engine"
	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/handler"
	"github.com/coderunr/cprunner/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Set up logging
	logger := logrus.New()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Info("Starting cprunner bridge")

	if err := ensureDataDirectories(cfg); err != nil {
		logger.WithError(err).Fatal("Failed to create data directories")
	}

	bus := events.NewBus(logger)
	eng := engine.New(cfg, bus, logger)

	// A missing compiler is not fatal; compiles fall back to the default command.
	if info, err := eng.Toolchain(context.Background()); err != nil {
		logger.WithError(err).Warn("No compiler detected")
	} else {
		logger.WithFields(logrus.Fields{
			"compiler": info.ExecutablePath,
			"name":     info.DisplayName,
		}).Info("Compiler detected")
	}

	if cfg.IngestAutostart {
		if _, err := eng.StartIngestionListener(); err != nil {
			logger.WithError(err).Warn("Problem ingestion listener not started")
		}
	}

	h := handler.NewHandler(eng, bus, logger)
	r := newRouter(h, logger.WithField("component", "http"), cfg.RequestBodyLimit)

	server := &http.Server{
		Addr:              cfg.GetBindAddress(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Batches and compiles may hold a request well past a minute, so no
		// read or write timeout is set.
	}

	go func() {
		logger.Infof("Bridge listening on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := eng.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Engine shutdown failed")
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

// newRouter mounts the bridge routes
func newRouter(h *handler.Handler, logger *logrus.Entry, bodyLimit int64) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(bodyLimit))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)

			r.Post("/compile", h.Compile)
			r.Post("/batch", h.Batch)

			r.Route("/run", func(r chi.Router) {
				r.Post("/", h.Run)
				r.Get("/", h.GetRun)
				r.Post("/stop", h.Stop)
				r.Post("/input", h.Input)
			})

			r.Post("/ingest/start", h.StartIngest)
			r.Post("/ingest/stop", h.StopIngest)

			r.Get("/toolchain", h.GetToolchain)
			r.Post("/toolchain/redetect", h.RedetectToolchain)
		})

		// WebSocket route (no JSON middleware)
		r.HandleFunc("/events", h.HandleEvents)
	})

	r.Get("/", h.GetVersion)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}

// ensureDataDirectories ensures that all required data directories exist
func ensureDataDirectories(cfg *config.Config) error {
	directories := []string{
		cfg.DataDirectory,
		cfg.PCHDirectory(),
		cfg.ScratchDirectory(),
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
