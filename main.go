package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	easy "git.fiblab.net/utils/logrus-easy-formatter"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/greenwave/internal/api"
	"github.com/banshee-data/greenwave/internal/config"
	"github.com/banshee-data/greenwave/internal/timeutil"
	"github.com/banshee-data/greenwave/internal/traffic"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the intersection config file")
	listen     = flag.String("listen", ":8080", "Listen address")
	tickEvery  = flag.Duration("tick", 500*time.Millisecond, "Controller tick interval")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logrus.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05",
		LogFormat:       "[%lvl%] %time% %msg%\n",
	})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)

	if *listen == "" {
		logrus.Fatal("Listen address is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config %q: %v", *configPath, err)
	}

	controller, err := traffic.New(cfg)
	if err != nil {
		logrus.Fatalf("failed to build controller: %v", err)
	}
	logrus.Infof("managing %d intersections, %d approaches",
		len(cfg.Intersections), len(cfg.ApproachNames))

	clock := timeutil.RealClock{}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// drive the controller state machines on a fixed cadence
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(*tickEvery)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C():
				controller.Tick(now)
			case <-ctx.Done():
				logrus.Info("tick routine terminated")
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(controller, clock).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Fatalf("failed to start server: %v", err)
			}
		}()
		logrus.Infof("listening on %s", *listen)

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		logrus.Info("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("HTTP server shutdown error: %v", err)
		}

		logrus.Info("HTTP server routine stopped")
	}()

	wg.Wait()
	logrus.Info("Graceful shutdown complete")
}
