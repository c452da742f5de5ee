// Package main is the entry point for the relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/onnwee/meetpoint/internal/api"
	"github.com/onnwee/meetpoint/internal/config"
	"github.com/onnwee/meetpoint/internal/health"
	"github.com/onnwee/meetpoint/internal/middleware"
	"github.com/onnwee/meetpoint/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Meetpoint Relay Server")
		fmt.Println()
		fmt.Println("Usage: relay [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	reg := prometheus.NewRegistry()

	metrics := relay.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		logger.Error("failed to register relay metrics", "error", err)
		os.Exit(1)
	}

	// Warm-start store is optional; without Redis rooms live only in memory.
	var redisClient *redis.Client
	var store relay.SnapshotStore
	var redisChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		store = relay.NewRedisStore(redisClient, 0)
		redisChecker = health.NewRedisChecker(redisClient)
		logger.Info("redis warm-start store enabled")
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.Logger = logger
	relayCfg.Metrics = metrics
	relayCfg.Store = store
	if cfg.LivenessTimeout > 0 {
		relayCfg.LivenessTimeout = cfg.LivenessTimeout
	}
	if cfg.SweepInterval > 0 {
		relayCfg.SweepInterval = cfg.SweepInterval
	}
	if cfg.FrameRate > 0 {
		relayCfg.FrameRate = rate.Limit(cfg.FrameRate)
	}
	if cfg.FrameBurst > 0 {
		relayCfg.FrameBurst = cfg.FrameBurst
	}
	hub := relay.NewHub(relayCfg)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	mux := http.NewServeMux()

	roomHandlers := api.NewRoomHandlers(hub, logger, cfg.AllowedOrigins)
	roomHandlers.Routes(mux)

	healthHandlers := api.NewHealthHandlers(redisChecker)
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Apply middleware: RequestID -> CORS -> Logging
	cors := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxAge:         300,
	})
	handler := middleware.RequestID(cors(middleware.Logging(logger)(mux)))

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: WebSocket sessions outlive any sane value and
		// upgraded connections manage their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting relay server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	stopHub()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
