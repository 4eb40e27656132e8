// Command ffarm-master runs the job queue, lease manager, liveness
// sweepers, and HTTP control API for a LAN transcode farm.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"ffarm/internal/discovery"
	"ffarm/internal/logging"
	"ffarm/internal/master/api"
	"ffarm/internal/master/pause"
	"ffarm/internal/master/ratelimit"
	"ffarm/internal/master/sweep"
	"ffarm/internal/profile"
	"ffarm/internal/queue/lease"
	"ffarm/internal/queue/store"

	"github.com/google/uuid"
)

// config holds runtime configuration, seeded from environment variables
// and overridden by flags.
type config struct {
	Host             string
	Port             int
	DBPath           string
	LogLevel         string
	ProfilesPath     string
	LeaseDuration    time.Duration
	HeartbeatTimeout time.Duration
	NoZeroconf       bool
}

func defaultConfig() config {
	home, _ := os.UserHomeDir()
	return config{
		Host:             "0.0.0.0",
		Port:             8000,
		DBPath:           filepath.Join(home, ".ffarm", "ffarm.sqlite3"),
		LogLevel:         "info",
		ProfilesPath:     filepath.Join(home, ".ffarm", "profiles.yaml"),
		LeaseDuration:    lease.DefaultDuration,
		HeartbeatTimeout: sweep.HeartbeatTimeout,
		NoZeroconf:       false,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseConfig() config {
	def := defaultConfig()

	cfg := config{
		Host:             getenv("FFARM_HOST", def.Host),
		Port:             getenvInt("FFARM_PORT", def.Port),
		DBPath:           getenv("FFARM_DB_PATH", def.DBPath),
		LogLevel:         getenv("FFARM_LOG_LEVEL", def.LogLevel),
		ProfilesPath:     getenv("FFARM_PROFILES", def.ProfilesPath),
		LeaseDuration:    getenvDuration("FFARM_LEASE_DURATION", def.LeaseDuration),
		HeartbeatTimeout: getenvDuration("FFARM_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
	}

	flag.StringVar(&cfg.Host, "host", cfg.Host, "HTTP listen host (env FFARM_HOST)")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port (env FFARM_PORT)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (env FFARM_DB_PATH)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error (env FFARM_LOG_LEVEL)")
	flag.StringVar(&cfg.ProfilesPath, "profiles", cfg.ProfilesPath, "profile registry YAML path (env FFARM_PROFILES)")
	flag.DurationVar(&cfg.LeaseDuration, "lease-duration", cfg.LeaseDuration, "lease TTL (env FFARM_LEASE_DURATION)")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "worker offline threshold (env FFARM_HEARTBEAT_TIMEOUT)")
	flag.BoolVar(&cfg.NoZeroconf, "no-zeroconf", cfg.NoZeroconf, "disable mDNS advertisement")
	flag.Parse()

	return cfg
}

func main() {
	cfg := parseConfig()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("failed to create database directory", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	profiles, err := profile.LoadRegistry(cfg.ProfilesPath)
	if err != nil {
		logger.Error("failed to load profile registry", "path", cfg.ProfilesPath, "error", err)
		os.Exit(1)
	}

	leaseMgr := lease.New(st)
	leaseMgr.Duration = cfg.LeaseDuration

	pauseFlag := pause.New()
	ctrl := api.New(st, leaseMgr, profiles, pauseFlag, logger)

	mux := http.NewServeMux()
	ctrl.Register(mux)

	limiter := ratelimit.New(ratelimit.DefaultConfig(logger))
	defer limiter.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           limiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go sweep.RunLeaseSweeper(ctx, leaseMgr, sweep.LeasePeriod(cfg.LeaseDuration), logger)
	go sweep.RunWorkerSweeper(ctx, st, leaseMgr, cfg.HeartbeatTimeout, sweep.WorkerPeriod(cfg.HeartbeatTimeout), func() time.Time { return time.Now().UTC() }, logger)

	var shutdownMDNS func() error
	if !cfg.NoZeroconf {
		id := uuid.NewString()
		baseURL := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
		shutdown, err := discovery.AdvertiseMaster(discovery.MasterInfo{ID: id, Name: "ffarm-master", BaseURL: baseURL}, "", cfg.Port)
		if err != nil {
			logger.Warn("mDNS advertisement failed to start", "error", err)
		} else {
			shutdownMDNS = shutdown
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	if shutdownMDNS != nil {
		_ = shutdownMDNS()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}
