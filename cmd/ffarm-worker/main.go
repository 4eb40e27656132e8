// Command ffarm-worker runs the worker agent: it discovers or is pointed
// at a master, leases jobs, and supervises the local ffmpeg-family
// encoder process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ffarm/internal/discovery"
	"ffarm/internal/logging"
	"ffarm/internal/worker"

	"github.com/google/uuid"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		masterFlag   = flag.String("master", "", "master base URL override (env FFARM_MASTER_URL)")
		idFlag       = flag.String("id", "", "worker id override")
		nameFlag     = flag.String("name", "", "worker display name")
		noZeroconf   = flag.Bool("no-zeroconf", false, "disable presence advertisement")
		logLevel     = flag.String("log-level", "info", "log level: debug|info|warn|error")
		ffmpegPath   = flag.String("ffmpeg", getenv("FFARM_FFMPEG", "ffmpeg"), "path to the ffmpeg-family encoder binary")
		ffprobePath  = flag.String("ffprobe", getenv("FFARM_FFPROBE", "ffprobe"), "path to the ffprobe-family probe binary")
		pollInterval = flag.Duration("poll-interval", 5*time.Second, "lease-loop poll interval when idle")
	)
	flag.Parse()

	logger := logging.New(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	masterURL, err := worker.ResolveMaster(ctx, *masterFlag)
	if err != nil {
		logger.Error("failed to resolve master url", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	id := *idFlag
	if id == "" {
		id = uuid.NewString()
	}
	name := *nameFlag
	if name == "" {
		name = hostname
	}

	agent := worker.New(worker.Config{
		WorkerID:     id,
		Name:         name,
		MasterURL:    masterURL,
		FFmpegPath:   *ffmpegPath,
		FFprobePath:  *ffprobePath,
		PollInterval: *pollInterval,
	}, logger)

	var shutdownMDNS func() error
	if !*noZeroconf {
		shutdown, err := discovery.AdvertiseWorker(id, name)
		if err != nil {
			logger.Warn("mDNS presence advertisement failed to start", "error", err)
		} else {
			shutdownMDNS = shutdown
		}
	}

	logger.Info("worker starting", "id", id, "name", name, "master", masterURL)
	agent.Run(ctx)

	if shutdownMDNS != nil {
		_ = shutdownMDNS()
	}
	logger.Info(fmt.Sprintf("worker %s stopped", id))
}
