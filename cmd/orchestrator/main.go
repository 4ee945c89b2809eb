// Orchestrator server: accepts scan submissions, runs the six-stage
// pipeline through the stage workers, and serves scan state.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/orchestrator"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
	"github.com/bugbot-io/bugbot/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	var scanStore store.ScanStore
	switch cfg.ScanStore {
	case "redis":
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Error("Failed to connect to Redis scan store", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		scanStore = redisStore
		slog.Info("Using Redis scan store")
	default:
		mem := store.NewMemoryStore()
		scanStore = mem
		slog.Info("Using in-memory scan store")
		if hours, err := strconv.Atoi(os.Getenv("SCAN_RETENTION_HOURS")); err == nil && hours > 0 {
			horizon := time.Duration(hours) * time.Hour
			go func() {
				ticker := time.NewTicker(time.Hour)
				defer ticker.Stop()
				for range ticker.C {
					if swept := mem.GC(ctx, horizon); swept > 0 {
						slog.Info("Swept expired scan records", "swept", swept)
					}
				}
			}()
		}
	}

	orch := orchestrator.New(scanStore, stages.NewClient(cfg), cfg, m)
	orch.Start()
	defer orch.Stop()

	slog.Info("Orchestrator started",
		"workers", cfg.MaxConcurrentScans,
		"queue_size", cfg.ScanQueueSize)

	srv := orchestrator.NewServer(orch, cfg, m)
	if err := service.RunUntilSignal(srv.Server, ":"+httpPort); err != nil {
		os.Exit(1)
	}
}
