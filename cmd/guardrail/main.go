// Guardrail server: watches contracts through the shared RPC pools and
// runs the pause request approval workflow.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/guardrail"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/rpcpool"
	"github.com/bugbot-io/bugbot/pkg/service"
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

	httpPort := getEnv("HTTP_PORT", "8091")

	cfg, err := config.Initialize(context.Background(), *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if cfg.AdminToken == "" {
		slog.Error("ADMIN_TOKEN is required: pause approval is an admin operation")
		os.Exit(1)
	}

	m := metrics.New()
	pools := rpcpool.NewRegistry(cfg.Chains, m, rpcpool.Options{AllowLive: cfg.LiveAllowed()})
	defer pools.Close()

	svc := guardrail.New(nil, pools)
	slog.Info("Guardrail started", "live_allowed", cfg.LiveAllowed())

	srv := guardrail.NewServer(svc, cfg, m)
	if err := service.RunUntilSignal(srv.Server, ":"+httpPort); err != nil {
		os.Exit(1)
	}
}
