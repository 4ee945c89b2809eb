// MLOps server: accepts labeled findings, runs training passes, and
// derives detection rules from the corpus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/mlops"
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

	httpPort := getEnv("HTTP_PORT", "8097")

	cfg, err := config.Initialize(context.Background(), *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	srv := mlops.NewServer(mlops.New(), cfg, metrics.New())
	if err := service.RunUntilSignal(srv.Server, ":"+httpPort); err != nil {
		os.Exit(1)
	}
}
