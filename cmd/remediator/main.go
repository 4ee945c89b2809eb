// Remediator server: drafts patch suggestions for findings and, with
// admin approval, opens draft pull requests.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/llmrouter"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/remediator"
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

	httpPort := getEnv("HTTP_PORT", "8095")

	cfg, err := config.Initialize(context.Background(), *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	var github *remediator.GitHubAdapter
	if token := cfg.System.GitHub.Token(); token != "" && cfg.System.GitHub.Repo != "" {
		github = remediator.NewGitHubAdapter(token, cfg.System.GitHub.Repo)
		slog.Info("GitHub PR integration enabled", "repo", cfg.System.GitHub.Repo)
	} else {
		slog.Info("GitHub PR integration disabled: no token or repo configured")
	}

	svc := remediator.New(llmrouter.NewClient(cfg.LLMRouterURL), github)

	srv := remediator.NewServer(svc, cfg, metrics.New())
	if err := service.RunUntilSignal(srv.Server, ":"+httpPort); err != nil {
		os.Exit(1)
	}
}
