// Stage worker server: runs one pipeline stage behind the uniform
// POST /execute contract. The stage is selected with -stage.
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
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/notify"
	"github.com/bugbot-io/bugbot/pkg/rpcpool"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
	"github.com/bugbot-io/bugbot/pkg/stages/fuzzing"
	"github.com/bugbot-io/bugbot/pkg/stages/monitoring"
	"github.com/bugbot-io/bugbot/pkg/stages/recon"
	"github.com/bugbot-io/bugbot/pkg/stages/reporting"
	"github.com/bugbot-io/bugbot/pkg/stages/static"
	"github.com/bugbot-io/bugbot/pkg/stages/triage"
)

// defaultPorts are the conventional local ports; HTTP_PORT overrides.
var defaultPorts = map[models.Stage]string{
	models.StageRecon:      "8081",
	models.StageStatic:     "8082",
	models.StageFuzzing:    "8083",
	models.StageMonitoring: "8084",
	models.StageTriage:     "8085",
	models.StageReporting:  "8086",
}

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
	stageName := flag.String("stage", getEnv("STAGE", ""),
		"Pipeline stage to serve (recon|static|fuzzing|monitoring|triage|reporting)")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	stage := models.Stage(*stageName)
	if _, ok := defaultPorts[stage]; !ok {
		slog.Error("Unknown or missing stage", "stage", *stageName)
		os.Exit(1)
	}
	httpPort := getEnv("HTTP_PORT", defaultPorts[stage])

	cfg, err := config.Initialize(context.Background(), *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	llm := llmrouter.NewClient(cfg.LLMRouterURL)
	llmProbe := map[string]service.DependencyProbe{"llmrouter": llm.Ping}

	var (
		worker stages.Worker
		probes map[string]service.DependencyProbe
	)
	switch stage {
	case models.StageRecon:
		worker = recon.New(cfg)
	case models.StageStatic:
		worker = static.New(cfg, llm)
		probes = llmProbe
	case models.StageFuzzing:
		worker = fuzzing.New(llm)
		probes = llmProbe
	case models.StageMonitoring:
		pools := rpcpool.NewRegistry(cfg.Chains, m, rpcpool.Options{AllowLive: cfg.LiveAllowed()})
		defer pools.Close()
		worker = monitoring.New(pools)
	case models.StageTriage:
		worker = triage.New(llm, m)
		probes = llmProbe
	case models.StageReporting:
		worker = reporting.New(notify.NewRegistry(cfg), m)
	}

	slog.Info("Stage worker starting", "stage", stage, "http_port", httpPort)

	srv := stages.NewServer(worker, m, cfg.System.DashboardOrigins, probes)
	if err := service.RunUntilSignal(srv.Server, ":"+httpPort); err != nil {
		os.Exit(1)
	}
}
