package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// bugbotYAML mirrors the bugbot.yaml file structure. Every section is
// optional; built-in defaults fill whatever is missing.
type bugbotYAML struct {
	System         *SystemConfig               `yaml:"system"`
	Routing        *RoutingTable               `yaml:"routing"`
	Models         map[models.ModelType]string `yaml:"models"`
	Analyzers      []AnalyzerConfig            `yaml:"analyzers"`
	Sanitizer      []PatternConfig             `yaml:"sanitizer_patterns"`
	StageEndpoints map[models.Stage]string     `yaml:"stage_endpoints"`
	Chains         map[string]*ChainConfig     `yaml:"chains"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read bugbot.yaml from configDir (missing file is fine)
//  2. Expand environment variables in the YAML content
//  3. Merge built-in defaults under user-provided values
//  4. Fold in environment-only settings (tokens, limits, chain RPC URLs)
//  5. Compile routing rules and validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	user, err := loadYAML(filepath.Join(configDir, "bugbot.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Models:            builtinModels(),
		Analyzers:         builtinAnalyzers(),
		SanitizerPatterns: builtinSanitizerPatterns(),
		StageEndpoints:    defaultStageEndpoints(),
		StageTimeouts:     DefaultStageTimeouts,

		AdminToken:     getenv("ADMIN_TOKEN"),
		ScanMode:       getenvDefault("SCAN_MODE", "fork"),
		AllowLive:      getenv("ALLOW_LIVE") == "1",
		LLMLocalURL:    getenv("LLM_LOCAL_URL"),
		LLMCloudAPIKey: getenv("LLM_CLOUD_API_KEY"),
		LLMRouterURL:   getenvDefault("LLM_ROUTER_URL", "http://localhost:8090"),

		ScanStore: getenvDefault("SCAN_STORE", "memory"),
		RedisAddr: getenvDefault("REDIS_ADDR", "localhost:6379"),

		MaxConcurrentScans:       getenvInt("ORCH_MAX_CONCURRENT", DefaultMaxConcurrentScans),
		ScanQueueSize:            getenvInt("ORCH_QUEUE_SIZE", DefaultScanQueueSize),
		MaxConcurrentValidations: getenvInt("VALIDATOR_MAX_CONCURRENT", DefaultMaxConcurrentValidations),
	}

	if user.System != nil {
		cfg.System = *user.System
	}
	for k, v := range user.Models {
		cfg.Models[k] = v
	}
	if len(user.Analyzers) > 0 {
		cfg.Analyzers = user.Analyzers
	}
	// User sanitizer patterns extend the built-in set rather than replacing
	// it; removing guards requires a code change.
	cfg.SanitizerPatterns = append(cfg.SanitizerPatterns, user.Sanitizer...)
	for k, v := range user.StageEndpoints {
		cfg.StageEndpoints[k] = v
	}

	// Routing: user rules are evaluated before built-in rules.
	builtin := builtinRouting()
	if user.Routing != nil {
		cfg.Routing = RoutingTable{
			Rules:   append(user.Routing.Rules, builtin.Rules...),
			Default: builtin.Default,
		}
		if user.Routing.Default != "" {
			cfg.Routing.Default = user.Routing.Default
		}
	} else {
		cfg.Routing = builtin
	}
	if err := cfg.Routing.compile(); err != nil {
		return nil, NewLoadError("bugbot.yaml", err)
	}

	// Chains: env-derived endpoints merged under YAML-provided ones.
	chains := loadChainsFromEnv()
	for name, yc := range user.Chains {
		if !IsSupportedChain(name) {
			return nil, NewLoadError("bugbot.yaml", fmt.Errorf("unsupported chain %q", name))
		}
		yc.Name = name
		if existing, ok := chains[name]; ok {
			if err := mergo.Merge(yc, existing); err != nil {
				return nil, NewLoadError("bugbot.yaml", err)
			}
		}
		chains[name] = yc
	}
	cfg.Chains = NewChainRegistry(chains)

	log.Info("Configuration initialized",
		"chains", len(chains),
		"routing_rules", len(cfg.Routing.Rules),
		"analyzers", len(cfg.Analyzers))
	return cfg, nil
}

// loadYAML reads and env-expands a YAML config file. A missing file yields
// an empty config rather than an error.
func loadYAML(path string) (*bugbotYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &bugbotYAML{}, nil
		}
		return nil, NewLoadError(filepath.Base(path), err)
	}

	var out bugbotYAML
	if err := yaml.Unmarshal(ExpandEnv(data), &out); err != nil {
		return nil, NewLoadError(filepath.Base(path), err)
	}
	return &out, nil
}

// defaultStageEndpoints maps each stage worker to its conventional local
// port; overridable per deployment via bugbot.yaml or <STAGE>_WORKER_URL.
func defaultStageEndpoints() map[models.Stage]string {
	endpoints := map[models.Stage]string{
		models.StageRecon:      "http://localhost:8081",
		models.StageStatic:     "http://localhost:8082",
		models.StageFuzzing:    "http://localhost:8083",
		models.StageMonitoring: "http://localhost:8084",
		models.StageTriage:     "http://localhost:8085",
		models.StageReporting:  "http://localhost:8086",
	}
	for stage := range endpoints {
		envKey := fmt.Sprintf("%s_WORKER_URL", upper(string(stage)))
		if v := os.Getenv(envKey); v != "" {
			endpoints[stage] = v
		}
	}
	return endpoints
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
