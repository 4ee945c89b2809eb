// Package config loads and validates bugbot configuration from the
// environment plus an optional bugbot.yaml. YAML values go through
// {{.VAR}} env expansion; built-in defaults are merged underneath
// user-provided values.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Token resolves the Slack bot token from the configured env var.
func (s SlackConfig) Token() string {
	env := s.TokenEnv
	if env == "" {
		env = "SLACK_BOT_TOKEN"
	}
	return os.Getenv(env)
}

// GitHubConfig holds GitHub integration settings (remediator PRs, issue
// notifications).
type GitHubConfig struct {
	TokenEnv string `yaml:"token_env,omitempty"`
	Repo     string `yaml:"repo,omitempty"`
}

// Token resolves the GitHub token from the configured env var.
func (g GitHubConfig) Token() string {
	env := g.TokenEnv
	if env == "" {
		env = "GITHUB_TOKEN"
	}
	return os.Getenv(env)
}

// SystemConfig groups system-wide settings from bugbot.yaml.
type SystemConfig struct {
	DashboardOrigins []string     `yaml:"dashboard_origins,omitempty"`
	Slack            SlackConfig  `yaml:"slack"`
	GitHub           GitHubConfig `yaml:"github"`
}

// Config is the assembled, validated runtime configuration.
type Config struct {
	System            SystemConfig
	Chains            *ChainRegistry
	Routing           RoutingTable
	Models            map[models.ModelType]string
	Analyzers         []AnalyzerConfig
	SanitizerPatterns []PatternConfig
	StageEndpoints    map[models.Stage]string
	StageTimeouts     map[models.Stage]time.Duration

	AdminToken     string
	ScanMode       string // "fork" or "live"
	AllowLive      bool
	LLMLocalURL    string
	LLMCloudAPIKey string
	LLMRouterURL   string

	ScanStore string // "memory" or "redis"
	RedisAddr string

	MaxConcurrentScans       int
	ScanQueueSize            int
	MaxConcurrentValidations int
}

func getenv(key string) string { return os.Getenv(key) }

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// StageTimeout returns the dispatch budget for a stage. Monitoring is
// special-cased by the orchestrator (window + 60s); this value is its cap.
func (c *Config) StageTimeout(stage models.Stage) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok {
		return d
	}
	return 300 * time.Second
}

// StageEndpoint returns the base URL of a stage worker.
func (c *Config) StageEndpoint(stage models.Stage) string {
	return c.StageEndpoints[stage]
}

// LiveAllowed reports whether non-read RPC actions are permitted. Both the
// mode and the explicit flag must opt in.
func (c *Config) LiveAllowed() bool {
	return c.AllowLive && c.ScanMode == "live"
}
