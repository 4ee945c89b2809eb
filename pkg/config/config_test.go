package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// clearEnv blanks every variable Initialize reads so ambient shell state
// cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ADMIN_TOKEN", "SCAN_MODE", "ALLOW_LIVE", "LLM_LOCAL_URL",
		"LLM_CLOUD_API_KEY", "LLM_ROUTER_URL", "SCAN_STORE", "REDIS_ADDR",
		"ORCH_MAX_CONCURRENT", "ORCH_QUEUE_SIZE", "VALIDATOR_MAX_CONCURRENT",
		"ETHEREUM_RPC_URL", "ETHEREUM_RPC_URL_BACKUP",
		"ETHEREUM_EXPLORER_API_URL", "ETHEREUM_EXPLORER_API_KEY",
		"RECON_WORKER_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestInitializeDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "fork", cfg.ScanMode)
	assert.False(t, cfg.LiveAllowed())
	assert.Equal(t, "memory", cfg.ScanStore)
	assert.Equal(t, "http://localhost:8090", cfg.LLMRouterURL)
	assert.Equal(t, DefaultMaxConcurrentScans, cfg.MaxConcurrentScans)
	assert.Equal(t, DefaultScanQueueSize, cfg.ScanQueueSize)

	assert.Len(t, cfg.Analyzers, 3)
	assert.Len(t, cfg.SanitizerPatterns, 5)
	assert.Equal(t, "http://localhost:8081", cfg.StageEndpoint(models.StageRecon))
	assert.Empty(t, cfg.Chains.Names())

	assert.Equal(t, models.ModelLocalDeepReasoning, cfg.Routing.Resolve("smart_contract_analysis"))
	assert.Equal(t, models.ModelCloudFinal, cfg.Routing.Resolve("final_report"))
	assert.Equal(t, models.ModelLocalFastTriage, cfg.Routing.Resolve("anything_else"))
}

func TestInitializeEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCAN_MODE", "live")
	t.Setenv("ALLOW_LIVE", "1")
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("ORCH_MAX_CONCURRENT", "3")
	t.Setenv("ETHEREUM_RPC_URL", "http://primary:8545")
	t.Setenv("ETHEREUM_RPC_URL_BACKUP", "http://backup:8545")
	t.Setenv("ETHEREUM_EXPLORER_API_KEY", "key-123")
	t.Setenv("RECON_WORKER_URL", "http://recon.internal:9000")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.True(t, cfg.LiveAllowed())
	assert.Equal(t, "tok", cfg.AdminToken)
	assert.Equal(t, 3, cfg.MaxConcurrentScans)
	assert.Equal(t, "http://recon.internal:9000", cfg.StageEndpoint(models.StageRecon))

	eth, err := cfg.Chains.Get("ethereum")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://primary:8545", "http://backup:8545"}, eth.RPCURLs)
	assert.Equal(t, "key-123", eth.ExplorerAPIKey)
}

const testYAML = `
system:
  dashboard_origins: ["https://dash.example.com"]
routing:
  rules:
    - pattern: "^nightly_"
      backend: "cloud/final_reasoning"
models:
  "local/fast_triage": "llama3.2:3b"
sanitizer_patterns:
  - name: "team_rule"
    pattern: "selfdestruct"
stage_endpoints:
  recon: "http://recon.cluster:8081"
chains:
  ethereum:
    explorer_api_url: "https://api.etherscan.io/api"
`

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bugbot.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitializeMergesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("ETHEREUM_RPC_URL", "http://primary:8545")

	cfg, err := Initialize(context.Background(), writeYAML(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://dash.example.com"}, cfg.System.DashboardOrigins)
	assert.Equal(t, "llama3.2:3b", cfg.Models[models.ModelLocalFastTriage])
	assert.Equal(t, "http://recon.cluster:8081", cfg.StageEndpoint(models.StageRecon))

	// User routing rules run before the built-in table.
	assert.Equal(t, models.ModelCloudFinal, cfg.Routing.Resolve("nightly_sweep"))
	assert.Equal(t, models.ModelLocalDeepReasoning, cfg.Routing.Resolve("smart_contract_analysis"))

	// User sanitizer patterns extend the built-ins, never replace them.
	require.Len(t, cfg.SanitizerPatterns, 6)
	assert.Equal(t, "team_rule", cfg.SanitizerPatterns[5].Name)

	// YAML chain settings merge over the env-derived endpoints.
	eth, err := cfg.Chains.Get("ethereum")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://primary:8545"}, eth.RPCURLs)
	assert.Equal(t, "https://api.etherscan.io/api", eth.ExplorerAPIURL)
}

func TestInitializeRejectsUnsupportedChain(t *testing.T) {
	clearEnv(t)
	dir := writeYAML(t, "chains:\n  atlantis:\n    explorer_api_url: \"https://x\"\n")

	_, err := Initialize(context.Background(), dir)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, err.Error(), "atlantis")
}

func TestInitializeRejectsBadRoutingPattern(t *testing.T) {
	clearEnv(t)
	dir := writeYAML(t, "routing:\n  rules:\n    - pattern: \"([\"\n      backend: \"local/fast_triage\"\n")

	_, err := Initialize(context.Background(), dir)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BUGBOT_TEST_TOKEN", "abc123")

	out := ExpandEnv([]byte("token: {{.BUGBOT_TEST_TOKEN}}"))
	assert.Equal(t, "token: abc123", string(out))

	out = ExpandEnv([]byte("token: {{.BUGBOT_TEST_MISSING_VAR}}"))
	assert.Equal(t, "token: ", string(out))

	// $ is literal: regex anchors and shell snippets survive expansion.
	out = ExpandEnv([]byte(`pattern: "^rm.*$PATH"`))
	assert.Equal(t, `pattern: "^rm.*$PATH"`, string(out))
}

func TestRequireEnv(t *testing.T) {
	t.Setenv("BUGBOT_TEST_REQ", "")
	_, err := RequireEnv("BUGBOT_TEST_REQ")
	require.ErrorIs(t, err, ErrMissingEnv)

	t.Setenv("BUGBOT_TEST_REQ", "set")
	v, err := RequireEnv("BUGBOT_TEST_REQ")
	require.NoError(t, err)
	assert.Equal(t, "set", v)
}

func TestLiveAllowedNeedsBothOptIns(t *testing.T) {
	assert.False(t, (&Config{ScanMode: "live"}).LiveAllowed())
	assert.False(t, (&Config{AllowLive: true, ScanMode: "fork"}).LiveAllowed())
	assert.True(t, (&Config{AllowLive: true, ScanMode: "live"}).LiveAllowed())
}

func TestStageTimeoutFallback(t *testing.T) {
	cfg := &Config{StageTimeouts: DefaultStageTimeouts}
	assert.Equal(t, 600*time.Second, cfg.StageTimeout(models.StageFuzzing))
	assert.Equal(t, 300*time.Second, cfg.StageTimeout(models.Stage("unknown")))
}

func TestChainRegistry(t *testing.T) {
	reg := NewChainRegistry(map[string]*ChainConfig{
		"ethereum": {Name: "ethereum"},
		"solana":   {Name: "solana"},
	})

	assert.True(t, reg.Has("ethereum"))
	assert.False(t, reg.Has("polygon"))
	assert.Equal(t, []string{"ethereum", "solana"}, reg.Names())

	_, err := reg.Get("polygon")
	require.ErrorIs(t, err, ErrChainNotConfigured)
}

func TestTokenResolution(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-default")
	t.Setenv("CUSTOM_SLACK", "xoxb-custom")
	assert.Equal(t, "xoxb-default", SlackConfig{}.Token())
	assert.Equal(t, "xoxb-custom", SlackConfig{TokenEnv: "CUSTOM_SLACK"}.Token())

	t.Setenv("GITHUB_TOKEN", "ghp-default")
	assert.Equal(t, "ghp-default", GitHubConfig{}.Token())
}
