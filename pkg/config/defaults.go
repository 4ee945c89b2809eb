package config

import (
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// Defaults for orchestration limits; overridable via environment.
const (
	DefaultMaxConcurrentScans       = 8
	DefaultScanQueueSize            = 64
	DefaultMaxConcurrentValidations = 5

	DefaultRPCCallTimeout      = 10 * time.Second
	DefaultCircuitThreshold    = 5
	DefaultCircuitTimeout      = 300 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
)

// DefaultStageTimeouts are the per-stage dispatch budgets. Monitoring gets
// its window length plus 60s at dispatch time, not a fixed value here.
var DefaultStageTimeouts = map[models.Stage]time.Duration{
	models.StageRecon:      180 * time.Second,
	models.StageStatic:     300 * time.Second,
	models.StageFuzzing:    600 * time.Second,
	models.StageMonitoring: 6 * time.Minute,
	models.StageTriage:     300 * time.Second,
	models.StageReporting:  60 * time.Second,
}

// AnalyzerConfig describes one black-box static analyzer invocation.
type AnalyzerConfig struct {
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// PatternConfig is one named regex for the PoC sanitizer.
type PatternConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description,omitempty"`
}

// builtinRouting is the default routing table. User rules from bugbot.yaml
// are evaluated before these.
func builtinRouting() RoutingTable {
	return RoutingTable{
		Rules: []RoutingRule{
			{Pattern: `^smart_contract_analysis$`, Backend: models.ModelLocalDeepReasoning},
			{Pattern: `^(code_review|exploit_poc)$`, Backend: models.ModelLocalCodeAnalysis},
			{Pattern: `^(fast_triage|quick_summary)$`, Backend: models.ModelLocalFastTriage},
			{Pattern: `^embed`, Backend: models.ModelLocalEmbeddings},
			{Pattern: `^final_report$`, Backend: models.ModelCloudFinal},
		},
		Default: models.ModelLocalFastTriage,
	}
}

// builtinModels maps each backend class to its default model name.
func builtinModels() map[models.ModelType]string {
	return map[models.ModelType]string{
		models.ModelLocalDeepReasoning: "qwen2.5-coder:32b",
		models.ModelLocalCodeAnalysis:  "deepseek-coder-v2:16b",
		models.ModelLocalFastTriage:    "llama3.1:8b",
		models.ModelLocalEmbeddings:    "nomic-embed-text",
		models.ModelCloudFinal:         "claude-sonnet-4-5",
	}
}

// builtinAnalyzers lists the analyzers the static stage invokes when the
// config file does not override them.
func builtinAnalyzers() []AnalyzerConfig {
	return []AnalyzerConfig{
		{Name: "slither", Command: "slither", Args: []string{"--json", "-"}, TimeoutSeconds: 120},
		{Name: "mythril", Command: "myth", Args: []string{"analyze", "-o", "json"}, TimeoutSeconds: 180},
		{Name: "aderyn", Command: "aderyn", Args: []string{"--output", "report.json"}, TimeoutSeconds: 90},
	}
}

// builtinSanitizerPatterns is the default disallowed-pattern set for PoC
// text. The set is configurable; these are a best-effort guard, not a
// proof of safety.
func builtinSanitizerPatterns() []PatternConfig {
	return []PatternConfig{
		{Name: "path_escape", Pattern: `\.\./`, Description: "attempt to escape the sandbox directory"},
		{Name: "shell_subst", Pattern: "`[^`]*`|\\$\\([^)]*\\)", Description: "shell command substitution"},
		{Name: "exec_call", Pattern: `(?i)\b(ffi|vm\.ffi|exec|system|popen)\s*\(`, Description: "host command execution from PoC code"},
		{Name: "absolute_write", Pattern: `(?i)\b(writeFile|fs\.write)\w*\s*\(\s*["']/`, Description: "write outside the sandbox tree"},
		{Name: "curl_pipe", Pattern: `(?i)(curl|wget)[^\n]*\|\s*(sh|bash)`, Description: "remote script piping"},
	}
}
