package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

// Scan lifecycle states. Legal transitions: pending → running → (completed | failed).
const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// Stage identifies one of the six pipeline stages.
type Stage string

// Pipeline stages in execution order.
const (
	StageRecon      Stage = "recon"
	StageStatic     Stage = "static"
	StageFuzzing    Stage = "fuzzing"
	StageMonitoring Stage = "monitoring"
	StageTriage     Stage = "triage"
	StageReporting  Stage = "reporting"
)

// PipelineStages is the fixed stage order the orchestrator drives.
var PipelineStages = []Stage{
	StageRecon, StageStatic, StageFuzzing, StageMonitoring, StageTriage, StageReporting,
}

// TargetKind discriminates the scan target sum type.
type TargetKind string

// Target kinds.
const (
	TargetGitURL    TargetKind = "git_url"
	TargetLocalPath TargetKind = "local_path"
	TargetAddress   TargetKind = "address"
)

// Target is the sum type of things a scan can point at: a source-hosting
// URL, a local path mounted into the recon worker, or a raw on-chain address.
type Target struct {
	Kind           TargetKind `json:"kind"`
	URL            string     `json:"url,omitempty"`
	Path           string     `json:"path,omitempty"`
	Address        string     `json:"address,omitempty"`
	Chain          string     `json:"chain,omitempty"`
	ForceDecompile bool       `json:"force_decompile,omitempty"`
}

// Surface returns the denormalized display form of the target for listings.
func (t Target) Surface() string {
	switch t.Kind {
	case TargetGitURL:
		return t.URL
	case TargetLocalPath:
		return t.Path
	case TargetAddress:
		if t.Chain != "" {
			return fmt.Sprintf("%s:%s", t.Chain, t.Address)
		}
		return t.Address
	}
	return ""
}

// SandboxType selects the validator sandbox runtime.
type SandboxType string

// Supported sandbox runtimes.
const (
	SandboxFoundry SandboxType = "foundry"
	SandboxHardhat SandboxType = "hardhat"
	SandboxDocker  SandboxType = "docker"
)

// ReportFormat names one of the standard report renderers.
type ReportFormat string

// Supported report formats.
const (
	ReportImmunefi    ReportFormat = "immunefi"
	ReportHackenProof ReportFormat = "hackenproof"
	ReportJSON        ReportFormat = "json"
)

// NotifyChannel names a notification channel attempted by reporting.
type NotifyChannel string

// Supported notification channels.
const (
	NotifySlack       NotifyChannel = "slack"
	NotifyEmail       NotifyChannel = "email"
	NotifyGitHubIssue NotifyChannel = "github_issue"
)

// ScanConfig carries the recognized per-scan options.
type ScanConfig struct {
	EnableFuzzing          *bool           `json:"enable_fuzzing,omitempty"`
	MonitorDurationMinutes *int            `json:"monitor_duration_minutes,omitempty"`
	SandboxType            SandboxType     `json:"sandbox_type,omitempty"`
	AllowLive              bool            `json:"allow_live,omitempty"`
	ReportFormats          []ReportFormat  `json:"report_formats,omitempty"`
	NotifyChannels         []NotifyChannel `json:"notify_channels,omitempty"`
}

// FuzzingEnabled reports whether the fuzzing stage should run (default true).
func (c ScanConfig) FuzzingEnabled() bool {
	return c.EnableFuzzing == nil || *c.EnableFuzzing
}

// MonitorDuration returns the monitoring window, clamped to [0, 60] minutes
// (default 5). Zero skips the monitoring stage entirely.
func (c ScanConfig) MonitorDuration() time.Duration {
	minutes := 5
	if c.MonitorDurationMinutes != nil {
		minutes = *c.MonitorDurationMinutes
	}
	if minutes < 0 {
		minutes = 0
	}
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// Formats returns the requested report formats, defaulting to all three.
func (c ScanConfig) Formats() []ReportFormat {
	if len(c.ReportFormats) == 0 {
		return []ReportFormat{ReportImmunefi, ReportHackenProof, ReportJSON}
	}
	return c.ReportFormats
}

// FindingsSummary aggregates triage output counts by severity.
type FindingsSummary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Total returns the sum across severities.
func (s FindingsSummary) Total() int {
	return s.Critical + s.High + s.Medium + s.Low + s.Info
}

// Add increments the bucket for the given severity.
func (s *FindingsSummary) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	default:
		s.Info++
	}
}

// Scan is the persisted record of one pipeline run. The orchestrator is
// the sole writer; other services only read it.
type Scan struct {
	ScanID          string                 `json:"scan_id"`
	Target          Target                 `json:"target"`
	ChainHint       string                 `json:"chain_hint,omitempty"`
	Config          ScanConfig             `json:"scan_config"`
	Status          ScanStatus             `json:"status"`
	Progress        int                    `json:"progress"`
	CurrentStage    Stage                  `json:"current_stage,omitempty"`
	StageResults    map[Stage]*StageResult `json:"stage_results,omitempty"`
	FindingsSummary FindingsSummary        `json:"findings_summary"`
	TargetURL       string                 `json:"target_url,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	DurationSeconds float64                `json:"duration_seconds,omitempty"`
	ReportErrors    []string               `json:"report_errors,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// NewScan creates a pending scan record with a fresh UUID.
func NewScan(target Target, chainHint string, cfg ScanConfig) *Scan {
	return &Scan{
		ScanID:       uuid.NewString(),
		Target:       target,
		ChainHint:    chainHint,
		Config:       cfg,
		Status:       ScanStatusPending,
		Progress:     0,
		StageResults: make(map[Stage]*StageResult),
		TargetURL:    target.Surface(),
		StartedAt:    time.Now().UTC(),
	}
}

// Terminal reports whether the scan has reached a terminal state.
func (s *Scan) Terminal() bool {
	return s.Status == ScanStatusCompleted || s.Status == ScanStatusFailed
}
