package models

import "time"

// StageStatus classifies how a stage run ended.
type StageStatus string

// Stage outcome classes. "partial" means the stage returned some but not
// all of its work; the orchestrator records it and proceeds.
const (
	StageStatusCompleted StageStatus = "completed"
	StageStatusPartial   StageStatus = "partial"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusFailed    StageStatus = "failed"
)

// StageResult is the discriminated union stored per stage key in a scan
// record. Exactly one of the payload pointers is set, matching Stage.
type StageResult struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`

	Recon      *ReconResult      `json:"recon,omitempty"`
	Static     *StaticResult     `json:"static,omitempty"`
	Fuzzing    *FuzzingResult    `json:"fuzzing,omitempty"`
	Monitoring *MonitoringResult `json:"monitoring,omitempty"`
	Triage     *TriageResult     `json:"triage,omitempty"`
	Reporting  *ReportingResult  `json:"reporting,omitempty"`
}

// SourceFile is one enumerated source unit in the recon surface map.
type SourceFile struct {
	File     string   `json:"file"`
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Imports  []string `json:"imports,omitempty"`
}

// ContractRecord describes one candidate entry contract discovered by recon.
type ContractRecord struct {
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Address string `json:"address,omitempty"`
	ABI     string `json:"abi,omitempty"`
	Source  string `json:"source,omitempty"`
}

// ReconResult is the recon stage output: the surface map and entry contracts.
type ReconResult struct {
	SurfaceMap []SourceFile     `json:"surface_map"`
	Contracts  []ContractRecord `json:"contracts"`
	RepoRef    string           `json:"repo_ref,omitempty"`
}

// StaticResult aggregates normalized analyzer output plus the LLM summary.
type StaticResult struct {
	RawFindings []RawFinding `json:"raw_findings"`
	Analyzers   []string     `json:"analyzers"`
	Summary     string       `json:"summary,omitempty"`
}

// Counterexample is one shrunk failing case from the fuzzing harness.
type Counterexample struct {
	Property string `json:"property"`
	Inputs   string `json:"inputs"`
	Trace    string `json:"trace,omitempty"`
}

// FuzzingResult carries fuzzing outcomes. CoveragePercent is nil when the
// harness does not emit coverage.
type FuzzingResult struct {
	TestsRun        int              `json:"tests_run"`
	Counterexamples []Counterexample `json:"counterexamples,omitempty"`
	CoveragePercent *float64         `json:"coverage_percent,omitempty"`
}

// Anomaly is one observation flagged by the monitoring stage rules.
type Anomaly struct {
	Rule        string    `json:"rule"`
	Description string    `json:"description"`
	TxHash      string    `json:"tx_hash,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// MonitoringResult carries anomalies collected during the watch window.
type MonitoringResult struct {
	Address         string    `json:"address"`
	Chain           string    `json:"chain"`
	WindowSeconds   int       `json:"window_seconds"`
	BlocksObserved  int       `json:"blocks_observed"`
	Anomalies       []Anomaly `json:"anomalies,omitempty"`
	ProvidersDrifts int       `json:"provider_drifts,omitempty"`
}

// TriageResult is the fused, tiered classification output. Filtered holds
// Tier-1-discarded candidates; they are excluded from the findings summary.
type TriageResult struct {
	Findings []Finding `json:"findings"`
	Filtered []Finding `json:"filtered,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
}

// ReportDocument is one rendered report.
type ReportDocument struct {
	Format  ReportFormat `json:"format"`
	Content string       `json:"content"`
}

// ReportingResult carries rendered reports and best-effort notification errors.
type ReportingResult struct {
	Reports      []ReportDocument `json:"reports"`
	NotifyErrors []string         `json:"notify_errors,omitempty"`
}
