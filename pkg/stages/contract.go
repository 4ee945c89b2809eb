// Package stages defines the uniform contract between the orchestrator
// and the six stage workers: one POST /execute per worker, a shared
// request shape, and a response whose stage_status distinguishes
// completed from partial work. Fatal failures are HTTP 5xx; partial
// results ride a 200.
package stages

import (
	"context"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// Request is the dispatch body every stage worker accepts.
type Request struct {
	ScanID string                                      `json:"scan_id"`
	Chain  string                                      `json:"chain,omitempty"`
	Target models.Target                               `json:"target"`
	Config models.ScanConfig                           `json:"scan_config"`
	Prior  map[models.Stage]*models.StageResult        `json:"prior_stage_outputs,omitempty"`
}

// PriorRecon returns the recon output from prior stages, or nil.
func (r *Request) PriorRecon() *models.ReconResult {
	if sr := r.Prior[models.StageRecon]; sr != nil {
		return sr.Recon
	}
	return nil
}

// PriorStatic returns the static output from prior stages, or nil.
func (r *Request) PriorStatic() *models.StaticResult {
	if sr := r.Prior[models.StageStatic]; sr != nil {
		return sr.Static
	}
	return nil
}

// PriorFuzzing returns the fuzzing output from prior stages, or nil.
func (r *Request) PriorFuzzing() *models.FuzzingResult {
	if sr := r.Prior[models.StageFuzzing]; sr != nil {
		return sr.Fuzzing
	}
	return nil
}

// PriorMonitoring returns the monitoring output from prior stages, or nil.
func (r *Request) PriorMonitoring() *models.MonitoringResult {
	if sr := r.Prior[models.StageMonitoring]; sr != nil {
		return sr.Monitoring
	}
	return nil
}

// PriorTriage returns the triage output from prior stages, or nil.
func (r *Request) PriorTriage() *models.TriageResult {
	if sr := r.Prior[models.StageTriage]; sr != nil {
		return sr.Triage
	}
	return nil
}

// Response is the stage worker reply. StageStatus "partial" means some
// but not all work succeeded; the payload pointer matching Stage carries
// whatever was produced.
type Response struct {
	Stage       models.Stage       `json:"stage"`
	StageStatus models.StageStatus `json:"stage_status"`
	Error       string             `json:"error,omitempty"`

	Recon      *models.ReconResult      `json:"recon,omitempty"`
	Static     *models.StaticResult     `json:"static,omitempty"`
	Fuzzing    *models.FuzzingResult    `json:"fuzzing,omitempty"`
	Monitoring *models.MonitoringResult `json:"monitoring,omitempty"`
	Triage     *models.TriageResult     `json:"triage,omitempty"`
	Reporting  *models.ReportingResult  `json:"reporting,omitempty"`
}

// ToStageResult converts the wire response into the stored stage record.
func (r *Response) ToStageResult(elapsed time.Duration) *models.StageResult {
	return &models.StageResult{
		Stage:      r.Stage,
		Status:     r.StageStatus,
		Error:      r.Error,
		DurationMS: elapsed.Milliseconds(),
		Recon:      r.Recon,
		Static:     r.Static,
		Fuzzing:    r.Fuzzing,
		Monitoring: r.Monitoring,
		Triage:     r.Triage,
		Reporting:  r.Reporting,
	}
}

// Worker is one stage implementation. A returned error is fatal and
// surfaces to the orchestrator as HTTP 5xx; partial outcomes are encoded
// in the Response instead.
type Worker interface {
	Stage() models.Stage
	Execute(ctx context.Context, req *Request) (*Response, error)
}
