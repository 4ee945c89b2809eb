// Package triage implements the fifth pipeline stage: fuse candidate
// findings from static, fuzzing, and monitoring, then push each through
// a three-tier LLM cascade (fast filter, deep reasoning, final
// classification). A tier-2 or tier-3 failure demotes the finding to its
// tier-1 verdict instead of failing the stage.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bugbot-io/bugbot/pkg/llmrouter"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// maxParallel caps the cascade fan-out per scan.
const maxParallel = 4

// Worker is the triage stage implementation.
type Worker struct {
	llm     *llmrouter.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a triage worker.
func New(llm *llmrouter.Client, m *metrics.Metrics) *Worker {
	return &Worker{
		llm:     llm,
		metrics: m,
		logger:  slog.Default().With("component", "triage"),
	}
}

// Stage identifies this worker.
func (w *Worker) Stage() models.Stage { return models.StageTriage }

// candidate is one pre-triage vulnerability claim with its provenance.
type candidate struct {
	title       string
	description string
	location    string
	severity    models.Severity
	source      string
}

type verdict struct {
	finding  *models.Finding
	filtered *models.Finding
	degraded bool
}

// Execute fuses prior-stage outputs into candidates and classifies each.
func (w *Worker) Execute(ctx context.Context, req *stages.Request) (*stages.Response, error) {
	if w.llm == nil {
		return nil, fmt.Errorf("%w: llm router not configured", service.ErrBackendUnavailable)
	}
	candidates := collect(req)
	if len(candidates) == 0 {
		return &stages.Response{
			Stage:       models.StageTriage,
			StageStatus: models.StageStatusCompleted,
			Triage:      &models.TriageResult{Findings: []models.Finding{}},
		}, nil
	}

	verdicts := make([]verdict, len(candidates))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand candidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			verdicts[i] = w.classify(ctx, cand)
		}(i, cand)
	}
	wg.Wait()

	result := &models.TriageResult{Findings: []models.Finding{}}
	for _, v := range verdicts {
		if v.filtered != nil {
			result.Filtered = append(result.Filtered, *v.filtered)
			continue
		}
		if v.degraded {
			result.Degraded = true
		}
		result.Findings = append(result.Findings, *v.finding)
		if w.metrics != nil {
			w.metrics.FindingsTotal.WithLabelValues(string(v.finding.Severity)).Inc()
		}
	}

	return &stages.Response{
		Stage:       models.StageTriage,
		StageStatus: models.StageStatusCompleted,
		Triage:      result,
	}, nil
}

// classify runs one candidate through the cascade.
func (w *Worker) classify(ctx context.Context, cand candidate) verdict {
	base := models.Finding{
		ID:          uuid.NewString(),
		Type:        inferType(cand.title + " " + cand.description),
		Severity:    cand.severity,
		Confidence:  models.ConfidenceLow,
		Title:       cand.title,
		Description: cand.description,
		Location:    cand.location,
		Source:      cand.source,
	}

	// Tier 1: fast filter.
	t1, err := w.tierOne(ctx, cand)
	if err != nil {
		// Without even a fast verdict, keep the candidate and mark it
		// degraded; dropping evidence silently is worse.
		w.logger.Warn("Tier-1 triage unavailable", "title", cand.title, "error", err)
		base.TriageStatus = models.TriageDegraded
		return verdict{finding: &base, degraded: true}
	}
	if !t1.Keep {
		base.Severity = t1.Severity
		return verdict{filtered: &base}
	}
	base.Severity = t1.Severity

	// Tier 2: deep reasoning.
	t2, err := w.tierTwo(ctx, cand)
	if err != nil {
		w.logger.Warn("Tier-2 triage failed, demoting to tier-1 verdict", "title", cand.title, "error", err)
		base.TriageStatus = models.TriageDegraded
		return verdict{finding: &base, degraded: true}
	}
	base.Severity = t2.Severity
	base.Confidence = t2.Confidence
	if t2.RootCause != "" {
		base.Description = t2.RootCause
	}
	base.Impact = t2.Exploitability

	// Tier 3: final classification.
	t3, err := w.tierThree(ctx, cand, t2)
	if err != nil {
		w.logger.Warn("Tier-3 triage failed, keeping tier-2 verdict", "title", cand.title, "error", err)
		base.TriageStatus = models.TriageDegraded
		return verdict{finding: &base, degraded: true}
	}
	if t3.Title != "" {
		base.Title = t3.Title
	}
	if t3.Description != "" {
		base.Description = t3.Description
	}
	if t3.Impact != "" {
		base.Impact = t3.Impact
	}
	base.Recommendation = t3.Recommendation
	base.ProofOfConcept = t3.Reproduction
	return verdict{finding: &base}
}

type tierOneVerdict struct {
	Keep     bool            `json:"keep"`
	Severity models.Severity `json:"severity"`
}

func (w *Worker) tierOne(ctx context.Context, cand candidate) (*tierOneVerdict, error) {
	resp, err := w.llm.Generate(ctx, models.LLMTask{
		TaskType:     "fast_triage",
		SystemPrompt: `You triage smart contract findings. Reply with JSON only: {"keep": bool, "severity": "critical|high|medium|low|info"}.`,
		Prompt:       fmt.Sprintf("Finding: %s\nSource: %s\nDetails: %s", cand.title, cand.source, cand.description),
		MaxTokens:    128,
	})
	if err != nil {
		return nil, err
	}
	out := &tierOneVerdict{Severity: cand.severity}
	if err := decodeJSON(resp.Text, out); err != nil {
		return nil, err
	}
	if !models.ValidSeverity(out.Severity) {
		out.Severity = cand.severity
	}
	return out, nil
}

type tierTwoVerdict struct {
	Severity       models.Severity   `json:"severity"`
	Confidence     models.Confidence `json:"confidence"`
	RootCause      string            `json:"root_cause"`
	Exploitability string            `json:"exploitability"`
}

func (w *Worker) tierTwo(ctx context.Context, cand candidate) (*tierTwoVerdict, error) {
	resp, err := w.llm.Generate(ctx, models.LLMTask{
		TaskType: "smart_contract_analysis",
		SystemPrompt: `You are a smart contract security auditor. Reply with JSON only: ` +
			`{"severity": "...", "confidence": "high|medium|low", "root_cause": "...", "exploitability": "..."}.`,
		Prompt:    fmt.Sprintf("Assess root cause and exploitability.\nFinding: %s\nLocation: %s\nDetails: %s", cand.title, cand.location, cand.description),
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, err
	}
	out := &tierTwoVerdict{}
	if err := decodeJSON(resp.Text, out); err != nil {
		return nil, err
	}
	if !models.ValidSeverity(out.Severity) {
		out.Severity = cand.severity
	}
	if out.Confidence == "" {
		out.Confidence = models.ConfidenceMedium
	}
	return out, nil
}

type tierThreeVerdict struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Impact         string `json:"impact"`
	Recommendation string `json:"recommendation"`
	Reproduction   string `json:"reproduction"`
}

func (w *Worker) tierThree(ctx context.Context, cand candidate, t2 *tierTwoVerdict) (*tierThreeVerdict, error) {
	resp, err := w.llm.Generate(ctx, models.LLMTask{
		TaskType: "final_report",
		SystemPrompt: `You write the final user-visible vulnerability report entry. Reply with JSON only: ` +
			`{"title": "...", "description": "...", "impact": "...", "recommendation": "...", "reproduction": "safe reproduction steps"}.`,
		Prompt:    fmt.Sprintf("Finding: %s\nRoot cause: %s\nExploitability: %s", cand.title, t2.RootCause, t2.Exploitability),
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, err
	}
	out := &tierThreeVerdict{}
	if err := decodeJSON(resp.Text, out); err != nil {
		return nil, err
	}
	return out, nil
}

// collect fuses prior-stage outputs into the candidate list.
func collect(req *stages.Request) []candidate {
	var out []candidate
	if static := req.PriorStatic(); static != nil {
		for _, rf := range static.RawFindings {
			out = append(out, candidate{
				title:       rf.Title,
				description: rf.Description,
				location:    rf.Location,
				severity:    rf.Severity,
				source:      "static:" + rf.Analyzer,
			})
		}
	}
	if fuzz := req.PriorFuzzing(); fuzz != nil {
		for _, ce := range fuzz.Counterexamples {
			out = append(out, candidate{
				title:       "property violation: " + ce.Property,
				description: "inputs: " + ce.Inputs + "\ntrace: " + ce.Trace,
				severity:    models.SeverityMedium,
				source:      "fuzzing",
			})
		}
	}
	if mon := req.PriorMonitoring(); mon != nil {
		for _, a := range mon.Anomalies {
			out = append(out, candidate{
				title:       "anomaly: " + a.Rule,
				description: a.Description,
				location:    a.TxHash,
				severity:    models.SeverityLow,
				source:      "monitoring",
			})
		}
	}
	return out
}

// inferType maps candidate text onto the known vulnerability classes.
func inferType(text string) models.FindingType {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "reentran"):
		return models.FindingReentrancy
	case strings.Contains(lower, "overflow") || strings.Contains(lower, "underflow"):
		return models.FindingIntegerOverflow
	case strings.Contains(lower, "access") || strings.Contains(lower, "onlyowner") || strings.Contains(lower, "auth"):
		return models.FindingAccessControl
	case strings.Contains(lower, "unchecked"):
		return models.FindingUncheckedCall
	case strings.Contains(lower, "flash"):
		return models.FindingFlashLoan
	case strings.Contains(lower, "price") || strings.Contains(lower, "oracle"):
		return models.FindingPriceManipulation
	}
	return models.FindingOther
}

// decodeJSON extracts the first JSON object from LLM output; models
// often wrap JSON in prose or fences.
func decodeJSON(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}
