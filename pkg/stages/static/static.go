// Package static implements the second pipeline stage: run the
// configured analyzers over the recon sources in parallel, normalize
// their output into RawFindings, and ask the LLM router to summarize
// the aggregate.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/llmrouter"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// Worker is the static stage implementation. Analyzers are black boxes
// invoked as subprocesses against a materialized source tree.
type Worker struct {
	analyzers []config.AnalyzerConfig
	llm       *llmrouter.Client
	logger    *slog.Logger
}

// New creates a static worker. llm may be nil; the summary is then skipped.
func New(cfg *config.Config, llm *llmrouter.Client) *Worker {
	return &Worker{
		analyzers: cfg.Analyzers,
		llm:       llm,
		logger:    slog.Default().With("component", "static"),
	}
}

// Stage identifies this worker.
func (w *Worker) Stage() models.Stage { return models.StageStatic }

type analyzerRun struct {
	name     string
	findings []models.RawFinding
	err      error
}

// Execute runs every configured analyzer in parallel, each under its own
// timeout, and merges the normalized output. Individual analyzer
// failures demote the stage to partial; the stage is fatal only when no
// sources are available.
func (w *Worker) Execute(ctx context.Context, req *stages.Request) (*stages.Response, error) {
	recon := req.PriorRecon()
	if recon == nil || len(recon.Contracts) == 0 {
		return nil, service.NewValidationError("prior_stage_outputs", "static requires recon contract sources")
	}

	srcDir, err := materialize(recon)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(srcDir)

	runs := make([]analyzerRun, len(w.analyzers))
	var wg sync.WaitGroup
	for i, ac := range w.analyzers {
		wg.Add(1)
		go func(i int, ac config.AnalyzerConfig) {
			defer wg.Done()
			runs[i] = w.runAnalyzer(ctx, ac, srcDir)
		}(i, ac)
	}
	wg.Wait()

	result := &models.StaticResult{}
	failed := 0
	for _, run := range runs {
		if run.err != nil {
			failed++
			w.logger.Warn("Analyzer failed", "analyzer", run.name, "error", run.err)
			continue
		}
		result.Analyzers = append(result.Analyzers, run.name)
		result.RawFindings = append(result.RawFindings, run.findings...)
	}

	status := models.StageStatusCompleted
	respErr := ""
	if failed > 0 {
		status = models.StageStatusPartial
		respErr = fmt.Sprintf("%d of %d analyzers failed", failed, len(w.analyzers))
	}

	if summary, sumErr := w.summarize(ctx, result.RawFindings); sumErr != nil {
		w.logger.Warn("Aggregate summary unavailable", "error", sumErr)
		status = models.StageStatusPartial
		if respErr == "" {
			respErr = "summary unavailable"
		}
	} else {
		result.Summary = summary
	}

	return &stages.Response{
		Stage:       models.StageStatic,
		StageStatus: status,
		Error:       respErr,
		Static:      result,
	}, nil
}

// runAnalyzer executes one analyzer with its individual timeout and
// normalizes whatever it printed.
func (w *Worker) runAnalyzer(ctx context.Context, ac config.AnalyzerConfig, srcDir string) analyzerRun {
	timeout := time.Duration(ac.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, ac.Args...), srcDir)
	cmd := exec.CommandContext(runCtx, ac.Command, args...)
	cmd.Dir = srcDir
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return analyzerRun{name: ac.Name, err: fmt.Errorf("analyzer %s: %w", ac.Name, err)}
	}
	// Analyzers routinely exit non-zero when they find issues; trust the
	// output when there is any.
	return analyzerRun{name: ac.Name, findings: normalize(ac.Name, out)}
}

// summarize asks the router for an aggregate categorization of the
// normalized findings.
func (w *Worker) summarize(ctx context.Context, findings []models.RawFinding) (string, error) {
	if w.llm == nil {
		return "", fmt.Errorf("llm router not configured")
	}
	if len(findings) == 0 {
		return "No analyzer findings.", nil
	}

	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s][%s] %s (%s)\n", f.Analyzer, f.Severity, f.Title, f.Location)
	}
	resp, err := w.llm.Generate(ctx, models.LLMTask{
		TaskType:     "smart_contract_analysis",
		SystemPrompt: "You are a smart contract security analyst. Summarize and categorize analyzer findings concisely.",
		Prompt:       "Summarize and categorize these static analyzer findings:\n" + b.String(),
		MaxTokens:    1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// materialize writes the recon contract sources into a scratch tree for
// the analyzer subprocesses.
func materialize(recon *models.ReconResult) (string, error) {
	dir, err := os.MkdirTemp("", "bugbot-static-*")
	if err != nil {
		return "", err
	}
	seen := make(map[string]bool)
	for _, c := range recon.Contracts {
		if c.Source == "" {
			continue
		}
		rel := c.Path
		if rel == "" {
			rel = c.Name + ".sol"
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		dst := filepath.Join(dir, filepath.Clean(rel))
		if !strings.HasPrefix(dst, dir+string(os.PathSeparator)) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		if err := os.WriteFile(dst, []byte(c.Source), 0o644); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

// slitherOutput and mythOutput cover the two JSON shapes the default
// analyzers emit; anything else degrades to a single opaque finding.
type slitherOutput struct {
	Results struct {
		Detectors []struct {
			Check       string `json:"check"`
			Impact      string `json:"impact"`
			Description string `json:"description"`
			Elements    []struct {
				SourceMapping struct {
					Filename string `json:"filename_relative"`
					Lines    []int  `json:"lines"`
				} `json:"source_mapping"`
			} `json:"elements"`
		} `json:"detectors"`
	} `json:"results"`
}

type mythOutput struct {
	Issues []struct {
		Title       string `json:"title"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
		Filename    string `json:"filename"`
		LineNo      int    `json:"lineno"`
	} `json:"issues"`
}

// normalize converts raw analyzer output to RawFindings.
func normalize(analyzer string, out []byte) []models.RawFinding {
	var sl slitherOutput
	if err := json.Unmarshal(out, &sl); err == nil && len(sl.Results.Detectors) > 0 {
		findings := make([]models.RawFinding, 0, len(sl.Results.Detectors))
		for _, d := range sl.Results.Detectors {
			loc := ""
			if len(d.Elements) > 0 {
				el := d.Elements[0].SourceMapping
				if len(el.Lines) > 0 {
					loc = fmt.Sprintf("%s:%d", el.Filename, el.Lines[0])
				} else {
					loc = el.Filename
				}
			}
			findings = append(findings, models.RawFinding{
				Analyzer:    analyzer,
				Title:       d.Check,
				Severity:    mapSeverity(d.Impact),
				Location:    loc,
				Description: d.Description,
			})
		}
		return findings
	}

	var my mythOutput
	if err := json.Unmarshal(out, &my); err == nil && len(my.Issues) > 0 {
		findings := make([]models.RawFinding, 0, len(my.Issues))
		for _, is := range my.Issues {
			loc := is.Filename
			if is.LineNo > 0 {
				loc = fmt.Sprintf("%s:%d", is.Filename, is.LineNo)
			}
			findings = append(findings, models.RawFinding{
				Analyzer:    analyzer,
				Title:       is.Title,
				Severity:    mapSeverity(is.Severity),
				Location:    loc,
				Description: is.Description,
			})
		}
		return findings
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "{}" || trimmed == "[]" {
		return nil
	}
	if len(trimmed) > 2000 {
		trimmed = trimmed[:2000]
	}
	return []models.RawFinding{{
		Analyzer:    analyzer,
		Title:       "unstructured analyzer output",
		Severity:    models.SeverityInfo,
		Description: trimmed,
	}}
}

func mapSeverity(s string) models.Severity {
	switch strings.ToLower(s) {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "medium":
		return models.SeverityMedium
	case "low":
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}
