// Package fuzzing implements the third pipeline stage: run property
// tests against a sandboxed build of the target and collect shrunk
// counterexamples. When the repo ships its own test suite that suite is
// used; otherwise property tests are generated through the LLM router.
package fuzzing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bugbot-io/bugbot/pkg/llmrouter"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// Worker is the fuzzing stage implementation. The harness is a black
// box invoked as a subprocess (forge by default).
type Worker struct {
	harness string
	llm     *llmrouter.Client
	logger  *slog.Logger
}

// New creates a fuzzing worker. llm may be nil; test generation is then
// unavailable and repos without a suite produce a partial result.
func New(llm *llmrouter.Client) *Worker {
	return &Worker{
		harness: "forge",
		llm:     llm,
		logger:  slog.Default().With("component", "fuzzing"),
	}
}

// Stage identifies this worker.
func (w *Worker) Stage() models.Stage { return models.StageFuzzing }

// Execute materializes the sources, ensures a test suite exists
// (generating one when the repo has none), runs the harness, and
// extracts counterexamples. Harness unavailability is partial, not
// fatal: the pipeline proceeds on analyzer evidence alone.
func (w *Worker) Execute(ctx context.Context, req *stages.Request) (*stages.Response, error) {
	recon := req.PriorRecon()
	if recon == nil || len(recon.Contracts) == 0 {
		return nil, service.NewValidationError("prior_stage_outputs", "fuzzing requires recon contract sources")
	}

	dir, hasSuite, err := materialize(recon)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	partial := func(reason string) *stages.Response {
		return &stages.Response{
			Stage:       models.StageFuzzing,
			StageStatus: models.StageStatusPartial,
			Error:       reason,
			Fuzzing:     &models.FuzzingResult{},
		}
	}

	if !hasSuite {
		if err := w.generateSuite(ctx, recon, dir); err != nil {
			w.logger.Warn("Property test generation failed", "scan_id", req.ScanID, "error", err)
			return partial("no test suite and generation failed"), nil
		}
	}

	result, err := w.runHarness(ctx, dir)
	if err != nil {
		w.logger.Warn("Harness run failed", "scan_id", req.ScanID, "error", err)
		return partial("fuzzing harness unavailable"), nil
	}

	return &stages.Response{
		Stage:       models.StageFuzzing,
		StageStatus: models.StageStatusCompleted,
		Fuzzing:     result,
	}, nil
}

// generateSuite asks the router for property tests and writes them into
// the scratch tree.
func (w *Worker) generateSuite(ctx context.Context, recon *models.ReconResult, dir string) error {
	if w.llm == nil {
		return fmt.Errorf("llm router not configured")
	}

	var b strings.Builder
	for i, c := range recon.Contracts {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "// %s\n%s\n\n", c.Name, c.Source)
	}
	resp, err := w.llm.Generate(ctx, models.LLMTask{
		TaskType:     "code_review",
		SystemPrompt: "You write Foundry property tests for Solidity contracts. Output only Solidity test code.",
		Prompt:       "Write invariant and fuzz property tests for these contracts:\n\n" + b.String(),
		MaxTokens:    4096,
	})
	if err != nil {
		return err
	}

	testDir := filepath.Join(dir, "test")
	if err := os.MkdirAll(testDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(testDir, "Generated.t.sol"), []byte(stripFences(resp.Text)), 0o644)
}

// forgeSuite is the tolerant shape of `forge test --json` output: one
// entry per test contract, each with named test results.
type forgeSuite map[string]struct {
	TestResults map[string]struct {
		Status         string `json:"status"`
		Reason         string `json:"reason"`
		Counterexample *struct {
			Args     []string `json:"args"`
			Sequence []struct {
				Calldata string `json:"calldata"`
			} `json:"sequence"`
		} `json:"counterexample"`
	} `json:"test_results"`
}

// runHarness executes the test suite and parses failures into
// counterexamples.
func (w *Worker) runHarness(ctx context.Context, dir string) (*models.FuzzingResult, error) {
	cmd := exec.CommandContext(ctx, w.harness, "test", "--json")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%s test: %w", w.harness, err)
	}

	var suites forgeSuite
	if jerr := json.Unmarshal(out, &suites); jerr != nil {
		return nil, fmt.Errorf("%s test output unparseable: %w", w.harness, jerr)
	}

	result := &models.FuzzingResult{}
	for _, suite := range suites {
		for name, tr := range suite.TestResults {
			result.TestsRun++
			if strings.EqualFold(tr.Status, "success") {
				continue
			}
			ce := models.Counterexample{Property: name, Inputs: tr.Reason}
			if tr.Counterexample != nil {
				if len(tr.Counterexample.Args) > 0 {
					ce.Inputs = strings.Join(tr.Counterexample.Args, ", ")
				}
				var calls []string
				for _, step := range tr.Counterexample.Sequence {
					calls = append(calls, step.Calldata)
				}
				ce.Trace = strings.Join(calls, " -> ")
			}
			result.Counterexamples = append(result.Counterexamples, ce)
		}
	}
	// coverage_percent stays nil: the test run does not emit coverage.
	return result, nil
}

// materialize writes sources into a scratch tree and reports whether the
// repo already ships test files.
func materialize(recon *models.ReconResult) (dir string, hasSuite bool, err error) {
	dir, err = os.MkdirTemp("", "bugbot-fuzz-*")
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		os.RemoveAll(dir)
		return "", false, err
	}

	seen := make(map[string]bool)
	for _, c := range recon.Contracts {
		if c.Source == "" {
			continue
		}
		rel := c.Path
		if rel == "" {
			rel = filepath.Join("src", c.Name+".sol")
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true

		if strings.HasSuffix(rel, ".t.sol") || strings.Contains(rel, "test"+string(os.PathSeparator)) {
			hasSuite = true
		}
		dst := filepath.Join(dir, filepath.Clean(rel))
		if !strings.HasPrefix(dst, dir+string(os.PathSeparator)) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			os.RemoveAll(dir)
			return "", false, err
		}
		if err := os.WriteFile(dst, []byte(c.Source), 0o644); err != nil {
			os.RemoveAll(dir)
			return "", false, err
		}
	}
	return dir, hasSuite, nil
}

// stripFences removes markdown code fences from generated test code.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
