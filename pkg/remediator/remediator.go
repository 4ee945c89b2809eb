// Package remediator generates candidate patches for findings through
// the LLM router and, when a GitHub adapter is configured and the caller
// is an admin, pushes the patch as a branch with a draft pull request.
package remediator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bugbot-io/bugbot/pkg/llmrouter"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Patch is one generated remediation candidate.
type Patch struct {
	FindingID   string  `json:"finding_id"`
	Diff        string  `json:"diff"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Branch      string  `json:"branch,omitempty"`
	PullRequest string  `json:"pull_request_url,omitempty"`
}

// Service generates patches.
type Service struct {
	llm    *llmrouter.Client
	github *GitHubAdapter
	logger *slog.Logger
}

// New creates the remediator. github may be nil; PR creation is then
// reported as unavailable.
func New(llm *llmrouter.Client, github *GitHubAdapter) *Service {
	return &Service{
		llm:    llm,
		github: github,
		logger: slog.Default().With("component", "remediator"),
	}
}

type patchVerdict struct {
	Diff        string  `json:"diff"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}

// Remediate generates a candidate patch for the finding. When createPR
// is set (admin-gated at the HTTP layer) and GitHub is configured, the
// patch lands on branch fix/<type>-<finding_id> with a draft PR.
func (s *Service) Remediate(ctx context.Context, finding *models.Finding, createPR bool) (*Patch, error) {
	if finding == nil || finding.Title == "" {
		return nil, service.NewValidationError("finding", "a finding with a title is required")
	}
	if s.llm == nil {
		return nil, fmt.Errorf("%w: llm router not configured", service.ErrBackendUnavailable)
	}

	resp, err := s.llm.Generate(ctx, models.LLMTask{
		TaskType: "code_review",
		SystemPrompt: `You write minimal security patches for smart contracts. Reply with JSON only: ` +
			`{"diff": "unified diff", "explanation": "...", "confidence": 0.0}.`,
		Prompt: fmt.Sprintf("Produce a patch for this finding.\nTitle: %s\nType: %s\nLocation: %s\nDetails: %s\nRecommendation: %s",
			finding.Title, finding.Type, finding.Location, finding.Description, finding.Recommendation),
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, err
	}

	verdict := &patchVerdict{}
	if err := decodeJSON(resp.Text, verdict); err != nil {
		return nil, fmt.Errorf("patch generation returned malformed output: %w", err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		verdict.Confidence = 0.5
	}

	patch := &Patch{
		FindingID:   finding.ID,
		Diff:        verdict.Diff,
		Explanation: verdict.Explanation,
		Confidence:  verdict.Confidence,
	}
	if !createPR {
		return patch, nil
	}
	if s.github == nil {
		return nil, fmt.Errorf("%w: github adapter not configured", service.ErrBackendUnavailable)
	}

	branch := fmt.Sprintf("fix/%s-%s", finding.Type, finding.ID)
	prURL, err := s.github.OpenDraftPR(ctx, branch, finding, patch)
	if err != nil {
		return nil, fmt.Errorf("draft PR: %w", err)
	}
	patch.Branch = branch
	patch.PullRequest = prURL
	s.logger.Info("Draft PR opened", "finding_id", finding.ID, "branch", branch)
	return patch, nil
}

func decodeJSON(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}
