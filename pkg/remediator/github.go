package remediator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// GitHubAdapter pushes patch branches and opens draft pull requests
// against one repository.
type GitHubAdapter struct {
	token   string
	repo    string // "owner/name"
	baseURL string
	http    *http.Client
}

// NewGitHubAdapter creates an adapter for repo using token.
func NewGitHubAdapter(token, repo string) *GitHubAdapter {
	return &GitHubAdapter{
		token:   token,
		repo:    repo,
		baseURL: "https://api.github.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// OpenDraftPR creates branch from the default branch head, commits the
// patch file onto it, and opens a draft PR. Returns the PR URL.
func (g *GitHubAdapter) OpenDraftPR(ctx context.Context, branch string, finding *models.Finding, patch *Patch) (string, error) {
	baseSHA, baseBranch, err := g.defaultBranchHead(ctx)
	if err != nil {
		return "", err
	}
	if err := g.createBranch(ctx, branch, baseSHA); err != nil {
		return "", err
	}
	path := fmt.Sprintf("patches/%s.diff", finding.ID)
	if err := g.commitFile(ctx, branch, path, patch.Diff, "Add candidate patch for "+finding.Title); err != nil {
		return "", err
	}
	return g.createPR(ctx, branch, baseBranch, finding, patch)
}

func (g *GitHubAdapter) defaultBranchHead(ctx context.Context) (sha, branch string, err error) {
	var repoInfo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := g.call(ctx, http.MethodGet, "/repos/"+g.repo, nil, &repoInfo); err != nil {
		return "", "", err
	}
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.call(ctx, http.MethodGet, "/repos/"+g.repo+"/git/ref/heads/"+repoInfo.DefaultBranch, nil, &ref); err != nil {
		return "", "", err
	}
	return ref.Object.SHA, repoInfo.DefaultBranch, nil
}

func (g *GitHubAdapter) createBranch(ctx context.Context, branch, sha string) error {
	return g.call(ctx, http.MethodPost, "/repos/"+g.repo+"/git/refs", map[string]any{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}, nil)
}

func (g *GitHubAdapter) commitFile(ctx context.Context, branch, path, content, message string) error {
	return g.call(ctx, http.MethodPut, "/repos/"+g.repo+"/contents/"+path, map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}, nil)
}

func (g *GitHubAdapter) createPR(ctx context.Context, branch, base string, finding *models.Finding, patch *Patch) (string, error) {
	var pr struct {
		HTMLURL string `json:"html_url"`
	}
	body := fmt.Sprintf("Automated candidate patch for **%s** (`%s`, severity %s, confidence %.2f).\n\n%s",
		finding.Title, finding.Type, finding.Severity, patch.Confidence, patch.Explanation)
	err := g.call(ctx, http.MethodPost, "/repos/"+g.repo+"/pulls", map[string]any{
		"title": "Fix: " + finding.Title,
		"head":  branch,
		"base":  base,
		"body":  body,
		"draft": true,
	}, &pr)
	if err != nil {
		return "", err
	}
	return pr.HTMLURL, nil
}

func (g *GitHubAdapter) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("github %s %s HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw[:min(len(raw), 300)])))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
