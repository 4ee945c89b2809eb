package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// GitHubNotifier opens a tracking issue per completed scan.
type GitHubNotifier struct {
	token   string
	repo    string // "owner/name"
	baseURL string
	http    *http.Client
}

// NewGitHubNotifier creates an issue-creating notifier for repo.
func NewGitHubNotifier(token, repo string) *GitHubNotifier {
	return &GitHubNotifier{
		token:   token,
		repo:    repo,
		baseURL: "https://api.github.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Channel identifies this notifier.
func (g *GitHubNotifier) Channel() models.NotifyChannel { return models.NotifyGitHubIssue }

// Send creates the issue.
func (g *GitHubNotifier) Send(ctx context.Context, n Notification) error {
	var body strings.Builder
	fmt.Fprintf(&body, "Automated security scan `%s` finished for `%s`.\n\n%s\n\n", n.ScanID, n.Target, n.SummaryLine())
	for _, f := range n.Top {
		fmt.Fprintf(&body, "- **[%s]** %s", strings.ToUpper(string(f.Severity)), f.Title)
		if f.Location != "" {
			fmt.Fprintf(&body, " (`%s`)", f.Location)
		}
		body.WriteString("\n")
	}

	payload, err := json.Marshal(map[string]any{
		"title":  fmt.Sprintf("Security scan findings: %s", n.Target),
		"body":   body.String(),
		"labels": []string{"security", "bugbot"},
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/repos/%s/issues", g.baseURL, g.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("github issue create: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github issue create HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
