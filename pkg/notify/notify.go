// Package notify dispatches best-effort scan notifications. Failures are
// returned as strings for the caller to record; they never fail the
// reporting stage.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/models"
)

// Notification is the channel-independent payload.
type Notification struct {
	ScanID  string
	Target  string
	Summary models.FindingsSummary
	Top     []models.Finding
}

// Notifier delivers to one channel.
type Notifier interface {
	Channel() models.NotifyChannel
	Send(ctx context.Context, n Notification) error
}

// Registry holds the configured notifiers.
type Registry struct {
	notifiers map[models.NotifyChannel]Notifier
	logger    *slog.Logger
}

// NewRegistry wires the notifiers that configuration enables. Email
// always gets the logging adapter; slack and github_issue require their
// tokens.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		notifiers: make(map[models.NotifyChannel]Notifier),
		logger:    slog.Default().With("component", "notify"),
	}
	r.Register(NewEmailNotifier())
	if token := cfg.System.Slack.Token(); cfg.System.Slack.Enabled && token != "" {
		r.Register(NewSlackNotifier(token, cfg.System.Slack.Channel))
	}
	if token := cfg.System.GitHub.Token(); token != "" && cfg.System.GitHub.Repo != "" {
		r.Register(NewGitHubNotifier(token, cfg.System.GitHub.Repo))
	}
	return r
}

// Register adds or replaces a notifier.
func (r *Registry) Register(n Notifier) {
	r.notifiers[n.Channel()] = n
}

// Dispatch sends the notification to each requested channel, collecting
// failure strings instead of returning an error.
func (r *Registry) Dispatch(ctx context.Context, channels []models.NotifyChannel, n Notification) []string {
	var failures []string
	for _, ch := range channels {
		notifier, ok := r.notifiers[ch]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: channel not configured", ch))
			continue
		}
		if err := notifier.Send(ctx, n); err != nil {
			r.logger.Warn("Notification failed", "channel", ch, "scan_id", n.ScanID, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", ch, err))
		}
	}
	return failures
}

// Summary renders the severity rollup line shared by all channels.
func (n Notification) SummaryLine() string {
	s := n.Summary
	return fmt.Sprintf("%d findings (critical %d, high %d, medium %d, low %d, info %d)",
		s.Total(), s.Critical, s.High, s.Medium, s.Low, s.Info)
}
