package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// SlackNotifier posts scan summaries to a channel. Messages about the
// same target are threaded: the first message for a target fingerprint
// opens the thread, later ones reply to it.
type SlackNotifier struct {
	client  *slack.Client
	channel string

	mu      sync.Mutex
	threads map[string]string // target fingerprint -> thread timestamp
}

// NewSlackNotifier creates a Slack notifier for the given channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
		threads: make(map[string]string),
	}
}

// Channel identifies this notifier.
func (s *SlackNotifier) Channel() models.NotifyChannel { return models.NotifySlack }

// Send posts the notification, threading by target fingerprint.
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	fp := fingerprint(n.Target)

	s.mu.Lock()
	threadTS := s.threads[fp]
	s.mu.Unlock()

	opts := []slack.MsgOption{slack.MsgOptionText(s.render(n), false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	if threadTS == "" {
		s.mu.Lock()
		s.threads[fp] = ts
		s.mu.Unlock()
	}
	return nil
}

func (s *SlackNotifier) render(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Scan `%s` finished for `%s`\n%s\n", n.ScanID, n.Target, n.SummaryLine())
	for i, f := range n.Top {
		if i >= 5 {
			fmt.Fprintf(&b, "…and %d more\n", len(n.Top)-i)
			break
		}
		fmt.Fprintf(&b, "• [%s] %s\n", strings.ToUpper(string(f.Severity)), f.Title)
	}
	return b.String()
}

func fingerprint(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:8])
}
