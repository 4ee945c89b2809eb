package notify

import (
	"context"
	"log/slog"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// Sender delivers one rendered email. The default implementation only
// logs; deployments plug in their relay here.
type Sender interface {
	SendMail(ctx context.Context, subject, body string) error
}

// EmailNotifier adapts the email channel onto a Sender.
type EmailNotifier struct {
	sender Sender
	logger *slog.Logger
}

// NewEmailNotifier creates the logging-backed email notifier.
func NewEmailNotifier() *EmailNotifier {
	return &EmailNotifier{logger: slog.Default().With("component", "notify.email")}
}

// WithSender replaces the delivery backend.
func (e *EmailNotifier) WithSender(s Sender) *EmailNotifier {
	e.sender = s
	return e
}

// Channel identifies this notifier.
func (e *EmailNotifier) Channel() models.NotifyChannel { return models.NotifyEmail }

// Send delivers via the configured sender, or logs when none is set.
func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	subject := "Scan " + n.ScanID + " finished: " + n.SummaryLine()
	if e.sender != nil {
		return e.sender.SendMail(ctx, subject, n.Target)
	}
	e.logger.Info("Email notification (no relay configured)",
		"scan_id", n.ScanID, "target", n.Target, "summary", n.SummaryLine())
	return nil
}
