// Package reporting implements the final pipeline stage: render the
// fused findings into the standard report formats and attempt any
// configured notification channels best-effort.
package reporting

import (
	"context"
	"log/slog"

	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/notify"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// Worker is the reporting stage implementation.
type Worker struct {
	notifiers *notify.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a reporting worker. notifiers may be nil; dispatch is then
// recorded as unavailable for every requested channel.
func New(notifiers *notify.Registry, m *metrics.Metrics) *Worker {
	return &Worker{
		notifiers: notifiers,
		metrics:   m,
		logger:    slog.Default().With("component", "reporting"),
	}
}

// Stage identifies this worker.
func (w *Worker) Stage() models.Stage { return models.StageReporting }

// Execute renders each requested format and dispatches notifications.
// Notification failures land in notify_errors; only a render failure of
// every format is fatal.
func (w *Worker) Execute(ctx context.Context, req *stages.Request) (*stages.Response, error) {
	triage := req.PriorTriage()
	if triage == nil {
		return nil, service.NewValidationError("prior_stage_outputs", "reporting requires triage output")
	}

	summary := models.FindingsSummary{}
	for _, f := range triage.Findings {
		summary.Add(f.Severity)
	}

	result := &models.ReportingResult{}
	for _, format := range req.Config.Formats() {
		doc, err := render(format, req, triage, summary)
		if err != nil {
			w.logger.Warn("Render failed", "format", format, "error", err)
			result.NotifyErrors = append(result.NotifyErrors, "render "+string(format)+": "+err.Error())
			continue
		}
		result.Reports = append(result.Reports, doc)
	}
	if len(result.Reports) == 0 {
		return nil, service.NewValidationError("report_formats", "no report could be rendered")
	}

	if len(req.Config.NotifyChannels) > 0 {
		if w.notifiers == nil {
			for _, ch := range req.Config.NotifyChannels {
				result.NotifyErrors = append(result.NotifyErrors, string(ch)+": dispatcher not configured")
			}
		} else {
			failures := w.notifiers.Dispatch(ctx, req.Config.NotifyChannels, notify.Notification{
				ScanID:  req.ScanID,
				Target:  req.Target.Surface(),
				Summary: summary,
				Top:     triage.Findings,
			})
			result.NotifyErrors = append(result.NotifyErrors, failures...)
		}
	}

	status := models.StageStatusCompleted
	respErr := ""
	if len(result.Reports) < len(req.Config.Formats()) {
		status = models.StageStatusPartial
		respErr = "some report formats failed to render"
	}
	return &stages.Response{
		Stage:       models.StageReporting,
		StageStatus: status,
		Error:       respErr,
		Reporting:   result,
	}, nil
}
