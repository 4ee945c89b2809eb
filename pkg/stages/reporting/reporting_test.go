package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/notify"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// fakeNotifier records sends and optionally fails.
type fakeNotifier struct {
	channel models.NotifyChannel
	fail    bool
	sent    []notify.Notification
}

func (f *fakeNotifier) Channel() models.NotifyChannel { return f.channel }

func (f *fakeNotifier) Send(_ context.Context, n notify.Notification) error {
	if f.fail {
		return errors.New("channel unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func triageRequest(cfg models.ScanConfig) *stages.Request {
	return &stages.Request{
		ScanID: "scan-1",
		Target: models.Target{Kind: models.TargetGitURL, URL: "https://github.com/acme/vault"},
		Config: cfg,
		Prior: map[models.Stage]*models.StageResult{
			models.StageTriage: {
				Stage:  models.StageTriage,
				Status: models.StageStatusCompleted,
				Triage: &models.TriageResult{Findings: []models.Finding{
					{
						ID: "f1", Type: models.FindingReentrancy, Severity: models.SeverityHigh,
						Confidence: models.ConfidenceHigh, Title: "Reentrancy in withdraw",
						Description: "external call before state update", Location: "Vault.sol:42",
						Impact: "full drain", Recommendation: "use checks-effects-interactions",
						Source: "static:slither",
					},
					{
						ID: "f2", Type: models.FindingOther, Severity: models.SeverityCritical,
						Confidence: models.ConfidenceMedium, Title: "Unprotected upgrade",
						Description: "anyone can upgrade the proxy", Source: "triage",
					},
				}},
			},
		},
	}
}

func TestExecuteRendersAllDefaultFormats(t *testing.T) {
	w := New(nil, metrics.New())
	resp, err := w.Execute(context.Background(), triageRequest(models.ScanConfig{}))
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, resp.StageStatus)
	require.NotNil(t, resp.Reporting)
	require.Len(t, resp.Reporting.Reports, 3)

	byFormat := make(map[models.ReportFormat]string)
	for _, doc := range resp.Reporting.Reports {
		byFormat[doc.Format] = doc.Content
	}

	immunefi := byFormat[models.ReportImmunefi]
	assert.Contains(t, immunefi, "# Bug Report: https://github.com/acme/vault")
	assert.Contains(t, immunefi, "### Impact")
	// Critical sorts above high.
	assert.Less(t,
		strings.Index(immunefi, "Unprotected upgrade"),
		strings.Index(immunefi, "Reentrancy in withdraw"))

	hacken := byFormat[models.ReportHackenProof]
	assert.Contains(t, hacken, "| 1 | critical | Unprotected upgrade |")

	var parsed struct {
		ScanID   string           `json:"scan_id"`
		Findings []models.Finding `json:"findings"`
		Summary  models.FindingsSummary
	}
	require.NoError(t, json.Unmarshal([]byte(byFormat[models.ReportJSON]), &parsed))
	assert.Equal(t, "scan-1", parsed.ScanID)
	assert.Len(t, parsed.Findings, 2)
}

func TestExecuteHonorsRequestedFormats(t *testing.T) {
	w := New(nil, metrics.New())
	req := triageRequest(models.ScanConfig{ReportFormats: []models.ReportFormat{models.ReportJSON}})
	resp, err := w.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Reporting.Reports, 1)
	assert.Equal(t, models.ReportJSON, resp.Reporting.Reports[0].Format)
}

func TestExecuteRequiresTriageOutput(t *testing.T) {
	w := New(nil, metrics.New())
	_, err := w.Execute(context.Background(), &stages.Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestNotifyFailuresAreRecordedNotFatal(t *testing.T) {
	reg := notify.NewRegistry(&config.Config{})
	reg.Register(&fakeNotifier{channel: models.NotifySlack, fail: true})
	email := &fakeNotifier{channel: models.NotifyEmail}
	reg.Register(email)

	w := New(reg, metrics.New())
	req := triageRequest(models.ScanConfig{
		NotifyChannels: []models.NotifyChannel{models.NotifySlack, models.NotifyEmail, models.NotifyGitHubIssue},
	})
	resp, err := w.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, resp.StageStatus, "notify failures never demote the stage")

	require.Len(t, resp.Reporting.NotifyErrors, 2)
	assert.Contains(t, resp.Reporting.NotifyErrors[0], "slack")
	assert.Contains(t, resp.Reporting.NotifyErrors[1], "github_issue: channel not configured")

	require.Len(t, email.sent, 1)
	assert.Equal(t, "scan-1", email.sent[0].ScanID)
	assert.Equal(t, 2, email.sent[0].Summary.Total())
}

func TestNilRegistryRecordsDispatchErrors(t *testing.T) {
	w := New(nil, metrics.New())
	req := triageRequest(models.ScanConfig{NotifyChannels: []models.NotifyChannel{models.NotifyEmail}})
	resp, err := w.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Reporting.NotifyErrors, 1)
	assert.Contains(t, resp.Reporting.NotifyErrors[0], "dispatcher not configured")
}
