package mlops

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

func sample(title string, ft models.FindingType, label string) Sample {
	return Sample{
		Finding: models.Finding{ID: "f-" + title, Type: ft, Title: title},
		Label:   label,
	}
}

func TestIngestValidatesSamples(t *testing.T) {
	svc := New()

	_, err := svc.Ingest(nil)
	require.ErrorIs(t, err, service.ErrInvalidRequest)

	report, err := svc.Ingest([]Sample{
		sample("reentrancy", models.FindingReentrancy, "true_positive"),
		sample("", models.FindingOther, "true_positive"),
		sample("mislabeled", models.FindingOther, "maybe"),
		sample("noise", models.FindingOther, "false_positive"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 2, report.CorpusSize)

	report, err = svc.Ingest([]Sample{sample("overflow", models.FindingIntegerOverflow, "true_positive")})
	require.NoError(t, err)
	assert.Equal(t, 3, report.CorpusSize, "the corpus accumulates across calls")
}

func TestTrainRequiresCorpus(t *testing.T) {
	_, err := New().Train()
	require.ErrorIs(t, err, service.ErrConflict)
}

func TestTrainReportsCorpusBalance(t *testing.T) {
	svc := New()
	_, err := svc.Ingest([]Sample{
		sample("a", models.FindingReentrancy, "true_positive"),
		sample("b", models.FindingReentrancy, "true_positive"),
		sample("c", models.FindingOther, "false_positive"),
		sample("d", models.FindingOther, "false_positive"),
	})
	require.NoError(t, err)

	m, err := svc.Train()
	require.NoError(t, err)
	assert.NotEmpty(t, m.RunID)
	assert.Equal(t, 4, m.Samples)
	assert.Equal(t, 0.5, m.Precision)
	assert.Equal(t, 0.5, m.Recall)
	assert.False(t, m.CompletedAt.Before(m.StartedAt))
}

func TestGenerateRulesRequiresTrainingRun(t *testing.T) {
	svc := New()
	_, err := svc.Ingest([]Sample{sample("a", models.FindingReentrancy, "true_positive")})
	require.NoError(t, err)

	_, err = svc.GenerateRules()
	require.ErrorIs(t, err, service.ErrConflict)
}

func TestGenerateRulesCountsSupport(t *testing.T) {
	svc := New()
	_, err := svc.Ingest([]Sample{
		sample("a", models.FindingReentrancy, "true_positive"),
		sample("b", models.FindingReentrancy, "true_positive"),
		sample("c", models.FindingFlashLoan, "true_positive"),
		sample("d", models.FindingFlashLoan, "false_positive"),
	})
	require.NoError(t, err)
	_, err = svc.Train()
	require.NoError(t, err)

	rules, err := svc.GenerateRules()
	require.NoError(t, err)
	require.Len(t, rules, 2, "one rule per finding type with true-positive support")

	bySupport := make(map[models.FindingType]GeneratedRule)
	for _, r := range rules {
		bySupport[r.FindingType] = r
	}
	assert.Equal(t, 2, bySupport[models.FindingReentrancy].Support)
	assert.Equal(t, 0.5, bySupport[models.FindingReentrancy].Confidence)
	assert.Equal(t, 1, bySupport[models.FindingFlashLoan].Support)
}

func mlopsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := NewServer(New(), &config.Config{}, metrics.New())
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestEndpointsRunTheLoop(t *testing.T) {
	ts := mlopsServer(t)

	// Training before any ingest conflicts.
	early := postJSON(t, ts.URL+"/mlops/train", nil)
	early.Body.Close()
	assert.Equal(t, http.StatusConflict, early.StatusCode)

	ingest := postJSON(t, ts.URL+"/mlops/ingest", map[string]any{
		"samples": []Sample{sample("a", models.FindingReentrancy, "true_positive")},
	})
	defer ingest.Body.Close()
	require.Equal(t, http.StatusOK, ingest.StatusCode)
	var report IngestReport
	require.NoError(t, json.NewDecoder(ingest.Body).Decode(&report))
	assert.Equal(t, 1, report.Accepted)

	train := postJSON(t, ts.URL+"/mlops/train", nil)
	defer train.Body.Close()
	require.Equal(t, http.StatusOK, train.StatusCode)

	rules := postJSON(t, ts.URL+"/mlops/generate-rules", nil)
	defer rules.Body.Close()
	require.Equal(t, http.StatusOK, rules.StatusCode)
	var out struct {
		Total int             `json:"total"`
		Rules []GeneratedRule `json:"rules"`
	}
	require.NoError(t, json.NewDecoder(rules.Body).Decode(&out))
	assert.Equal(t, 1, out.Total)
}

func TestIngestEndpointRejectsEmptyBody(t *testing.T) {
	ts := mlopsServer(t)
	resp := postJSON(t, ts.URL+"/mlops/ingest", map[string]any{"samples": []Sample{}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
