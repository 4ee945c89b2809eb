package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// fakeWorker is a canned stage implementation for server tests.
type fakeWorker struct {
	stage models.Stage
	resp  *Response
	err   error
}

func (f *fakeWorker) Stage() models.Stage { return f.stage }

func (f *fakeWorker) Execute(_ context.Context, _ *Request) (*Response, error) {
	return f.resp, f.err
}

func clientFor(t *testing.T, stage models.Stage, endpoint string) *Client {
	t.Helper()
	cfg := &config.Config{
		StageEndpoints: map[models.Stage]string{stage: endpoint},
		StageTimeouts:  map[models.Stage]time.Duration{stage: 2 * time.Second},
	}
	return NewClient(cfg)
}

func TestClientCompletedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "scan-1", req.ScanID)
		_ = json.NewEncoder(w).Encode(&Response{
			Stage:       models.StageRecon,
			StageStatus: models.StageStatusCompleted,
			Recon:       &models.ReconResult{Contracts: []models.ContractRecord{{Name: "Vault"}}},
		})
	}))
	defer srv.Close()

	client := clientFor(t, models.StageRecon, srv.URL)
	resp, err := client.Execute(context.Background(), models.StageRecon, &Request{ScanID: "scan-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, resp.StageStatus)
	require.NotNil(t, resp.Recon)
}

func TestClientPartialIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&Response{
			Stage:       models.StageStatic,
			StageStatus: models.StageStatusPartial,
			Error:       "1 of 2 analyzers failed",
			Static:      &models.StaticResult{Analyzers: []string{"slither"}},
		})
	}))
	defer srv.Close()

	client := clientFor(t, models.StageStatic, srv.URL)
	resp, err := client.Execute(context.Background(), models.StageStatic, &Request{ScanID: "scan-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusPartial, resp.StageStatus)
	assert.NotEmpty(t, resp.Error)
}

func TestClientFatalOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := clientFor(t, models.StageFuzzing, srv.URL)
	_, err := client.Execute(context.Background(), models.StageFuzzing, &Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, ErrStageFatal)
}

func TestClientFatalOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := clientFor(t, models.StageRecon, srv.URL)
	_, err := client.Execute(context.Background(), models.StageRecon, &Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, ErrStageFatal)
}

func TestClientFatalOnMissingEndpoint(t *testing.T) {
	client := clientFor(t, models.StageRecon, "http://localhost:1")
	_, err := client.Execute(context.Background(), models.StageTriage, &Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, ErrStageFatal)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := &config.Config{
		StageEndpoints: map[models.Stage]string{models.StageRecon: srv.URL},
		StageTimeouts:  map[models.Stage]time.Duration{models.StageRecon: 50 * time.Millisecond},
	}
	client := NewClient(cfg)

	_, err := client.Execute(context.Background(), models.StageRecon, &Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, service.ErrTimeout)
}

func TestMonitoringTimeoutDerivesFromWindow(t *testing.T) {
	client := clientFor(t, models.StageMonitoring, "http://localhost:1")
	minutes := 10
	cfg := models.ScanConfig{MonitorDurationMinutes: &minutes}
	assert.Equal(t, 10*time.Minute+60*time.Second, client.Timeout(models.StageMonitoring, cfg))
}

func TestServerExecutesWorker(t *testing.T) {
	worker := &fakeWorker{
		stage: models.StageRecon,
		resp: &Response{
			Stage:       models.StageRecon,
			StageStatus: models.StageStatusCompleted,
			Recon:       &models.ReconResult{},
		},
	}
	srv := NewServer(worker, metrics.New(), nil, nil)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	client := clientFor(t, models.StageRecon, ts.URL)
	resp, err := client.Execute(context.Background(), models.StageRecon, &Request{ScanID: "scan-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusCompleted, resp.StageStatus)

	// Health endpoint rides along on every stage worker.
	require.NoError(t, client.Probe(context.Background(), models.StageRecon))
}

func TestServerRejectsMissingScanID(t *testing.T) {
	worker := &fakeWorker{stage: models.StageRecon, resp: &Response{Stage: models.StageRecon}}
	srv := NewServer(worker, metrics.New(), nil, nil)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/execute", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerMapsWorkerErrorToFatal(t *testing.T) {
	worker := &fakeWorker{stage: models.StageStatic, err: errors.New("analyzer toolchain missing")}
	srv := NewServer(worker, metrics.New(), nil, nil)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	client := clientFor(t, models.StageStatic, ts.URL)
	_, err := client.Execute(context.Background(), models.StageStatic, &Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, ErrStageFatal)
}

func TestServerKeepsNotFoundCauseInFatalError(t *testing.T) {
	cause := service.Sentinel("source_not_found", service.ErrNotFound)
	worker := &fakeWorker{
		stage: models.StageRecon,
		err:   fmt.Errorf("%w: 0xabc on ethereum has no verified source", cause),
	}
	srv := NewServer(worker, metrics.New(), nil, nil)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	client := clientFor(t, models.StageRecon, ts.URL)
	_, err := client.Execute(context.Background(), models.StageRecon, &Request{ScanID: "scan-1"})
	require.ErrorIs(t, err, ErrStageFatal)
	// The worker's cause rides the 404 body so the orchestrator records it.
	assert.Contains(t, err.Error(), "source_not_found")
}

func TestToStageResult(t *testing.T) {
	resp := &Response{
		Stage:       models.StageTriage,
		StageStatus: models.StageStatusPartial,
		Error:       "tier-2 degraded",
		Triage:      &models.TriageResult{Degraded: true},
	}
	sr := resp.ToStageResult(1500 * time.Millisecond)
	assert.Equal(t, models.StageTriage, sr.Stage)
	assert.Equal(t, models.StageStatusPartial, sr.Status)
	assert.EqualValues(t, 1500, sr.DurationMS)
	require.NotNil(t, sr.Triage)
}
