package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/metrics"
)

func TestMapErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrInvalidRequest, http.StatusBadRequest},
		{NewValidationError("chain", "unknown"), http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrBackendUnavailable, http.StatusServiceUnavailable},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrUnsafeInput, http.StatusBadRequest},
		{ErrCancelled, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", ErrNotFound), http.StatusNotFound},
	}
	for _, tt := range tests {
		he := MapError(tt.err)
		assert.Equal(t, tt.code, he.Code, tt.err.Error())
	}
}

func TestMapErrorHidesUnknownDetail(t *testing.T) {
	he := MapError(errors.New("dial tcp 10.0.0.5:6379: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.Equal(t, "internal server error", he.Message)
}

func TestSentinelMatchesTaxonomy(t *testing.T) {
	err := Sentinel("source_not_found", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "source_not_found", err.Error())

	// Not-found causes keep their message across the HTTP edge.
	he := MapError(fmt.Errorf("%w: 0xabc has no verified source", err))
	assert.Equal(t, http.StatusNotFound, he.Code)
	assert.Contains(t, fmt.Sprint(he.Message), "source_not_found")
}

func TestValidationErrorMatchesInvalidRequest(t *testing.T) {
	err := NewValidationError("target", "must be set")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, "target: must be set", err.Error())
}

func adminServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := New("test", metrics.New(), nil, nil)
	admin := srv.Echo().Group("/admin", AdminAuth(token))
	admin.POST("/action", func(c *echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return ts
}

func postAdmin(t *testing.T, url, auth string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/admin/action", nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdminAuth(t *testing.T) {
	ts := adminServer(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, postAdmin(t, ts.URL, ""))
	assert.Equal(t, http.StatusUnauthorized, postAdmin(t, ts.URL, "Basic s3cret"))
	assert.Equal(t, http.StatusUnauthorized, postAdmin(t, ts.URL, "Bearer wrong"))
	assert.Equal(t, http.StatusOK, postAdmin(t, ts.URL, "Bearer s3cret"))
}

func TestAdminAuthDisabledWithoutToken(t *testing.T) {
	ts := adminServer(t, "")
	assert.Equal(t, http.StatusUnauthorized, postAdmin(t, ts.URL, "Bearer anything"))
}

func TestHealthRollsUpProbes(t *testing.T) {
	probes := map[string]DependencyProbe{
		"store": func(context.Context) error { return nil },
		"llm":   func(context.Context) error { return errors.New("dial tcp: refused") },
	}
	srv := New("orchestrator", metrics.New(), nil, probes)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hr HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hr))
	assert.Equal(t, StatusDegraded, hr.Status)
	assert.Equal(t, "orchestrator", hr.Service)
	assert.Equal(t, "ok", hr.Details["store"])
	// Probe failures name the dependency, never its endpoint or error text.
	assert.Equal(t, "unreachable", hr.Details["llm"])
}

func TestHealthHealthyWithoutProbes(t *testing.T) {
	srv := New("signature", metrics.New(), nil, nil)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var hr HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hr))
	assert.Equal(t, StatusHealthy, hr.Status)
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := New("test", metrics.New(), nil, nil)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSAllowsConfiguredOriginsOnly(t *testing.T) {
	srv := New("test", metrics.New(), []string{"https://dash.example.com"}, nil)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
