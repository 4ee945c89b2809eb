package remediator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/llmrouter"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

func patchRouter(t *testing.T, text string) *llmrouter.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response":   text,
			"model_used": "deepseek-coder-v2:16b",
			"model_type": "local",
		})
	}))
	t.Cleanup(ts.Close)
	return llmrouter.NewClient(ts.URL)
}

// fakeGitHub records the repo mutations the adapter performs.
type fakeGitHub struct {
	refBody  map[string]any
	fileBody map[string]any
	prBody   map[string]any
}

func newFakeGitHub(t *testing.T) (*GitHubAdapter, *fakeGitHub) {
	t.Helper()
	rec := &fakeGitHub{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decode := func() map[string]any {
			var m map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			return m
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/vault":
			_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": "main"})
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/vault/git/ref/heads/main":
			_ = json.NewEncoder(w).Encode(map[string]any{"object": map[string]any{"sha": "abc123"}})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/vault/git/refs":
			rec.refBody = decode()
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/repos/acme/vault/contents/patches/f-1.diff":
			rec.fileBody = decode()
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/vault/pulls":
			rec.prBody = decode()
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"html_url": "https://github.com/acme/vault/pull/7"})
		default:
			t.Errorf("unexpected github call: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)

	gh := NewGitHubAdapter("gh-token", "acme/vault")
	gh.baseURL = ts.URL
	return gh, rec
}

func reentrancyFinding() *models.Finding {
	return &models.Finding{
		ID:             "f-1",
		Type:           models.FindingReentrancy,
		Severity:       models.SeverityHigh,
		Title:          "Reentrancy in withdraw",
		Location:       "Vault.sol:42",
		Description:    "external call before state update",
		Recommendation: "checks-effects-interactions",
	}
}

func TestRemediateGeneratesPatch(t *testing.T) {
	llm := patchRouter(t, `Here you go: {"diff": "--- a/Vault.sol\n+++ b/Vault.sol", "explanation": "reorder state write", "confidence": 0.8}`)
	svc := New(llm, nil)

	patch, err := svc.Remediate(context.Background(), reentrancyFinding(), false)
	require.NoError(t, err)
	assert.Equal(t, "f-1", patch.FindingID)
	assert.Contains(t, patch.Diff, "+++ b/Vault.sol")
	assert.Equal(t, "reorder state write", patch.Explanation)
	assert.Equal(t, 0.8, patch.Confidence)
	assert.Empty(t, patch.Branch)
	assert.Empty(t, patch.PullRequest)
}

func TestRemediateClampsWildConfidence(t *testing.T) {
	llm := patchRouter(t, `{"diff": "d", "explanation": "e", "confidence": 42}`)
	svc := New(llm, nil)

	patch, err := svc.Remediate(context.Background(), reentrancyFinding(), false)
	require.NoError(t, err)
	assert.Equal(t, 0.5, patch.Confidence)
}

func TestRemediateValidation(t *testing.T) {
	svc := New(patchRouter(t, "{}"), nil)

	_, err := svc.Remediate(context.Background(), nil, false)
	require.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = svc.Remediate(context.Background(), &models.Finding{ID: "x"}, false)
	require.ErrorIs(t, err, service.ErrInvalidRequest)

	noLLM := New(nil, nil)
	_, err = noLLM.Remediate(context.Background(), reentrancyFinding(), false)
	require.ErrorIs(t, err, service.ErrBackendUnavailable)
}

func TestRemediateMalformedModelOutput(t *testing.T) {
	svc := New(patchRouter(t, "I cannot produce a patch for this."), nil)
	_, err := svc.Remediate(context.Background(), reentrancyFinding(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestRemediateOpensDraftPR(t *testing.T) {
	gh, rec := newFakeGitHub(t)
	llm := patchRouter(t, `{"diff": "patch body", "explanation": "fix", "confidence": 0.9}`)
	svc := New(llm, gh)

	patch, err := svc.Remediate(context.Background(), reentrancyFinding(), true)
	require.NoError(t, err)

	assert.Equal(t, "fix/reentrancy-f-1", patch.Branch)
	assert.Equal(t, "https://github.com/acme/vault/pull/7", patch.PullRequest)

	require.NotNil(t, rec.refBody)
	assert.Equal(t, "refs/heads/fix/reentrancy-f-1", rec.refBody["ref"])
	assert.Equal(t, "abc123", rec.refBody["sha"])

	require.NotNil(t, rec.fileBody)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("patch body")), rec.fileBody["content"])
	assert.Equal(t, "fix/reentrancy-f-1", rec.fileBody["branch"])

	require.NotNil(t, rec.prBody)
	assert.Equal(t, "Fix: Reentrancy in withdraw", rec.prBody["title"])
	assert.Equal(t, "main", rec.prBody["base"])
	assert.Equal(t, true, rec.prBody["draft"])
}

func TestRemediatePRWithoutAdapter(t *testing.T) {
	svc := New(patchRouter(t, `{"diff": "d", "explanation": "e", "confidence": 0.5}`), nil)
	_, err := svc.Remediate(context.Background(), reentrancyFinding(), true)
	require.ErrorIs(t, err, service.ErrBackendUnavailable)
}

func postRemediate(t *testing.T, url string, body map[string]any, token string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url+"/remediate", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRemediateEndpointGatesPRCreation(t *testing.T) {
	gh, _ := newFakeGitHub(t)
	llm := patchRouter(t, `{"diff": "d", "explanation": "e", "confidence": 0.5}`)
	srv := NewServer(New(llm, gh), &config.Config{AdminToken: "s3cret"}, metrics.New())
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	finding := map[string]any{"id": "f-1", "type": "reentrancy", "title": "Reentrancy in withdraw"}

	// Patch generation alone needs no token.
	open := postRemediate(t, ts.URL, map[string]any{"finding": finding}, "")
	open.Body.Close()
	assert.Equal(t, http.StatusOK, open.StatusCode)

	denied := postRemediate(t, ts.URL, map[string]any{"finding": finding, "create_pr": true}, "")
	denied.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)

	wrong := postRemediate(t, ts.URL, map[string]any{"finding": finding, "create_pr": true}, "guess")
	wrong.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, wrong.StatusCode)

	granted := postRemediate(t, ts.URL, map[string]any{"finding": finding, "create_pr": true}, "s3cret")
	defer granted.Body.Close()
	require.Equal(t, http.StatusOK, granted.StatusCode)

	var patch Patch
	require.NoError(t, json.NewDecoder(granted.Body).Decode(&patch))
	assert.NotEmpty(t, patch.PullRequest)
}

func TestDecodeJSONRejectsProseOnly(t *testing.T) {
	var v patchVerdict
	require.Error(t, decodeJSON("nope", &v))
	require.NoError(t, decodeJSON("pre {\"diff\":\"d\"} post", &v))
	assert.Equal(t, "d", v.Diff)
}
