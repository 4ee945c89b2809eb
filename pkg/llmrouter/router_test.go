package llmrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

func testModels() map[models.ModelType]string {
	return map[models.ModelType]string{
		models.ModelLocalFastTriage: "llama3.1:8b",
		models.ModelLocalEmbeddings: "nomic-embed-text",
		models.ModelCloudFinal:      "claude-sonnet-4-5",
	}
}

// fakeOllama serves the three local runtime routes.
func fakeOllama(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func localRouter(t *testing.T, handler http.HandlerFunc) *Router {
	t.Helper()
	ts := fakeOllama(t, handler)
	return New(&config.Config{
		LLMLocalURL: ts.URL,
		Routing:     config.RoutingTable{Default: models.ModelLocalFastTriage},
		Models:      testModels(),
	}, metrics.New())
}

func TestGenerateRoutesToLocalBackend(t *testing.T) {
	var got ollamaGenerateRequest
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/generate", req.URL.Path)
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "verdict", "eval_count": 7})
	})

	resp, err := r.Generate(context.Background(), models.LLMTask{
		TaskType:  "fast_triage",
		Prompt:    "assess this",
		MaxTokens: 128,
	})
	require.NoError(t, err)

	assert.Equal(t, "verdict", resp.Text)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.Equal(t, models.ModelLocalFastTriage, resp.ModelType)
	assert.Equal(t, "llama3.1:8b", resp.ModelUsed)

	assert.Equal(t, "llama3.1:8b", got.Model)
	assert.False(t, got.Stream)
	assert.EqualValues(t, 128, got.Options["num_predict"])
}

func TestGenerateRejectsEmbeddingTaskType(t *testing.T) {
	r := New(&config.Config{
		Routing: config.RoutingTable{Default: models.ModelLocalEmbeddings},
		Models:  testModels(),
	}, metrics.New())

	_, err := r.Generate(context.Background(), models.LLMTask{TaskType: "embed_corpus", Prompt: "x"})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "model loading", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "recovered"})
	})

	resp, err := r.Generate(context.Background(), models.LLMTask{TaskType: "fast_triage", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGenerateExhaustedIsBackendUnavailable(t *testing.T) {
	r := New(&config.Config{
		LLMLocalURL: "http://127.0.0.1:1",
		Routing:     config.RoutingTable{Default: models.ModelLocalFastTriage},
		Models:      testModels(),
	}, metrics.New())

	_, err := r.Generate(context.Background(), models.LLMTask{TaskType: "fast_triage", Prompt: "x"})
	require.ErrorIs(t, err, service.ErrBackendUnavailable)
}

// fakeAnthropic mimics the messages endpoint closely enough for the SDK.
func fakeAnthropic(t *testing.T, text string) *AnthropicClient {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg_test",
			"type":    "message",
			"role":    "assistant",
			"model":   "claude-sonnet-4-5",
			"content": []map[string]any{{"type": "text", "text": text}},
			"usage":   map[string]any{"input_tokens": 3, "output_tokens": 4},
		})
	}))
	t.Cleanup(ts.Close)
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(ts.URL)),
		model:  "claude-sonnet-4-5",
	}
}

func TestGenerateFallsBackToCloud(t *testing.T) {
	// The local runtime stays down through every retry; the exhausted
	// attempt falls back once to the cloud backend.
	var localCalls atomic.Int32
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		localCalls.Add(1)
		http.Error(w, "model loading", http.StatusInternalServerError)
	})
	r.claude = fakeAnthropic(t, "cloud answer")

	resp, err := r.Generate(context.Background(), models.LLMTask{TaskType: "fast_triage", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "cloud answer", resp.Text)
	assert.Equal(t, models.ModelCloudFinal, resp.ModelType)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.EqualValues(t, 3, localCalls.Load(), "local backend retried to exhaustion first")
}

func TestGeneratePermanentLocalErrorNeverFallsBack(t *testing.T) {
	// A 4xx from the local runtime is permanent: no retries, no cloud
	// fallback, the error surfaces directly.
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "model not found", http.StatusBadRequest)
	})

	var cloudCalls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		cloudCalls.Add(1)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)
	r.claude = &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(ts.URL)),
		model:  "claude-sonnet-4-5",
	}

	_, err := r.Generate(context.Background(), models.LLMTask{TaskType: "fast_triage", Prompt: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, service.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.EqualValues(t, 0, cloudCalls.Load(), "cloud backend must not be consulted")
}

func TestEmbedRequiresLocalBackend(t *testing.T) {
	r := New(&config.Config{Models: testModels()}, metrics.New())
	_, err := r.Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, service.ErrBackendUnavailable)
}

func TestEmbedDetectsDimensionDrift(t *testing.T) {
	var calls atomic.Int32
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/embeddings", req.URL.Path)
		vec := []float64{1, 2, 3}
		if calls.Add(1) == 2 {
			vec = []float64{1, 2}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})

	_, err := r.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension drift")
}

func TestEmbedReturnsOneVectorPerText(t *testing.T) {
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2}})
	})

	vectors, err := r.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Len(t, vectors[0], 2)
}

func TestHealthReflectsBackends(t *testing.T) {
	r := localRouter(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/tags", req.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	hs := r.Health(context.Background())
	assert.Equal(t, "connected", hs.Ollama)
	assert.Equal(t, "missing", hs.Claude)
	assert.Equal(t, service.StatusHealthy, hs.Status)

	bare := New(&config.Config{Models: testModels()}, metrics.New())
	hs = bare.Health(context.Background())
	assert.Equal(t, "disconnected", hs.Ollama)
	assert.Equal(t, service.StatusDegraded, hs.Status)
}

func TestModelsSnapshotCarriesNoSecrets(t *testing.T) {
	r := New(&config.Config{
		LLMCloudAPIKey: "sk-ant-secret",
		Routing:        config.RoutingTable{Default: models.ModelLocalFastTriage},
		Models:         testModels(),
	}, metrics.New())

	raw, err := json.Marshal(r.Models())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-ant-secret")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}
