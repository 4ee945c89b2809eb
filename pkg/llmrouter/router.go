// Package llmrouter dispatches typed LLM tasks to local model backends or
// the hosted provider, following an ordered routing table. Retries and the
// local→cloud fallback live here so callers only ever see success or a
// classified terminal error.
package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// retryableError marks failures worth another attempt (timeout, 5xx,
// connection refused). Everything else surfaces directly.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func markRetryable(err error) error { return &retryableError{err} }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Router routes tasks per the configured rule table. Either client may be
// nil; Health reports what is actually available.
type Router struct {
	table   config.RoutingTable
	modelOf map[models.ModelType]string
	ollama  *OllamaClient
	claude  *AnthropicClient
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a Router from configuration. ollama and claude may be nil
// when the corresponding endpoint/key is not configured.
func New(cfg *config.Config, m *metrics.Metrics) *Router {
	r := &Router{
		table:   cfg.Routing,
		modelOf: cfg.Models,
		metrics: m,
		logger:  slog.Default().With("component", "llmrouter"),
	}
	if cfg.LLMLocalURL != "" {
		r.ollama = NewOllamaClient(cfg.LLMLocalURL)
	}
	if cfg.LLMCloudAPIKey != "" {
		r.claude = NewAnthropicClient(cfg.LLMCloudAPIKey, cfg.Models[models.ModelCloudFinal])
	}
	return r
}

// Generate completes a task on the backend its task_type routes to.
// Transient failures get up to 3 attempts with exponential backoff; an
// exhausted local backend falls back once to the cloud backend (never for
// embeddings). Returns service.ErrBackendUnavailable after exhaustion.
func (r *Router) Generate(ctx context.Context, task models.LLMTask) (*models.LLMResponse, error) {
	backend := r.table.Resolve(task.TaskType)
	if backend == models.ModelLocalEmbeddings {
		return nil, service.NewValidationError("task_type", "embedding tasks must use the embed endpoint")
	}

	resp, err := r.generateOn(ctx, backend, task)
	if err == nil {
		return resp, nil
	}

	// Single fallback: local (non-embeddings) → cloud, when configured.
	// Only retryable exhaustion falls back; 400-class errors surface as-is.
	if backend != models.ModelCloudFinal && r.claude != nil && errors.Is(err, service.ErrBackendUnavailable) {
		r.logger.Warn("Local backend exhausted, falling back to cloud",
			"task_type", task.TaskType, "backend", backend, "error", err)
		return r.generateOn(ctx, models.ModelCloudFinal, task)
	}
	return nil, err
}

// generateOn runs the retry loop against one backend.
func (r *Router) generateOn(ctx context.Context, backend models.ModelType, task models.LLMTask) (*models.LLMResponse, error) {
	model := r.modelOf[backend]
	attempt := 0

	operation := func() (*models.LLMResponse, error) {
		attempt++
		if attempt > 1 && r.metrics != nil {
			r.metrics.LLMRetries.WithLabelValues(string(backend)).Inc()
		}

		text, tokens, err := r.callBackend(ctx, backend, model, task)
		if err != nil {
			if isRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return &models.LLMResponse{
			Text:       text,
			ModelUsed:  model,
			ModelType:  backend,
			TokensUsed: tokens,
		}, nil
	}

	resp, err := backoff.RetryWithData(operation, r.newBackoff(ctx))
	r.observe(backend, err)
	if err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w: %s after %d attempts", service.ErrBackendUnavailable, backend, attempt)
		}
		return nil, err
	}
	return resp, nil
}

func (r *Router) callBackend(ctx context.Context, backend models.ModelType, model string, task models.LLMTask) (string, int, error) {
	switch backend {
	case models.ModelCloudFinal:
		if r.claude == nil {
			return "", 0, markRetryable(errors.New("cloud backend not configured"))
		}
		return r.claude.Generate(ctx, task.Prompt, task.SystemPrompt, task.MaxTokens, task.Temperature)
	default:
		if r.ollama == nil {
			return "", 0, markRetryable(errors.New("local backend not configured"))
		}
		return r.ollama.Generate(ctx, model, task.Prompt, task.SystemPrompt, task.MaxTokens, task.Temperature)
	}
}

// Embed returns one vector per input text, all with uniform dimension.
// Embeddings have no cloud fallback.
func (r *Router) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if r.ollama == nil {
		return nil, fmt.Errorf("%w: embeddings backend not configured", service.ErrBackendUnavailable)
	}
	model := r.modelOf[models.ModelLocalEmbeddings]

	vectors := make([][]float64, 0, len(texts))
	for _, text := range texts {
		operation := func() ([]float64, error) {
			vec, err := r.ollama.Embed(ctx, model, text)
			if err != nil {
				if isRetryable(err) {
					return nil, err
				}
				return nil, backoff.Permanent(err)
			}
			return vec, nil
		}
		vec, err := backoff.RetryWithData(operation, r.newBackoff(ctx))
		r.observe(models.ModelLocalEmbeddings, err)
		if err != nil {
			if isRetryable(err) {
				return nil, fmt.Errorf("%w: embeddings", service.ErrBackendUnavailable)
			}
			return nil, err
		}
		if len(vectors) > 0 && len(vec) != len(vectors[0]) {
			return nil, fmt.Errorf("embedding dimension drift: got %d, want %d", len(vec), len(vectors[0]))
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

// HealthStatus is the router's health surface.
type HealthStatus struct {
	Ollama string `json:"ollama"`
	Claude string `json:"claude"`
	Status string `json:"status"`
}

// Health probes the local runtime and reports cloud configuration.
// degraded means neither backend can serve a task.
func (r *Router) Health(ctx context.Context) HealthStatus {
	hs := HealthStatus{Ollama: "disconnected", Claude: "missing", Status: service.StatusDegraded}
	if r.ollama != nil {
		if err := r.ollama.Ping(ctx); err == nil {
			hs.Ollama = "connected"
		}
	}
	if r.claude != nil {
		hs.Claude = "configured"
	}
	if hs.Ollama == "connected" || hs.Claude == "configured" {
		hs.Status = service.StatusHealthy
	}
	return hs
}

// ModelsSnapshot is the routing configuration surface (no secrets).
type ModelsSnapshot struct {
	Rules   []config.RoutingRule        `json:"rules"`
	Default models.ModelType            `json:"default"`
	Models  map[models.ModelType]string `json:"models"`
}

// Models returns the routing table and backend model names.
func (r *Router) Models() ModelsSnapshot {
	return ModelsSnapshot{
		Rules:   r.table.Rules,
		Default: r.table.Default,
		Models:  r.modelOf,
	}
}

// newBackoff builds the standard retry schedule: 3 attempts, base 500ms,
// factor 2, jitter ±25%.
func (r *Router) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	return backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)
}

func (r *Router) observe(backend models.ModelType, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.metrics.LLMRequests.WithLabelValues(string(backend), outcome).Inc()
}
