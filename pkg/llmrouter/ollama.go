package llmrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaClient speaks the local model runtime's HTTP API. One client
// serves all four local backend classes; the model name selects which
// weights answer.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a client for the local runtime at baseURL.
func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Generate runs one completion against the named model.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt, system string, maxTokens int, temperature float64) (string, int, error) {
	reqBody := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: system,
		Stream: false,
		Options: map[string]any{
			"temperature": temperature,
		},
	}
	if maxTokens > 0 {
		reqBody.Options["num_predict"] = maxTokens
	}

	var resp ollamaGenerateResponse
	if err := c.post(ctx, "/api/generate", reqBody, &resp); err != nil {
		return "", 0, err
	}
	return resp.Response, resp.EvalCount, nil
}

// Embed returns the embedding vector for one text.
func (c *OllamaClient) Embed(ctx context.Context, model, text string) ([]float64, error) {
	var resp ollamaEmbedResponse
	if err := c.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// Ping checks the runtime is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return markRetryable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return markRetryable(fmt.Errorf("local runtime returned HTTP %d", resp.StatusCode))
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, timeout: the runtime may come back.
		return markRetryable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return markRetryable(err)
	}
	if resp.StatusCode >= 500 {
		return markRetryable(fmt.Errorf("local runtime HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("local runtime HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return json.Unmarshal(raw, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
