package llmrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Client is the HTTP client stage workers use to reach the router service.
// Retry policy lives in the router, not here: a failed call is terminal
// from the caller's point of view.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a router client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 180 * time.Second},
	}
}

// Generate submits one task and returns the completion.
func (c *Client) Generate(ctx context.Context, task models.LLMTask) (*models.LLMResponse, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: router exhausted backends", service.ErrBackendUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm router HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &models.LLMResponse{
		Text:       out.Response,
		ModelUsed:  out.ModelUsed,
		ModelType:  out.ModelType,
		TokensUsed: out.TokensUsed,
	}, nil
}

// Ping checks the router is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm router HTTP %d", resp.StatusCode)
	}
	return nil
}
