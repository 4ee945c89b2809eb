package llmrouter

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is the single hosted backend used for final reasoning
// and as the fallback for exhausted local backends.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates the hosted backend client.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model returns the configured hosted model name.
func (c *AnthropicClient) Model() string { return c.model }

// Generate runs one completion against the hosted model.
func (c *AnthropicClient) Generate(ctx context.Context, prompt, system string, maxTokens int, temperature float64) (string, int, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature > 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", 0, classifyAnthropicError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	tokens := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	return sb.String(), tokens, nil
}

// classifyAnthropicError marks transport and server-side failures as
// retryable; request errors surface directly.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 || apiErr.StatusCode == 429 {
			return markRetryable(err)
		}
		return err
	}
	// No structured status: connection-level failure.
	return markRetryable(err)
}
