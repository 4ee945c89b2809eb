package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// ErrStageFatal wraps a 5xx from a stage worker; the orchestrator treats
// it as scan failure.
var ErrStageFatal = errors.New("stage returned fatal")

// Client dispatches stage work over HTTP with per-stage timeouts.
type Client struct {
	endpoints map[models.Stage]string
	timeouts  map[models.Stage]time.Duration
	http      *http.Client
}

// NewClient builds a dispatch client from configuration. The shared
// http.Client carries no timeout of its own; each call gets a per-stage
// context deadline instead.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		endpoints: cfg.StageEndpoints,
		timeouts:  cfg.StageTimeouts,
		http:      &http.Client{},
	}
}

// Timeout returns the dispatch budget for a stage. The monitoring budget
// is derived from the scan's window: window + 60s.
func (c *Client) Timeout(stage models.Stage, scanCfg models.ScanConfig) time.Duration {
	if stage == models.StageMonitoring {
		return scanCfg.MonitorDuration() + 60*time.Second
	}
	if d, ok := c.timeouts[stage]; ok {
		return d
	}
	return 300 * time.Second
}

// Execute dispatches one stage and classifies the outcome: a decoded
// Response on 200 (completed or partial), ErrStageFatal on 5xx,
// service.ErrTimeout when the stage budget elapses.
func (c *Client) Execute(ctx context.Context, stage models.Stage, req *Request) (*Response, error) {
	endpoint, ok := c.endpoints[stage]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("%w: no endpoint configured for stage %s", ErrStageFatal, stage)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.Timeout(stage, req.Config))
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: stage %s exceeded its budget", service.ErrTimeout, stage)
		}
		return nil, fmt.Errorf("%w: stage %s unreachable: %v", ErrStageFatal, stage, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: stage %s response: %v", ErrStageFatal, stage, err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: stage %s HTTP %d: %s", ErrStageFatal, stage, httpResp.StatusCode, compactBody(body))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: stage %s HTTP %d: %s", ErrStageFatal, stage, httpResp.StatusCode, compactBody(body))
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: stage %s returned malformed body: %v", ErrStageFatal, stage, err)
	}
	if resp.Stage == "" {
		resp.Stage = stage
	}
	return &resp, nil
}

// Probe checks one stage worker's /health endpoint.
func (c *Client) Probe(ctx context.Context, stage models.Stage) error {
	endpoint, ok := c.endpoints[stage]
	if !ok || endpoint == "" {
		return fmt.Errorf("no endpoint configured for stage %s", stage)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stage %s health HTTP %d", stage, resp.StatusCode)
	}
	return nil
}

// Stages lists the stages this client can dispatch to.
func (c *Client) Stages() []models.Stage {
	out := make([]models.Stage, 0, len(c.endpoints))
	for _, stage := range models.PipelineStages {
		if c.endpoints[stage] != "" {
			out = append(out, stage)
		}
	}
	return out
}

func compactBody(body []byte) string {
	const max = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
