// Package rpcpool presents a single façade over N JSON-RPC providers for
// one chain. Calls are attempted in priority order against healthy
// providers; a provider that fails repeatedly has its circuit opened and
// is skipped until the open timeout elapses.
package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"

	"github.com/bugbot-io/bugbot/pkg/metrics"
)

// ErrAllProvidersFailed is returned when no provider can serve a call.
var ErrAllProvidersFailed = errors.New("all RPC providers failed")

// stateChangingMethods are JSON-RPC methods that mutate chain state. They
// are refused unless the pool was built with live mode allowed.
var stateChangingMethods = map[string]bool{
	"eth_sendTransaction":    true,
	"eth_sendRawTransaction": true,
}

// ErrLiveNotAllowed is returned for state-changing methods in fork mode.
var ErrLiveNotAllowed = errors.New("state-changing RPC refused: live mode not allowed")

// Options tune pool behaviour; zero values pick the platform defaults.
type Options struct {
	CallTimeout         time.Duration // per-provider call budget (default 10s)
	CircuitThreshold    uint32        // consecutive failures to trip (default 5)
	CircuitTimeout      time.Duration // open-circuit cool-off (default 300s)
	HealthCheckInterval time.Duration // probe period (default 60s)
	AllowLive           bool          // permit state-changing methods
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.CircuitThreshold == 0 {
		o.CircuitThreshold = 5
	}
	if o.CircuitTimeout <= 0 {
		o.CircuitTimeout = 300 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 60 * time.Second
	}
}

// ProviderState is one row of a pool status snapshot.
type ProviderState struct {
	URL                 string         `json:"url"`
	Status              ProviderStatus `json:"status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastCheckAt         *time.Time     `json:"last_check_at,omitempty"`
}

// PoolStatus is the per-provider status snapshot exposed by /rpc-status.
type PoolStatus struct {
	Chain     string          `json:"chain"`
	Providers []ProviderState `json:"providers"`
	Counts    map[string]int  `json:"counts"`
}

// Pool is a multi-provider RPC façade for a single chain.
type Pool struct {
	chain     string
	providers []*provider
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// New dials the configured providers in priority order. At least one URL
// is required. Metrics may be nil (instruments skipped).
func New(ctx context.Context, chain string, urls []string, m *metrics.Metrics, opts Options) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain %s: no RPC providers configured", chain)
	}
	opts.defaults()

	pool := &Pool{
		chain:   chain,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "rpcpool", "chain", chain),
		stopCh:  make(chan struct{}),
	}
	for _, u := range urls {
		p, err := newProvider(ctx, u, opts.CircuitThreshold, opts.CircuitTimeout)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("dial provider %s: %w", sanitizeURL(u), err)
		}
		pool.providers = append(pool.providers, p)
	}
	return pool, nil
}

// Chain returns the chain this pool serves.
func (p *Pool) Chain() string { return p.chain }

// Execute performs a raw JSON-RPC call with the pool's failover policy.
func (p *Pool) Execute(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if stateChangingMethods[method] && !p.opts.AllowLive {
		return nil, ErrLiveNotAllowed
	}
	var result json.RawMessage
	err := p.do(ctx, func(callCtx context.Context, prov *provider) error {
		return prov.rpc.CallContext(callCtx, &result, method, params...)
	})
	return result, err
}

// Client returns a typed read handle bound to the pool's failover policy.
func (p *Pool) Client() *Handle {
	return &Handle{pool: p}
}

// do runs call against providers in priority order until one succeeds.
// Circuit-open providers are skipped (the breaker's half-open probe lets
// one call through after the cool-off). Client-side JSON-RPC errors are
// surfaced immediately without rotating providers or penalizing anyone.
func (p *Pool) do(ctx context.Context, call func(context.Context, *provider) error) error {
	var lastErr error
	// failedPrev is true only after a fresh failure on the previous
	// provider; circuit-open skips are not failovers.
	failedPrev := false
	for _, prov := range p.providers {
		if failedPrev && p.metrics != nil {
			p.metrics.RPCFailovers.WithLabelValues(p.chain).Inc()
		}
		failedPrev = false

		res, err := prov.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
			defer cancel()
			if callErr := call(callCtx, prov); callErr != nil {
				if isClientError(callErr) {
					// Stable caller bug: not the provider's fault, and not
					// worth trying elsewhere. Smuggle past the breaker.
					return clientError{callErr}, nil
				}
				return nil, callErr
			}
			return nil, nil
		})
		if err == nil {
			prov.recordSuccess()
			if ce, ok := res.(clientError); ok {
				return ce.err
			}
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			lastErr = err
			continue
		}
		prov.recordFailure()
		p.logger.Warn("Provider call failed",
			"provider", sanitizeURL(prov.url), "error", err)
		lastErr = err
		failedPrev = true

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
	}
	return ErrAllProvidersFailed
}

// clientError wraps a non-retryable JSON-RPC error so it can pass through
// the breaker as a successful result.
type clientError struct{ err error }

func (c clientError) Error() string { return c.err.Error() }
func (c clientError) Unwrap() error { return c.err }

// isClientError reports whether err indicates a stable client-side problem
// (invalid params, method not found) that must not be retried elsewhere.
func isClientError(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32600, -32601, -32602: // invalid request / method / params
			return true
		}
	}
	return false
}

// Status returns the per-provider snapshot with aggregate counts.
func (p *Pool) Status() PoolStatus {
	status := PoolStatus{
		Chain:  p.chain,
		Counts: map[string]int{},
	}
	for _, prov := range p.providers {
		prov.mu.Lock()
		state := ProviderState{
			URL:                 sanitizeURL(prov.url),
			ConsecutiveFailures: prov.consecutiveFailures,
		}
		if !prov.lastCheck.IsZero() {
			t := prov.lastCheck
			state.LastCheckAt = &t
		}
		prov.mu.Unlock()
		state.Status = prov.currentStatus()
		status.Providers = append(status.Providers, state)
		status.Counts[string(state.Status)]++

		if p.metrics != nil {
			p.metrics.ProviderHealth.WithLabelValues(p.chain, state.URL).
				Set(healthValue(state.Status))
		}
	}
	return status
}

func healthValue(s ProviderStatus) float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	}
	return 0
}

// Start launches the background health-check loop.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.runHealthChecks()
}

// Stop signals the health loop to exit and waits for it.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Close stops the health loop and releases provider connections.
func (p *Pool) Close() {
	p.Stop()
	for _, prov := range p.providers {
		prov.close()
	}
}

// runHealthChecks probes each provider every interval with eth_blockNumber.
// Probes only demote healthy ↔ degraded/failed; re-enabling a tripped
// provider is the breaker's half-open behaviour.
func (p *Pool) runHealthChecks() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	for _, prov := range p.providers {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CallTimeout)
		var blockNum string
		err := prov.rpc.CallContext(ctx, &blockNum, "eth_blockNumber")
		cancel()
		prov.recordProbe(err == nil)
		if err != nil {
			p.logger.Debug("Health probe failed",
				"provider", sanitizeURL(prov.url), "error", err)
		}
	}
	if p.metrics != nil {
		p.Status() // refreshes provider health gauges
	}
}
