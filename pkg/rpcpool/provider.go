package rpcpool

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"
)

// ProviderStatus is the externally visible state of one RPC provider.
type ProviderStatus string

// Provider states. circuit_open means the breaker has tripped and the pool
// skips the provider until the open timeout elapses.
const (
	StatusHealthy     ProviderStatus = "healthy"
	StatusDegraded    ProviderStatus = "degraded"
	StatusFailed      ProviderStatus = "failed"
	StatusCircuitOpen ProviderStatus = "circuit_open"
)

// provider is one upstream JSON-RPC endpoint with its breaker and health
// state. State mutations hold mu for the span of a field update only.
type provider struct {
	url     string
	rpc     *rpc.Client
	eth     *ethclient.Client
	breaker *gobreaker.CircuitBreaker

	mu                  sync.Mutex
	status              ProviderStatus
	consecutiveFailures int
	lastCheck           time.Time
}

func newProvider(ctx context.Context, rawURL string, threshold uint32, openTimeout time.Duration) (*provider, error) {
	client, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	p := &provider{
		url:    rawURL,
		rpc:    client,
		eth:    ethclient.NewClient(client),
		status: StatusHealthy,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sanitizeURL(rawURL),
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	return p, nil
}

// recordSuccess resets failure tracking after a successful call.
func (p *provider) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
	p.status = StatusHealthy
}

// recordFailure bumps the failure count and demotes the provider. The
// breaker tracks its own counts; this state is for status reporting.
func (p *provider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	if p.breaker.State() == gobreaker.StateOpen {
		p.status = StatusCircuitOpen
	} else {
		p.status = StatusDegraded
	}
}

// recordProbe applies a health-check outcome. Probes never open a circuit;
// they only move healthy ↔ degraded/failed and let the breaker's half-open
// probe re-enable a tripped provider.
func (p *provider) recordProbe(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheck = time.Now()
	if p.breaker.State() == gobreaker.StateOpen {
		p.status = StatusCircuitOpen
		return
	}
	if ok {
		p.status = StatusHealthy
		p.consecutiveFailures = 0
	} else {
		p.status = StatusFailed
	}
}

// currentStatus returns the provider status, reconciled with breaker state.
func (p *provider) currentStatus() ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breaker.State() == gobreaker.StateOpen {
		return StatusCircuitOpen
	}
	return p.status
}

func (p *provider) close() {
	p.rpc.Close()
}

// sanitizeURL strips credentials and query strings from a provider URL so
// API keys embedded in RPC endpoints never reach logs or error messages.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "rpc-endpoint"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
