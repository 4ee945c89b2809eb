package rpcpool

import (
	"context"
	"sync"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
)

// Registry lazily builds and caches one Pool per chain from the chain
// configuration. All consumers of a chain within a process share the pool.
type Registry struct {
	chains  *config.ChainRegistry
	metrics *metrics.Metrics
	opts    Options

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewRegistry creates a pool registry over the configured chains.
func NewRegistry(chains *config.ChainRegistry, m *metrics.Metrics, opts Options) *Registry {
	return &Registry{
		chains:  chains,
		metrics: m,
		opts:    opts,
		pools:   make(map[string]*Pool),
	}
}

// Pool returns the shared pool for chain, dialing it on first use.
func (r *Registry) Pool(ctx context.Context, chain string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[chain]; ok {
		return pool, nil
	}

	cfg, err := r.chains.Get(chain)
	if err != nil {
		return nil, err
	}
	pool, err := New(ctx, chain, cfg.RPCURLs, r.metrics, r.opts)
	if err != nil {
		return nil, err
	}
	pool.Start()
	r.pools[chain] = pool
	return pool, nil
}

// Status returns status snapshots for every dialed pool.
func (r *Registry) Status() map[string]PoolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]PoolStatus, len(r.pools))
	for chain, pool := range r.pools {
		out[chain] = pool.Status()
	}
	return out
}

// Close stops and releases every dialed pool.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pool := range r.pools {
		pool.Close()
	}
	r.pools = make(map[string]*Pool)
}
