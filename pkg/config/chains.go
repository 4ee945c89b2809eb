package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// SupportedChains is the closed set of chains the platform understands.
var SupportedChains = []string{
	"ethereum", "bsc", "polygon", "arbitrum", "optimism",
	"avalanche", "solana", "aptos", "sui", "starknet",
}

// IsSupportedChain reports whether name is in the closed chain set.
func IsSupportedChain(name string) bool {
	for _, c := range SupportedChains {
		if c == name {
			return true
		}
	}
	return false
}

// ChainConfig holds per-chain endpoints. RPCURLs is ordered: primary first,
// backups after, matching the pool's provider priority.
type ChainConfig struct {
	Name           string   `yaml:"name"`
	RPCURLs        []string `yaml:"rpc_urls"`
	ExplorerAPIURL string   `yaml:"explorer_api_url,omitempty"`
	ExplorerAPIKey string   `yaml:"explorer_api_key,omitempty"`
}

// ChainRegistry stores chain configurations with thread-safe access.
type ChainRegistry struct {
	mu     sync.RWMutex
	chains map[string]*ChainConfig
}

// NewChainRegistry creates a registry over a defensive copy of chains.
func NewChainRegistry(chains map[string]*ChainConfig) *ChainRegistry {
	copied := make(map[string]*ChainConfig, len(chains))
	for k, v := range chains {
		copied[k] = v
	}
	return &ChainRegistry{chains: copied}
}

// Get retrieves a chain configuration by name.
func (r *ChainRegistry) Get(name string) (*ChainConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotConfigured, name)
	}
	return c, nil
}

// Has checks whether a chain is configured.
func (r *ChainRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chains[name]
	return ok
}

// Names returns the configured chain names, sorted.
func (r *ChainRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadChainsFromEnv builds chain configs from <CHAIN>_RPC_URL and
// <CHAIN>_RPC_URL_BACKUP variables. Chains with no primary URL are skipped;
// callers that need a chain fail at pool construction instead.
func loadChainsFromEnv() map[string]*ChainConfig {
	chains := make(map[string]*ChainConfig)
	for _, name := range SupportedChains {
		prefix := strings.ToUpper(name)
		primary := os.Getenv(prefix + "_RPC_URL")
		if primary == "" {
			continue
		}
		cfg := &ChainConfig{
			Name:           name,
			RPCURLs:        []string{primary},
			ExplorerAPIURL: os.Getenv(prefix + "_EXPLORER_API_URL"),
			ExplorerAPIKey: os.Getenv(prefix + "_EXPLORER_API_KEY"),
		}
		if backup := os.Getenv(prefix + "_RPC_URL_BACKUP"); backup != "" {
			cfg.RPCURLs = append(cfg.RPCURLs, backup)
		}
		chains[name] = cfg
	}
	return chains
}
