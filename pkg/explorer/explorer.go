// Package explorer fetches verified contract source and ABIs from
// etherscan-family block explorer APIs. One client per chain, built from
// the chain registry's explorer settings.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bugbot-io/bugbot/pkg/config"
)

// ErrSourceNotVerified is returned when the explorer has no verified
// source for the address.
var ErrSourceNotVerified = errors.New("contract source not verified")

// ErrNoExplorer is returned when the chain has no explorer API configured.
var ErrNoExplorer = errors.New("no explorer configured for chain")

// ContractSource is the verified-source record for one address.
type ContractSource struct {
	ContractName string `json:"contract_name"`
	SourceCode   string `json:"source_code"`
	ABI          string `json:"abi"`
	Compiler     string `json:"compiler,omitempty"`
}

// Client talks to one chain's explorer API.
type Client struct {
	chain   string
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds an explorer client for a chain, or ErrNoExplorer when the
// chain configuration carries no explorer URL.
func New(chains *config.ChainRegistry, chain string) (*Client, error) {
	cc, err := chains.Get(chain)
	if err != nil {
		return nil, err
	}
	if cc.ExplorerAPIURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoExplorer, chain)
	}
	return &Client{
		chain:   chain,
		baseURL: cc.ExplorerAPIURL,
		apiKey:  cc.ExplorerAPIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// etherscan wraps every response in {status, message, result}.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type sourceRecord struct {
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
}

// GetSource fetches verified source for an address via the getsourcecode
// action. Unverified contracts map to ErrSourceNotVerified.
func (c *Client) GetSource(ctx context.Context, address string) (*ContractSource, error) {
	raw, err := c.call(ctx, "contract", "getsourcecode", address)
	if err != nil {
		return nil, err
	}

	var records []sourceRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("explorer %s: malformed getsourcecode result: %w", c.chain, err)
	}
	if len(records) == 0 {
		return nil, ErrSourceNotVerified
	}
	rec := records[0]
	if rec.SourceCode == "" || strings.Contains(rec.ABI, "not verified") {
		return nil, ErrSourceNotVerified
	}
	return &ContractSource{
		ContractName: rec.ContractName,
		SourceCode:   normalizeSource(rec.SourceCode),
		ABI:          rec.ABI,
		Compiler:     rec.CompilerVersion,
	}, nil
}

// GetABI fetches the verified ABI for an address via the getabi action.
func (c *Client) GetABI(ctx context.Context, address string) (string, error) {
	raw, err := c.call(ctx, "contract", "getabi", address)
	if err != nil {
		return "", err
	}
	var abi string
	if err := json.Unmarshal(raw, &abi); err != nil {
		// Some explorers return the ABI unquoted.
		abi = string(raw)
	}
	if strings.Contains(abi, "not verified") {
		return "", ErrSourceNotVerified
	}
	return abi, nil
}

func (c *Client) call(ctx context.Context, module, action, address string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("module", module)
	q.Set("action", action)
	q.Set("address", address)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Error strings must not leak the API key riding the query string.
		return nil, fmt.Errorf("explorer %s unreachable: %w", c.chain, sanitizeErr(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("explorer %s: %w", c.chain, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer %s HTTP %d", c.chain, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("explorer %s: malformed response: %w", c.chain, err)
	}
	if env.Status != "1" {
		if strings.Contains(strings.ToLower(env.Message), "not verified") ||
			strings.Contains(strings.ToLower(string(env.Result)), "not verified") {
			return nil, ErrSourceNotVerified
		}
		return nil, fmt.Errorf("explorer %s: %s", c.chain, env.Message)
	}
	return env.Result, nil
}

// normalizeSource unwraps the double-braced standard-json form some
// explorers return for multi-file sources.
func normalizeSource(src string) string {
	if strings.HasPrefix(src, "{{") && strings.HasSuffix(src, "}}") {
		return src[1 : len(src)-1]
	}
	return src
}

// sanitizeErr strips query strings from URL errors so API keys never
// reach logs or user-visible messages.
func sanitizeErr(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if u, perr := url.Parse(ue.URL); perr == nil {
			u.RawQuery = ""
			u.User = nil
			return fmt.Errorf("%s %s: %w", ue.Op, u.String(), ue.Err)
		}
	}
	return err
}
