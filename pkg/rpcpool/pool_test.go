package rpcpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
)

type rpcCall struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// rpcServer fakes one JSON-RPC provider. reply returns the result, or an
// error object when code is non-zero.
func rpcServer(t *testing.T, reply func(method string) (result any, code int, msg string)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))

		result, code, msg := reply(call.Method)
		out := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		if code != 0 {
			out["error"] = map[string]any{"code": code, "message": msg}
		} else {
			out["result"] = result
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func brokenServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream overloaded", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func newPool(t *testing.T, opts Options, urls ...string) *Pool {
	t.Helper()
	pool, err := New(context.Background(), "ethereum", urls, metrics.New(), opts)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestNewRequiresProviders(t *testing.T) {
	_, err := New(context.Background(), "ethereum", nil, nil, Options{})
	require.Error(t, err)
}

func TestExecuteReturnsFirstHealthyResult(t *testing.T) {
	good, goodCalls := rpcServer(t, func(string) (any, int, string) {
		return "0x10", 0, ""
	})
	backup, backupCalls := rpcServer(t, func(string) (any, int, string) {
		return "0x99", 0, ""
	})

	pool := newPool(t, Options{}, good.URL, backup.URL)
	raw, err := pool.Execute(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(raw))
	assert.EqualValues(t, 1, goodCalls.Load())
	assert.Zero(t, backupCalls.Load(), "the backup is untouched while the primary serves")
}

func TestExecuteFailsOver(t *testing.T) {
	down, _ := brokenServer(t)
	backup, _ := rpcServer(t, func(string) (any, int, string) {
		return "0x42", 0, ""
	})

	pool := newPool(t, Options{}, down.URL, backup.URL)
	raw, err := pool.Execute(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x42"`, string(raw))
}

func TestFailoverCountsFreshFailuresOnly(t *testing.T) {
	down, downCalls := brokenServer(t)
	backup, _ := rpcServer(t, func(string) (any, int, string) {
		return "0x42", 0, ""
	})

	m := metrics.New()
	pool, err := New(context.Background(), "ethereum", []string{down.URL, backup.URL}, m, Options{CircuitThreshold: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	failovers := m.RPCFailovers.WithLabelValues("ethereum")

	// First call: the primary fails fresh, the backup serves.
	_, err = pool.Execute(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.EqualValues(t, 1, testutil.ToFloat64(failovers))
	primaryCalls := downCalls.Load()

	// Second call: the primary's circuit is open, so skipping it is not
	// a failover.
	_, err = pool.Execute(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.Equal(t, primaryCalls, downCalls.Load(), "open circuit short-circuits the primary")
	assert.EqualValues(t, 1, testutil.ToFloat64(failovers))
}

func TestExecuteRefusesStateChangesInForkMode(t *testing.T) {
	srv, calls := rpcServer(t, func(string) (any, int, string) {
		return "0xhash", 0, ""
	})

	pool := newPool(t, Options{}, srv.URL)
	_, err := pool.Execute(context.Background(), "eth_sendRawTransaction", "0x00")
	require.ErrorIs(t, err, ErrLiveNotAllowed)
	assert.Zero(t, calls.Load())

	live := newPool(t, Options{AllowLive: true}, srv.URL)
	_, err = live.Execute(context.Background(), "eth_sendRawTransaction", "0x00")
	assert.NoError(t, err)
}

func TestClientErrorsDoNotRotateProviders(t *testing.T) {
	bad, badCalls := rpcServer(t, func(string) (any, int, string) {
		return nil, -32601, "the method does not exist"
	})
	backup, backupCalls := rpcServer(t, func(string) (any, int, string) {
		return "ok", 0, ""
	})

	pool := newPool(t, Options{}, bad.URL, backup.URL)
	_, err := pool.Execute(context.Background(), "eth_notAMethod")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.EqualValues(t, 1, badCalls.Load())
	assert.Zero(t, backupCalls.Load(), "caller bugs never burn the backup")

	// The provider is not penalized for the caller's mistake.
	st := pool.Status()
	assert.Equal(t, StatusHealthy, st.Providers[0].Status)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	down, calls := brokenServer(t)
	pool := newPool(t, Options{CircuitThreshold: 2}, down.URL)

	for i := 0; i < 2; i++ {
		_, err := pool.Execute(context.Background(), "eth_blockNumber")
		require.ErrorIs(t, err, ErrAllProvidersFailed)
	}
	before := calls.Load()

	_, err := pool.Execute(context.Background(), "eth_blockNumber")
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, calls.Load(), "an open circuit short-circuits the call")

	st := pool.Status()
	assert.Equal(t, StatusCircuitOpen, st.Providers[0].Status)
	assert.Equal(t, 1, st.Counts[string(StatusCircuitOpen)])
}

func TestStatusSanitizesProviderURLs(t *testing.T) {
	srv, _ := rpcServer(t, func(string) (any, int, string) {
		return "0x1", 0, ""
	})

	pool := newPool(t, Options{}, srv.URL+"/v2/rpc?apikey=super-secret")
	st := pool.Status()
	require.Len(t, st.Providers, 1)
	assert.NotContains(t, st.Providers[0].URL, "super-secret")
	assert.Contains(t, st.Providers[0].URL, "/v2/rpc")
}

func TestSanitizeURL(t *testing.T) {
	assert.Equal(t, "https://rpc.example.com/v2", sanitizeURL("https://user:pw@rpc.example.com/v2?key=abc"))
	assert.Equal(t, "rpc-endpoint", sanitizeURL("://not a url"))
}

func TestHandleBlockNumber(t *testing.T) {
	srv, _ := rpcServer(t, func(method string) (any, int, string) {
		require.Equal(t, "eth_blockNumber", method)
		return "0x10", 0, ""
	})

	pool := newPool(t, Options{}, srv.URL)
	n, err := pool.Client().BlockNumber(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 16, n)
}

func TestRegistrySharesPools(t *testing.T) {
	srv, _ := rpcServer(t, func(string) (any, int, string) {
		return "0x1", 0, ""
	})
	chains := config.NewChainRegistry(map[string]*config.ChainConfig{
		"ethereum": {Name: "ethereum", RPCURLs: []string{srv.URL}},
	})
	reg := NewRegistry(chains, metrics.New(), Options{})
	t.Cleanup(reg.Close)

	first, err := reg.Pool(context.Background(), "ethereum")
	require.NoError(t, err)
	second, err := reg.Pool(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = reg.Pool(context.Background(), "atlantis")
	require.Error(t, err)

	status := reg.Status()
	require.Contains(t, status, "ethereum")
	assert.Equal(t, "ethereum", status["ethereum"].Chain)
}
