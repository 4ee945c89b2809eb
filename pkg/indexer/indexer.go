// Package indexer ingests contract event logs through the RPC pool,
// serves filtered queries over the indexed set, and streams new events
// to websocket subscribers.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bugbot-io/bugbot/pkg/rpcpool"
	"github.com/bugbot-io/bugbot/pkg/service"
)

const (
	pollInterval = 10 * time.Second
	maxIndexed   = 100000
)

// Event is one indexed log entry.
type Event struct {
	ContractAddress string    `json:"contract_address"`
	Chain           string    `json:"chain"`
	BlockNumber     uint64    `json:"block_number"`
	TxHash          string    `json:"tx_hash"`
	Topics          []string  `json:"topics"`
	Data            string    `json:"data,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Query filters the indexed set.
type Query struct {
	ContractAddress string `json:"contract_address,omitempty"`
	Chain           string `json:"chain,omitempty"`
	FromBlock       uint64 `json:"from_block,omitempty"`
	ToBlock         uint64 `json:"to_block,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type stream struct {
	address string
	chain   string
	stopCh  chan struct{}
}

func streamKey(address, chain string) string { return chain + ":" + address }

// Service owns the ingestion loops and the indexed event set.
type Service struct {
	pools  *rpcpool.Registry
	logger *slog.Logger

	mu          sync.RWMutex
	events      []Event
	streams     map[string]*stream
	subscribers map[chan Event]struct{}

	wg sync.WaitGroup
}

// New creates the indexer over the shared pool registry.
func New(pools *rpcpool.Registry) *Service {
	return &Service{
		pools:       pools,
		logger:      slog.Default().With("component", "indexer"),
		streams:     make(map[string]*stream),
		subscribers: make(map[chan Event]struct{}),
	}
}

// StartStream begins ingesting logs for an address. backfillBlocks > 0
// first ingests that many blocks of history synchronously; backfill
// shares the caller's context and fails when it cannot finish in time.
func (s *Service) StartStream(ctx context.Context, address, chain string, backfillBlocks uint64) error {
	if address == "" || chain == "" {
		return service.NewValidationError("contract_address", "contract_address and chain are required")
	}
	key := streamKey(address, chain)

	s.mu.Lock()
	if _, ok := s.streams[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: stream already running for %s on %s", service.ErrConflict, address, chain)
	}
	st := &stream{address: address, chain: chain, stopCh: make(chan struct{})}
	s.streams[key] = st
	s.mu.Unlock()

	pool, err := s.pools.Pool(ctx, chain)
	if err != nil {
		s.removeStream(key)
		return err
	}
	handle := pool.Client()

	head, err := handle.BlockNumber(ctx)
	if err != nil {
		s.removeStream(key)
		return err
	}

	if backfillBlocks > 0 {
		from := uint64(0)
		if head > backfillBlocks {
			from = head - backfillBlocks
		}
		if err := s.ingestRange(ctx, handle, address, chain, from, head); err != nil {
			s.removeStream(key)
			return fmt.Errorf("backfill: %w", err)
		}
	}

	s.wg.Add(1)
	go s.run(st, handle, head)
	s.logger.Info("Index stream started", "contract", address, "chain", chain, "backfill_blocks", backfillBlocks)
	return nil
}

// StopStream flags the loop; it terminates on its next iteration.
func (s *Service) StopStream(address, chain string) error {
	key := streamKey(address, chain)
	s.mu.Lock()
	st, ok := s.streams[key]
	if ok {
		delete(s.streams, key)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no stream for %s on %s", service.ErrNotFound, address, chain)
	}
	close(st.stopCh)
	return nil
}

// Streams lists the active streams.
func (s *Service) Streams() []map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]string, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, map[string]string{"contract_address": st.address, "chain": st.chain})
	}
	return out
}

// Close stops every stream and waits for the loops to exit.
func (s *Service) Close() {
	s.mu.Lock()
	for key, st := range s.streams {
		close(st.stopCh)
		delete(s.streams, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) removeStream(key string) {
	s.mu.Lock()
	delete(s.streams, key)
	s.mu.Unlock()
}

// run is the ingestion loop for one stream.
func (s *Service) run(st *stream, handle *rpcpool.Handle, lastBlock uint64) {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stopCh:
			s.logger.Info("Index stream stopped", "contract", st.address, "chain", st.chain)
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		head, err := handle.BlockNumber(ctx)
		if err != nil {
			cancel()
			s.logger.Warn("Head poll failed", "chain", st.chain, "error", err)
			continue
		}
		if head > lastBlock {
			if err := s.ingestRange(ctx, handle, st.address, st.chain, lastBlock+1, head); err != nil {
				cancel()
				s.logger.Warn("Log ingestion failed", "chain", st.chain, "error", err)
				continue
			}
			lastBlock = head
		}
		cancel()
	}
}

func (s *Service) ingestRange(ctx context.Context, handle *rpcpool.Handle, address, chain string, from, to uint64) error {
	logs, err := handle.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(address)},
	})
	if err != nil {
		return err
	}
	for _, lg := range logs {
		s.ingest(toEvent(lg, address, chain))
	}
	return nil
}

func toEvent(lg types.Log, address, chain string) Event {
	topics := make([]string, 0, len(lg.Topics))
	for _, t := range lg.Topics {
		topics = append(topics, t.Hex())
	}
	return Event{
		ContractAddress: address,
		Chain:           chain,
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash.Hex(),
		Topics:          topics,
		Data:            common.Bytes2Hex(lg.Data),
		ObservedAt:      time.Now().UTC(),
	}
}

// ingest appends one event and fans it out to subscribers. Slow
// subscribers drop events rather than stall ingestion.
func (s *Service) ingest(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > maxIndexed {
		s.events = s.events[len(s.events)-maxIndexed:]
	}
	for sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a websocket consumer; the returned cancel must be
// called on disconnect.
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
}

// Run filters the indexed events, most recent first.
func (s *Service) Run(q Query) []Event {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if q.ContractAddress != "" && ev.ContractAddress != q.ContractAddress {
			continue
		}
		if q.Chain != "" && ev.Chain != q.Chain {
			continue
		}
		if q.FromBlock > 0 && ev.BlockNumber < q.FromBlock {
			continue
		}
		if q.ToBlock > 0 && ev.BlockNumber > q.ToBlock {
			continue
		}
		out = append(out, ev)
	}
	return out
}
