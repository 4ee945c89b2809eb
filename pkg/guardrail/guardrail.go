// Package guardrail hosts the monitor registry and the pause request
// workflow: monitors watch deployed contracts, and a detected exploit
// pattern (or an operator) raises a pause request that must be approved
// before the configured adapter emits the pause action.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/rpcpool"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// PauseAdapter emits the intended pause action (multisig proposal,
// governance call, EOA transaction through the RPC pool). The core
// records the receipt; it never retries on its own.
type PauseAdapter interface {
	Execute(ctx context.Context, req *models.PauseRequest) (receipt string, err error)
}

// LogAdapter is the default adapter: it records the intent and succeeds.
type LogAdapter struct{}

// Execute logs the pause intent.
func (LogAdapter) Execute(_ context.Context, req *models.PauseRequest) (string, error) {
	slog.Default().Info("Pause intent recorded",
		"pause_id", req.ID, "contract", req.ContractAddress, "chain", req.Chain, "reason", req.Reason)
	return "intent:" + req.ID, nil
}

func monitorKey(address, chain string) string { return chain + ":" + address }

// Service owns monitors and pause requests.
type Service struct {
	adapter PauseAdapter
	pools   *rpcpool.Registry
	logger  *slog.Logger

	mu       sync.RWMutex
	monitors map[string]*models.Monitor
	requests map[string]*models.PauseRequest
}

// New creates a guardrail service. adapter may be nil; the LogAdapter is
// used then.
func New(adapter PauseAdapter, pools *rpcpool.Registry) *Service {
	if adapter == nil {
		adapter = LogAdapter{}
	}
	return &Service{
		adapter:  adapter,
		pools:    pools,
		logger:   slog.Default().With("component", "guardrail"),
		monitors: make(map[string]*models.Monitor),
		requests: make(map[string]*models.PauseRequest),
	}
}

// StartMonitor registers a monitor. At most one monitor may exist per
// (contract_address, chain).
func (s *Service) StartMonitor(address, chain string, autoPause bool, channels []models.NotifyChannel) (*models.Monitor, error) {
	if address == "" || chain == "" {
		return nil, service.NewValidationError("contract_address", "contract_address and chain are required")
	}
	key := monitorKey(address, chain)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[key]; ok {
		return nil, fmt.Errorf("%w: monitor already running for %s on %s", service.ErrConflict, address, chain)
	}
	m := &models.Monitor{
		ContractAddress: address,
		Chain:           chain,
		AutoPause:       autoPause,
		AlertChannels:   channels,
		StartedAt:       time.Now().UTC(),
	}
	s.monitors[key] = m
	s.logger.Info("Monitor started", "contract", address, "chain", chain, "auto_pause", autoPause)
	return m, nil
}

// StopMonitor deregisters a monitor.
func (s *Service) StopMonitor(address, chain string) error {
	key := monitorKey(address, chain)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[key]; !ok {
		return fmt.Errorf("%w: no monitor for %s on %s", service.ErrNotFound, address, chain)
	}
	delete(s.monitors, key)
	s.logger.Info("Monitor stopped", "contract", address, "chain", chain)
	return nil
}

// Monitors snapshots the registry.
func (s *Service) Monitors() []*models.Monitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m)
	}
	return out
}

// RaisePause emits a pause request. Auto-approval happens only when the
// owning monitor carries auto_pause at this moment; a later toggle never
// retroactively approves.
func (s *Service) RaisePause(ctx context.Context, address, chain, reason string, severity models.Severity, requester models.Requester) (*models.PauseRequest, error) {
	if address == "" || chain == "" {
		return nil, service.NewValidationError("contract_address", "contract_address and chain are required")
	}
	req := models.NewPauseRequest(address, chain, reason, severity, requester)

	s.mu.Lock()
	monitor := s.monitors[monitorKey(address, chain)]
	autoPause := monitor != nil && monitor.AutoPause
	if autoPause {
		now := time.Now().UTC()
		req.Status = models.PauseStatusAutoApproved
		req.DecidedAt = &now
	}
	s.requests[req.ID] = req
	s.mu.Unlock()

	s.logger.Info("Pause request raised",
		"pause_id", req.ID, "contract", address, "chain", chain, "status", req.Status)
	if autoPause {
		s.execute(ctx, req)
	}
	return s.snapshot(req.ID), nil
}

// Approve transitions pending_approval → approved and executes. Only the
// HTTP layer's admin middleware reaches this path.
func (s *Service) Approve(ctx context.Context, id string) (*models.PauseRequest, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: pause request %s", service.ErrNotFound, id)
	}
	if req.Status != models.PauseStatusPendingApproval {
		status := req.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot approve a %s pause request", service.ErrConflict, status)
	}
	now := time.Now().UTC()
	req.Status = models.PauseStatusApproved
	req.DecidedAt = &now
	s.mu.Unlock()

	s.execute(ctx, req)
	return s.snapshot(id), nil
}

// Reject transitions pending_approval → rejected. Terminal.
func (s *Service) Reject(id string) (*models.PauseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: pause request %s", service.ErrNotFound, id)
	}
	if req.Status != models.PauseStatusPendingApproval {
		return nil, fmt.Errorf("%w: cannot reject a %s pause request", service.ErrConflict, req.Status)
	}
	now := time.Now().UTC()
	req.Status = models.PauseStatusRejected
	req.DecidedAt = &now
	copied := *req
	return &copied, nil
}

// Requests snapshots all pause requests.
func (s *Service) Requests() []*models.PauseRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PauseRequest, 0, len(s.requests))
	for _, req := range s.requests {
		copied := *req
		out = append(out, &copied)
	}
	return out
}

// Get returns one pause request.
func (s *Service) Get(id string) (*models.PauseRequest, error) {
	if req := s.snapshot(id); req != nil {
		return req, nil
	}
	return nil, fmt.Errorf("%w: pause request %s", service.ErrNotFound, id)
}

// RPCStatus mirrors the pool registry status for diagnostics.
func (s *Service) RPCStatus() map[string]rpcpool.PoolStatus {
	if s.pools == nil {
		return map[string]rpcpool.PoolStatus{}
	}
	return s.pools.Status()
}

// execute runs the adapter. Failure keeps the approved status and sets
// last_error; retries are an operator decision, never automatic.
func (s *Service) execute(ctx context.Context, req *models.PauseRequest) {
	receipt, err := s.adapter.Execute(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		req.LastError = err.Error()
		s.logger.Error("Pause execution failed", "pause_id", req.ID, "error", err)
		return
	}
	now := time.Now().UTC()
	req.Status = models.PauseStatusExecuted
	req.ExecutedAt = &now
	req.LastError = ""
	s.logger.Info("Pause executed", "pause_id", req.ID, "receipt", receipt)
}

func (s *Service) snapshot(id string) *models.PauseRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil
	}
	copied := *req
	return &copied
}
