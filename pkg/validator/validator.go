// Package validator reproduces finding PoCs inside ephemeral sandboxes
// and returns a verdict with a trace. Jobs flow through a bounded queue
// drained by a fixed worker pool; every sandbox is destroyed on every
// exit path, panics included.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// ErrQueueFull is returned when the job backlog is exhausted.
var ErrQueueFull = errors.New("validation queue full")

const queueFactor = 4

// Service owns the validation job queue and registry.
type Service struct {
	cfg       *config.Config
	sanitizer *Sanitizer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	root      string

	queue chan string

	mu   sync.RWMutex
	jobs map[string]*models.ValidationJob

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the validator service. Queue capacity is a small multiple
// of the worker count.
func New(cfg *config.Config, m *metrics.Metrics) (*Service, error) {
	sanitizer, err := NewSanitizer(cfg.SanitizerPatterns)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:       cfg,
		sanitizer: sanitizer,
		metrics:   m,
		logger:    slog.Default().With("component", "validator"),
		root:      os.TempDir(),
		queue:     make(chan string, cfg.MaxConcurrentValidations*queueFactor),
		jobs:      make(map[string]*models.ValidationJob),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the worker loop.
func (s *Service) Start() {
	for i := 0; i < s.cfg.MaxConcurrentValidations; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("Validator started", "max_concurrent", s.cfg.MaxConcurrentValidations)
}

// Stop drains the workers.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case jobID := <-s.queue:
			s.runJob(jobID)
		}
	}
}

// Submit validates and enqueues a job.
func (s *Service) Submit(ref models.FindingRef, finding *models.Finding, sandboxType models.SandboxType, timeoutSeconds int) (*models.ValidationJob, error) {
	if finding == nil {
		return nil, service.NewValidationError("finding", "a finding payload is required")
	}
	switch sandboxType {
	case "", models.SandboxFoundry, models.SandboxHardhat, models.SandboxDocker:
	default:
		return nil, service.NewValidationError("sandbox_type", "unknown sandbox type")
	}

	job := models.NewValidationJob(ref, finding, sandboxType, timeoutSeconds)
	s.mu.Lock()
	s.jobs[job.JobID] = job
	s.mu.Unlock()

	select {
	case s.queue <- job.JobID:
	default:
		s.mu.Lock()
		delete(s.jobs, job.JobID)
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	return s.snapshot(job.JobID), nil
}

// Cancel cancels a job that has not started yet.
func (s *Service) Cancel(jobID string) (*models.ValidationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", service.ErrNotFound, jobID)
	}
	if job.Status != models.JobStatusQueued {
		return nil, fmt.Errorf("%w: cannot cancel a %s job", service.ErrConflict, job.Status)
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	copied := *job
	return &copied, nil
}

// Get returns one job.
func (s *Service) Get(jobID string) (*models.ValidationJob, error) {
	if job := s.snapshot(jobID); job != nil {
		return job, nil
	}
	return nil, fmt.Errorf("%w: job %s", service.ErrNotFound, jobID)
}

// List returns jobs most-recent-first.
func (s *Service) List() []*models.ValidationJob {
	s.mu.RLock()
	out := make([]*models.ValidationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Mark appends an operator verdict to a completed job. The original
// verdict is never mutated.
func (s *Service) Mark(jobID string, isValid bool, confidence float64) (*models.ValidationJob, error) {
	if confidence < 0 || confidence > 1 {
		return nil, service.NewValidationError("confidence", "must be in [0, 1]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", service.ErrNotFound, jobID)
	}
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: operator verdicts require a completed job, not %s", service.ErrConflict, job.Status)
	}
	job.OperatorVerdicts = append(job.OperatorVerdicts, models.OperatorVerdict{
		IsValid:    isValid,
		Confidence: confidence,
		MarkedAt:   time.Now().UTC(),
	})
	copied := *job
	return &copied, nil
}

// runJob executes one job. The sandbox is destroyed on every exit path.
func (s *Service) runJob(jobID string) {
	job := s.snapshot(jobID)
	if job == nil || job.Status != models.JobStatusQueued {
		return
	}

	now := time.Now().UTC()
	s.patch(jobID, func(j *models.ValidationJob) {
		j.Status = models.JobStatusRunning
		j.StartedAt = &now
	})

	sb, err := newSandbox(s.root)
	if err != nil {
		s.fail(jobID, "sandbox creation failed")
		return
	}
	defer func() {
		sb.destroy()
		if r := recover(); r != nil {
			s.logger.Error("Validation panicked", "job_id", jobID, "panic", r)
			s.fail(jobID, "internal error")
		}
	}()

	poc := renderPoC(job.Finding)

	if err := s.sanitizer.Check(poc); err != nil {
		s.logger.Warn("PoC rejected by sanitizer", "job_id", jobID, "error", err)
		s.fail(jobID, "unsafe poc")
		return
	}
	if !s.cfg.LiveAllowed() && referencesLiveRPC(poc) {
		s.complete(jobID, false, 0, "", "live RPC attempted")
		return
	}

	if err := sb.writePoC(poc); err != nil {
		s.fail(jobID, "sandbox write failed")
		return
	}

	trace, ok, err := sb.run(context.Background(), job.SandboxType, time.Duration(job.TimeoutSeconds)*time.Second)
	if errors.Is(err, context.DeadlineExceeded) {
		s.patch(jobID, func(j *models.ValidationJob) { j.ExecutionTrace = trace })
		s.fail(jobID, "timeout")
		return
	}
	if err != nil {
		s.logger.Warn("Sandbox harness failed", "job_id", jobID, "error", err)
		s.fail(jobID, "sandbox harness unavailable")
		return
	}

	confidence := 0.3
	if ok {
		confidence = 0.85
	}
	s.complete(jobID, ok, confidence, trace, "")
}

func (s *Service) complete(jobID string, isValid bool, confidence float64, trace, errMsg string) {
	now := time.Now().UTC()
	s.patch(jobID, func(j *models.ValidationJob) {
		j.Status = models.JobStatusCompleted
		j.IsValid = &isValid
		j.Confidence = &confidence
		j.ExecutionTrace = trace
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	})
	s.observe("completed")
	s.logger.Info("Validation completed", "job_id", jobID, "is_valid", isValid, "confidence", confidence)
}

func (s *Service) fail(jobID, errMsg string) {
	now := time.Now().UTC()
	s.patch(jobID, func(j *models.ValidationJob) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	})
	s.observe("failed")
	s.logger.Info("Validation failed", "job_id", jobID, "error", errMsg)
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ValidatorJobs.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) patch(jobID string, fn func(*models.ValidationJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		fn(job)
	}
}

func (s *Service) snapshot(jobID string) *models.ValidationJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}
