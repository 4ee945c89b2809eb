// Package orchestrator drives the six-stage scan pipeline: it accepts
// scan requests, runs one supervisor goroutine per scan through the
// stage workers in fixed order, and owns every write to the scan store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/metrics"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
	"github.com/bugbot-io/bugbot/pkg/store"
)

// ErrQueueFull is returned when both the running slots and the backlog
// queue are exhausted; the HTTP layer maps it to 429.
var ErrQueueFull = errors.New("scan queue full")

// Orchestrator supervises scans. It is the sole writer of scan records.
type Orchestrator struct {
	store   store.ScanStore
	stages  *stages.Client
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan string

	mu          sync.Mutex
	cancelled   map[string]bool
	idempotency map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an orchestrator with bounded admission: cfg.MaxConcurrentScans
// worker goroutines drain a queue of cfg.ScanQueueSize pending scans.
func New(st store.ScanStore, stageClient *stages.Client, cfg *config.Config, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:       st,
		stages:      stageClient,
		cfg:         cfg,
		metrics:     m,
		logger:      slog.Default().With("component", "orchestrator"),
		queue:       make(chan string, cfg.ScanQueueSize),
		cancelled:   make(map[string]bool),
		idempotency: make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the scan workers.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.MaxConcurrentScans; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Info("Orchestrator started",
		"max_concurrent", o.cfg.MaxConcurrentScans, "queue_size", o.cfg.ScanQueueSize)
}

// Stop drains the workers. Queued scans that have not started stay
// pending in the store.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case scanID := <-o.queue:
			o.runScan(scanID)
		}
	}
}

// Submit validates and enqueues a scan. An idempotency key replays the
// scan it originally created.
func (o *Orchestrator) Submit(ctx context.Context, target models.Target, chainHint string, scanCfg models.ScanConfig, idempotencyKey string) (*models.Scan, error) {
	if idempotencyKey != "" {
		o.mu.Lock()
		if existingID, ok := o.idempotency[idempotencyKey]; ok {
			o.mu.Unlock()
			return o.store.Get(ctx, existingID)
		}
		o.mu.Unlock()
	}

	scan := models.NewScan(target, chainHint, scanCfg)
	if err := o.store.Create(ctx, scan); err != nil {
		return nil, err
	}

	select {
	case o.queue <- scan.ScanID:
	default:
		// Roll the record back so a rejected request leaves no trace.
		_ = o.store.Delete(ctx, scan.ScanID)
		return nil, ErrQueueFull
	}

	if idempotencyKey != "" {
		o.mu.Lock()
		o.idempotency[idempotencyKey] = scan.ScanID
		o.mu.Unlock()
	}
	return scan, nil
}

// Cancel flags a scan for cancellation. In-flight stage work may finish;
// no further stage starts.
func (o *Orchestrator) Cancel(ctx context.Context, scanID string) error {
	scan, err := o.store.Get(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Terminal() {
		return fmt.Errorf("%w: scan already %s", service.ErrConflict, scan.Status)
	}
	o.mu.Lock()
	o.cancelled[scanID] = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) isCancelled(scanID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[scanID]
}

func (o *Orchestrator) clearFlags(scanID string) {
	o.mu.Lock()
	delete(o.cancelled, scanID)
	o.mu.Unlock()
}

// runScan is the per-scan supervisor: stages in fixed order, cancellation
// checked between stages, fatal/partial semantics applied.
func (o *Orchestrator) runScan(scanID string) {
	ctx := context.Background()
	defer o.clearFlags(scanID)

	scan, err := o.store.Get(ctx, scanID)
	if err != nil {
		o.logger.Error("Queued scan vanished", "scan_id", scanID, "error", err)
		return
	}

	chain := scan.Target.Chain
	if chain == "" {
		chain = scan.ChainHint
	}

	if _, err := o.update(ctx, scanID, func(s *models.Scan) {
		s.Status = models.ScanStatusRunning
		clampProgress(s, 5)
	}); err != nil {
		return
	}
	o.logger.Info("Scan started", "scan_id", scanID, "target", scan.TargetURL)

	prior := make(map[models.Stage]*models.StageResult)
	for _, stage := range models.PipelineStages {
		if o.isCancelled(scanID) {
			o.finishFailed(ctx, scanID, "cancelled")
			return
		}
		if skip, reason := skipStage(stage, scan); skip {
			o.logger.Info("Stage skipped", "scan_id", scanID, "stage", stage, "reason", reason)
			continue
		}

		band := stageProgress[stage]
		if _, err := o.update(ctx, scanID, func(s *models.Scan) {
			s.CurrentStage = stage
			clampProgress(s, band.Start)
		}); err != nil {
			return
		}

		started := time.Now()
		resp, err := o.stages.Execute(ctx, stage, &stages.Request{
			ScanID: scanID,
			Chain:  chain,
			Target: scan.Target,
			Config: scan.Config,
			Prior:  prior,
		})
		elapsed := time.Since(started)

		if err != nil {
			if stage == models.StageReporting {
				// Reporting failure never demotes a scan whose triage
				// succeeded; it is recorded and the scan completes.
				o.logger.Warn("Reporting failed, completing scan anyway", "scan_id", scanID, "error", err)
				o.finishCompleted(ctx, scanID, []string{err.Error()})
				return
			}
			o.logger.Error("Stage fatal", "scan_id", scanID, "stage", stage, "error", err)
			o.finishFailed(ctx, scanID, fmt.Sprintf("stage %s: %v", stage, err))
			return
		}

		result := resp.ToStageResult(elapsed)
		prior[stage] = result
		if _, err := o.update(ctx, scanID, func(s *models.Scan) {
			s.StageResults[stage] = result
			clampProgress(s, band.End)
			if stage == models.StageTriage && result.Triage != nil {
				s.FindingsSummary = models.FindingsSummary{}
				for _, f := range result.Triage.Findings {
					s.FindingsSummary.Add(f.Severity)
				}
			}
			if stage == models.StageReporting && result.Reporting != nil {
				s.ReportErrors = append(s.ReportErrors, result.Reporting.NotifyErrors...)
			}
		}); err != nil {
			return
		}
	}

	o.finishCompleted(ctx, scanID, nil)
}

// skipStage applies the per-scan stage toggles.
func skipStage(stage models.Stage, scan *models.Scan) (bool, string) {
	switch stage {
	case models.StageFuzzing:
		if !scan.Config.FuzzingEnabled() {
			return true, "fuzzing disabled"
		}
	case models.StageMonitoring:
		if scan.Config.MonitorDuration() == 0 {
			return true, "monitor window is zero"
		}
		if scan.Target.Address == "" {
			return true, "no deployed address to watch"
		}
	}
	return false, ""
}

func (o *Orchestrator) finishCompleted(ctx context.Context, scanID string, reportErrors []string) {
	now := time.Now().UTC()
	scan, err := o.update(ctx, scanID, func(s *models.Scan) {
		s.Status = models.ScanStatusCompleted
		s.Progress = 100
		s.CurrentStage = ""
		s.CompletedAt = &now
		s.DurationSeconds = now.Sub(s.StartedAt).Seconds()
		s.ReportErrors = append(s.ReportErrors, reportErrors...)
	})
	if err != nil {
		return
	}
	if o.metrics != nil {
		o.metrics.ScanDuration.Observe(scan.DurationSeconds)
	}
	o.logger.Info("Scan completed",
		"scan_id", scanID, "duration_s", scan.DurationSeconds, "findings", scan.FindingsSummary.Total())
}

func (o *Orchestrator) finishFailed(ctx context.Context, scanID, cause string) {
	now := time.Now().UTC()
	scan, err := o.update(ctx, scanID, func(s *models.Scan) {
		s.Status = models.ScanStatusFailed
		s.Progress = 100
		s.CurrentStage = ""
		s.CompletedAt = &now
		s.DurationSeconds = now.Sub(s.StartedAt).Seconds()
		s.Error = cause
	})
	if err != nil {
		return
	}
	if o.metrics != nil {
		o.metrics.ScanDuration.Observe(scan.DurationSeconds)
	}
	o.logger.Info("Scan failed", "scan_id", scanID, "error", cause)
}

func (o *Orchestrator) update(ctx context.Context, scanID string, patch func(*models.Scan)) (*models.Scan, error) {
	scan, err := o.store.Update(ctx, scanID, patch)
	if err != nil {
		o.logger.Error("Scan record update failed", "scan_id", scanID, "error", err)
		return nil, err
	}
	return scan, nil
}
