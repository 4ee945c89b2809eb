// Package mlops is the training-loop shell: it accepts labeled findings,
// runs black-box training jobs, and derives detection rules from the
// accumulated corpus. Only the contracts and returned metric shapes are
// specified; the training internals are pluggable.
package mlops

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Sample is one labeled finding in the training corpus.
type Sample struct {
	Finding models.Finding `json:"finding"`
	Label   string         `json:"label"` // "true_positive" or "false_positive"
}

// IngestReport summarizes one ingest call.
type IngestReport struct {
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	CorpusSize int `json:"corpus_size"`
}

// TrainingMetrics is the metric shape a training run returns.
type TrainingMetrics struct {
	RunID       string    `json:"run_id"`
	Samples     int       `json:"samples"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	F1          float64   `json:"f1"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// GeneratedRule is one rule derived from the corpus.
type GeneratedRule struct {
	RuleID      string             `json:"rule_id"`
	FindingType models.FindingType `json:"finding_type"`
	Support     int                `json:"support"`
	Confidence  float64            `json:"confidence"`
}

// Service holds the corpus and run history.
type Service struct {
	logger *slog.Logger

	mu      sync.RWMutex
	corpus  []Sample
	lastRun *TrainingMetrics
}

// New creates an empty mlops shell.
func New() *Service {
	return &Service{logger: slog.Default().With("component", "mlops")}
}

// Ingest adds labeled samples to the corpus.
func (s *Service) Ingest(samples []Sample) (*IngestReport, error) {
	if len(samples) == 0 {
		return nil, service.NewValidationError("samples", "at least one sample is required")
	}
	report := &IngestReport{}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		if sample.Finding.Title == "" || (sample.Label != "true_positive" && sample.Label != "false_positive") {
			report.Rejected++
			continue
		}
		s.corpus = append(s.corpus, sample)
		report.Accepted++
	}
	report.CorpusSize = len(s.corpus)
	return report, nil
}

// Train runs one black-box training pass over the corpus and returns
// its metrics. The placeholder scores reflect corpus balance until a
// real training backend is plugged in.
func (s *Service) Train() (*TrainingMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.corpus) == 0 {
		return nil, fmt.Errorf("%w: corpus is empty, ingest samples first", service.ErrConflict)
	}

	started := time.Now().UTC()
	positives := 0
	for _, sample := range s.corpus {
		if sample.Label == "true_positive" {
			positives++
		}
	}
	ratio := float64(positives) / float64(len(s.corpus))
	metrics := &TrainingMetrics{
		RunID:       uuid.NewString(),
		Samples:     len(s.corpus),
		Precision:   ratio,
		Recall:      ratio,
		F1:          ratio,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	s.lastRun = metrics
	s.logger.Info("Training run finished", "run_id", metrics.RunID, "samples", metrics.Samples)
	return metrics, nil
}

// GenerateRules derives one rule per finding type seen in true-positive
// samples, weighted by support.
func (s *Service) GenerateRules() ([]GeneratedRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRun == nil {
		return nil, fmt.Errorf("%w: no training run yet", service.ErrConflict)
	}

	support := make(map[models.FindingType]int)
	for _, sample := range s.corpus {
		if sample.Label == "true_positive" {
			support[sample.Finding.Type]++
		}
	}
	rules := make([]GeneratedRule, 0, len(support))
	for ft, n := range support {
		rules = append(rules, GeneratedRule{
			RuleID:      uuid.NewString(),
			FindingType: ft,
			Support:     n,
			Confidence:  float64(n) / float64(len(s.corpus)),
		})
	}
	return rules, nil
}
