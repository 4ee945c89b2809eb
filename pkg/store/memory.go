package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
)

// MemoryStore is the default in-process scan store. Records are cloned on
// the way in and out so callers can never mutate shared state.
type MemoryStore struct {
	mu    sync.RWMutex
	scans map[string]*models.Scan
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scans: make(map[string]*models.Scan)}
}

var _ ScanStore = (*MemoryStore)(nil)

// Create stores a new scan record.
func (s *MemoryStore) Create(_ context.Context, scan *models.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scan.ScanID]; ok {
		return ErrAlreadyExists
	}
	s.scans[scan.ScanID] = cloneScan(scan)
	return nil
}

// Get returns a copy of the scan record.
func (s *MemoryStore) Get(_ context.Context, scanID string) (*models.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneScan(scan), nil
}

// List returns scans most-recent-first, optionally filtered by status.
// limit <= 0 means no limit.
func (s *MemoryStore) List(_ context.Context, limit int, status models.ScanStatus) ([]*models.Scan, error) {
	s.mu.RLock()
	out := make([]*models.Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		if status != "" && scan.Status != status {
			continue
		}
		out = append(out, cloneScan(scan))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update applies patch to the stored record under the store lock and
// returns a copy of the result.
func (s *MemoryStore) Update(_ context.Context, scanID string, patch func(*models.Scan)) (*models.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return nil, ErrNotFound
	}
	patch(scan)
	return cloneScan(scan), nil
}

// Delete removes the scan record.
func (s *MemoryStore) Delete(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scanID]; !ok {
		return ErrNotFound
	}
	delete(s.scans, scanID)
	return nil
}

// GC removes terminal scans whose completion is older than horizon and
// returns how many were swept. Running and pending scans are never touched.
func (s *MemoryStore) GC(_ context.Context, horizon time.Duration) int {
	cutoff := time.Now().UTC().Add(-horizon)
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, scan := range s.scans {
		if scan.Terminal() && scan.CompletedAt != nil && scan.CompletedAt.Before(cutoff) {
			delete(s.scans, id)
			swept++
		}
	}
	return swept
}

// cloneScan deep-copies a record through its JSON form. Scan records are
// small and this keeps the copy in lockstep with the wire shape.
func cloneScan(in *models.Scan) *models.Scan {
	raw, err := json.Marshal(in)
	if err != nil {
		// Scan contains only marshalable fields; treat failure as a bug.
		panic(err)
	}
	out := new(models.Scan)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}
