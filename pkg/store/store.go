// Package store holds scan records. The orchestrator is the sole writer
// per scan; everything else only reads. The in-memory store is the
// default; a Redis-backed store is selectable for deployments that want
// records to survive a process restart.
package store

import (
	"context"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Sentinel store errors. Both carry a taxonomy tag so service.MapError
// translates them at the HTTP edge instead of logging a 500.
var (
	// ErrNotFound is returned for unknown scan IDs.
	ErrNotFound = service.Sentinel("scan not found", service.ErrNotFound)

	// ErrAlreadyExists is returned when creating a duplicate scan ID.
	ErrAlreadyExists = service.Sentinel("scan already exists", service.ErrConflict)
)

// ScanStore is the minimal scan persistence contract. Update applies
// patch atomically with respect to other Updates of the same record.
type ScanStore interface {
	Create(ctx context.Context, scan *models.Scan) error
	Get(ctx context.Context, scanID string) (*models.Scan, error)
	List(ctx context.Context, limit int, status models.ScanStatus) ([]*models.Scan, error)
	Update(ctx context.Context, scanID string, patch func(*models.Scan)) (*models.Scan, error)
	Delete(ctx context.Context, scanID string) error
}
