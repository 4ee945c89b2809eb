package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugbot-io/bugbot/pkg/models"
)

func newTestScan(t *testing.T, startedAt time.Time) *models.Scan {
	t.Helper()
	scan := models.NewScan(models.Target{
		Kind: models.TargetGitURL,
		URL:  "https://github.com/example/vault",
	}, "ethereum", models.ScanConfig{})
	scan.StartedAt = startedAt
	return scan
}

// storeUnderTest runs the shared contract suite against one implementation.
func storeUnderTest(t *testing.T, s ScanStore) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get unknown", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	scan := newTestScan(t, base)
	require.NoError(t, s.Create(ctx, scan))

	t.Run("duplicate create", func(t *testing.T) {
		assert.ErrorIs(t, s.Create(ctx, scan), ErrAlreadyExists)
	})

	t.Run("roundtrip", func(t *testing.T) {
		got, err := s.Get(ctx, scan.ScanID)
		require.NoError(t, err)
		assert.Equal(t, scan.ScanID, got.ScanID)
		assert.Equal(t, models.ScanStatusPending, got.Status)
		assert.Equal(t, "https://github.com/example/vault", got.Target.URL)
	})

	t.Run("update is visible and returns the new record", func(t *testing.T) {
		updated, err := s.Update(ctx, scan.ScanID, func(sc *models.Scan) {
			sc.Status = models.ScanStatusRunning
			sc.Progress = 30
			sc.CurrentStage = models.StageStatic
		})
		require.NoError(t, err)
		assert.Equal(t, models.ScanStatusRunning, updated.Status)
		assert.Equal(t, 30, updated.Progress)

		got, err := s.Get(ctx, scan.ScanID)
		require.NoError(t, err)
		assert.Equal(t, models.StageStatic, got.CurrentStage)
	})

	t.Run("update unknown", func(t *testing.T) {
		_, err := s.Update(ctx, "nope", func(*models.Scan) {})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list is most-recent-first with limit and status filter", func(t *testing.T) {
		newer := newTestScan(t, base.Add(time.Hour))
		newest := newTestScan(t, base.Add(2*time.Hour))
		newest.Status = models.ScanStatusCompleted
		require.NoError(t, s.Create(ctx, newer))
		require.NoError(t, s.Create(ctx, newest))

		all, err := s.List(ctx, 0, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, newest.ScanID, all[0].ScanID)
		assert.Equal(t, newer.ScanID, all[1].ScanID)
		assert.Equal(t, scan.ScanID, all[2].ScanID)

		limited, err := s.List(ctx, 2, "")
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		completed, err := s.List(ctx, 0, models.ScanStatusCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, newest.ScanID, completed[0].ScanID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, scan.ScanID))
		_, err := s.Get(ctx, scan.ScanID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, scan.ScanID), ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	scan := newTestScan(t, time.Now().UTC())
	require.NoError(t, s.Create(ctx, scan))

	// Mutating the caller's copy must not leak into the store.
	scan.Status = models.ScanStatusFailed
	got, err := s.Get(ctx, scan.ScanID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusPending, got.Status)

	got.Progress = 99
	again, err := s.Get(ctx, scan.ScanID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Progress)
}

func TestMemoryStoreGC(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := newTestScan(t, time.Now().UTC().Add(-48*time.Hour))
	old.Status = models.ScanStatusCompleted
	done := old.StartedAt.Add(time.Minute)
	old.CompletedAt = &done

	fresh := newTestScan(t, time.Now().UTC())
	fresh.Status = models.ScanStatusCompleted
	now := time.Now().UTC()
	fresh.CompletedAt = &now

	running := newTestScan(t, time.Now().UTC().Add(-48*time.Hour))
	running.Status = models.ScanStatusRunning

	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, fresh))
	require.NoError(t, s.Create(ctx, running))

	assert.Equal(t, 1, s.GC(ctx, 24*time.Hour))

	_, err := s.Get(ctx, old.ScanID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, fresh.ScanID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, running.ScanID)
	assert.NoError(t, err, "non-terminal scans are never swept")
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storeUnderTest(t, s)
}

func TestRedisStorePrunesExpiredIndexEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	scan := newTestScan(t, time.Now().UTC())
	require.NoError(t, s.Create(ctx, scan))

	// Expire the record but leave the index entry behind.
	mr.FastForward(scanTTL + time.Minute)

	got, err := s.List(ctx, 0, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}
