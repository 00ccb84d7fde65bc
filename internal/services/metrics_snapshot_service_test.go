package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"adpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshotService_CaptureDailyIsIdempotent(t *testing.T) {
	s := NewMetricsSnapshotService(newTestDB(t), quietLogger())
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day }

	_, created, err := s.CaptureDaily(ctx, "t1", "")
	require.NoError(t, err)
	assert.False(t, created, "nothing to capture without metrics")

	_, err = s.UpsertCurrentMetrics(ctx, "t1", "", map[string]float64{"roas": 1.4}, nil)
	require.NoError(t, err)

	snap, created, err := s.CaptureDaily(ctx, "t1", models.SnapshotSourceManual)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "2026-03-01", snap.Date)
	assert.Equal(t, models.SnapshotSourceManual, snap.Source)

	s.now = func() time.Time { return day.Add(10 * time.Hour) }
	_, created, err = s.CaptureDaily(ctx, "t1", models.SnapshotSourceCron)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	require.NoError(t, s.db.Model(&models.MetricsSnapshot{}).Where("tenant_id = ?", "t1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMetricsSnapshotService_GetHistory(t *testing.T) {
	s := NewMetricsSnapshotService(newTestDB(t), quietLogger())
	ctx := context.Background()
	today := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return today }

	for i := 9; i >= 0; i-- {
		d := today.AddDate(0, 0, -i)
		require.NoError(t, s.db.Create(&models.MetricsSnapshot{
			TenantID: "t1",
			Date:     d.Format("2006-01-02"),
			Metrics:  map[string]float64{"roas": float64(10 - i)},
			Source:   models.SnapshotSourceCron,
		}).Error)
	}

	history, err := s.GetHistory(ctx, "t1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "2026-03-08", history[0].Date)
	assert.Equal(t, "2026-03-10", history[2].Date)

	none, err := s.GetHistory(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMetricsSnapshotService_CaptureAll(t *testing.T) {
	s := NewMetricsSnapshotService(newTestDB(t), quietLogger())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.UpsertCurrentMetrics(ctx, fmt.Sprintf("t%d", i), "", map[string]float64{"spend": float64(i)}, nil)
		require.NoError(t, err)
	}
	n, err := s.CaptureAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CaptureAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMetricsSnapshotService_IncrementDerivesRoas(t *testing.T) {
	s := NewMetricsSnapshotService(newTestDB(t), quietLogger())
	ctx := context.Background()

	tm, err := s.IncrementMetrics(ctx, "t1", map[string]float64{"revenue": 50})
	require.NoError(t, err)
	assert.NotContains(t, tm.Metrics, "roas")

	tm, err = s.IncrementMetrics(ctx, "t1", map[string]float64{"spend": 25})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, tm.Metrics["roas"], 1e-9)
}
