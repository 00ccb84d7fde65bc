package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const snapshotDateLayout = "2006-01-02"

// MetricsProvider supplies current metrics and daily history for a tenant.
// GetCurrentMetrics returns nil, nil when the tenant has nothing yet.
type MetricsProvider interface {
	GetCurrentMetrics(ctx context.Context, tenantID string) (*models.TenantMetrics, error)
	GetHistory(ctx context.Context, tenantID string, days int) ([]models.MetricsSnapshot, error)
}

// MetricsSnapshotService 维护租户当前指标与每日快照
type MetricsSnapshotService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewMetricsSnapshotService(db *gorm.DB, logger *logrus.Logger) *MetricsSnapshotService {
	if logger == nil {
		logger = logrus.New()
	}
	return &MetricsSnapshotService{db: db, logger: logger, now: time.Now}
}

// GetCurrentMetrics 获取租户当前指标，不存在时返回 nil
func (s *MetricsSnapshotService) GetCurrentMetrics(ctx context.Context, tenantID string) (*models.TenantMetrics, error) {
	var tm models.TenantMetrics
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&tm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current metrics: %w", err)
	}
	if len(tm.Metrics) == 0 {
		return nil, nil
	}
	return &tm, nil
}

// GetHistory returns up to the last `days` snapshots, oldest first.
func (s *MetricsSnapshotService) GetHistory(ctx context.Context, tenantID string, days int) ([]models.MetricsSnapshot, error) {
	if days <= 0 {
		return nil, nil
	}
	since := s.now().UTC().AddDate(0, 0, -days).Format(snapshotDateLayout)
	var snaps []models.MetricsSnapshot
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND date > ?", tenantID, since).
		Order("date ASC").
		Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("failed to load metrics history: %w", err)
	}
	return snaps, nil
}

// UpsertCurrentMetrics merges incoming metric values into the tenant's
// current metrics. A nil gap keeps the stored gap.
func (s *MetricsSnapshotService) UpsertCurrentMetrics(ctx context.Context, tenantID, funnelID string, metrics map[string]float64, gap *models.GapEvidence) (*models.TenantMetrics, error) {
	var out models.TenantMetrics
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ?", tenantID).First(&out).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		out.TenantID = tenantID
		if out.Metrics == nil {
			out.Metrics = make(map[string]float64, len(metrics))
		}
		for k, v := range metrics {
			out.Metrics[k] = v
		}
		if funnelID != "" {
			out.FunnelID = funnelID
		}
		if gap != nil {
			out.Gap = gap
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert current metrics: %w", err)
	}
	return &out, nil
}

// IncrementMetrics adds deltas to the tenant's current metrics and derives
// roas from revenue and spend when both exist.
func (s *MetricsSnapshotService) IncrementMetrics(ctx context.Context, tenantID string, deltas map[string]float64) (*models.TenantMetrics, error) {
	var out models.TenantMetrics
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ?", tenantID).First(&out).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		out.TenantID = tenantID
		if out.Metrics == nil {
			out.Metrics = make(map[string]float64, len(deltas))
		}
		for k, v := range deltas {
			out.Metrics[k] += v
		}
		if spend := out.Metrics["spend"]; spend > 0 {
			if revenue, ok := out.Metrics["revenue"]; ok {
				out.Metrics["roas"] = revenue / spend
			}
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment metrics: %w", err)
	}
	return &out, nil
}

// ClearGap 清除漏斗缺口（缺口已修复）
func (s *MetricsSnapshotService) ClearGap(ctx context.Context, tenantID string) error {
	return s.db.WithContext(ctx).Model(&models.TenantMetrics{}).
		Where("tenant_id = ?", tenantID).
		Select("gap").
		Updates(&models.TenantMetrics{Gap: nil}).Error
}

// CaptureDaily snapshots the tenant's current metrics for today. At most one
// snapshot exists per tenant per date; created is false when today's
// snapshot was already there or there is nothing to capture.
func (s *MetricsSnapshotService) CaptureDaily(ctx context.Context, tenantID, source string) (*models.MetricsSnapshot, bool, error) {
	current, err := s.GetCurrentMetrics(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, nil
	}
	if source == "" {
		source = models.SnapshotSourceCron
	}

	now := s.now().UTC()
	snap := &models.MetricsSnapshot{
		TenantID:   tenantID,
		Date:       now.Format(snapshotDateLayout),
		Metrics:    copyMetrics(current.Metrics),
		Source:     source,
		CapturedAt: now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(snap)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to capture snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	s.logger.Infof("captured %s metrics snapshot for tenant %s (%s)", source, tenantID, snap.Date)
	return snap, true, nil
}

// CaptureAll 为所有有指标的租户补齐当日快照，返回新建数量
func (s *MetricsSnapshotService) CaptureAll(ctx context.Context) (int, error) {
	tenants, err := s.TenantsWithMetrics(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, tenantID := range tenants {
		_, ok, err := s.CaptureDaily(ctx, tenantID, models.SnapshotSourceCron)
		if err != nil {
			s.logger.Errorf("snapshot capture failed for tenant %s: %v", tenantID, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *MetricsSnapshotService) TenantsWithMetrics(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.TenantMetrics{}).
		Order("tenant_id").
		Pluck("tenant_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return ids, nil
}

var _ MetricsProvider = (*MetricsSnapshotService)(nil)
