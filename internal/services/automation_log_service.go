package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLogNotFound       = errors.New("automation log not found")
	ErrInvalidTransition = errors.New("invalid automation log status transition")
	// ErrDuplicatePending 同一 (rule, entity) 已有待审批记录
	ErrDuplicatePending = errors.New("a pending approval already exists for this rule and entity")
)

// AutomationLogService is the approval-log store. Logs are append-only:
// a log leaves pending_approval exactly once and is never deleted.
type AutomationLogService struct {
	db       *gorm.DB
	notifier NotificationSink
	logger   *logrus.Logger
	now      func() time.Time
	claimTTL time.Duration
}

// DefaultClaimTTL 认领未完成时，超过该时长后可被他人接管
const DefaultClaimTTL = 10 * time.Minute

func NewAutomationLogService(db *gorm.DB, notifier NotificationSink, logger *logrus.Logger) *AutomationLogService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationLogService{db: db, notifier: notifier, logger: logger, now: time.Now, claimTTL: DefaultClaimTTL}
}

// SetClaimTTL overrides how long an unfinished claim blocks other deciders.
func (s *AutomationLogService) SetClaimTTL(ttl time.Duration) {
	if ttl > 0 {
		s.claimTTL = ttl
	}
}

// AutomationLogListRequest 审计日志列表请求
type AutomationLogListRequest struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
	RuleID   uint   `form:"rule_id"`
}

// Create persists a new pending log. The unique pending_key column makes a
// concurrent second insert for the same rule and entity a no-op, reported
// as ErrDuplicatePending.
func (s *AutomationLogService) Create(ctx context.Context, log *models.AutomationLog) error {
	if log.Status == "" {
		log.Status = models.LogStatusPendingApproval
	}
	if log.Status != models.LogStatusPendingApproval {
		return fmt.Errorf("%w: new logs must start as %s", ErrInvalidTransition, models.LogStatusPendingApproval)
	}
	if log.FiredAt.IsZero() {
		log.FiredAt = s.now()
	}
	key := PendingKey(log.RuleID, log.EntityID)
	log.PendingKey = &key

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(log)
	if res.Error != nil {
		return fmt.Errorf("failed to create automation log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicatePending
	}

	s.logger.Infof("automation log %d pending approval (tenant=%s rule=%d entity=%s)", log.ID, log.TenantID, log.RuleID, log.EntityID)
	notifyBestEffort(ctx, s.notifier, s.logger, &models.InAppNotification{
		TenantID: log.TenantID,
		Type:     NotificationApprovalRequired,
		Title:    "Automation action needs approval",
		Message:  log.ActionSummary,
		Data:     approvalNotificationData(log),
	})
	return nil
}

func approvalNotificationData(log *models.AutomationLog) datatypes.JSONMap {
	data := datatypes.JSONMap{
		"log_id":    log.ID,
		"rule_id":   log.RuleID,
		"rule_name": log.RuleName,
		"entity_id": log.EntityID,
	}
	if c := log.Context.Consensus; c != nil {
		data["confidence"] = c.Confidence
		data["verdict"] = c.Verdict
	}
	return data
}

// Get 获取租户下的一条日志
func (s *AutomationLogService) Get(ctx context.Context, tenantID string, id uint) (*models.AutomationLog, error) {
	var log models.AutomationLog
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&log, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load automation log: %w", err)
	}
	return &log, nil
}

// ListRecent returns the most recent logs of a tenant, newest first. The
// guardrail filter works on this bounded window.
func (s *AutomationLogService) ListRecent(ctx context.Context, tenantID string, limit int) ([]models.AutomationLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var logs []models.AutomationLog
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("fired_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list recent automation logs: %w", err)
	}
	return logs, nil
}

// List 分页查询审计日志
func (s *AutomationLogService) List(ctx context.Context, tenantID string, req *AutomationLogListRequest) ([]models.AutomationLog, int64, error) {
	page, pageSize := normalizePage(req.Page, req.PageSize)
	query := s.db.WithContext(ctx).Model(&models.AutomationLog{}).Where("tenant_id = ?", tenantID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.RuleID != 0 {
		query = query.Where("rule_id = ?", req.RuleID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count automation logs: %w", err)
	}
	var logs []models.AutomationLog
	if err := query.Order("fired_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list automation logs: %w", err)
	}
	return logs, total, nil
}

// Claim marks a pending log as being decided by actor so that a concurrent
// approve or reject of the same log fails with ErrInvalidTransition. The
// log stays pending until Transition records the outcome. A claim older
// than the claim TTL may be taken over.
func (s *AutomationLogService) Claim(ctx context.Context, tenantID string, id uint, actor string) (*models.AutomationLog, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.LogStatusPendingApproval).
		Where("decided_by = ? OR claimed_at IS NULL OR claimed_at < ?", "", now.Add(-s.claimTTL)).
		Updates(map[string]interface{}{"decided_by": actor, "claimed_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim automation log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.transitionError(ctx, tenantID, id)
	}
	return s.Get(ctx, tenantID, id)
}

// ReleaseClaim 释放 actor 自己的认领，日志回到可决策状态
func (s *AutomationLogService) ReleaseClaim(ctx context.Context, tenantID string, id uint, actor string) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND tenant_id = ? AND status = ? AND decided_by = ?", id, tenantID, models.LogStatusPendingApproval, actor).
		Updates(map[string]interface{}{"decided_by": "", "claimed_at": nil})
	if res.Error != nil {
		return fmt.Errorf("failed to release automation log claim: %w", res.Error)
	}
	return nil
}

// Transition moves a pending log to a terminal status and frees its pending
// key. Only pending_approval -> executed|rejected|failed is allowed, and only
// by the claim holder unless the log is unclaimed or the claim has expired.
func (s *AutomationLogService) Transition(ctx context.Context, tenantID string, id uint, to, actor string, exec *models.ExecutionResult) (*models.AutomationLog, error) {
	switch to {
	case models.LogStatusExecuted, models.LogStatusRejected, models.LogStatusFailed:
	default:
		return nil, fmt.Errorf("%w: target status %q", ErrInvalidTransition, to)
	}

	now := s.now()
	update := models.AutomationLog{
		Status:     to,
		PendingKey: nil,
		DecidedBy:  actor,
		DecidedAt:  &now,
		ClaimedAt:  nil,
		Execution:  exec,
	}
	columns := []string{"status", "pending_key", "decided_by", "decided_at", "claimed_at"}
	if exec != nil {
		columns = append(columns, "execution")
	}
	if to == models.LogStatusExecuted {
		update.ExecutedAt = &now
		columns = append(columns, "executed_at")
	}

	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.LogStatusPendingApproval).
		Where("decided_by = ? OR decided_by = ? OR claimed_at IS NULL OR claimed_at < ?", "", actor, now.Add(-s.claimTTL)).
		Select(columns).
		Updates(&update)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update automation log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.transitionError(ctx, tenantID, id)
	}
	s.logger.Infof("automation log %d -> %s by %s", id, to, actor)
	return s.Get(ctx, tenantID, id)
}

// transitionError 区分日志不存在与状态不允许迁移
func (s *AutomationLogService) transitionError(ctx context.Context, tenantID string, id uint) error {
	current, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: log %d is already %s", ErrInvalidTransition, id, current.Status)
	}
	return fmt.Errorf("%w: log %d is being decided by %s", ErrInvalidTransition, id, current.DecidedBy)
}

// ListAwaitingImpact returns executed logs whose impact has not been measured
// and that were executed at or before cutoff.
func (s *AutomationLogService) ListAwaitingImpact(ctx context.Context, cutoff time.Time, limit int) ([]models.AutomationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []models.AutomationLog
	if err := s.db.WithContext(ctx).
		Where("status = ? AND impact_measured = ? AND executed_at <= ?", models.LogStatusExecuted, false, cutoff).
		Order("executed_at ASC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list logs awaiting impact: %w", err)
	}
	return logs, nil
}

// AttachImpact 写入影响分析，不改变状态
func (s *AutomationLogService) AttachImpact(ctx context.Context, id uint, impact *models.ImpactAnalysis) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND status = ?", id, models.LogStatusExecuted).
		Select("impact", "impact_measured").
		Updates(&models.AutomationLog{Impact: impact, ImpactMeasured: true})
	if res.Error != nil {
		return fmt.Errorf("failed to attach impact analysis: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLogNotFound
	}
	return nil
}
