package services

import (
	"context"
	"fmt"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 通知类型
const (
	NotificationApprovalRequired = "approval_required"
	NotificationActionExecuted   = "action_executed"
	NotificationActionFailed     = "action_failed"
	NotificationDeadLetter       = "dead_letter"
)

// NotificationSink receives best-effort in-app notifications. Callers log
// and ignore its errors.
type NotificationSink interface {
	Notify(ctx context.Context, n *models.InAppNotification) error
}

// NotificationService 持久化站内通知并推送到在线控制台
type NotificationService struct {
	db     *gorm.DB
	hub    *NotificationHub
	logger *logrus.Logger
}

func NewNotificationService(db *gorm.DB, hub *NotificationHub, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, hub: hub, logger: logger}
}

func (s *NotificationService) Notify(ctx context.Context, n *models.InAppNotification) error {
	if n.TenantID == "" {
		return fmt.Errorf("notification without tenant")
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	if s.hub != nil {
		s.hub.SendToTenant(n.TenantID, "notification", n)
	}
	return nil
}

// NotificationListRequest 通知列表请求
type NotificationListRequest struct {
	Page       int  `form:"page,default=1"`
	PageSize   int  `form:"page_size,default=20"`
	UnreadOnly bool `form:"unread_only"`
}

func (s *NotificationService) List(ctx context.Context, tenantID string, req *NotificationListRequest) ([]models.InAppNotification, int64, error) {
	page, pageSize := normalizePage(req.Page, req.PageSize)
	query := s.db.WithContext(ctx).Model(&models.InAppNotification{}).Where("tenant_id = ?", tenantID)
	if req.UnreadOnly {
		query = query.Where("read = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	var items []models.InAppNotification
	if err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	return items, total, nil
}

// MarkRead 标记已读；不属于该租户时返回 gorm.ErrRecordNotFound
func (s *NotificationService) MarkRead(ctx context.Context, tenantID string, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.InAppNotification{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("read", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark notification read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// notifyBestEffort 发送通知，失败只记录日志
func notifyBestEffort(ctx context.Context, sink NotificationSink, logger *logrus.Logger, n *models.InAppNotification) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, n); err != nil {
		logger.Warnf("notification %s for tenant %s not delivered: %v", n.Type, n.TenantID, err)
	}
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

var _ NotificationSink = (*NotificationService)(nil)
