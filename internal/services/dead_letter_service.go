package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"adpilot/internal/config"
	appmetrics "adpilot/internal/metrics"
	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultMaxPayloadBytes = 10240
	DefaultMaxRetries      = 3
)

var (
	ErrDeadLetterNotFound = errors.New("dead letter item not found")
	// ErrRetryNotAllowed 仅 pending 且 retry_count < 上限时允许重试
	ErrRetryNotAllowed = errors.New("dead letter item cannot be retried")
)

// WebhookProcessor re-runs webhook ingestion for a stored payload.
type WebhookProcessor interface {
	Process(ctx context.Context, tenantID, source string, payload []byte) error
}

// DeadLetterService stores failed webhook deliveries and re-drives them.
// Items that hit the retry ceiling stay pending until SweepExhausted or an
// operator abandons them.
type DeadLetterService struct {
	db              *gorm.DB
	processor       WebhookProcessor
	notifier        NotificationSink
	maxPayloadBytes int
	maxRetries      int
	logger          *logrus.Logger
	now             func() time.Time
}

func NewDeadLetterService(db *gorm.DB, processor WebhookProcessor, notifier NotificationSink, cfg config.DeadLetterConfig, logger *logrus.Logger) *DeadLetterService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &DeadLetterService{
		db:              db,
		processor:       processor,
		notifier:        notifier,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		maxRetries:      cfg.MaxRetries,
		logger:          logger,
		now:             time.Now,
	}
	if s.maxPayloadBytes <= 0 {
		s.maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	return s
}

// DeadLetterListRequest 死信列表请求
type DeadLetterListRequest struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
	Source   string `form:"source"`
}

// Enqueue stores a failed delivery. Payloads larger than the limit are cut,
// never rejected.
func (s *DeadLetterService) Enqueue(ctx context.Context, tenantID, source, deliveryID string, payload []byte, cause error) (*models.DeadLetterItem, error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	item := &models.DeadLetterItem{
		TenantID:   tenantID,
		Source:     source,
		DeliveryID: deliveryID,
		Payload:    string(TruncatePayload(payload, s.maxPayloadBytes)),
		Error:      errMsg,
		RetryCount: 0,
		Status:     models.DeadLetterPending,
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue dead letter: %w", err)
	}
	appmetrics.DeadLetters.WithLabelValues("enqueued").Inc()
	s.logger.Warnf("webhook %s for tenant %s dead-lettered as %d: %s", source, tenantID, item.ID, errMsg)

	notifyBestEffort(ctx, s.notifier, s.logger, &models.InAppNotification{
		TenantID: tenantID,
		Type:     NotificationDeadLetter,
		Title:    "Webhook delivery failed",
		Message:  fmt.Sprintf("A %s webhook could not be processed: %s", source, errMsg),
		Data:     datatypes.JSONMap{"dead_letter_id": item.ID, "source": source},
	})
	return item, nil
}

// TruncatePayload cuts payload to at most max bytes. The cut backs off to a
// rune boundary so the stored text stays valid UTF-8.
func TruncatePayload(payload []byte, max int) []byte {
	if len(payload) <= max {
		return payload
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return payload[:cut]
}

// Get 获取租户下的死信
func (s *DeadLetterService) Get(ctx context.Context, tenantID string, id uint) (*models.DeadLetterItem, error) {
	var item models.DeadLetterItem
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter: %w", err)
	}
	return &item, nil
}

func (s *DeadLetterService) List(ctx context.Context, tenantID string, req *DeadLetterListRequest) ([]models.DeadLetterItem, int64, error) {
	page, pageSize := normalizePage(req.Page, req.PageSize)
	query := s.db.WithContext(ctx).Model(&models.DeadLetterItem{}).Where("tenant_id = ?", tenantID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.Source != "" {
		query = query.Where("source = ?", req.Source)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	var items []models.DeadLetterItem
	if err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return items, total, nil
}

// CanRetry 是否允许手动重试
func (s *DeadLetterService) CanRetry(item *models.DeadLetterItem) bool {
	return item.Status == models.DeadLetterPending && item.RetryCount < s.maxRetries
}

// Retry re-runs ingestion with the stored payload. Success resolves the item;
// failure increments retry_count and records the new error. The returned
// error is ErrRetryNotAllowed when the item may not be retried, otherwise
// the ingestion error (the item itself was updated).
func (s *DeadLetterService) Retry(ctx context.Context, tenantID string, id uint) (*models.DeadLetterItem, error) {
	item, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !s.CanRetry(item) {
		return item, fmt.Errorf("%w: status=%s retry_count=%d", ErrRetryNotAllowed, item.Status, item.RetryCount)
	}

	appmetrics.DeadLetters.WithLabelValues("retried").Inc()
	procErr := s.processor.Process(ctx, item.TenantID, item.Source, []byte(item.Payload))
	now := s.now()

	updates := map[string]interface{}{"last_retry_at": now}
	if procErr == nil {
		updates["status"] = models.DeadLetterResolved
		updates["resolved_at"] = now
	} else {
		updates["retry_count"] = item.RetryCount + 1
		updates["error"] = procErr.Error()
	}
	// 以 retry_count 作为乐观锁，避免并发重试重复计数
	res := s.db.WithContext(ctx).Model(&models.DeadLetterItem{}).
		Where("id = ? AND status = ? AND retry_count = ?", item.ID, models.DeadLetterPending, item.RetryCount).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update dead letter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: item %d changed during retry", ErrRetryNotAllowed, item.ID)
	}

	updated, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if procErr != nil {
		s.logger.Warnf("dead letter %d retry %d/%d failed: %v", item.ID, updated.RetryCount, s.maxRetries, procErr)
		return updated, procErr
	}
	appmetrics.DeadLetters.WithLabelValues("resolved").Inc()
	s.logger.Infof("dead letter %d resolved", item.ID)
	return updated, nil
}

// Abandon marks a pending item as abandoned. No retries are possible after.
func (s *DeadLetterService) Abandon(ctx context.Context, tenantID string, id uint) (*models.DeadLetterItem, error) {
	res := s.db.WithContext(ctx).Model(&models.DeadLetterItem{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.DeadLetterPending).
		Update("status", models.DeadLetterAbandoned)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to abandon dead letter: %w", res.Error)
	}
	item, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return item, fmt.Errorf("%w: status=%s", ErrRetryNotAllowed, item.Status)
	}
	appmetrics.DeadLetters.WithLabelValues("abandoned").Inc()
	return item, nil
}

// SweepExhausted abandons every pending item that reached the retry ceiling
// and returns how many were changed.
func (s *DeadLetterService) SweepExhausted(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.DeadLetterItem{}).
		Where("status = ? AND retry_count >= ?", models.DeadLetterPending, s.maxRetries).
		Update("status", models.DeadLetterAbandoned)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep dead letters: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		appmetrics.DeadLetters.WithLabelValues("abandoned").Add(float64(res.RowsAffected))
		s.logger.Infof("abandoned %d exhausted dead letters", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
