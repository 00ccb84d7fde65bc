package models

import (
	"time"

	"gorm.io/datatypes"
)

// 快照来源
const (
	SnapshotSourceCron   = "cron"
	SnapshotSourceManual = "manual"
)

// MetricsSnapshot 每个租户每个自然日最多一条
type MetricsSnapshot struct {
	ID         uint               `gorm:"primaryKey" json:"id"`
	TenantID   string             `gorm:"not null;uniqueIndex:idx_snapshot_tenant_date" json:"tenant_id"`
	Date       string             `gorm:"size:10;not null;uniqueIndex:idx_snapshot_tenant_date" json:"date"` // YYYY-MM-DD
	Metrics    map[string]float64 `gorm:"type:text;serializer:json" json:"metrics"`
	Source     string             `gorm:"size:16;not null" json:"source"` // cron, manual
	CapturedAt time.Time          `json:"captured_at"`
}

// TenantMetrics 租户当前指标（由 webhook 摄取更新）
type TenantMetrics struct {
	TenantID  string             `gorm:"primaryKey" json:"tenant_id"`
	FunnelID  string             `json:"funnel_id,omitempty"`
	Metrics   map[string]float64 `gorm:"type:text;serializer:json" json:"metrics"`
	Gap       *GapEvidence       `gorm:"type:text;serializer:json" json:"gap,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// TenantSettings 租户级开关与品牌上下文
type TenantSettings struct {
	TenantID         string    `gorm:"primaryKey" json:"tenant_id"`
	KillSwitchActive bool      `gorm:"not null" json:"kill_switch_active"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`
	BrandContext     string    `gorm:"type:text" json:"brand_context,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Webhook 来源
const (
	WebhookSourceMeta      = "meta"
	WebhookSourceInstagram = "instagram"
	WebhookSourceGoogle    = "google"
	WebhookSourceStripe    = "stripe"
)

// DeadLetterItem 状态
const (
	DeadLetterPending   = "pending"
	DeadLetterResolved  = "resolved"
	DeadLetterAbandoned = "abandoned"
)

// DeadLetterItem 失败的 webhook 投递
type DeadLetterItem struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"index;not null" json:"tenant_id"`
	Source      string     `gorm:"size:16;not null" json:"source"` // meta, instagram, google, stripe
	DeliveryID  string     `gorm:"size:64;index" json:"delivery_id"`
	Payload     string     `gorm:"type:text" json:"payload"`
	Error       string     `gorm:"type:text" json:"error"`
	RetryCount  int        `gorm:"not null" json:"retry_count"`
	Status      string     `gorm:"index;not null" json:"status"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// InAppNotification 站内通知，尽力投递
type InAppNotification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	TenantID  string            `gorm:"index;not null" json:"tenant_id"`
	Type      string            `gorm:"size:32" json:"type"` // approval_required, action_executed, action_failed
	Title     string            `json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Data      datatypes.JSONMap `json:"data,omitempty"`
	Read      bool              `gorm:"not null" json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// AllModels 返回需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&AutomationRule{},
		&AutomationLog{},
		&MetricsSnapshot{},
		&TenantMetrics{},
		&TenantSettings{},
		&DeadLetterItem{},
		&InAppNotification{},
	}
}
