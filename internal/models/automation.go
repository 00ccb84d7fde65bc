package models

import (
	"time"

	"gorm.io/datatypes"
)

// 条件类型
const (
	ConditionMetricThreshold = "metric_threshold"
	ConditionAutopsyGap      = "autopsy_gap"
	ConditionProfitScore     = "profit_score"
	ConditionFatigueIndex    = "fatigue_index"
	ConditionTrend           = "trend"
)

const (
	LogicAND = "AND"
	LogicOR  = "OR"
)

const (
	TrendRising  = "rising"
	TrendFalling = "falling"
)

// 动作类型
const (
	ActionPauseAds     = "pause_ads"
	ActionNotify       = "notify"
	ActionAdjustBudget = "adjust_budget"
)

// AutomationLog 状态
const (
	LogStatusPendingApproval = "pending_approval"
	LogStatusExecuted        = "executed"
	LogStatusRejected        = "rejected"
	LogStatusFailed          = "failed"
)

// AutomationTrigger is the legacy single-condition trigger kept for rules
// created before composite conditions existed.
type AutomationTrigger struct {
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Value           float64 `json:"value"`
	StepType        string  `json:"step_type,omitempty"`
	TrendPeriodDays int     `json:"trend_period_days,omitempty"`
	TrendDirection  string  `json:"trend_direction,omitempty"`
}

// AsCondition converts the legacy trigger into an equivalent condition.
func (t AutomationTrigger) AsCondition() AutomationCondition {
	cond := AutomationCondition{
		Type:            ConditionMetricThreshold,
		Metric:          t.Metric,
		Operator:        t.Operator,
		Value:           t.Value,
		StepType:        t.StepType,
		TrendPeriodDays: t.TrendPeriodDays,
		TrendDirection:  t.TrendDirection,
	}
	switch {
	case t.TrendPeriodDays > 0:
		cond.Type = ConditionTrend
	case t.Metric == ConditionAutopsyGap, t.Metric == "" && t.StepType != "":
		cond.Type = ConditionAutopsyGap
	case t.Metric == ConditionProfitScore, t.Metric == ConditionFatigueIndex:
		cond.Type = t.Metric
	}
	return cond
}

// AutomationCondition 单个可测试的条件
type AutomationCondition struct {
	Type            string  `json:"type"`
	Metric          string  `json:"metric,omitempty"`
	Operator        string  `json:"operator"`
	Value           float64 `json:"value"`
	StepType        string  `json:"step_type,omitempty"`
	TrendPeriodDays int     `json:"trend_period_days,omitempty"`
	TrendDirection  string  `json:"trend_direction,omitempty"`
}

// AutomationAction 规则命中后的动作描述
type AutomationAction struct {
	Type            string  `json:"type"` // pause_ads, notify, adjust_budget
	Platform        string  `json:"platform,omitempty"`
	TargetLevel     string  `json:"target_level,omitempty"` // account, campaign, adset, ad
	AdjustmentValue float64 `json:"adjustment_value,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// RuleGuardrails 规则级安全限制
type RuleGuardrails struct {
	RequireApproval bool `json:"require_approval"`
	CooldownPeriod  int  `json:"cooldown_period"` // hours
}

// AutomationRule 租户配置的自动化规则
type AutomationRule struct {
	ID            uint                  `gorm:"primaryKey" json:"id"`
	TenantID      string                `gorm:"index;not null" json:"tenant_id"`
	Name          string                `gorm:"not null" json:"name"`
	Enabled       bool                  `gorm:"not null" json:"enabled"`
	Position      int                   `gorm:"not null" json:"position"`
	Trigger       AutomationTrigger     `gorm:"type:text;serializer:json" json:"trigger"`
	Conditions    []AutomationCondition `gorm:"type:text;serializer:json" json:"conditions,omitempty"`
	LogicOperator string                `gorm:"size:8" json:"logic_operator,omitempty"`
	Action        AutomationAction      `gorm:"type:text;serializer:json" json:"action"`
	Guardrails    RuleGuardrails        `gorm:"type:text;serializer:json" json:"guardrails"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// GapEvidence 描述规则触发原因的漏斗缺口（kill_switch 或 critical 两种形态），引擎只透传
type GapEvidence struct {
	Kind     string            `json:"kind"` // kill_switch, critical
	StepType string            `json:"step_type,omitempty"`
	Details  datatypes.JSONMap `json:"details,omitempty"`
}

// CouncilVote 单个顾问的投票
type CouncilVote struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Vote      string `json:"vote"` // approve, reject
	Reason    string `json:"reason"`
}

// CouncilDebateResult 共识咨询的解析结果
type CouncilDebateResult struct {
	RawResponse  string        `json:"raw_response"`
	Votes        []CouncilVote `json:"votes"`
	Verdict      string        `json:"verdict"`
	Confidence   int           `json:"confidence"`
	FallbackUsed bool          `json:"fallback_used"`
	ConsultedAt  time.Time     `json:"consulted_at"`
}

// AutomationLogContext 触发上下文
type AutomationLogContext struct {
	FunnelID  string               `json:"funnel_id,omitempty"`
	Gap       *GapEvidence         `json:"gap,omitempty"`
	EntityID  string               `json:"entity_id"`
	Metrics   map[string]float64   `json:"metrics,omitempty"`
	Consensus *CouncilDebateResult `json:"consensus,omitempty"`
}

// ExecutionResult 动作执行结果
type ExecutionResult struct {
	Success    bool      `json:"success"`
	ExternalID string    `json:"external_id,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ImpactAnalysis 执行前后的指标对比
type ImpactAnalysis struct {
	BeforeMetrics map[string]float64 `json:"before_metrics"`
	AfterMetrics  map[string]float64 `json:"after_metrics"`
	Delta         map[string]float64 `json:"delta"`
	Summary       string             `json:"summary"`
	MeasuredAt    time.Time          `json:"measured_at"`
}

// AutomationLog 审计/审批记录，永不删除
type AutomationLog struct {
	ID             uint                 `gorm:"primaryKey" json:"id"`
	TenantID       string               `gorm:"index;not null" json:"tenant_id"`
	RuleID         uint                 `gorm:"index;not null" json:"rule_id"`
	RuleName       string               `json:"rule_name"`
	EntityID       string               `gorm:"index;not null" json:"entity_id"`
	ActionSummary  string               `gorm:"type:text" json:"action_summary"`
	Action         AutomationAction     `gorm:"type:text;serializer:json" json:"action"`
	Status         string               `gorm:"index;not null" json:"status"`
	PendingKey     *string              `gorm:"uniqueIndex" json:"-"`
	Context        AutomationLogContext `gorm:"type:text;serializer:json" json:"context"`
	Execution      *ExecutionResult     `gorm:"type:text;serializer:json" json:"execution_result,omitempty"`
	Impact         *ImpactAnalysis      `gorm:"type:text;serializer:json" json:"impact_analysis,omitempty"`
	ImpactMeasured bool                 `gorm:"not null" json:"impact_measured"`
	ExecutedAt     *time.Time           `gorm:"index" json:"executed_at,omitempty"`
	DecidedBy      string               `json:"decided_by,omitempty"`
	DecidedAt      *time.Time           `json:"decided_at,omitempty"`
	ClaimedAt      *time.Time           `json:"-"`
	FiredAt        time.Time            `gorm:"index" json:"fired_at"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// IsTerminal 终态不可再迁移
func (l *AutomationLog) IsTerminal() bool {
	switch l.Status {
	case LogStatusExecuted, LogStatusRejected, LogStatusFailed:
		return true
	default:
		return false
	}
}
