package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrRuleNotFound = errors.New("automation rule not found")
	ErrInvalidRule  = errors.New("invalid automation rule")
)

// RuleStore 评估时只读取启用的规则
type RuleStore interface {
	GetEnabledRules(ctx context.Context, tenantID string) ([]models.AutomationRule, error)
}

// RuleService 规则配置 CRUD
type RuleService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRuleService(db *gorm.DB, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{db: db, logger: logger}
}

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	Name          string                       `json:"name" binding:"required"`
	Enabled       *bool                        `json:"enabled"`
	Position      int                          `json:"position"`
	Trigger       models.AutomationTrigger     `json:"trigger"`
	Conditions    []models.AutomationCondition `json:"conditions"`
	LogicOperator string                       `json:"logic_operator"`
	Action        models.AutomationAction      `json:"action"`
	Guardrails    *models.RuleGuardrails       `json:"guardrails"`
}

// GetEnabledRules returns enabled rules in stored order.
func (s *RuleService) GetEnabledRules(ctx context.Context, tenantID string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("position ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load enabled rules: %w", err)
	}
	return rules, nil
}

// ListRules 返回租户全部规则
func (s *RuleService) ListRules(ctx context.Context, tenantID string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("position ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *RuleService) GetRule(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule 新建规则
func (s *RuleService) CreateRule(ctx context.Context, tenantID string, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	rule := &models.AutomationRule{TenantID: tenantID, Enabled: true}
	applyRuleRequest(rule, req)
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.Infof("created automation rule %d (%s) for tenant %s", rule.ID, rule.Name, tenantID)
	return rule, nil
}

// UpdateRule 整体替换规则配置
func (s *RuleService) UpdateRule(ctx context.Context, tenantID string, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	applyRuleRequest(rule, req)
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return rule, nil
}

func (s *RuleService) SetEnabled(ctx context.Context, tenantID string, id uint, enabled bool) (*models.AutomationRule, error) {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("enabled", enabled)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrRuleNotFound
	}
	return s.GetRule(ctx, tenantID, id)
}

// DeleteRule 删除规则；已有审计日志保留
func (s *RuleService) DeleteRule(ctx context.Context, tenantID string, id uint) error {
	result := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// TenantsWithEnabledRules lists every tenant that has something to evaluate.
func (s *RuleService) TenantsWithEnabledRules(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("enabled = ?", true).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenants with rules: %w", err)
	}
	return ids, nil
}

func applyRuleRequest(rule *models.AutomationRule, req *AutomationRuleRequest) {
	rule.Name = strings.TrimSpace(req.Name)
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.Position = req.Position
	rule.Trigger = req.Trigger
	rule.Conditions = req.Conditions
	rule.LogicOperator = strings.ToUpper(strings.TrimSpace(req.LogicOperator))
	rule.Action = req.Action
	if req.Guardrails != nil {
		rule.Guardrails = *req.Guardrails
	} else {
		rule.Guardrails = models.RuleGuardrails{RequireApproval: true}
	}
}

// ValidateRule checks that a rule can ever be evaluated and executed.
func ValidateRule(rule *models.AutomationRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	switch rule.LogicOperator {
	case "", models.LogicAND, models.LogicOR:
	default:
		return fmt.Errorf("%w: logic operator must be AND or OR", ErrInvalidRule)
	}

	conds := rule.Conditions
	if len(conds) == 0 {
		if rule.Trigger.Metric == "" && rule.Trigger.StepType == "" {
			return fmt.Errorf("%w: a trigger or at least one condition is required", ErrInvalidRule)
		}
		conds = []models.AutomationCondition{rule.Trigger.AsCondition()}
	}
	for i, c := range conds {
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalidRule, i, err)
		}
	}

	switch rule.Action.Type {
	case models.ActionPauseAds, models.ActionNotify:
	case models.ActionAdjustBudget:
		if rule.Action.AdjustmentValue == 0 {
			return fmt.Errorf("%w: adjust_budget needs a non-zero adjustment_value", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unsupported action type %q", ErrInvalidRule, rule.Action.Type)
	}
	if rule.Guardrails.CooldownPeriod < 0 {
		return fmt.Errorf("%w: cooldown_period must not be negative", ErrInvalidRule)
	}
	return nil
}

func validateCondition(c models.AutomationCondition) error {
	if c.Type == models.ConditionAutopsyGap {
		return nil
	}
	switch c.Operator {
	case "<", ">", "<=", ">=":
	default:
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}
	switch c.Type {
	case models.ConditionMetricThreshold, "":
		if c.Metric == "" {
			return fmt.Errorf("metric is required")
		}
	case models.ConditionProfitScore, models.ConditionFatigueIndex:
	case models.ConditionTrend:
		if c.Metric == "" || c.TrendPeriodDays < 2 {
			return fmt.Errorf("trend needs a metric and a window of at least 2 days")
		}
		if c.TrendDirection != models.TrendRising && c.TrendDirection != models.TrendFalling {
			return fmt.Errorf("trend direction must be rising or falling")
		}
	default:
		return fmt.Errorf("unsupported condition type %q", c.Type)
	}
	return nil
}

var _ RuleStore = (*RuleService)(nil)
