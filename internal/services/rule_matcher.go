package services

import (
	"fmt"
	"strings"
	"time"

	"adpilot/internal/models"
)

// CandidateAction 规则命中后生成的候选动作，尚未持久化
type CandidateAction struct {
	TenantID      string
	RuleID        uint
	Rule          models.AutomationRule
	EntityID      string
	ActionSummary string
	Context       models.AutomationLogContext
	FiredAt       time.Time
}

// EntityIDForAction derives the synthetic target entity for a rule's action.
func EntityIDForAction(action models.AutomationAction) string {
	platform := strings.ToLower(strings.TrimSpace(action.Platform))
	if platform == "" {
		platform = "all"
	}
	level := strings.ToLower(strings.TrimSpace(action.TargetLevel))
	if level == "" {
		level = "account"
	}
	return platform + ":" + level
}

// DescribeAction 生成可读的动作摘要
func DescribeAction(rule *models.AutomationRule) string {
	a := rule.Action
	target := EntityIDForAction(a)
	switch a.Type {
	case models.ActionPauseAds:
		return fmt.Sprintf("Pause ads on %s (rule %q)", target, rule.Name)
	case models.ActionAdjustBudget:
		return fmt.Sprintf("Adjust budget by %+.1f%% on %s (rule %q)", a.AdjustmentValue, target, rule.Name)
	case models.ActionNotify:
		if a.Message != "" {
			return fmt.Sprintf("Notify: %s (rule %q)", a.Message, rule.Name)
		}
		return fmt.Sprintf("Notify team about %s (rule %q)", target, rule.Name)
	default:
		return fmt.Sprintf("%s on %s (rule %q)", a.Type, target, rule.Name)
	}
}

// RuleMatcher evaluates enabled rules in stored order and emits candidates.
// Two rules aimed at the same entity both produce candidates; dedup happens
// in the guardrail filter.
type RuleMatcher struct {
	now func() time.Time
}

func NewRuleMatcher() *RuleMatcher {
	return &RuleMatcher{now: time.Now}
}

// Match 对每条启用的规则求值，命中时生成一个候选动作
func (m *RuleMatcher) Match(tenantID string, in EvaluationInput, funnelID string, rules []models.AutomationRule) []CandidateAction {
	now := m.now()
	var out []CandidateAction
	for i := range rules {
		rule := rules[i]
		if !rule.Enabled {
			continue
		}
		if !EvaluateRule(&rule, in) {
			continue
		}
		entityID := EntityIDForAction(rule.Action)
		out = append(out, CandidateAction{
			TenantID:      tenantID,
			RuleID:        rule.ID,
			Rule:          rule,
			EntityID:      entityID,
			ActionSummary: DescribeAction(&rule),
			Context: models.AutomationLogContext{
				FunnelID: funnelID,
				Gap:      in.Gap,
				EntityID: entityID,
				Metrics:  copyMetrics(in.Metrics),
			},
			FiredAt: now,
		})
	}
	return out
}

func copyMetrics(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
