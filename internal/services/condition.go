package services

import (
	"math"
	"sort"
	"strings"

	"adpilot/internal/models"
)

// EvaluationInput 条件评估所需的数据：当前指标、按日快照历史、可选的漏斗缺口
type EvaluationInput struct {
	Metrics map[string]float64
	History []models.MetricsSnapshot
	Gap     *models.GapEvidence
}

// EvaluateCondition tests a single condition. Absent data always yields false.
func EvaluateCondition(cond models.AutomationCondition, in EvaluationInput) bool {
	switch cond.Type {
	case models.ConditionMetricThreshold, "":
		return evaluateThreshold(cond.Metric, cond, in.Metrics)
	case models.ConditionProfitScore, models.ConditionFatigueIndex:
		metric := cond.Metric
		if metric == "" {
			metric = cond.Type
		}
		return evaluateThreshold(metric, cond, in.Metrics)
	case models.ConditionAutopsyGap:
		return evaluateGap(cond, in.Gap)
	case models.ConditionTrend:
		return evaluateTrend(cond, in.History)
	default:
		return false
	}
}

// EvaluateConditions applies one logic operator across a flat condition list.
// An empty list never fires.
func EvaluateConditions(conds []models.AutomationCondition, logic string, in EvaluationInput) bool {
	if len(conds) == 0 {
		return false
	}
	if strings.EqualFold(logic, models.LogicOR) {
		for _, cond := range conds {
			if EvaluateCondition(cond, in) {
				return true
			}
		}
		return false
	}
	for _, cond := range conds {
		if !EvaluateCondition(cond, in) {
			return false
		}
	}
	return true
}

// EvaluateRule 有 conditions 时优先使用，否则回退到旧版单一 trigger
func EvaluateRule(rule *models.AutomationRule, in EvaluationInput) bool {
	if rule == nil {
		return false
	}
	if len(rule.Conditions) > 0 {
		return EvaluateConditions(rule.Conditions, rule.LogicOperator, in)
	}
	return EvaluateCondition(rule.Trigger.AsCondition(), in)
}

func evaluateThreshold(metric string, cond models.AutomationCondition, metrics map[string]float64) bool {
	if metric == "" {
		return false
	}
	val, ok := metrics[metric]
	if !ok {
		return false
	}
	return compare(val, cond.Operator, cond.Value)
}

func evaluateGap(cond models.AutomationCondition, gap *models.GapEvidence) bool {
	if gap == nil {
		return false
	}
	if cond.StepType == "" {
		return true
	}
	return strings.EqualFold(gap.StepType, cond.StepType)
}

func evaluateTrend(cond models.AutomationCondition, history []models.MetricsSnapshot) bool {
	days := cond.TrendPeriodDays
	if days <= 0 || cond.Metric == "" || len(history) < days {
		return false
	}

	ordered := make([]models.MetricsSnapshot, len(history))
	copy(ordered, history)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Date < ordered[j].Date })
	window := ordered[len(ordered)-days:]

	first, ok := window[0].Metrics[cond.Metric]
	if !ok {
		return false
	}
	last, ok := window[len(window)-1].Metrics[cond.Metric]
	if !ok {
		return false
	}

	switch cond.TrendDirection {
	case models.TrendRising:
		if !(last > first) {
			return false
		}
	case models.TrendFalling:
		if !(last < first) {
			return false
		}
	default:
		return false
	}
	return compare(math.Abs(last-first), cond.Operator, cond.Value)
}

func compare(actual float64, op string, expected float64) bool {
	switch op {
	case "<":
		return actual < expected
	case ">":
		return actual > expected
	case "<=":
		return actual <= expected
	case ">=":
		return actual >= expected
	default:
		return false
	}
}

// maxTrendWindow 返回规则集中最长的趋势窗口（天）
func maxTrendWindow(rules []models.AutomationRule) int {
	max := 0
	for i := range rules {
		conds := rules[i].Conditions
		if len(conds) == 0 {
			conds = []models.AutomationCondition{rules[i].Trigger.AsCondition()}
		}
		for _, c := range conds {
			if c.Type == models.ConditionTrend && c.TrendPeriodDays > max {
				max = c.TrendPeriodDays
			}
		}
	}
	return max
}
