package services

import (
	"fmt"
	"testing"

	"adpilot/internal/models"

	"github.com/stretchr/testify/assert"
)

func snapshots(metric string, values ...float64) []models.MetricsSnapshot {
	out := make([]models.MetricsSnapshot, 0, len(values))
	for i, v := range values {
		out = append(out, models.MetricsSnapshot{
			TenantID: "t1",
			Date:     fmt.Sprintf("2026-01-%02d", i+1),
			Metrics:  map[string]float64{metric: v},
		})
	}
	return out
}

func TestEvaluateCondition_MissingMetricIsFalse(t *testing.T) {
	in := EvaluationInput{Metrics: map[string]float64{"cpa": 12}}
	for _, typ := range []string{models.ConditionMetricThreshold, models.ConditionProfitScore, models.ConditionFatigueIndex} {
		for _, op := range []string{"<", ">", "<=", ">="} {
			cond := models.AutomationCondition{Type: typ, Metric: "roas", Operator: op, Value: 1}
			assert.False(t, EvaluateCondition(cond, in), "%s %s", typ, op)
		}
	}
	assert.False(t, EvaluateCondition(models.AutomationCondition{Metric: "roas", Operator: "<", Value: 1}, EvaluationInput{}))
}

func TestEvaluateCondition_Threshold(t *testing.T) {
	in := EvaluationInput{Metrics: map[string]float64{"roas": 0.8, "profit_score": 40, "fatigue_index": 3}}
	tests := []struct {
		name string
		cond models.AutomationCondition
		want bool
	}{
		{"lt true", models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: "<", Value: 1}, true},
		{"gt false", models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: ">", Value: 1}, false},
		{"lte equal", models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: "<=", Value: 0.8}, true},
		{"gte equal", models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: ">=", Value: 0.8}, true},
		{"unknown operator", models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: "==", Value: 0.8}, false},
		{"profit score by type", models.AutomationCondition{Type: models.ConditionProfitScore, Operator: "<", Value: 50}, true},
		{"fatigue index by type", models.AutomationCondition{Type: models.ConditionFatigueIndex, Operator: ">", Value: 5}, false},
		{"unknown type", models.AutomationCondition{Type: "sentiment", Metric: "roas", Operator: "<", Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.cond, in))
		})
	}
}

func TestEvaluateCondition_AutopsyGap(t *testing.T) {
	gap := &models.GapEvidence{Kind: "critical", StepType: "checkout"}

	assert.False(t, EvaluateCondition(models.AutomationCondition{Type: models.ConditionAutopsyGap}, EvaluationInput{}))
	assert.True(t, EvaluateCondition(models.AutomationCondition{Type: models.ConditionAutopsyGap}, EvaluationInput{Gap: gap}))
	assert.True(t, EvaluateCondition(models.AutomationCondition{Type: models.ConditionAutopsyGap, StepType: "Checkout"}, EvaluationInput{Gap: gap}))
	assert.False(t, EvaluateCondition(models.AutomationCondition{Type: models.ConditionAutopsyGap, StepType: "landing"}, EvaluationInput{Gap: gap}))
}

func TestEvaluateCondition_TrendNeedsEnoughSnapshots(t *testing.T) {
	cond := models.AutomationCondition{
		Type: models.ConditionTrend, Metric: "cpa", Operator: ">", Value: 1,
		TrendPeriodDays: 7, TrendDirection: models.TrendRising,
	}
	in := EvaluationInput{History: snapshots("cpa", 10, 11, 12, 13, 20)}
	assert.False(t, EvaluateCondition(cond, in))

	in.History = snapshots("cpa", 10, 11, 12, 13, 14, 15, 20)
	assert.True(t, EvaluateCondition(cond, in))
}

func TestEvaluateCondition_TrendDirectionAndDelta(t *testing.T) {
	rising := snapshots("roas", 1.0, 1.2, 1.5)
	falling := snapshots("roas", 2.0, 1.5, 1.2)

	tests := []struct {
		name    string
		history []models.MetricsSnapshot
		dir     string
		op      string
		value   float64
		want    bool
	}{
		{"rising matches", rising, models.TrendRising, ">=", 0.5, true},
		{"rising delta too small", rising, models.TrendRising, ">", 0.6, false},
		{"rising wrong direction", falling, models.TrendRising, ">", 0, false},
		{"falling uses magnitude", falling, models.TrendFalling, ">", 0.5, true},
		{"falling wrong direction", rising, models.TrendFalling, ">", 0, false},
		{"unknown direction", rising, "sideways", ">", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := models.AutomationCondition{
				Type: models.ConditionTrend, Metric: "roas", Operator: tt.op, Value: tt.value,
				TrendPeriodDays: 3, TrendDirection: tt.dir,
			}
			assert.Equal(t, tt.want, EvaluateCondition(cond, EvaluationInput{History: tt.history}))
		})
	}
}

func TestEvaluateCondition_TrendUsesTrailingWindowInDateOrder(t *testing.T) {
	history := snapshots("roas", 5.0, 1.0, 1.1, 1.6)
	// 打乱顺序，评估时按日期排序
	history[0], history[3] = history[3], history[0]
	cond := models.AutomationCondition{
		Type: models.ConditionTrend, Metric: "roas", Operator: ">=", Value: 0.5,
		TrendPeriodDays: 3, TrendDirection: models.TrendRising,
	}
	assert.True(t, EvaluateCondition(cond, EvaluationInput{History: history}))
}

func TestEvaluateConditions_Logic(t *testing.T) {
	in := EvaluationInput{Metrics: map[string]float64{"roas": 0.8, "cpa": 40}}
	yes := models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: "<", Value: 1}
	yes2 := models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "cpa", Operator: ">", Value: 30}
	no := models.AutomationCondition{Type: models.ConditionMetricThreshold, Metric: "cpa", Operator: "<", Value: 30}

	assert.False(t, EvaluateConditions([]models.AutomationCondition{yes, no}, models.LogicAND, in))
	assert.True(t, EvaluateConditions([]models.AutomationCondition{yes, yes2}, models.LogicAND, in))
	assert.True(t, EvaluateConditions([]models.AutomationCondition{no, yes}, models.LogicOR, in))
	assert.False(t, EvaluateConditions([]models.AutomationCondition{no, no}, models.LogicOR, in))
	assert.True(t, EvaluateConditions([]models.AutomationCondition{yes, yes2}, "or", in))
	assert.True(t, EvaluateConditions([]models.AutomationCondition{yes, yes2}, "", in))
	assert.False(t, EvaluateConditions(nil, models.LogicOR, in))
	assert.False(t, EvaluateConditions([]models.AutomationCondition{}, models.LogicAND, in))
}

func TestEvaluateRule_ConditionsSupersedeTrigger(t *testing.T) {
	in := EvaluationInput{Metrics: map[string]float64{"roas": 0.8}}
	rule := &models.AutomationRule{
		Trigger: models.AutomationTrigger{Metric: "roas", Operator: "<", Value: 1},
		Conditions: []models.AutomationCondition{
			{Type: models.ConditionMetricThreshold, Metric: "roas", Operator: ">", Value: 1},
		},
	}
	assert.False(t, EvaluateRule(rule, in))

	rule.Conditions = nil
	assert.True(t, EvaluateRule(rule, in))
	assert.False(t, EvaluateRule(nil, in))
}

func TestAutomationTrigger_AsCondition(t *testing.T) {
	assert.Equal(t, models.ConditionTrend, models.AutomationTrigger{Metric: "cpa", TrendPeriodDays: 3}.AsCondition().Type)
	assert.Equal(t, models.ConditionAutopsyGap, models.AutomationTrigger{StepType: "checkout"}.AsCondition().Type)
	assert.Equal(t, models.ConditionAutopsyGap, models.AutomationTrigger{Metric: "autopsy_gap"}.AsCondition().Type)
	assert.Equal(t, models.ConditionProfitScore, models.AutomationTrigger{Metric: "profit_score"}.AsCondition().Type)
	assert.Equal(t, models.ConditionMetricThreshold, models.AutomationTrigger{Metric: "roas"}.AsCondition().Type)
}

func TestMaxTrendWindow(t *testing.T) {
	rules := []models.AutomationRule{
		{Trigger: models.AutomationTrigger{Metric: "cpa", TrendPeriodDays: 5}},
		{Conditions: []models.AutomationCondition{{Type: models.ConditionTrend, Metric: "roas", TrendPeriodDays: 21}}},
		{Trigger: models.AutomationTrigger{Metric: "roas"}},
	}
	assert.Equal(t, 21, maxTrendWindow(rules))
	assert.Equal(t, 0, maxTrendWindow(nil))
}
