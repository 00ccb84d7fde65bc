package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
)

// MeasureImpact compares metrics before and after an executed action. Delta
// holds after-before for metrics present on both sides.
func MeasureImpact(before, after map[string]float64, measuredAt time.Time) models.ImpactAnalysis {
	delta := make(map[string]float64)
	for k, b := range before {
		if a, ok := after[k]; ok {
			delta[k] = a - b
		}
	}

	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		d := delta[k]
		if math.Abs(d) < 1e-9 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %+.2f (%s -> %s)", k, d, formatMetric(before[k]), formatMetric(after[k])))
	}
	summary := "no comparable metric changed"
	if len(parts) > 0 {
		summary = strings.Join(parts, "; ")
	}

	return models.ImpactAnalysis{
		BeforeMetrics: copyMetrics(before),
		AfterMetrics:  copyMetrics(after),
		Delta:         delta,
		Summary:       summary,
		MeasuredAt:    measuredAt,
	}
}

// ImpactAnalyzer attaches impact analyses to executed logs once the
// configured delay has passed. It never changes a log's status.
type ImpactAnalyzer struct {
	logs    *AutomationLogService
	metrics MetricsProvider
	delay   time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

func NewImpactAnalyzer(logs *AutomationLogService, metrics MetricsProvider, delay time.Duration, logger *logrus.Logger) *ImpactAnalyzer {
	if logger == nil {
		logger = logrus.New()
	}
	if delay <= 0 {
		delay = 24 * time.Hour
	}
	return &ImpactAnalyzer{logs: logs, metrics: metrics, delay: delay, logger: logger, now: time.Now}
}

// AnalyzeDue 处理所有到期的已执行日志，返回写入数量
func (a *ImpactAnalyzer) AnalyzeDue(ctx context.Context) (int, error) {
	now := a.now()
	due, err := a.logs.ListAwaitingImpact(ctx, now.Add(-a.delay), 100)
	if err != nil {
		return 0, err
	}

	measured := 0
	for i := range due {
		log := &due[i]
		current, err := a.metrics.GetCurrentMetrics(ctx, log.TenantID)
		if err != nil {
			a.logger.Warnf("impact analysis: metrics for tenant %s: %v", log.TenantID, err)
			continue
		}
		if current == nil {
			continue
		}
		impact := MeasureImpact(log.Context.Metrics, current.Metrics, now)
		if err := a.logs.AttachImpact(ctx, log.ID, &impact); err != nil {
			a.logger.Warnf("impact analysis: attach to log %d: %v", log.ID, err)
			continue
		}
		measured++
	}
	if measured > 0 {
		a.logger.Infof("attached impact analysis to %d automation logs", measured)
	}
	return measured, nil
}
