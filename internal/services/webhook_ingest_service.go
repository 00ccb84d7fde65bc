package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	appmetrics "adpilot/internal/metrics"
	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownWebhookSource = errors.New("unknown webhook source")
	ErrEmptyWebhookPayload  = errors.New("webhook payload carries no metrics")
)

// adPlatformPayload meta / instagram / google 的统一投递格式
type adPlatformPayload struct {
	FunnelID string              `json:"funnel_id"`
	Metrics  map[string]float64  `json:"metrics"`
	Gap      *models.GapEvidence `json:"gap"`
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			Amount int64 `json:"amount"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookIngestService turns provider webhooks into current tenant metrics.
type WebhookIngestService struct {
	metrics *MetricsSnapshotService
	logger  *logrus.Logger
}

func NewWebhookIngestService(metrics *MetricsSnapshotService, logger *logrus.Logger) *WebhookIngestService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookIngestService{metrics: metrics, logger: logger}
}

// IsKnownSource 是否为支持的 webhook 来源
func IsKnownSource(source string) bool {
	switch source {
	case models.WebhookSourceMeta, models.WebhookSourceInstagram, models.WebhookSourceGoogle, models.WebhookSourceStripe:
		return true
	default:
		return false
	}
}

// Process ingests one delivery. It does not dead-letter on failure; the
// HTTP entry point does that so retries never enqueue twice.
func (s *WebhookIngestService) Process(ctx context.Context, tenantID, source string, payload []byte) error {
	var err error
	switch source {
	case models.WebhookSourceMeta, models.WebhookSourceInstagram, models.WebhookSourceGoogle:
		err = s.processAdPlatform(ctx, tenantID, source, payload)
	case models.WebhookSourceStripe:
		err = s.processStripe(ctx, tenantID, payload)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownWebhookSource, source)
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	appmetrics.WebhookDeliveries.WithLabelValues(source, result).Inc()
	return err
}

func (s *WebhookIngestService) processAdPlatform(ctx context.Context, tenantID, source string, payload []byte) error {
	var p adPlatformPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", source, err)
	}
	if len(p.Metrics) == 0 && p.Gap == nil {
		return ErrEmptyWebhookPayload
	}
	for k, v := range p.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("metric %s is not a finite number", k)
		}
	}
	if _, err := s.metrics.UpsertCurrentMetrics(ctx, tenantID, p.FunnelID, p.Metrics, p.Gap); err != nil {
		return err
	}
	s.logger.Debugf("ingested %d metrics from %s for tenant %s", len(p.Metrics), source, tenantID)
	return nil
}

func (s *WebhookIngestService) processStripe(ctx context.Context, tenantID string, payload []byte) error {
	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decode stripe payload: %w", err)
	}
	amount := float64(evt.Data.Object.Amount) / 100

	var deltas map[string]float64
	switch evt.Type {
	case "charge.succeeded":
		deltas = map[string]float64{"revenue": amount, "orders": 1}
	case "charge.refunded":
		deltas = map[string]float64{"revenue": -amount, "refunds": amount}
	case "":
		return fmt.Errorf("stripe event without type")
	default:
		// 其他事件类型与指标无关
		s.logger.Debugf("ignoring stripe event %s for tenant %s", evt.Type, tenantID)
		return nil
	}
	_, err := s.metrics.IncrementMetrics(ctx, tenantID, deltas)
	return err
}

var _ WebhookProcessor = (*WebhookIngestService)(nil)
