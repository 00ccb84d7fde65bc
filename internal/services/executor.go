package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"adpilot/internal/config"
	appmetrics "adpilot/internal/metrics"
	"adpilot/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
)

// SystemActor 自动审批时记录的操作者
const SystemActor = "system:auto"

// AdPlatform applies an action on the advertising platform and returns the
// platform's identifier for the change.
type AdPlatform interface {
	Apply(ctx context.Context, tenantID string, action models.AutomationAction) (string, error)
}

// HTTPAdPlatform posts actions to an ad-platform gateway.
type HTTPAdPlatform struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPAdPlatform(cfg config.AdPlatformConfig) *HTTPAdPlatform {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPAdPlatform{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type adPlatformRequest struct {
	TenantID        string  `json:"tenant_id"`
	Type            string  `json:"type"`
	Platform        string  `json:"platform,omitempty"`
	TargetLevel     string  `json:"target_level,omitempty"`
	AdjustmentValue float64 `json:"adjustment_value,omitempty"`
}

type adPlatformResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func (p *HTTPAdPlatform) Apply(ctx context.Context, tenantID string, action models.AutomationAction) (string, error) {
	body, err := json.Marshal(adPlatformRequest{
		TenantID:        tenantID,
		Type:            action.Type,
		Platform:        action.Platform,
		TargetLevel:     action.TargetLevel,
		AdjustmentValue: action.AdjustmentValue,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/actions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ad platform request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var out adPlatformResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("ad platform returned %d: %s", resp.StatusCode, msg)
	}
	if out.ID == "" {
		return "", fmt.Errorf("ad platform returned no id")
	}
	return out.ID, nil
}

// LoggingAdPlatform 未配置平台端点时使用：只记录日志，返回本地生成的 id
type LoggingAdPlatform struct {
	logger *logrus.Logger
}

func NewLoggingAdPlatform(logger *logrus.Logger) *LoggingAdPlatform {
	if logger == nil {
		logger = logrus.New()
	}
	return &LoggingAdPlatform{logger: logger}
}

func (p *LoggingAdPlatform) Apply(ctx context.Context, tenantID string, action models.AutomationAction) (string, error) {
	id := "dryrun-" + uuid.NewString()
	p.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"action":       action.Type,
		"platform":     action.Platform,
		"target_level": action.TargetLevel,
		"external_id":  id,
	}).Info("dry-run ad platform action")
	return id, nil
}

// ExecutionService drives approve/reject on pending logs.
type ExecutionService struct {
	logs     *AutomationLogService
	platform AdPlatform
	notifier NotificationSink
	logger   *logrus.Logger
	now      func() time.Time

	executionTimeout time.Duration
}

const (
	defaultExecutionTimeout = 2 * time.Minute
	recordTimeout           = 30 * time.Second
)

func NewExecutionService(logs *AutomationLogService, platform AdPlatform, notifier NotificationSink, logger *logrus.Logger) *ExecutionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionService{
		logs:             logs,
		platform:         platform,
		notifier:         notifier,
		logger:           logger,
		now:              time.Now,
		executionTimeout: defaultExecutionTimeout,
	}
}

// SetExecutionTimeout bounds a single platform call made by Approve.
func (s *ExecutionService) SetExecutionTimeout(d time.Duration) {
	if d > 0 {
		s.executionTimeout = d
	}
}

// Execute applies one action. notify actions never reach the ad platform.
func (s *ExecutionService) Execute(ctx context.Context, tenantID string, action models.AutomationAction) models.ExecutionResult {
	ctx, span := otel.Tracer("adpilot.automation").Start(ctx, "ExecutionService.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("action.type", action.Type),
	)

	result := models.ExecutionResult{Platform: action.Platform}
	if action.Type == models.ActionNotify {
		result.Success = true
		result.Platform = "in_app"
		result.Timestamp = s.now()
		return result
	}

	externalID, err := s.platform.Apply(ctx, tenantID, action)
	result.Timestamp = s.now()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.ExternalID = externalID
	return result
}

// Approve claims the pending log, executes its action and records the
// outcome as executed or failed. Execution errors are not retried.
// Once claimed, execution and recording no longer follow the caller's
// cancellation; they are bounded by their own timeouts instead.
func (s *ExecutionService) Approve(ctx context.Context, tenantID string, logID uint, actor string) (*models.AutomationLog, error) {
	log, err := s.logs.Claim(ctx, tenantID, logID, actor)
	if err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)

	execCtx, cancelExec := context.WithTimeout(detached, s.executionTimeout)
	result := s.Execute(execCtx, tenantID, log.Action)
	cancelExec()

	status := models.LogStatusExecuted
	if !result.Success {
		status = models.LogStatusFailed
	}
	recordCtx, cancelRecord := context.WithTimeout(detached, recordTimeout)
	defer cancelRecord()
	updated, err := s.logs.Transition(recordCtx, tenantID, logID, status, actor, &result)
	if err != nil {
		if result.Success {
			// 动作已生效但未落库：保留认领，过期后由他人处理，避免重复下发
			s.logger.Errorf("automation log %d executed (external_id=%s) but recording failed: %v", logID, result.ExternalID, err)
		} else if rerr := s.logs.ReleaseClaim(recordCtx, tenantID, logID, actor); rerr != nil {
			s.logger.Errorf("automation log %d: %v", logID, rerr)
		}
		return nil, err
	}
	appmetrics.Executions.WithLabelValues(log.Action.Type, status).Inc()

	if result.Success {
		msg := log.ActionSummary
		if log.Action.Type == models.ActionNotify && log.Action.Message != "" {
			msg = log.Action.Message
		}
		notifyBestEffort(recordCtx, s.notifier, s.logger, &models.InAppNotification{
			TenantID: tenantID,
			Type:     NotificationActionExecuted,
			Title:    "Automation action executed",
			Message:  msg,
			Data:     datatypes.JSONMap{"log_id": logID, "external_id": result.ExternalID, "approved_by": actor},
		})
	} else {
		s.logger.Warnf("automation log %d execution failed: %s", logID, result.Error)
		notifyBestEffort(recordCtx, s.notifier, s.logger, &models.InAppNotification{
			TenantID: tenantID,
			Type:     NotificationActionFailed,
			Title:    "Automation action failed",
			Message:  fmt.Sprintf("%s: %s", log.ActionSummary, result.Error),
			Data:     datatypes.JSONMap{"log_id": logID},
		})
	}
	return updated, nil
}

// Reject 拒绝待审批动作
func (s *ExecutionService) Reject(ctx context.Context, tenantID string, logID uint, actor string) (*models.AutomationLog, error) {
	return s.logs.Transition(ctx, tenantID, logID, models.LogStatusRejected, actor, nil)
}

var (
	_ AdPlatform = (*HTTPAdPlatform)(nil)
	_ AdPlatform = (*LoggingAdPlatform)(nil)
)
