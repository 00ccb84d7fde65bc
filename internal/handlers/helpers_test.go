package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adpilot/internal/config"
	"adpilot/internal/middleware"
	"adpilot/internal/models"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	db            *gorm.DB
	router        *gin.Engine
	rules         *services.RuleService
	logs          *services.AutomationLogService
	snapshots     *services.MetricsSnapshotService
	settings      *services.TenantSettingsService
	notifications *services.NotificationService
	dlq           *services.DeadLetterService
	ingest        *services.WebhookIngestService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:handlers_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestServer 不启用共识咨询，动作执行走 LoggingAdPlatform
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	log := quietLogger()

	s := &testServer{db: db}
	hub := services.NewNotificationHub(log)
	s.notifications = services.NewNotificationService(db, hub, log)
	s.rules = services.NewRuleService(db, log)
	s.snapshots = services.NewMetricsSnapshotService(db, log)
	s.settings = services.NewTenantSettingsService(db, nil, log)
	s.logs = services.NewAutomationLogService(db, s.notifications, log)
	executor := services.NewExecutionService(s.logs, services.NewLoggingAdPlatform(log), s.notifications, log)
	automation := services.NewAutomationService(services.AutomationServiceDeps{
		Rules:      s.rules,
		Tenants:    s.rules,
		Metrics:    s.snapshots,
		KillSwitch: s.settings,
		Logs:       s.logs,
		Executor:   executor,
		Automation: config.AutomationConfig{HistoryDays: 7},
		Guardrails: config.GuardrailsConfig{RecentLogLimit: 50},
		Logger:     log,
	})
	s.ingest = services.NewWebhookIngestService(s.snapshots, log)
	s.dlq = services.NewDeadLetterService(db, s.ingest, s.notifications, config.DeadLetterConfig{}, log)

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(middleware.RequireTenant())
	RegisterAutomationRoutes(api, NewAutomationHandler(s.rules, s.logs, executor, automation, s.settings, log))
	RegisterDeadLetterRoutes(api, NewDeadLetterHandler(s.dlq, log))
	RegisterWebhookRoutes(api, NewWebhookHandler(s.ingest, s.dlq, log))
	RegisterNotificationRoutes(api, NewNotificationHandler(s.notifications, hub, log))
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path, tenant string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *testServer) seedPendingLog(t *testing.T, tenant string) *models.AutomationLog {
	t.Helper()
	rule, err := s.rules.CreateRule(context.Background(), tenant, &services.AutomationRuleRequest{
		Name:    "Pause low ROAS",
		Trigger: models.AutomationTrigger{Metric: "roas", Operator: "<", Value: 1},
		Action:  models.AutomationAction{Type: models.ActionPauseAds, TargetLevel: "campaign", Platform: "meta"},
	})
	require.NoError(t, err)
	log := &models.AutomationLog{
		TenantID: tenant,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		EntityID: services.EntityIDForAction(rule.Action),
		Action:   rule.Action,
		Status:   models.LogStatusPendingApproval,
	}
	require.NoError(t, s.logs.Create(context.Background(), log))
	return log
}
