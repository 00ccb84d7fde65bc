// Package app wires configuration, storage and services into a runnable
// server. cmd/server and the CLI share it.
package app

import (
	"context"
	"net/http"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/handlers"
	"adpilot/internal/middleware"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// App 持有全部已装配的服务
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	Logger *logrus.Logger

	Hub           *services.NotificationHub
	Notifications *services.NotificationService
	Rules         *services.RuleService
	Snapshots     *services.MetricsSnapshotService
	Settings      *services.TenantSettingsService
	Logs          *services.AutomationLogService
	Executor      *services.ExecutionService
	Council       *services.CouncilConsultant
	Automation    *services.AutomationService
	Ingest        *services.WebhookIngestService
	DeadLetters   *services.DeadLetterService
	Impact        *services.ImpactAnalyzer
	Scheduler     *services.Scheduler

	version string
}

// New 装配服务；redisClient 可以为 nil
func New(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, version string, logger *logrus.Logger) *App {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &App{Config: cfg, DB: db, Redis: redisClient, Logger: logger, version: version}

	a.Hub = services.NewNotificationHub(logger)
	a.Notifications = services.NewNotificationService(db, a.Hub, logger)
	var notifier services.NotificationSink = a.Notifications
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.WebhookURL != "" {
		notifier = services.MultiNotifier{a.Notifications, services.NewSlackNotifier(cfg.Notify.Slack)}
	}

	var cache services.KillSwitchCache
	if redisClient != nil {
		cache = services.NewRedisKillSwitchCache(redisClient, cfg.Redis.CacheTTL)
	}

	a.Rules = services.NewRuleService(db, logger)
	a.Snapshots = services.NewMetricsSnapshotService(db, logger)
	a.Settings = services.NewTenantSettingsService(db, cache, logger)
	a.Logs = services.NewAutomationLogService(db, notifier, logger)
	a.Logs.SetClaimTTL(cfg.Automation.ClaimTTL)

	var platform services.AdPlatform
	if cfg.AdPlatform.Endpoint != "" {
		platform = services.NewHTTPAdPlatform(cfg.AdPlatform)
	} else {
		logger.Warn("ad platform endpoint not configured, approved actions are only logged")
		platform = services.NewLoggingAdPlatform(logger)
	}
	a.Executor = services.NewExecutionService(a.Logs, platform, notifier, logger)
	a.Executor.SetExecutionTimeout(cfg.Automation.ExecutionTimeout)

	deps := services.AutomationServiceDeps{
		Rules:      a.Rules,
		Tenants:    a.Rules,
		Metrics:    a.Snapshots,
		KillSwitch: a.Settings,
		Logs:       a.Logs,
		Executor:   a.Executor,
		Automation: cfg.Automation,
		Guardrails: cfg.Guardrails,
		Logger:     logger,
	}
	if cfg.Council.Enabled && cfg.AI.OpenAI.APIKey != "" {
		a.Council = services.NewCouncilConsultant(services.NewOpenAITextGenerator(cfg.AI.OpenAI, logger), a.Settings, cfg.Council, logger)
		deps.Consultant = a.Council
	} else {
		logger.Info("council consultation disabled")
	}
	a.Automation = services.NewAutomationService(deps)

	a.Ingest = services.NewWebhookIngestService(a.Snapshots, logger)
	a.DeadLetters = services.NewDeadLetterService(db, a.Ingest, notifier, cfg.DeadLetter, logger)
	a.Impact = services.NewImpactAnalyzer(a.Logs, a.Snapshots, cfg.Automation.ImpactDelay, logger)
	a.Scheduler = services.NewScheduler(a.Automation, a.Snapshots, a.Impact, a.DeadLetters,
		cfg.Automation.Interval, cfg.DeadLetter.SweepInterval, logger)
	return a
}

// Router 构建 HTTP 路由
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	var breaker handlers.BreakerStatsProvider
	if a.Council != nil {
		breaker = a.Council
	}
	health := handlers.NewHealthHandler(a.DB, a.Redis, breaker, a.version, a.Logger)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RequireTenant())

	// webhook 由上游平台调用，不走控制台鉴权
	handlers.RegisterWebhookRoutes(v1, handlers.NewWebhookHandler(a.Ingest, a.DeadLetters, a.Logger))

	notifications := handlers.NewNotificationHandler(a.Notifications, a.Hub, a.Logger)
	v1.GET("/ws", notifications.WebSocket)

	api := v1.Group("")
	api.Use(middleware.AuthMiddleware(cfg.Security.JWT))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.Rules, a.Logs, a.Executor, a.Automation, a.Settings, a.Logger))
	handlers.RegisterDeadLetterRoutes(api, handlers.NewDeadLetterHandler(a.DeadLetters, a.Logger))
	handlers.RegisterNotificationRoutes(api, notifications)
	return r
}

// Serve 启动推送 hub、调度器与 HTTP 服务，ctx 结束后优雅关闭
func (a *App) Serve(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.Hub.Run(ctx)
	if a.Config.Automation.Enabled {
		go a.Scheduler.Start(ctx)
	} else {
		a.Logger.Info("automation scheduler disabled")
	}

	srv := &http.Server{Addr: addr, Handler: a.Router()}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.Logger.Info("Server exited")
	return nil
}

// Close 释放数据库与 redis 连接
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
