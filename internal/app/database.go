package app

import (
	"fmt"

	"adpilot/internal/config"
	"adpilot/internal/models"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// DSN 组装 Postgres 连接串；dsnOverride 非空时直接使用
func DSN(cfg *config.Config, dsnOverride string) string {
	if dsnOverride != "" {
		return dsnOverride
	}
	ssl := cfg.Database.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port, ssl)
}

// OpenDatabase 连接 Postgres，启用追踪时挂载 gorm otel 插件
func OpenDatabase(cfg *config.Config, dsn string) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing: %w", err)
		}
	}
	return db, nil
}

// Migrate 自动迁移全部模型并补充复合索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_automation_logs_tenant_fired ON automation_logs(tenant_id, fired_at)",
		"CREATE INDEX IF NOT EXISTS idx_automation_logs_impact ON automation_logs(status, impact_measured, executed_at)",
		"CREATE INDEX IF NOT EXISTS idx_automation_rules_tenant_position ON automation_rules(tenant_id, enabled, position)",
		"CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant_status ON dead_letter_items(tenant_id, status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_notifications_tenant_read ON in_app_notifications(tenant_id, read, created_at)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// OpenRedis 未启用时返回 nil
func OpenRedis(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
