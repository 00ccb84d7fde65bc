package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	AI         AIConfig         `mapstructure:"ai" yaml:"ai"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails" yaml:"guardrails"`
	Council    CouncilConfig    `mapstructure:"council" yaml:"council"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter" yaml:"dead_letter"`
	AdPlatform AdPlatformConfig `mapstructure:"ad_platform" yaml:"ad_platform"`
	Notify     NotifyConfig     `mapstructure:"notifications" yaml:"notifications"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	PoolSize int           `mapstructure:"pool_size" yaml:"pool_size"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type AIConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai" yaml:"openai"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AutomationConfig 规则评估调度配置
type AutomationConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxParallelTenants int           `mapstructure:"max_parallel_tenants" yaml:"max_parallel_tenants"`
	HistoryDays        int           `mapstructure:"history_days" yaml:"history_days"`
	AutoExecute        bool          `mapstructure:"auto_execute" yaml:"auto_execute"`
	ImpactDelay        time.Duration `mapstructure:"impact_delay" yaml:"impact_delay"`
	PassTimeout        time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout"`
	// ClaimTTL 审批认领超时后允许他人接管
	ClaimTTL           time.Duration `mapstructure:"claim_ttl" yaml:"claim_ttl"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`
}

type GuardrailsConfig struct {
	RecentLogLimit       int `mapstructure:"recent_log_limit" yaml:"recent_log_limit"`
	DefaultCooldownHours int `mapstructure:"default_cooldown_hours" yaml:"default_cooldown_hours"`
}

// CouncilConfig 共识咨询配置
type CouncilConfig struct {
	Enabled           bool                 `mapstructure:"enabled" yaml:"enabled"`
	Model             string               `mapstructure:"model" yaml:"model"`
	Temperature       float64              `mapstructure:"temperature" yaml:"temperature"`
	RequestsPerMinute int                  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int                  `mapstructure:"burst" yaml:"burst"`
	CircuitBreaker    CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

type DeadLetterConfig struct {
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// AdPlatformConfig 广告平台执行端点（为空时只记录日志，不真正下发）
type AdPlatformConfig struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NotifyConfig 站外通知渠道（站内通知始终开启）
type NotifyConfig struct {
	Slack SlackConfig `mapstructure:"slack" yaml:"slack"`
}

type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel"`
	// 只转发这些类型，为空时全部转发
	Types []string `mapstructure:"types" yaml:"types"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "adpilot"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
	JWT          JWTConfig          `mapstructure:"jwt" yaml:"jwt"`
}

// JWTConfig 控制台 API 的 HS256 Bearer 认证；关闭时审批人取请求体中的 actor
type JWTConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Secret  string `mapstructure:"secret" yaml:"secret"`
	Issuer  string `mapstructure:"issuer" yaml:"issuer"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool     `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int      `mapstructure:"burst" yaml:"burst"`
	KeyHeader         string   `mapstructure:"key_header" yaml:"key_header"`
	WhitelistKeys     []string `mapstructure:"whitelist_keys" yaml:"whitelist_keys"`
}

// Load 读取 viper 中的配置，未设置的字段使用默认值
func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "adpilot",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     6379,
			DB:       0,
			PoolSize: 10,
			CacheTTL: 30 * time.Second,
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.4,
				MaxTokens:   1500,
				Timeout:     60 * time.Second,
			},
		},
		Automation: AutomationConfig{
			Enabled:            true,
			Interval:           time.Hour,
			MaxParallelTenants: 4,
			HistoryDays:        14,
			AutoExecute:        false,
			ImpactDelay:        24 * time.Hour,
			PassTimeout:        10 * time.Minute,
			ClaimTTL:           10 * time.Minute,
			ExecutionTimeout:   2 * time.Minute,
		},
		Guardrails: GuardrailsConfig{
			RecentLogLimit:       200,
			DefaultCooldownHours: 24,
		},
		Council: CouncilConfig{
			Enabled:           true,
			Model:             "gpt-4o-mini",
			Temperature:       0.4,
			RequestsPerMinute: 20,
			Burst:             2,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		DeadLetter: DeadLetterConfig{
			MaxPayloadBytes: 10 * 1024,
			MaxRetries:      3,
			SweepInterval:   15 * time.Minute,
		},
		AdPlatform: AdPlatformConfig{
			Timeout: 15 * time.Second,
		},
		Notify: NotifyConfig{
			Slack: SlackConfig{
				Enabled: false,
				Types:   []string{"approval_required", "action_failed", "dead_letter"},
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/adpilot.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "adpilot",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
				KeyHeader:         "X-Tenant-ID",
			},
			JWT: JWTConfig{
				Enabled: false,
				Issuer:  "adpilot",
			},
		},
	}
}
