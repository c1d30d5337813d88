package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/database"
)

const (
	// SchedulerQueue はPostgreSQLの遅延キューで再チェックを予約します
	SchedulerQueue = "queue"
	// SchedulerStepFunctions はStep Functionsの待機ステートで再チェックを予約します
	SchedulerStepFunctions = "stepfunctions"
)

type Config struct {
	DB  database.Config
	SFN struct {
		TaskToken       string
		StateMachineARN string
	}
	Expiry        ExpiryConfig
	Worker        WorkerConfig
	MetricsAddr   string
	LogLevel      string
	Local         bool
	EnableTracing bool
}

// ExpiryConfig は予約の自動失効に関する設定です
type ExpiryConfig struct {
	// Window は最終アクティビティから失効までの猶予です
	Window        time.Duration
	SweepInterval time.Duration
	SweepPageSize int
	Scheduler     string
}

// WorkerConfig は遅延チェックを処理するワーカーの設定です
type WorkerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	// RatePerSecond は1秒あたりに評価するチェック数の上限です。0の場合は無制限
	RatePerSecond float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USERNAME", "sbcntrapp")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "sbcntrapp")
	v.SetDefault("DB_SSL_MODE", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute)

	v.SetDefault("EXPIRY_WINDOW", 5*time.Minute)
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", time.Minute)
	v.SetDefault("EXPIRY_SWEEP_PAGE_SIZE", 100)
	v.SetDefault("EXPIRY_SCHEDULER", SchedulerQueue)
	v.SetDefault("EXPIRY_STATE_MACHINE_ARN", "")

	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("WORKER_POLL_INTERVAL", time.Second)
	v.SetDefault("WORKER_MAX_BACKOFF", 30*time.Second)
	v.SetDefault("WORKER_VISIBILITY_TIMEOUT", time.Minute)
	v.SetDefault("WORKER_MAX_ATTEMPTS", 5)
	v.SetDefault("WORKER_RATE_LIMIT", 50.0)

	v.SetDefault("METRICS_ADDR", ":9464")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "")
}

// LoadConfig は設定を読み込みます
// 環境変数を優先し、configFile が指定されていればYAMLの値で既定値を上書きします
func LoadConfig(taskToken string, configFile ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if len(configFile) > 0 && configFile[0] != "" {
		v.SetConfigFile(configFile[0])
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile[0], err)
		}
	}

	cfg := &Config{
		DB: database.Config{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			UserName: v.GetString("DB_USERNAME"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSL_MODE"),

			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Expiry: ExpiryConfig{
			Window:        v.GetDuration("EXPIRY_WINDOW"),
			SweepInterval: v.GetDuration("EXPIRY_SWEEP_INTERVAL"),
			SweepPageSize: v.GetInt("EXPIRY_SWEEP_PAGE_SIZE"),
			Scheduler:     strings.ToLower(v.GetString("EXPIRY_SCHEDULER")),
		},
		Worker: WorkerConfig{
			Concurrency:       v.GetInt("WORKER_CONCURRENCY"),
			PollInterval:      v.GetDuration("WORKER_POLL_INTERVAL"),
			MaxBackoff:        v.GetDuration("WORKER_MAX_BACKOFF"),
			VisibilityTimeout: v.GetDuration("WORKER_VISIBILITY_TIMEOUT"),
			MaxAttempts:       v.GetInt("WORKER_MAX_ATTEMPTS"),
			RatePerSecond:     v.GetFloat64("WORKER_RATE_LIMIT"),
		},
		MetricsAddr:   v.GetString("METRICS_ADDR"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		Local:         v.GetString("ENV") == "LOCAL",
		EnableTracing: false,
	}
	cfg.SFN.TaskToken = taskToken
	cfg.SFN.StateMachineARN = v.GetString("EXPIRY_STATE_MACHINE_ARN")

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の整合性をチェックします
func (c *Config) Validate() error {
	if c.Expiry.Window <= 0 {
		return fmt.Errorf("EXPIRY_WINDOW must be positive, got %v", c.Expiry.Window)
	}
	if c.Expiry.SweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive, got %v", c.Expiry.SweepInterval)
	}
	if c.Expiry.SweepPageSize <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_PAGE_SIZE must be positive, got %d", c.Expiry.SweepPageSize)
	}

	switch c.Expiry.Scheduler {
	case SchedulerQueue:
	case SchedulerStepFunctions:
		if c.SFN.StateMachineARN == "" {
			return fmt.Errorf("EXPIRY_STATE_MACHINE_ARN is required when EXPIRY_SCHEDULER=%s", SchedulerStepFunctions)
		}
	default:
		return fmt.Errorf("unknown EXPIRY_SCHEDULER %q", c.Expiry.Scheduler)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.RatePerSecond < 0 {
		return fmt.Errorf("WORKER_RATE_LIMIT must not be negative, got %v", c.Worker.RatePerSecond)
	}

	return nil
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}
