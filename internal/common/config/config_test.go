package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SBCNTR_ENABLE_TRACING", "")

	cfg, err := LoadConfig("test-token")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.SFN.TaskToken != "test-token" {
		t.Errorf("SFN.TaskToken = %v, want %v", cfg.SFN.TaskToken, "test-token")
	}
	if cfg.DB.Host != "localhost" {
		t.Errorf("DB.Host = %v, want %v", cfg.DB.Host, "localhost")
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("DB.Port = %v, want %v", cfg.DB.Port, 5432)
	}
	if cfg.Expiry.Window != 5*time.Minute {
		t.Errorf("Expiry.Window = %v, want %v", cfg.Expiry.Window, 5*time.Minute)
	}
	if cfg.Expiry.SweepInterval != time.Minute {
		t.Errorf("Expiry.SweepInterval = %v, want %v", cfg.Expiry.SweepInterval, time.Minute)
	}
	if cfg.Expiry.SweepPageSize != 100 {
		t.Errorf("Expiry.SweepPageSize = %v, want %v", cfg.Expiry.SweepPageSize, 100)
	}
	if cfg.Expiry.Scheduler != SchedulerQueue {
		t.Errorf("Expiry.Scheduler = %v, want %v", cfg.Expiry.Scheduler, SchedulerQueue)
	}
	if cfg.Worker.RatePerSecond != 50 {
		t.Errorf("Worker.RatePerSecond = %v, want %v", cfg.Worker.RatePerSecond, 50)
	}
	if cfg.EnableTracing {
		t.Error("EnableTracing should be false by default")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("EXPIRY_WINDOW", "10m")
	t.Setenv("EXPIRY_SWEEP_PAGE_SIZE", "25")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("ENV", "LOCAL")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.DB.Host != "db.internal" {
		t.Errorf("DB.Host = %v, want %v", cfg.DB.Host, "db.internal")
	}
	if cfg.DB.Port != 6543 {
		t.Errorf("DB.Port = %v, want %v", cfg.DB.Port, 6543)
	}
	if cfg.Expiry.Window != 10*time.Minute {
		t.Errorf("Expiry.Window = %v, want %v", cfg.Expiry.Window, 10*time.Minute)
	}
	if cfg.Expiry.SweepPageSize != 25 {
		t.Errorf("Expiry.SweepPageSize = %v, want %v", cfg.Expiry.SweepPageSize, 25)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("Worker.Concurrency = %v, want %v", cfg.Worker.Concurrency, 8)
	}
	if !cfg.Local {
		t.Error("Local should be true when ENV=LOCAL")
	}
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "expiry.yaml")
	content := "EXPIRY_SWEEP_INTERVAL: 30s\nWORKER_MAX_ATTEMPTS: 3\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig("", path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Expiry.SweepInterval != 30*time.Second {
		t.Errorf("Expiry.SweepInterval = %v, want %v", cfg.Expiry.SweepInterval, 30*time.Second)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("Worker.MaxAttempts = %v, want %v", cfg.Worker.MaxAttempts, 3)
	}
}

func TestLoadConfig_Tracing(t *testing.T) {
	tests := []struct {
		name        string
		enable      string
		sdkDisabled string
		want        bool
	}{
		{name: "トレース有効", enable: "true", sdkDisabled: "", want: true},
		{name: "1でも有効", enable: "1", sdkDisabled: "", want: true},
		{name: "未設定なら無効", enable: "", sdkDisabled: "", want: false},
		{name: "SDK無効化が優先", enable: "true", sdkDisabled: "true", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SBCNTR_ENABLE_TRACING", tt.enable)
			t.Setenv("AWS_XRAY_SDK_DISABLED", tt.sdkDisabled)

			cfg, err := LoadConfig("")
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if cfg.EnableTracing != tt.want {
				t.Errorf("EnableTracing = %v, want %v", cfg.EnableTracing, tt.want)
			}
		})
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "未知のスケジューラ",
			env:     map[string]string{"EXPIRY_SCHEDULER": "cron"},
			wantErr: "unknown EXPIRY_SCHEDULER",
		},
		{
			name:    "Step FunctionsなのにARN未設定",
			env:     map[string]string{"EXPIRY_SCHEDULER": "stepfunctions"},
			wantErr: "EXPIRY_STATE_MACHINE_ARN is required",
		},
		{
			name:    "ページサイズが0",
			env:     map[string]string{"EXPIRY_SWEEP_PAGE_SIZE": "0"},
			wantErr: "EXPIRY_SWEEP_PAGE_SIZE must be positive",
		},
		{
			name:    "失効猶予が負",
			env:     map[string]string{"EXPIRY_WINDOW": "-1m"},
			wantErr: "EXPIRY_WINDOW must be positive",
		},
		{
			name:    "レート制限が負",
			env:     map[string]string{"WORKER_RATE_LIMIT": "-1"},
			wantErr: "WORKER_RATE_LIMIT must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig("")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
