package database

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantSSLMode string
	}{
		{
			name:        "localhostはSSL無効",
			cfg:         Config{Host: "localhost", Port: 5432, UserName: "app", Password: "pw", DBName: "rental"},
			wantSSLMode: "sslmode=disable",
		},
		{
			name:        "リモートホストはSSL必須",
			cfg:         Config{Host: "db.example.com", Port: 5432, UserName: "app", Password: "pw", DBName: "rental"},
			wantSSLMode: "sslmode=require",
		},
		{
			name:        "明示的な指定を優先",
			cfg:         Config{Host: "db.example.com", Port: 5432, UserName: "app", Password: "pw", DBName: "rental", SSLMode: "verify-full"},
			wantSSLMode: "sslmode=verify-full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.cfg.DSN()
			if !strings.HasSuffix(dsn, tt.wantSSLMode) {
				t.Errorf("DSN() = %q, want suffix %q", dsn, tt.wantSSLMode)
			}
			if !strings.Contains(dsn, "host="+tt.cfg.Host) {
				t.Errorf("DSN() = %q, want host %q", dsn, tt.cfg.Host)
			}
		})
	}
}

func TestConfig_PoolDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.maxOpenConns(); got != defaultMaxOpenConns {
		t.Errorf("maxOpenConns() = %d, want %d", got, defaultMaxOpenConns)
	}
	if got := cfg.connMaxLifetime(); got != defaultConnMaxLifetime {
		t.Errorf("connMaxLifetime() = %v, want %v", got, defaultConnMaxLifetime)
	}

	cfg.MaxOpenConns = 8
	cfg.ConnMaxLifetime = time.Minute
	if got := cfg.maxOpenConns(); got != 8 {
		t.Errorf("maxOpenConns() = %d, want 8", got)
	}
	if got := cfg.connMaxLifetime(); got != time.Minute {
		t.Errorf("connMaxLifetime() = %v, want %v", got, time.Minute)
	}
}
