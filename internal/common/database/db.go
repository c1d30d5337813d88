package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	pingTimeout            = 10 * time.Second
)

type DB struct {
	*sqlx.DB
}

type Config struct {
	Host     string
	Port     int
	UserName string
	Password string
	DBName   string
	// SSLMode が空の場合はホスト名から決定します
	SSLMode string
	// MaxOpenConns はワーカーの並列数とスイープが同時に使う接続数を上回るように設定します
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DSN はlib/pq形式の接続文字列を返します
func (cfg Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.UserName,
		cfg.Password,
		cfg.DBName,
		cfg.sslMode(),
	)
}

func (cfg Config) sslMode() string {
	if cfg.SSLMode != "" {
		return cfg.SSLMode
	}
	if cfg.Host == "localhost" || cfg.Host == "127.0.0.1" {
		return "disable"
	}
	return "require"
}

func (cfg Config) maxOpenConns() int {
	if cfg.MaxOpenConns > 0 {
		return cfg.MaxOpenConns
	}
	return defaultMaxOpenConns
}

func (cfg Config) connMaxLifetime() time.Duration {
	if cfg.ConnMaxLifetime > 0 {
		return cfg.ConnMaxLifetime
	}
	return defaultConnMaxLifetime
}

// NewDB はX-Rayでトレースされる接続プールを作成し、疎通を確認してから返します
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	db, err := xray.SQLContext("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database with X-Ray: %w", err)
	}

	db.SetMaxOpenConns(cfg.maxOpenConns())
	db.SetMaxIdleConns(cfg.maxOpenConns())
	db.SetConnMaxLifetime(cfg.connMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.DBName, err)
	}

	return &DB{sqlx.NewDb(db, "postgres")}, nil
}
