package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
)

// ErrNotFound は対象のレコードが存在しないことを表します
var ErrNotFound = errors.New("record not found")

type DB struct {
	*sqlx.DB
}

// NewDB は接続済みの sqlx.DB からリポジトリ用のDBを作成します
func NewDB(conn *sqlx.DB) *DB {
	return &DB{conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// GetContext wraps sqlx.DB.GetContext with X-Ray tracing
func (db *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, seg := utils.StartSubsegment(ctx, "DB.Get")
	seg.AddMetadata("query", query)

	err := db.DB.GetContext(ctx, dest, query, args...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		seg.Close(err)
		return err
	}
	seg.Close(nil)
	return err
}

// SelectContext wraps sqlx.DB.SelectContext with X-Ray tracing
func (db *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, seg := utils.StartSubsegment(ctx, "DB.Select")
	seg.AddMetadata("query", query)

	err := db.DB.SelectContext(ctx, dest, query, args...)
	seg.Close(err)
	return err
}

// ExecContext wraps sqlx.DB.ExecContext with X-Ray tracing
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, seg := utils.StartSubsegment(ctx, "DB.Exec")
	seg.AddMetadata("query", query)

	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		seg.Close(err)
		return nil, err
	}
	seg.Close(nil)
	return result, nil
}

// QueryRowxContext wraps sqlx.DB.QueryRowxContext with X-Ray tracing
func (db *DB) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	ctx, seg := utils.StartSubsegment(ctx, "DB.QueryRow")
	defer seg.Close(nil)
	seg.AddMetadata("query", query)

	return db.DB.QueryRowxContext(ctx, query, args...)
}
