package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
)

// newMockDB はsqlmockを使ったテスト用のDBを作成します
func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	return NewDB(sqlx.NewDb(mockDB, "postgres")), mock
}

// newTestContext はX-Rayのセグメントを持つテスト用のコンテキストを作成します
func newTestContext(t *testing.T) context.Context {
	t.Helper()

	ctx, seg := xray.BeginSegment(context.Background(), t.Name())
	t.Cleanup(func() { seg.Close(nil) })
	return ctx
}
