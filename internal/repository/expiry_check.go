package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
)

// ExpiryCheckRepository は期限切れチェックの遅延実行キューです
// 取り出したチェックは visible_after を延長するだけで削除しないため、
// ワーカーが異常終了した場合も可視性タイムアウト後に再配信されます(at-least-once)
type ExpiryCheckRepository interface {
	Enqueue(ctx context.Context, reservationID uuid.UUID, fireAt time.Time) (int64, error)
	ClaimDue(ctx context.Context, limit int, visibility time.Duration) ([]model.ExpiryCheck, error)
	Complete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, retryAt time.Time, errMsg string) error
	Discard(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

type ExpiryCheckRepositoryImpl struct {
	db  *DB
	now func() time.Time
}

func NewExpiryCheckRepository(db *DB) *ExpiryCheckRepositoryImpl {
	return &ExpiryCheckRepositoryImpl{db: db, now: time.Now}
}

// Enqueue は fireAt 以降に実行されるチェックを追加します
func (r *ExpiryCheckRepositoryImpl) Enqueue(ctx context.Context, reservationID uuid.UUID, fireAt time.Time) (int64, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCheckRepository.Enqueue")
	defer seg.Close(nil)
	seg.AddMetadata("reservation_id", reservationID.String())

	if fireAt.IsZero() {
		fireAt = r.now()
	}

	query := `
		INSERT INTO expiry_checks (
			reservation_id,
			visible_after,
			created_at
		) VALUES (
			$1, $2, $3
		)
		RETURNING id`

	var id int64
	if err := r.db.QueryRowxContext(ctx, query, reservationID, fireAt, r.now()).Scan(&id); err != nil {
		seg.Close(err)
		return 0, fmt.Errorf("failed to enqueue expiry check for reservation %s: %w", reservationID, err)
	}

	return id, nil
}

// ClaimDue は実行時刻を過ぎたチェックを最大 limit 件取り出します
// SELECT ... FOR UPDATE SKIP LOCKED で複数ワーカー間の重複取得を避け、
// 取り出したチェックの visible_after を visibility だけ先に延ばします
func (r *ExpiryCheckRepositoryImpl) ClaimDue(ctx context.Context, limit int, visibility time.Duration) ([]model.ExpiryCheck, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCheckRepository.ClaimDue")
	defer seg.Close(nil)

	if limit <= 0 {
		limit = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// コミット済みの場合は sql.ErrTxDone になるだけなので無視する
		_ = tx.Rollback()
	}()

	now := r.now()
	selectQuery := `
		SELECT id, reservation_id, visible_after, attempts, last_error, created_at, updated_at
		FROM expiry_checks
		WHERE visible_after <= $1
		ORDER BY visible_after ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	var checks []model.ExpiryCheck
	if err := tx.SelectContext(ctx, &checks, selectQuery, now, limit); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to select due expiry checks: %w", err)
	}

	if len(checks) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(checks))
	for i := range checks {
		ids[i] = checks[i].ID
	}

	updateQuery := `
		UPDATE expiry_checks
		SET visible_after = $1,
			attempts = attempts + 1,
			updated_at = $2
		WHERE id = ANY($3)`

	if _, err := tx.ExecContext(ctx, updateQuery, now.Add(visibility), now, pq.Array(ids)); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to extend visibility of expiry checks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for i := range checks {
		checks[i].Attempts++
		checks[i].VisibleAfter = now.Add(visibility)
	}

	seg.AddMetadata("claimed_count", len(checks))
	return checks, nil
}

// Complete は処理済みのチェックを削除します
func (r *ExpiryCheckRepositoryImpl) Complete(ctx context.Context, id int64) error {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCheckRepository.Complete")
	defer seg.Close(nil)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM expiry_checks WHERE id = $1`, id); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to complete expiry check %d: %w", id, err)
	}
	return nil
}

// Retry は失敗したチェックを retryAt 以降に再配信されるようにします
func (r *ExpiryCheckRepositoryImpl) Retry(ctx context.Context, id int64, retryAt time.Time, errMsg string) error {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCheckRepository.Retry")
	defer seg.Close(nil)

	query := `
		UPDATE expiry_checks
		SET visible_after = $1,
			last_error = $2,
			updated_at = $3
		WHERE id = $4`

	result, err := r.db.ExecContext(ctx, query, retryAt, errMsg, r.now(), id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to reschedule expiry check %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// 他のワーカーが既に完了させている
		log.Printf("expiry check %d was already removed from the queue", id)
	}

	return nil
}

// Discard はリトライ上限に達したチェックをキューから取り除きます
func (r *ExpiryCheckRepositoryImpl) Discard(ctx context.Context, id int64) error {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCheckRepository.Discard")
	defer seg.Close(nil)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM expiry_checks WHERE id = $1`, id); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to discard expiry check %d: %w", id, err)
	}
	return nil
}

// Count はキューに残っているチェックの件数を返します
func (r *ExpiryCheckRepositoryImpl) Count(ctx context.Context) (int64, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCheckRepository.Count")
	defer seg.Close(nil)

	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM expiry_checks`); err != nil {
		seg.Close(err)
		return 0, fmt.Errorf("failed to count expiry checks: %w", err)
	}
	return count, nil
}
