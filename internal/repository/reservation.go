package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
)

type ReservationRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Reservation, error)
	ExpireIfPending(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error)
	ListStalePending(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]model.Reservation, error)
}

type ReservationRepositoryImpl struct {
	db *DB
}

func NewReservationRepository(db *DB) *ReservationRepositoryImpl {
	return &ReservationRepositoryImpl{db: db}
}

const reservationColumns = `
	id,
	uid,
	customer_id,
	vehicle_id,
	team_id,
	status,
	reservation_source,
	created_at,
	updated_at`

// FindByID は予約を1件取得します。存在しない場合は ErrNotFound を返します
func (r *ReservationRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*model.Reservation, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ReservationRepository.FindByID")
	defer seg.Close(nil)
	seg.AddMetadata("reservation_id", id.String())

	query := `SELECT` + reservationColumns + `
		FROM reservations
		WHERE id = $1`

	var reservation model.Reservation
	if err := r.db.GetContext(ctx, &reservation, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get reservation %s: %w", id, err)
	}

	return &reservation, nil
}

// ExpireIfPending はステータスがpendingのままで、最終更新が staleBefore 以前であれば expired に更新します
// 更新件数が0件の場合(他の処理が先にステータスを変更した、または更新日時が進んだ場合)は false を返します
func (r *ReservationRepositoryImpl) ExpireIfPending(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ReservationRepository.ExpireIfPending")
	defer seg.Close(nil)
	seg.AddMetadata("reservation_id", id.String())

	query := `
		UPDATE reservations
		SET status = $1,
			updated_at = $2
		WHERE id = $3
		AND status = $4
		AND reservation_source = $5
		AND updated_at <= $6
	`

	result, err := r.db.ExecContext(ctx, query,
		model.ReservationStatusExpired,
		now,
		id,
		model.ReservationStatusPending,
		model.ReservationSourceWeb,
		staleBefore,
	)
	if err != nil {
		seg.Close(err)
		return false, fmt.Errorf("failed to expire reservation %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ListStalePending は最終更新が cutoff 以前で自動失効の対象となるpending予約を、IDの昇順で最大 limit 件取得します
// afterID より大きいIDのみを対象とするため、前ページの最後のIDを渡すことで次ページを取得できます
func (r *ReservationRepositoryImpl) ListStalePending(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]model.Reservation, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ReservationRepository.ListStalePending")
	defer seg.Close(nil)
	seg.AddMetadata("cutoff", cutoff.Format(time.RFC3339))
	seg.AddMetadata("limit", limit)

	query := `SELECT` + reservationColumns + `
		FROM reservations
		WHERE status = $1
		AND reservation_source = $2
		AND updated_at <= $3
		AND id > $4
		ORDER BY id ASC
		LIMIT $5`

	var reservations []model.Reservation
	if err := r.db.SelectContext(ctx, &reservations, query,
		model.ReservationStatusPending,
		model.ReservationSourceWeb,
		cutoff,
		afterID,
		limit,
	); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query stale pending reservations: %w", err)
	}

	return reservations, nil
}
