package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
	"github.com/uma-arai/sbcntr-rental-batch/internal/observability"
	"github.com/uma-arai/sbcntr-rental-batch/internal/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultWindow は最終アクティビティから失効までの既定の猶予です
	DefaultWindow = 5 * time.Minute
	// DefaultPageSize はスイープで1回に読み込む予約の件数です
	DefaultPageSize = 100

	TriggerEvaluate = "evaluate"
	TriggerSweep    = "sweep"
)

// Scheduler は指定時刻以降に Evaluate を再実行するよう予約します
// 少なくとも1回は実行されること(at-least-once)を前提とします
type Scheduler interface {
	ScheduleCheck(ctx context.Context, reservationID uuid.UUID, fireAt time.Time) error
}

type Options struct {
	Window   time.Duration
	PageSize int
	Metrics  *observability.ExpiryMetrics
	Now      func() time.Time
}

// Coordinator はpending予約の自動失効を判定します
// 遅延チェックからの Evaluate と定期スイープの両方が同じ判定と条件付き更新を使います
type Coordinator struct {
	repo      repository.ReservationRepository
	scheduler Scheduler
	logger    *zap.Logger
	metrics   *observability.ExpiryMetrics
	window    time.Duration
	pageSize  int
	now       func() time.Time
}

func NewCoordinator(repo repository.ReservationRepository, scheduler Scheduler, logger *zap.Logger, opts Options) *Coordinator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		repo:      repo,
		scheduler: scheduler,
		logger:    logger,
		metrics:   opts.Metrics,
		window:    opts.Window,
		pageSize:  opts.PageSize,
		now:       opts.Now,
	}
}

// Evaluate は予約を1件読み直し、失効させるか、再チェックを予約するか、何もしないかを決めます
// 予約が存在しない場合やpendingでない場合はエラーではなく判定結果として返します
func (c *Coordinator) Evaluate(ctx context.Context, reservationID uuid.UUID) (model.ExpiryDecision, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCoordinator.Evaluate")
	defer seg.Close(nil)
	seg.AddMetadata("reservation_id", reservationID.String())

	log := c.logger.With(
		zap.String("trigger", TriggerEvaluate),
		zap.String("reservation_id", reservationID.String()),
	)
	decision := model.ExpiryDecision{ReservationID: reservationID}

	reservation, err := c.repo.FindByID(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("reservation not found for expiry check",
			zap.String("event", string(model.ExpiryOutcomeNotFound)),
		)
		decision.Outcome = model.ExpiryOutcomeNotFound
		c.record(ctx, seg, TriggerEvaluate, decision.Outcome)
		return decision, nil
	}
	if err != nil {
		c.logFailure(log, err)
		seg.Close(err)
		return decision, fmt.Errorf("failed to load reservation %s: %w", reservationID, err)
	}

	log = log.With(reservationFields(*reservation)...)
	decision.Status = reservation.Status

	if outcome, ok := c.guard(*reservation, log, zap.InfoLevel); !ok {
		decision.Outcome = outcome
		c.record(ctx, seg, TriggerEvaluate, outcome)
		return decision, nil
	}

	now := c.now()
	expireAt := reservation.ExpireAt(c.window)
	if now.Before(expireAt) {
		// 期限前に活動があったため、新しい期限で再チェックする
		if err := c.scheduler.ScheduleCheck(ctx, reservation.ID, expireAt); err != nil {
			c.logFailure(log, err)
			seg.Close(err)
			return decision, fmt.Errorf("failed to reschedule expiry check for reservation %s: %w", reservationID, err)
		}

		delay := expireAt.Sub(now)
		log.Info("reservation expiry check rescheduled",
			zap.String("event", string(model.ExpiryOutcomeRescheduled)),
			zap.Time("expire_at", expireAt),
			zap.Duration("delay", delay),
		)
		decision.Outcome = model.ExpiryOutcomeRescheduled
		decision.FireAt = expireAt
		decision.Delay = delay
		c.record(ctx, seg, TriggerEvaluate, decision.Outcome)
		return decision, nil
	}

	outcome, err := c.expire(ctx, *reservation, now, now.Add(-c.window), log)
	if err != nil {
		seg.Close(err)
		return decision, err
	}
	decision.Outcome = outcome
	c.record(ctx, seg, TriggerEvaluate, outcome)
	return decision, nil
}

// SweepPendingExpired は最終アクティビティから猶予を過ぎたpending予約を一括で失効させます
// 遅延チェックが失われた場合の取りこぼしを拾うためのもので、1件ごとの失敗は集計して処理を続けます
func (c *Coordinator) SweepPendingExpired(ctx context.Context) (model.SweepResult, error) {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryCoordinator.SweepPendingExpired")
	defer seg.Close(nil)

	startTime := time.Now()
	cutoff := c.now().Add(-c.window)
	log := c.logger.With(zap.String("trigger", TriggerSweep))

	var result model.SweepResult
	finish := func() {
		result.Duration = time.Since(startTime)
		c.metrics.RecordSweep(ctx, result.Duration)
		seg.AddMetadata("scanned", result.Scanned)
		seg.AddMetadata("expired", result.Expired)
		seg.AddMetadata("failed", result.Failed)
	}

	afterID := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			finish()
			seg.Close(err)
			return result, fmt.Errorf("sweep interrupted: %w", err)
		}

		page, err := c.repo.ListStalePending(ctx, cutoff, afterID, c.pageSize)
		if err != nil {
			log.Error("failed to list stale pending reservations",
				zap.String("event", "failed"),
				zap.Time("cutoff", cutoff),
				zap.Error(err),
			)
			finish()
			seg.Close(err)
			return result, fmt.Errorf("failed to list stale pending reservations: %w", err)
		}

		for _, reservation := range page {
			result.Scanned++
			c.sweepOne(ctx, reservation, cutoff, log, &result)
		}

		if len(page) < c.pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	finish()
	log.Info("expiry sweep completed",
		zap.Time("cutoff", cutoff),
		zap.Int("scanned", result.Scanned),
		zap.Int("expired", result.Expired),
		zap.Int("skipped", result.Skipped),
		zap.Int("race_lost", result.RaceLost),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (c *Coordinator) sweepOne(ctx context.Context, reservation model.Reservation, cutoff time.Time, log *zap.Logger, result *model.SweepResult) {
	log = log.With(
		zap.String("reservation_id", reservation.ID.String()),
	).With(reservationFields(reservation)...)

	// 一覧の検索条件で絞り込み済みだが、Evaluate と同じ判定を通す
	if outcome, ok := c.guard(reservation, log, zap.DebugLevel); !ok {
		result.Skipped++
		c.metrics.RecordDecision(ctx, TriggerSweep, outcome)
		return
	}

	now := c.now()
	outcome, err := c.expire(ctx, reservation, now, cutoff, log)
	if err != nil {
		result.Failed++
		return
	}

	c.metrics.RecordDecision(ctx, TriggerSweep, outcome)
	switch outcome {
	case model.ExpiryOutcomeExpired:
		result.Expired++
		result.Events = append(result.Events, model.NewReservationExpiredEvent(reservation, now))
	case model.ExpiryOutcomeRaceLost:
		result.RaceLost++
	}
}

// guard はステータスと作成経路の条件を満たさない場合に判定結果を返します
func (c *Coordinator) guard(reservation model.Reservation, log *zap.Logger, level zapcore.Level) (model.ExpiryOutcome, bool) {
	if !reservation.IsPending() {
		log.Log(level, "reservation status changed, skipping expiration",
			zap.String("event", string(model.ExpiryOutcomeStatusChanged)),
			zap.Time("checked_at", c.now()),
		)
		return model.ExpiryOutcomeStatusChanged, false
	}
	if !reservation.IsAutoExpirable() {
		log.Log(level, "reservation is not auto-expirable, skipping expiration",
			zap.String("event", string(model.ExpiryOutcomeSourceSkipped)),
		)
		return model.ExpiryOutcomeSourceSkipped, false
	}
	return "", true
}

// expire はpendingのままで最終更新が staleBefore 以前であれば失効させます
// 判定から更新までの間に他の処理がステータスや更新日時を変えた場合は race_lost を返します
func (c *Coordinator) expire(ctx context.Context, reservation model.Reservation, now, staleBefore time.Time, log *zap.Logger) (model.ExpiryOutcome, error) {
	expired, err := c.repo.ExpireIfPending(ctx, reservation.ID, now, staleBefore)
	if err != nil {
		c.logFailure(log, err)
		return "", fmt.Errorf("failed to expire reservation %s: %w", reservation.ID, err)
	}

	if !expired {
		log.Info("reservation was updated before expiration, skipping",
			zap.String("event", string(model.ExpiryOutcomeRaceLost)),
		)
		return model.ExpiryOutcomeRaceLost, nil
	}

	log.Info("reservation has been expired",
		zap.String("event", string(model.ExpiryOutcomeExpired)),
		zap.String("customer_id", reservation.CustomerID.String()),
		zap.String("vehicle_id", reservation.VehicleID.String()),
		zap.String("original_status", string(reservation.Status)),
		zap.String("new_status", string(model.ReservationStatusExpired)),
		zap.Time("expired_at", now),
	)
	return model.ExpiryOutcomeExpired, nil
}

func (c *Coordinator) logFailure(log *zap.Logger, err error) {
	log.Error("reservation expiry check failed",
		zap.String("event", "failed"),
		zap.Error(err),
		zap.Stack("stack"),
	)
}

func (c *Coordinator) record(ctx context.Context, seg *utils.Segment, trigger string, outcome model.ExpiryOutcome) {
	seg.AddMetadata("outcome", string(outcome))
	c.metrics.RecordDecision(ctx, trigger, outcome)
}

func reservationFields(r model.Reservation) []zap.Field {
	return []zap.Field{
		zap.String("uid", r.UID),
		zap.String("status", string(r.Status)),
		zap.String("source", string(r.Source)),
		zap.Time("updated_at", r.UpdatedAt),
	}
}
