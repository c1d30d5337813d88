package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-rental-batch/internal/repository"
	"go.uber.org/zap"
)

// QueueScheduler はPostgreSQLの expiry_checks テーブルに再チェックを積みます
// 積まれたチェックは worker.Agent が fireAt 以降に取り出して評価します
type QueueScheduler struct {
	queue  repository.ExpiryCheckRepository
	logger *zap.Logger
}

func NewQueueScheduler(queue repository.ExpiryCheckRepository, logger *zap.Logger) *QueueScheduler {
	return &QueueScheduler{queue: queue, logger: logger}
}

// ScheduleCheck は fireAt 以降に実行されるチェックを1件積みます
func (s *QueueScheduler) ScheduleCheck(ctx context.Context, reservationID uuid.UUID, fireAt time.Time) error {
	checkID, err := s.queue.Enqueue(ctx, reservationID, fireAt)
	if err != nil {
		s.logger.Error("failed to enqueue expiry check",
			zap.String("event", "schedule_failed"),
			zap.String("reservation_id", reservationID.String()),
			zap.Time("fire_at", fireAt),
			zap.Error(err),
		)
		return fmt.Errorf("failed to schedule expiry check: %w", err)
	}

	s.logger.Debug("expiry check enqueued",
		zap.Int64("check_id", checkID),
		zap.String("reservation_id", reservationID.String()),
		zap.Time("fire_at", fireAt),
	)
	return nil
}
