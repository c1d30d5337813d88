package worker

import (
	"context"
	"time"

	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
	"go.uber.org/zap"
)

// SweepRunner はpending予約の一括失効です
type SweepRunner interface {
	SweepPendingExpired(ctx context.Context) (model.SweepResult, error)
}

// Sweeper は一定間隔でスイープを実行します
// 起動直後に1回実行し、失敗してもループは止めません
type Sweeper struct {
	runner   SweepRunner
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

func NewSweeper(runner SweepRunner, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		runner:   runner,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run はコンテキストがキャンセルされるまでスイープを繰り返します
func (s *Sweeper) Run(ctx context.Context) error {
	defer close(s.done)

	s.logger.Info("expiry sweeper starting", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Done はスイーパーが停止したときに閉じられるチャネルを返します
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}

func (s *Sweeper) tick(ctx context.Context) {
	ctx, seg := utils.StartSegment(ctx, "sbcntr-rental-batch-expiry-sweep")
	defer seg.Close(nil)

	result, err := s.runner.SweepPendingExpired(ctx)
	if err != nil {
		seg.Close(err)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("expiry sweep failed",
			zap.Int("expired", result.Expired),
			zap.Int("failed", result.Failed),
			zap.Error(err),
		)
		return
	}
	if result.Failed > 0 {
		s.logger.Warn("expiry sweep finished with failures",
			zap.Int("expired", result.Expired),
			zap.Int("failed", result.Failed),
		)
	}
}
