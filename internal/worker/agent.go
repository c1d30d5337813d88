// Package worker は予約失効チェックを起動する常駐処理を提供します
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
	"github.com/uma-arai/sbcntr-rental-batch/internal/observability"
	"github.com/uma-arai/sbcntr-rental-batch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRetryBaseDelay = 10 * time.Second
	defaultRetryMaxDelay  = 10 * time.Minute
)

// Evaluator は予約1件の失効判定です
type Evaluator interface {
	Evaluate(ctx context.Context, reservationID uuid.UUID) (model.ExpiryDecision, error)
}

// AgentConfig は遅延チェックを処理するエージェントの設定です
type AgentConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// MaxBackoff はキューが空のときのポーリング間隔の上限です
	MaxBackoff        time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// RatePerSecond は1秒あたりに評価するチェック数の上限です。0の場合は無制限
	RatePerSecond float64
}

// Agent は expiry_checks キューから実行時刻を過ぎたチェックを取り出して評価します
type Agent struct {
	queue     repository.ExpiryCheckRepository
	evaluator Evaluator
	config    AgentConfig
	logger    *zap.Logger
	metrics   *observability.ExpiryMetrics
	limiter   *rate.Limiter
	now       func() time.Time
	done      chan struct{}
}

func NewAgent(queue repository.ExpiryCheckRepository, evaluator Evaluator, config AgentConfig, logger *zap.Logger, metrics *observability.ExpiryMetrics) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaultRetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaultRetryMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Concurrency)
	}

	return &Agent{
		queue:     queue,
		evaluator: evaluator,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		limiter:   limiter,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Run はコンテキストがキャンセルされるまでキューをポーリングします
// キャンセル後は新しいチェックを取り出さず、処理中のチェックの完了を待ってから戻ります
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("expiry check agent starting", zap.Int("concurrency", a.config.Concurrency))

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running checks to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			checks, err := a.queue.ClaimDue(ctx, availableSlots, a.config.VisibilityTimeout)
			if err != nil {
				a.logger.Error("failed to claim expiry checks", zap.Error(err))
				continue
			}

			if len(checks) == 0 {
				currentBackoff *= 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval
			a.logger.Debug("claimed expiry checks", zap.Int("count", len(checks)))

			for _, check := range checks {
				sem <- struct{}{}

				wg.Add(1)
				go func(check model.ExpiryCheck) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.process(ctx, check)
				}(check)
			}

			if len(checks) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done はエージェントが完全に停止したときに閉じられるチャネルを返します
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) process(ctx context.Context, check model.ExpiryCheck) {
	ctx, seg := utils.StartSegment(ctx, "sbcntr-rental-batch-expiry-check")
	defer seg.Close(nil)
	seg.AddMetadata("check_id", check.ID)
	seg.AddMetadata("attempt", check.Attempts)

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			// 取り出したチェックは可視性タイムアウト後に再配信される
			return
		}
	}

	// 終了処理中でもキューへの完了・リトライの書き込みは行う
	ackCtx := context.WithoutCancel(ctx)

	decision, err := a.evaluator.Evaluate(ctx, check.ReservationID)
	if err != nil {
		a.handleFailure(ackCtx, check, err)
		return
	}

	if err := a.queue.Complete(ackCtx, check.ID); err != nil {
		a.logger.Error("failed to complete expiry check",
			zap.Int64("check_id", check.ID),
			zap.String("reservation_id", check.ReservationID.String()),
			zap.Error(err),
		)
		return
	}

	a.logger.Debug("expiry check processed",
		zap.Int64("check_id", check.ID),
		zap.String("reservation_id", check.ReservationID.String()),
		zap.String("outcome", string(decision.Outcome)),
	)
}

func (a *Agent) handleFailure(ctx context.Context, check model.ExpiryCheck, cause error) {
	log := a.logger.With(
		zap.Int64("check_id", check.ID),
		zap.String("reservation_id", check.ReservationID.String()),
		zap.Int("attempt", check.Attempts),
	)
	log.Error("expiry check failed",
		zap.String("event", "failed"),
		zap.Error(cause),
		zap.Stack("stack"),
	)

	if check.Attempts >= a.config.MaxAttempts {
		a.metrics.RecordCheckFailure(ctx, true)
		if err := a.queue.Discard(ctx, check.ID); err != nil {
			log.Error("failed to discard expiry check", zap.Error(err))
			return
		}
		// 取りこぼした予約は定期スイープで失効される
		log.Error("expiry check discarded after max attempts",
			zap.Int("max_attempts", a.config.MaxAttempts),
		)
		return
	}

	a.metrics.RecordCheckFailure(ctx, false)
	retryAt := a.now().Add(RetryDelay(check.Attempts, a.config.RetryBaseDelay, a.config.RetryMaxDelay))
	if err := a.queue.Retry(ctx, check.ID, retryAt, cause.Error()); err != nil {
		log.Error("failed to reschedule expiry check", zap.Error(err))
		return
	}
	log.Info("expiry check will be retried", zap.Time("retry_at", retryAt))
}

// RetryDelay は attempt 回目の失敗後の待ち時間を返します (base * 2^(attempt-1)、上限 maxDelay)
func RetryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
