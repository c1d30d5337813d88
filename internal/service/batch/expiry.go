package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/config"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
	"go.uber.org/zap"
)

// TaskReporter はStep Functionsのタスクトークンへの結果通知です
type TaskReporter interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// Sweeper はpending予約の一括失効です
type Sweeper interface {
	SweepPendingExpired(ctx context.Context) (model.SweepResult, error)
}

const (
	// MaxOutputEvents は出力に含める失効予約の最大件数です
	MaxOutputEvents = 200
	// MaxTaskOutputBytes はStep Functionsが受け付けるタスク出力の上限(256KiB)です
	MaxTaskOutputBytes = 256 * 1024
)

// SweepOutput はタスク成功時にStep Functionsへ返す出力です
// 件数は常に全件を表し、expired_reservations は先頭から MaxOutputEvents 件までに切り詰めます
type SweepOutput struct {
	ExpiredCount        int                             `json:"expired_count"`
	ScannedCount        int                             `json:"scanned_count"`
	SkippedCount        int                             `json:"skipped_count"`
	FailedCount         int                             `json:"failed_count"`
	ExpiredReservations []model.ReservationExpiredEvent `json:"expired_reservations"`
	EventsTruncated     bool                            `json:"events_truncated"`
}

// marshalSweepOutput は MaxTaskOutputBytes に収まるようにイベントを切り詰めて出力を作成します
func marshalSweepOutput(result model.SweepResult) ([]byte, bool, error) {
	events := result.Events
	if events == nil {
		events = []model.ReservationExpiredEvent{}
	}
	if len(events) > MaxOutputEvents {
		events = events[:MaxOutputEvents]
	}

	for {
		out := SweepOutput{
			ExpiredCount:        result.Expired,
			ScannedCount:        result.Scanned,
			SkippedCount:        result.Skipped,
			FailedCount:         result.Failed,
			ExpiredReservations: events,
			EventsTruncated:     len(events) < len(result.Events),
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, false, err
		}
		if len(b) <= MaxTaskOutputBytes || len(events) == 0 {
			return b, out.EventsTruncated, nil
		}
		events = events[:len(events)/2]
	}
}

// ExpiryBatchService は予約失効スイープを1回だけ実行するバッチです
type ExpiryBatchService struct {
	sweeper   Sweeper
	sfnClient TaskReporter
	cfg       *config.Config
	logger    *zap.Logger
}

// NewExpiryBatchService は新しいExpiryBatchServiceを作成します
// sfnClient が nil の場合はStep Functionsへの通知を行いません
func NewExpiryBatchService(cfg *config.Config, sweeper Sweeper, sfnClient TaskReporter, logger *zap.Logger) *ExpiryBatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryBatchService{
		sweeper:   sweeper,
		sfnClient: sfnClient,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run は予約失効バッチを実行します
func (s *ExpiryBatchService) Run(ctx context.Context) error {
	ctx, seg := utils.StartSubsegment(ctx, "ExpiryBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()

	result, err := s.sweeper.SweepPendingExpired(ctx)
	if err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to sweep pending reservations: %w", err))
	}

	if err := s.sendTaskSuccess(ctx, result); err != nil {
		seg.Close(err)
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	duration := time.Since(startTime)
	seg.AddMetadata("duration", duration.String())

	s.logger.Info("Reservation expiry batch completed successfully",
		zap.Int("expired", result.Expired),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", duration),
	)
	return nil
}

// ReportFailure はStep Functionsにタスクの失敗を通知します
func (s *ExpiryBatchService) ReportFailure(ctx context.Context, cause error) error {
	if s.skipNotification() {
		return nil
	}

	_, err := s.sfnClient.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(s.cfg.SFN.TaskToken),
		Error:     aws.String("ExpiryBatchFailed"),
		Cause:     aws.String(cause.Error()),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、失効させた予約を返却します
func (s *ExpiryBatchService) sendTaskSuccess(ctx context.Context, result model.SweepResult) error {
	if s.skipNotification() {
		s.logger.Info("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	output, truncated, err := marshalSweepOutput(result)
	if err != nil {
		return fmt.Errorf("failed to marshal sweep output: %w", err)
	}
	if truncated {
		s.logger.Warn("Expired reservations in task output were truncated",
			zap.Int("expired", result.Expired),
			zap.Int("output_bytes", len(output)),
		)
	}

	_, err = s.sfnClient.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	s.logger.Info("Successfully sent task success", zap.Int("expired", result.Expired))
	return nil
}

// ローカルの場合はStep Functionsの処理をスキップ
func (s *ExpiryBatchService) skipNotification() bool {
	return s.cfg.Local || s.sfnClient == nil
}
