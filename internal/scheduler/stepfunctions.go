package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"go.uber.org/zap"
)

// SFNClient は StepFunctionsScheduler が使うStep Functions APIです
type SFNClient interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// CheckInput はステートマシンに渡す入力です
// 定義は ExpiryCheckDefinition を参照してください
type CheckInput struct {
	ReservationID string `json:"reservation_id"`
	FireAt        string `json:"fire_at"`
}

// StepFunctionsScheduler はStep Functionsの実行を開始して再チェックを予約します
type StepFunctionsScheduler struct {
	client          SFNClient
	stateMachineARN string
	logger          *zap.Logger
}

func NewStepFunctionsScheduler(client SFNClient, stateMachineARN string, logger *zap.Logger) *StepFunctionsScheduler {
	return &StepFunctionsScheduler{
		client:          client,
		stateMachineARN: stateMachineARN,
		logger:          logger,
	}
}

// ScheduleCheck は予約IDと実行時刻から決まる名前で実行を開始します
// 同じ名前の実行が既に存在する場合は予約済みとして成功扱いにします
func (s *StepFunctionsScheduler) ScheduleCheck(ctx context.Context, reservationID uuid.UUID, fireAt time.Time) error {
	ctx, seg := utils.StartSubsegment(ctx, "StepFunctionsScheduler.ScheduleCheck")
	defer seg.Close(nil)
	seg.AddMetadata("reservation_id", reservationID.String())

	// Waitステートは秒単位のため、切り上げて期限より前に起動しないようにする
	fireAt = ceilSecond(fireAt.UTC())
	name := ExecutionName(reservationID, fireAt)

	input, err := json.Marshal(CheckInput{
		ReservationID: reservationID.String(),
		FireAt:        fireAt.Format(time.RFC3339),
	})
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to marshal execution input: %w", err)
	}

	out, err := s.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		var exists *types.ExecutionAlreadyExists
		if errors.As(err, &exists) {
			s.logger.Debug("expiry check execution already exists",
				zap.String("reservation_id", reservationID.String()),
				zap.String("execution_name", name),
			)
			return nil
		}

		s.logger.Error("failed to start expiry check execution",
			zap.String("event", "schedule_failed"),
			zap.String("reservation_id", reservationID.String()),
			zap.String("execution_name", name),
			zap.Time("fire_at", fireAt),
			zap.Error(err),
		)
		seg.Close(err)
		return fmt.Errorf("failed to start execution %s: %w", name, err)
	}

	s.logger.Debug("expiry check execution started",
		zap.String("reservation_id", reservationID.String()),
		zap.String("execution_arn", aws.ToString(out.ExecutionArn)),
		zap.Time("fire_at", fireAt),
	)
	return nil
}

// ExecutionName は予約IDと実行時刻から実行名を決めます
func ExecutionName(reservationID uuid.UUID, fireAt time.Time) string {
	return fmt.Sprintf("expiry-%s-%d", reservationID, fireAt.Unix())
}

func ceilSecond(t time.Time) time.Time {
	truncated := t.Truncate(time.Second)
	if truncated.Before(t) {
		return truncated.Add(time.Second)
	}
	return truncated
}
