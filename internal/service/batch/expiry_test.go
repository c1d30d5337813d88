package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/config"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
	"go.uber.org/zap/zaptest"
)

type MockSweeper struct {
	result model.SweepResult
	err    error
	calls  int
}

func (m *MockSweeper) SweepPendingExpired(context.Context) (model.SweepResult, error) {
	m.calls++
	return m.result, m.err
}

type MockTaskReporter struct {
	successInputs []*sfn.SendTaskSuccessInput
	failureInputs []*sfn.SendTaskFailureInput
	err           error
}

func (m *MockTaskReporter) SendTaskSuccess(_ context.Context, params *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	m.successInputs = append(m.successInputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sfn.SendTaskSuccessOutput{}, nil
}

func (m *MockTaskReporter) SendTaskFailure(_ context.Context, params *sfn.SendTaskFailureInput, _ ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	m.failureInputs = append(m.failureInputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sfn.SendTaskFailureOutput{}, nil
}

func newTestConfig(taskToken string, local bool) *config.Config {
	cfg := &config.Config{Local: local}
	cfg.SFN.TaskToken = taskToken
	return cfg
}

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, seg := xray.BeginSegment(context.Background(), t.Name())
	t.Cleanup(func() { seg.Close(nil) })
	return ctx
}

func TestExpiryBatchService_Run(t *testing.T) {
	expiredAt := time.Date(2025, 4, 1, 10, 6, 0, 0, time.UTC)
	event := model.ReservationExpiredEvent{
		ReservationID: uuid.New(),
		UID:           "RES-AB12CD34",
		CustomerID:    uuid.New(),
		VehicleID:     uuid.New(),
		ExpiredAt:     expiredAt,
	}

	tests := []struct {
		name        string
		cfg         *config.Config
		result      model.SweepResult
		sweepErr    error
		reporterErr error
		wantErr     string
		wantSuccess int
		wantExpired int
	}{
		{
			name:        "失効結果をStep Functionsへ通知",
			cfg:         newTestConfig("test-token", false),
			result:      model.SweepResult{Scanned: 2, Expired: 1, Skipped: 1, Events: []model.ReservationExpiredEvent{event}},
			wantSuccess: 1,
			wantExpired: 1,
		},
		{
			name:        "失効0件でも通知",
			cfg:         newTestConfig("test-token", false),
			result:      model.SweepResult{},
			wantSuccess: 1,
			wantExpired: 0,
		},
		{
			name:        "ローカル環境では通知しない",
			cfg:         newTestConfig("DUMMY_TASK_TOKEN", true),
			result:      model.SweepResult{Expired: 3},
			wantSuccess: 0,
		},
		{
			name:     "スイープの失敗はエラー",
			cfg:      newTestConfig("test-token", false),
			sweepErr: errors.New("statement timeout"),
			wantErr:  "failed to sweep pending reservations",
		},
		{
			name:        "通知の失敗はエラー",
			cfg:         newTestConfig("test-token", false),
			reporterErr: errors.New("TaskTimedOut"),
			wantErr:     "failed to send task success",
			wantSuccess: 1,
		},
		{
			name:    "タスクトークン未設定はエラー",
			cfg:     newTestConfig("", false),
			wantErr: "SFN_TASK_TOKEN is not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext(t)
			sweeper := &MockSweeper{result: tt.result, err: tt.sweepErr}
			reporter := &MockTaskReporter{err: tt.reporterErr}
			service := NewExpiryBatchService(tt.cfg, sweeper, reporter, zaptest.NewLogger(t))

			err := service.Run(ctx)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Run() error = %v, want containing %q", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if sweeper.calls != 1 {
				t.Errorf("sweep calls = %d, want 1", sweeper.calls)
			}
			if len(reporter.successInputs) != tt.wantSuccess {
				t.Fatalf("SendTaskSuccess calls = %d, want %d", len(reporter.successInputs), tt.wantSuccess)
			}
			if tt.wantSuccess == 0 || tt.wantErr != "" {
				return
			}

			in := reporter.successInputs[0]
			if aws.ToString(in.TaskToken) != tt.cfg.SFN.TaskToken {
				t.Errorf("TaskToken = %v, want %v", aws.ToString(in.TaskToken), tt.cfg.SFN.TaskToken)
			}

			var output SweepOutput
			if err := json.Unmarshal([]byte(aws.ToString(in.Output)), &output); err != nil {
				t.Fatalf("failed to unmarshal output: %v", err)
			}
			if output.ExpiredCount != tt.wantExpired {
				t.Errorf("expired_count = %d, want %d", output.ExpiredCount, tt.wantExpired)
			}
			if len(output.ExpiredReservations) != tt.wantExpired {
				t.Errorf("expired_reservations = %d, want %d", len(output.ExpiredReservations), tt.wantExpired)
			}
			if output.ExpiredReservations == nil {
				t.Error("expired_reservations should be an empty list, not null")
			}
			if output.EventsTruncated {
				t.Error("events_truncated = true, want false")
			}
		})
	}
}

func newExpiredEvents(n int) []model.ReservationExpiredEvent {
	expiredAt := time.Date(2025, 4, 1, 10, 6, 0, 0, time.UTC)
	events := make([]model.ReservationExpiredEvent, n)
	for i := range events {
		events[i] = model.ReservationExpiredEvent{
			ReservationID: uuid.New(),
			UID:           fmt.Sprintf("RES-%08X", i),
			CustomerID:    uuid.New(),
			VehicleID:     uuid.New(),
			ExpiredAt:     expiredAt,
		}
	}
	return events
}

func TestExpiryBatchService_Run_LargeSweepFitsTaskOutput(t *testing.T) {
	tests := []struct {
		name          string
		expired       int
		wantEvents    int
		wantTruncated bool
	}{
		{name: "上限ちょうどは切り詰めない", expired: MaxOutputEvents, wantEvents: MaxOutputEvents},
		{name: "上限超過は切り詰める", expired: MaxOutputEvents + 1, wantEvents: MaxOutputEvents, wantTruncated: true},
		{name: "障害復旧後の大量失効", expired: 2000, wantEvents: MaxOutputEvents, wantTruncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := model.SweepResult{Scanned: tt.expired, Expired: tt.expired, Events: newExpiredEvents(tt.expired)}
			reporter := &MockTaskReporter{}
			service := NewExpiryBatchService(newTestConfig("test-token", false), &MockSweeper{result: result}, reporter, zaptest.NewLogger(t))

			if err := service.Run(newTestContext(t)); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(reporter.successInputs) != 1 {
				t.Fatalf("SendTaskSuccess calls = %d, want 1", len(reporter.successInputs))
			}

			raw := aws.ToString(reporter.successInputs[0].Output)
			if len(raw) > MaxTaskOutputBytes {
				t.Fatalf("output bytes = %d, want <= %d", len(raw), MaxTaskOutputBytes)
			}

			var output SweepOutput
			if err := json.Unmarshal([]byte(raw), &output); err != nil {
				t.Fatalf("failed to unmarshal output: %v", err)
			}
			if output.ExpiredCount != tt.expired {
				t.Errorf("expired_count = %d, want %d", output.ExpiredCount, tt.expired)
			}
			if len(output.ExpiredReservations) != tt.wantEvents {
				t.Errorf("expired_reservations = %d, want %d", len(output.ExpiredReservations), tt.wantEvents)
			}
			if output.EventsTruncated != tt.wantTruncated {
				t.Errorf("events_truncated = %v, want %v", output.EventsTruncated, tt.wantTruncated)
			}
		})
	}
}

func TestMarshalSweepOutput_ShrinksOversizedEvents(t *testing.T) {
	events := newExpiredEvents(MaxOutputEvents)
	for i := range events {
		events[i].UID = strings.Repeat("X", 4096)
	}

	b, truncated, err := marshalSweepOutput(model.SweepResult{Expired: len(events), Events: events})
	if err != nil {
		t.Fatalf("marshalSweepOutput() error = %v", err)
	}
	if len(b) > MaxTaskOutputBytes {
		t.Errorf("output bytes = %d, want <= %d", len(b), MaxTaskOutputBytes)
	}
	if !truncated {
		t.Error("truncated = false, want true")
	}
}

func TestExpiryBatchService_ReportFailure(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *config.Config
		reporterErr error
		wantCalls   int
		wantErr     bool
	}{
		{name: "失敗を通知", cfg: newTestConfig("test-token", false), wantCalls: 1},
		{name: "ローカル環境では通知しない", cfg: newTestConfig("DUMMY_TASK_TOKEN", true), wantCalls: 0},
		{name: "通知の失敗はエラー", cfg: newTestConfig("test-token", false), reporterErr: errors.New("InvalidToken"), wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reporter := &MockTaskReporter{err: tt.reporterErr}
			service := NewExpiryBatchService(tt.cfg, &MockSweeper{}, reporter, zaptest.NewLogger(t))

			err := service.ReportFailure(context.Background(), errors.New("batch process timed out"))
			if (err != nil) != tt.wantErr {
				t.Errorf("ReportFailure() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(reporter.failureInputs) != tt.wantCalls {
				t.Fatalf("SendTaskFailure calls = %d, want %d", len(reporter.failureInputs), tt.wantCalls)
			}
			if tt.wantCalls == 1 && aws.ToString(reporter.failureInputs[0].Cause) != "batch process timed out" {
				t.Errorf("Cause = %v", aws.ToString(reporter.failureInputs[0].Cause))
			}
		})
	}
}

func TestExpiryBatchService_NoClient(t *testing.T) {
	sweeper := &MockSweeper{result: model.SweepResult{Expired: 1}}
	service := NewExpiryBatchService(newTestConfig("test-token", false), sweeper, nil, nil)

	if err := service.Run(newTestContext(t)); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
