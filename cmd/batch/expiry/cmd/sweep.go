package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/utils"
	"github.com/uma-arai/sbcntr-rental-batch/internal/service/batch"
	"go.uber.org/zap"
)

var sweepTimeout time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep [task-token]",
	Short: "Expire every stale pending reservation once",
	Long: `最終アクティビティから猶予を過ぎたpending予約をまとめて失効させます。
Step Functionsのタスクとして実行し、最後の引数のタスクトークンで結果を通知します。
ENV=LOCAL の場合はタスクトークンを使いません。`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 5*time.Minute, "バッチ処理のタイムアウト時間")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := "DUMMY_TASK_TOKEN"
	if os.Getenv("ENV") != "LOCAL" {
		if len(args) == 0 || args[0] == "" {
			return errors.New("task token is required")
		}
		taskToken = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, taskToken)
	if err != nil {
		return utils.GetStackWithError(err)
	}
	defer a.close()

	ctx, endSegment := a.beginSegment(ctx, projectName, map[string]string{
		"task_token": taskToken,
		"timeout":    sweepTimeout.String(),
	})

	service := batch.NewExpiryBatchService(a.cfg, a.coordinator, a.taskReporter(), a.logger)
	if err := utils.RunWithTimeout(ctx, sweepTimeout, service.Run); err != nil {
		endSegment(err)
		a.logger.Error("Batch process failed", zap.Error(err))

		if reportErr := service.ReportFailure(context.WithoutCancel(ctx), err); reportErr != nil {
			a.logger.Error("Failed to send task failure", zap.Error(reportErr))
		}
		return err
	}
	endSegment(nil)

	a.logger.Info("Batch process completed successfully")
	return nil
}
