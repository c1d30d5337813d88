package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/uma-arai/sbcntr-rental-batch/internal/service/expiry"
)

var scheduleDelay time.Duration

var scheduleCmd = &cobra.Command{
	Use:   "schedule <reservation-id>",
	Short: "Schedule a delayed expiry check for a reservation",
	Long: `予約1件の遅延チェックを登録します。予約作成時の処理と同じく、既定では5分後に実行されます。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseReservationID(args[0])
		if err != nil {
			return err
		}
		if scheduleDelay < 0 {
			return fmt.Errorf("delay must not be negative, got %v", scheduleDelay)
		}

		a, err := newApp(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer a.close()

		fireAt := time.Now().Add(scheduleDelay)
		if err := a.scheduler.ScheduleCheck(cmd.Context(), id, fireAt); err != nil {
			return err
		}

		cmd.Printf("Scheduled expiry check for %s at %s\n", id, fireAt.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	scheduleCmd.Flags().DurationVar(&scheduleDelay, "delay", expiry.DefaultWindow, "チェックを実行するまでの時間")
	rootCmd.AddCommand(scheduleCmd)
}
