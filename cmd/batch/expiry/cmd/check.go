package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/uma-arai/sbcntr-rental-batch/internal/model"
)

var checkCmd = &cobra.Command{
	Use:   "check <reservation-id>",
	Short: "Evaluate a single reservation for expiry",
	Long: `予約1件を読み直して失効の要否を判定します。
期限前であれば新しい期限で再チェックを登録し、期限を過ぎていれば失効させます。
Step Functionsのスケジューラでは待機後にこのコマンドが実行されます。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseReservationID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer a.close()

		ctx, endSegment := a.beginSegment(cmd.Context(), projectName+"-check", map[string]string{
			"reservation_id": id.String(),
		})
		decision, err := a.coordinator.Evaluate(ctx, id)
		endSegment(err)
		if err != nil {
			return err
		}

		out, err := json.Marshal(newCheckOutput(decision))
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

type checkOutput struct {
	ReservationID string `json:"reservation_id"`
	Outcome       string `json:"outcome"`
	Status        string `json:"status,omitempty"`
	FireAt        string `json:"fire_at,omitempty"`
	Delay         string `json:"delay,omitempty"`
}

func newCheckOutput(d model.ExpiryDecision) checkOutput {
	out := checkOutput{
		ReservationID: d.ReservationID.String(),
		Outcome:       string(d.Outcome),
		Status:        string(d.Status),
	}
	if d.Outcome == model.ExpiryOutcomeRescheduled {
		out.FireAt = d.FireAt.UTC().Format(time.RFC3339)
		out.Delay = d.Delay.String()
	}
	return out
}

func parseReservationID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid reservation id %q: %w", s, err)
	}
	return id, nil
}
