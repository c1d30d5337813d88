package cmd

import (
	"github.com/spf13/cobra"
	"github.com/uma-arai/sbcntr-rental-batch/internal/scheduler"
)

var stateMachineCmd = &cobra.Command{
	Use:   "state-machine",
	Short: "Print the Step Functions definition used by EXPIRY_SCHEDULER=stepfunctions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(scheduler.ExpiryCheckDefinition)
		return err
	},
}

func init() {
	rootCmd.AddCommand(stateMachineCmd)
}
