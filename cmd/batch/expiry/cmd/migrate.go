package cmd

import (
	"github.com/spf13/cobra"
	"github.com/uma-arai/sbcntr-rental-batch/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer a.close()

		if err := repository.Migrate(a.db.DB.DB); err != nil {
			return err
		}
		a.logger.Info("Database migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
