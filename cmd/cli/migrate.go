package cli

import (
	"fmt"

	"adpilot/internal/app"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := app.Migrate(a.DB); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database migration completed successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
