package cli

import (
	"encoding/json"
	"fmt"

	"adpilot/internal/services"

	"github.com/spf13/cobra"
)

var evaluateTenant string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one evaluation pass for a tenant, or for every tenant with enabled rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		var results []*services.PassResult
		if evaluateTenant != "" {
			res, err := a.Automation.RunPass(cmd.Context(), evaluateTenant)
			if err != nil {
				return err
			}
			results = append(results, res)
		} else {
			results, err = a.Automation.RunAll(cmd.Context())
			if err != nil {
				return err
			}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evaluateTenant, "tenant", "t", "", "tenant id (default: all tenants)")
	rootCmd.AddCommand(evaluateCmd)
}
