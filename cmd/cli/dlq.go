package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var dlqTenant string

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Operate the webhook dead-letter queue",
}

var dlqSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Abandon pending items that reached the retry ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.DeadLetters.SweepExhausted(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "abandoned %d dead letters\n", n)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-run ingestion for one dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		_, a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()
		item, err := a.DeadLetters.Retry(cmd.Context(), dlqTenant, uint(id))
		if item != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "dead letter %d: status=%s retry_count=%d\n", item.ID, item.Status, item.RetryCount)
		}
		return err
	},
}

func init() {
	dlqRetryCmd.Flags().StringVarP(&dlqTenant, "tenant", "t", "", "tenant id")
	_ = dlqRetryCmd.MarkFlagRequired("tenant")
	dlqCmd.AddCommand(dlqSweepCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
