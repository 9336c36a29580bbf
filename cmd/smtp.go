package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"stockroom/notify"
)

var smtpTestCmd = &cobra.Command{
	Use:   "smtp-test",
	Short: "Check the SMTP settings by logging in to the server",
	Long: `Connect to the configured SMTP server, start TLS and authenticate
without sending a message. Works even while notifications are disabled.`,
	Args: cobra.NoArgs,
	RunE: runSMTPTest,
}

func init() {
	rootCmd.AddCommand(smtpTestCmd)
}

func runSMTPTest(cmd *cobra.Command, _ []string) error {
	n := notify.New(cfg.SMTP, cfg.AppName, logger)
	if err := n.TestConnection(cmd.Context()); err != nil {
		return fmt.Errorf("smtp test failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "SMTP connection to %s:%d successful.\n", cfg.SMTP.Server, cfg.SMTP.Port)
	return nil
}
