package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"stockroom/auth"
	"stockroom/models"
	"stockroom/notify"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage shop worker accounts",
	Long: `Manage the accounts of shop workers.

New workers and password resets get a temporary password. It is printed
once and, when e-mail is set up, sent to the worker. Workers must replace
it at their first login.

Examples:
  stockroom worker list
  stockroom worker add amina --email amina@shop.co.ke --name "Amina Otieno"
  stockroom worker reset amina
  stockroom worker permissions amina view_inventory update_inventory export_data
  stockroom worker delete amina`,
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show active workers",
	Args:  cobra.NoArgs,
	RunE:  runWorkerList,
}

var workerAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a worker with a temporary password",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerAdd,
}

var workerResetCmd = &cobra.Command{
	Use:   "reset <username>",
	Short: "Issue a new temporary password",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerReset,
}

var workerDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Deactivate a worker; the record is kept",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerDelete,
}

var workerPermissionsCmd = &cobra.Command{
	Use:   "permissions <username> [permission...]",
	Short: "Show or replace a worker's permissions",
	Long: `Without permissions, print the effective permissions of any account.
Otherwise replace the worker's permissions with the given list.

Known permissions: ` + knownPermissions(),
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkerPermissions,
}

var (
	workerEmail string
	workerName  string
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerAddCmd)
	workerCmd.AddCommand(workerResetCmd)
	workerCmd.AddCommand(workerDeleteCmd)
	workerCmd.AddCommand(workerPermissionsCmd)

	workerAddCmd.Flags().StringVar(&workerEmail, "email", "", "e-mail address of the worker (required)")
	workerAddCmd.Flags().StringVar(&workerName, "name", "", "full name of the worker (required)")
}

func knownPermissions() string {
	names := make([]string, len(models.AllPermissions))
	for i, p := range models.AllPermissions {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func runWorkerList(cmd *cobra.Command, _ []string) error {
	store, err := openUsers()
	if err != nil {
		return err
	}
	workers := store.Workers()
	out := cmd.OutOrStdout()
	if len(workers) == 0 {
		fmt.Fprintln(out, "No workers. Add one with 'stockroom worker add <username>'.")
		return nil
	}
	for _, w := range workers {
		status := "active"
		if w.MustChangePassword() {
			status = "must change password"
		}
		fmt.Fprintf(out, "%s (%s) <%s> [%s]\n", w.Username, w.FullName, w.Email, status)
	}
	return nil
}

func runWorkerAdd(cmd *cobra.Command, args []string) error {
	store, err := openUsers()
	if err != nil {
		return err
	}
	temp, err := store.AddWorker(args[0], workerEmail, workerName)
	if err != nil {
		return err
	}
	acct, err := store.Get(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s added.\n", acct.Username)
	announceTemp(cmd.Context(), cmd.OutOrStdout(), acct, temp)
	return nil
}

func runWorkerReset(cmd *cobra.Command, args []string) error {
	store, err := openUsers()
	if err != nil {
		return err
	}
	temp, err := store.ResetWorkerPassword(args[0])
	if err != nil {
		return err
	}
	acct, err := store.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password of %s reset.\n", acct.Username)
	announceTemp(cmd.Context(), cmd.OutOrStdout(), acct, temp)
	return nil
}

// announceTemp prints the temporary password and mails it when e-mail is
// set up.
func announceTemp(ctx context.Context, out io.Writer, acct models.Account, temp string) {
	fmt.Fprintf(out, "Temporary password: %s\n", temp)

	mailer := notify.New(cfg.SMTP, cfg.AppName, logger)
	if !mailer.Enabled() {
		return
	}
	if err := mailer.NotifyPasswordIssued(ctx, acct.Email, acct.FullName, acct.Username, temp); err != nil {
		logger.Warn(ctx, "could not email temporary password", "username", acct.Username, "err", err)
		return
	}
	fmt.Fprintf(out, "Sent to %s.\n", acct.Email)
}

func runWorkerDelete(cmd *cobra.Command, args []string) error {
	store, err := openUsers()
	if err != nil {
		return err
	}
	if err := store.DeleteWorker(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s deactivated.\n", args[0])
	return nil
}

func runWorkerPermissions(cmd *cobra.Command, args []string) error {
	store, err := openUsers()
	if err != nil {
		return err
	}
	username := args[0]

	if len(args) > 1 {
		perms := make([]models.Permission, 0, len(args)-1)
		for _, p := range args[1:] {
			perms = append(perms, models.Permission(p))
		}
		if err := store.SetPermissions(username, perms); err != nil {
			return err
		}
	}

	acct, err := store.Get(username)
	if err != nil {
		return err
	}
	for _, p := range auth.PermissionsFor(acct) {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}
