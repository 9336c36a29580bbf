package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var setupCmd = &cobra.Command{
	Use:   "setup <username>",
	Short: "Set the first password of the admin or owner account",
	Long: `Complete first-time setup for the admin or owner account from the
terminal. The password is read twice without echo.

Examples:
  stockroom setup admin
  stockroom setup owner --config /etc/stockroom/config.toml`,
	Args: cobra.ExactArgs(1),
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

// promptPassword reads a password and its confirmation without echo.
func promptPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "New password: ")
	first, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	fmt.Fprint(w, "Repeat password: ")
	second, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func runSetup(cmd *cobra.Command, args []string) error {
	store, err := openUsers()
	if err != nil {
		return err
	}

	password, err := promptPassword(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := store.SetupPassword(args[0], password); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password set for %s.\n", args[0])
	return nil
}
