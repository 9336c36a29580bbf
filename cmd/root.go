// Package cmd is the stockroom command line: the API server and the
// account and backup administration commands that share its config.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stockroom/config"
	"stockroom/logging"
	"stockroom/users"
)

var (
	configPath string

	cfg    *config.Config
	logger logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stockroom",
	Short: "Shop inventory server with worker accounts",
	Long: `stockroom serves the shop inventory API and manages the accounts
that use it: the admin, the owner and the shop workers.

Settings are read from a JSON, TOML or YAML file. A missing file means
defaults. STOCKROOM_SESSION_KEY, STOCKROOM_SMTP_PASSWORD and
STOCKROOM_LISTEN_PORT override the file.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the config file")
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath, true)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = c
	logger = logging.New(cmd.ErrOrStderr(), c.LogLevel)
	return nil
}

// openUsers loads the account file named in the config. Administration
// commands refuse to work on a file that could not be read.
func openUsers() (*users.Store, error) {
	store := users.New(cfg.UsersFile,
		users.WithOwnerUsername(cfg.OwnerUsername),
		users.WithLogger(logger),
	)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}
