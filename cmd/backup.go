package cmd

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"stockroom/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot and restore the account file",
	Long: `Write snapshots of the account file and restore them.

Snapshots go to the configured backup directory and, with --s3, to the
configured S3 bucket as well. A restore overlays the snapshot onto the
current accounts; accounts in the snapshot win.

Examples:
  stockroom backup create
  stockroom backup create --s3
  stockroom backup restore backups/users-20250314_093000.json
  stockroom backup restore --s3-key stockroom/users-20250314_093000-<id>.json
  stockroom backup list`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a snapshot of the accounts",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restore accounts from a snapshot file or S3 object",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupRestore,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots stored in S3, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var (
	backupOut   string
	backupToS3  bool
	backupS3Key string
)

// newOffsite is replaced in tests.
var newOffsite = func(ctx context.Context) (offsiteStore, error) {
	sink, err := backup.NewS3Sink(ctx, cfg.Backup)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

type offsiteStore interface {
	Upload(ctx context.Context, localPath string) (string, error)
	Download(ctx context.Context, key, dst string) error
	List(ctx context.Context) ([]string, error)
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupListCmd)

	backupCreateCmd.Flags().StringVarP(&backupOut, "out", "o", "", "snapshot path (default: timestamped file in the backup directory)")
	backupCreateCmd.Flags().BoolVar(&backupToS3, "s3", false, "also upload the snapshot to S3")
	backupRestoreCmd.Flags().StringVar(&backupS3Key, "s3-key", "", "restore this S3 object instead of a local file")
}

func runBackupCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openUsers()
	if err != nil {
		return err
	}

	var offsite offsiteStore
	if backupToS3 {
		// Fail before writing anything when S3 is unusable.
		if offsite, err = newOffsite(ctx); err != nil {
			return err
		}
	}

	out := backupOut
	if out == "" {
		out = filepath.Join(cfg.Backup.Dir, backup.SnapshotName(time.Now()))
	}
	written, err := store.Backup(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", written)

	if offsite != nil {
		key, err := offsite.Upload(ctx, written)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded as %s\n", key)
	}
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if (len(args) == 1) == (backupS3Key != "") {
		return fmt.Errorf("give either a snapshot file or --s3-key")
	}
	store, err := openUsers()
	if err != nil {
		return err
	}

	src := ""
	if len(args) == 1 {
		src = args[0]
	} else {
		offsite, err := newOffsite(ctx)
		if err != nil {
			return err
		}
		src = filepath.Join(cfg.Backup.Dir, "restore-"+path.Base(backupS3Key))
		if err := offsite.Download(ctx, backupS3Key, src); err != nil {
			return err
		}
	}

	if err := store.Restore(src); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Accounts restored from %s\n", src)
	return nil
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	offsite, err := newOffsite(cmd.Context())
	if err != nil {
		return err
	}
	keys, err := offsite.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No snapshots in S3.")
		return nil
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}
