package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"stockroom/db"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Import and export stock as CSV",
	Long: `Move inventory in and out of the database as CSV.

Examples:
  stockroom inventory export > stock.csv
  stockroom inventory export -o stock.csv
  stockroom inventory import stock.csv --by admin`,
}

var inventoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every item as CSV",
	Args:  cobra.NoArgs,
	RunE:  runInventoryExport,
}

var inventoryImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add items from a CSV file, skipping ones already present",
	Args:  cobra.ExactArgs(1),
	RunE:  runInventoryImport,
}

var (
	inventoryOut string
	importedBy   string
)

func init() {
	rootCmd.AddCommand(inventoryCmd)
	inventoryCmd.AddCommand(inventoryExportCmd)
	inventoryCmd.AddCommand(inventoryImportCmd)

	inventoryExportCmd.Flags().StringVarP(&inventoryOut, "out", "o", "", "output file (default: stdout)")
	inventoryImportCmd.Flags().StringVar(&importedBy, "by", "admin", "name recorded as the last updater")
}

func openInventory() (*db.InventoryStore, io.Closer, error) {
	conn, err := db.Open(cfg.InventoryDB)
	if err != nil {
		return nil, nil, err
	}
	return db.NewInventoryStore(conn), conn, nil
}

func runInventoryExport(cmd *cobra.Command, _ []string) error {
	inv, closer, err := openInventory()
	if err != nil {
		return err
	}
	defer closer.Close()

	if inventoryOut == "" {
		return inv.Export(cmd.Context(), cmd.OutOrStdout())
	}
	f, err := os.Create(inventoryOut)
	if err != nil {
		return err
	}
	if err := inv.Export(cmd.Context(), f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runInventoryImport(cmd *cobra.Command, args []string) error {
	inv, closer, err := openInventory()
	if err != nil {
		return err
	}
	defer closer.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := inv.Import(cmd.Context(), f, importedBy)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %d, skipped %d, rejected %d.\n", res.Added, res.Skipped, res.Rejected)
	return nil
}
