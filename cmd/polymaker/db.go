package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/web3guy0/polymaker/internal/config"
	"github.com/web3guy0/polymaker/storage"
)

var dbResetExits bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Migrate the ledger and show row counts",
	Long: `db opens the ledger at database_dsn, migrates its schema and prints the
row count of each table. --reset-exits clears exit records so every instrument
gets a fresh retry budget; fills and liquidation state are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "🔌 Connecting to ledger...")
		ledger, err := storage.New(cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer ledger.Close()
		fmt.Fprintln(out, "✅ Ledger migrated")

		if dbResetExits {
			if err := ledger.Reset(); err != nil {
				return fmt.Errorf("reset exits: %w", err)
			}
			fmt.Fprintln(out, "🧹 Exit records cleared")
		}

		counts, err := ledger.Counts()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "\n📊 Row counts:")
		for _, c := range counts {
			fmt.Fprintf(out, "  - %s: %d rows\n", c.Table, c.Rows)
		}
		return nil
	},
}

func init() {
	dbCmd.Flags().BoolVar(&dbResetExits, "reset-exits", false, "delete every exit record")
	rootCmd.AddCommand(dbCmd)
}
