package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/company"
)

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "Manage the company directory",
}

var companiesImportCmd = &cobra.Command{
	Use:   "import <directory.xlsx|directory.csv>",
	Short: "Load companies from a spreadsheet and upsert them by code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		companies, rowErrs, err := company.LoadFile(args[0])
		if err != nil {
			return err
		}
		for _, re := range rowErrs {
			zap.L().Warn("companies: row skipped", zap.Int("row", re.Row), zap.String("reason", re.Reason))
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := company.NewImporter(st).Import(ctx, companies)
		if err != nil {
			return err
		}
		res.Skipped = append(rowErrs, res.Skipped...)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	companiesCmd.AddCommand(companiesImportCmd)
	rootCmd.AddCommand(companiesCmd)
}
