package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/template"
)

var templatesDryRun bool

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage extraction templates",
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Validate a template definition file and save its templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tpls, err := template.LoadFile(args[0])
		if err != nil {
			return err
		}
		if templatesDryRun {
			zap.L().Info("templates: definition valid", zap.Int("templates", len(tpls)))
			return nil
		}

		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := saveTemplates(ctx, st, tpls); err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(map[string]int{"saved": len(tpls)})
	},
}

type templateSaver interface {
	SaveTemplate(ctx context.Context, tpl *model.Template) error
}

// saveTemplates writes non-defaults first so that a default saved later in
// the same file demotes any stored default of its pair exactly once.
func saveTemplates(ctx context.Context, st templateSaver, tpls []model.Template) error {
	ordered := make([]model.Template, 0, len(tpls))
	for _, t := range tpls {
		if !t.IsDefault {
			ordered = append(ordered, t)
		}
	}
	for _, t := range tpls {
		if t.IsDefault {
			ordered = append(ordered, t)
		}
	}
	for i := range ordered {
		if err := st.SaveTemplate(ctx, &ordered[i]); err != nil {
			return err
		}
		zap.L().Info("templates: saved",
			zap.String("code", ordered[i].Code),
			zap.String("document_type", string(ordered[i].DocumentType)),
			zap.Bool("default", ordered[i].IsDefault),
		)
	}
	return nil
}

func init() {
	templatesImportCmd.Flags().BoolVar(&templatesDryRun, "dry-run", false, "validate only")
	templatesCmd.AddCommand(templatesImportCmd)
	rootCmd.AddCommand(templatesCmd)
}
