package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/normalize"
)

var (
	ingestImportID     string
	ingestUserID       string
	ingestTypeHint     string
	ingestRemoveSource bool
	ingestConcurrency  int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files or directories...]",
	Short: "Process documents in-process as one import",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hint, err := parseTypeHint(ingestTypeHint)
		if err != nil {
			return err
		}
		paths, err := collectFiles(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return eris.New("ingest: no files found")
		}

		env, err := initEnv(ctx, "ingest", ingestRemoveSource)
		if err != nil {
			return err
		}
		defer env.Close()

		importID := ingestImportID
		if importID == "" {
			importID = uuid.NewString()
		}
		jobs := buildJobs(paths, importID, ingestUserID, hint)

		concurrency := ingestConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Pipeline.Concurrency
		}

		zap.L().Info("ingest: starting",
			zap.String("import_id", importID),
			zap.Int("files", len(jobs)),
			zap.Int("concurrency", concurrency),
		)
		snap := env.Pipeline.Batch(ctx, importID, ingestUserID, jobs, concurrency)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

// collectFiles expands directories one level deep and returns regular
// files in a stable order.
func collectFiles(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: stat %s", a)
		}
		if !info.IsDir() {
			out = append(out, a)
			continue
		}
		entries, err := os.ReadDir(a)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read dir %s", a)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				out = append(out, filepath.Join(a, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func buildJobs(paths []string, importID, userID string, hint model.DocumentType) []model.Job {
	jobs := make([]model.Job, 0, len(paths))
	for _, p := range paths {
		jobs = append(jobs, model.Job{
			ID:               uuid.NewString(),
			FilePath:         p,
			OriginalName:     filepath.Base(p),
			ImportID:         importID,
			UserID:           userID,
			DocumentTypeHint: hint,
		})
	}
	return jobs
}

func parseTypeHint(raw string) (model.DocumentType, error) {
	if raw == "" {
		return "", nil
	}
	dt, ok := normalize.DocumentType(raw)
	if !ok {
		return "", eris.Errorf("ingest: unknown document type %q", raw)
	}
	return dt, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestImportID, "import-id", "", "import id (default: random)")
	ingestCmd.Flags().StringVar(&ingestUserID, "user", "", "uploading user id")
	ingestCmd.Flags().StringVar(&ingestTypeHint, "type-hint", "", "document type for every file (invoice, credit_note, statement)")
	ingestCmd.Flags().BoolVar(&ingestRemoveSource, "remove-source", false, "delete input files once handled")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "files processed at once (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
