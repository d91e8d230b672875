package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/inbox"
	"github.com/sells-group/finance-ingest/internal/model"
)

var (
	enqueueImportID     string
	enqueueUserID       string
	enqueueTypeHint     string
	enqueueFromInbox    bool
	enqueueDeleteRemote bool
	enqueueURLs         []string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [files or directories...]",
	Short: "Stage documents and push them onto the job queue",
	Long:  "Copies local files, downloads --url documents and optionally drains the FTP drop folder (--from-inbox) into the staging directory, then enqueues one job per file for the worker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("enqueue"); err != nil {
			return err
		}
		if len(args) == 0 && len(enqueueURLs) == 0 && !enqueueFromInbox {
			return eris.New("enqueue: pass files, --url or --from-inbox")
		}
		hint, err := parseTypeHint(enqueueTypeHint)
		if err != nil {
			return err
		}

		var staged []inbox.Staged
		if enqueueFromInbox {
			box, err := inbox.NewFTP(cfg.Inbox)
			if err != nil {
				return err
			}
			fetched, err := box.Fetch(ctx, cfg.Storage.StagingDir, enqueueDeleteRemote)
			staged = append(staged, fetched...)
			if err != nil && len(staged) == 0 {
				return err
			}
		}
		if len(enqueueURLs) > 0 {
			web := inbox.NewHTTP(cfg.Inbox)
			for _, u := range enqueueURLs {
				s, err := web.Stage(ctx, u, cfg.Storage.StagingDir)
				if err != nil {
					return err
				}
				staged = append(staged, s)
			}
		}
		paths, err := collectFiles(args)
		if err != nil {
			return err
		}
		for _, p := range paths {
			s, err := inbox.StageLocal(p, cfg.Storage.StagingDir)
			if err != nil {
				return err
			}
			staged = append(staged, s)
		}
		if len(staged) == 0 {
			zap.L().Info("enqueue: nothing to enqueue")
			return nil
		}

		client := newRedisClient()
		defer client.Close() //nolint:errcheck
		q, err := initQueue(ctx, client, "")
		if err != nil {
			return err
		}

		importID := enqueueImportID
		if importID == "" {
			importID = uuid.NewString()
		}
		jobs := stagedJobs(staged, importID, enqueueUserID, hint)
		ids, err := q.Enqueue(ctx, jobs...)
		if err != nil {
			return err
		}

		zap.L().Info("enqueue: jobs queued", zap.String("import_id", importID), zap.Int("jobs", len(ids)))
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"import_id":   importID,
			"job_ids":     ids,
			"enqueued_at": time.Now().UTC(),
		})
	},
}

// stagedJobs builds one job per staged file. Every job carries the batch
// size so whichever worker records the last outcome finishes the import.
func stagedJobs(staged []inbox.Staged, importID, userID string, hint model.DocumentType) []model.Job {
	jobs := make([]model.Job, 0, len(staged))
	for _, s := range staged {
		jobs = append(jobs, model.Job{
			ID:               uuid.NewString(),
			FilePath:         s.LocalPath,
			OriginalName:     s.OriginalName,
			ImportID:         importID,
			UserID:           userID,
			DocumentTypeHint: hint,
			BatchSize:        len(staged),
		})
	}
	return jobs
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueImportID, "import-id", "", "import id (default: random)")
	enqueueCmd.Flags().StringVar(&enqueueUserID, "user", "", "uploading user id")
	enqueueCmd.Flags().StringVar(&enqueueTypeHint, "type-hint", "", "document type for every file")
	enqueueCmd.Flags().BoolVar(&enqueueFromInbox, "from-inbox", false, "fetch documents from the configured FTP inbox")
	enqueueCmd.Flags().StringArrayVar(&enqueueURLs, "url", nil, "download a document by URL (repeatable)")
	enqueueCmd.Flags().BoolVar(&enqueueDeleteRemote, "delete-remote", false, "delete inbox files after download")
	rootCmd.AddCommand(enqueueCmd)
}
