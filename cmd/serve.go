package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/monitoring"
	"github.com/sells-group/finance-ingest/internal/queue"
	"github.com/sells-group/finance-ingest/internal/session"
)

var (
	servePort       int
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve import progress and cancellation over HTTP",
	Long:  "Serves import session snapshots, cancellation and job status. With --worker the same process also consumes the queue, so cancellation reaches running imports.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode := "serve"
		if serveWithWorker {
			mode = "worker"
		}
		env, err := initEnv(ctx, mode, true)
		if err != nil {
			return err
		}
		defer env.Close()

		deps := serveDeps{
			Sessions: env.Sessions,
			Outcomes: env.Store,
			Health:   env.Store,
		}

		env.Redis = newRedisClient()
		q, err := initQueue(ctx, env.Redis, "")
		if err != nil {
			if serveWithWorker {
				return err
			}
			zap.L().Warn("serve: queue unavailable, job status disabled", zap.Error(err))
			q = nil
		}
		if q != nil {
			deps.Jobs = q
		}

		collector := monitoring.NewCollector(env.Store, queueLen(q))
		deps.Metrics = collector

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			runSessionGC(gctx, env.Sessions, cfg.Pipeline.SessionMaxAge())
			return nil
		})
		if cfg.Monitor.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitor, env.Notifier), cfg.Monitor)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		if serveWithWorker {
			w := queue.NewWorker(q, env.Pipeline, env.Store, env.Recorder, cfg.Queue)
			g.Go(func() error { return w.Run(gctx, cfg.Pipeline.Concurrency) })
		}
		g.Go(func() error {
			return startServer(gctx, buildRouter(deps), resolvePort(servePort, cfg.Server.Port))
		})
		return g.Wait()
	},
}

// queueLen avoids handing the collector a typed nil.
func queueLen(q *queue.RedisQueue) monitoring.QueueLen {
	if q == nil {
		return nil
	}
	return q
}

type outcomeLister interface {
	ListOutcomes(ctx context.Context, importID string) ([]model.FileOutcome, error)
}

type jobStatus interface {
	Progress(ctx context.Context, jobID string) (int, error)
	Result(ctx context.Context, jobID string) (*model.JobResult, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type metricsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// serveDeps are the collaborators of the HTTP surface. Any of them may be
// nil; the routes that need a missing one answer 503.
type serveDeps struct {
	Sessions *session.Registry
	Outcomes outcomeLister
	Jobs     jobStatus
	Health   pinger
	Metrics  metricsCollector
}

func buildRouter(d serveDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/imports/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if d.Sessions != nil {
			if s, ok := d.Sessions.Get(id); ok {
				writeJSON(w, http.StatusOK, s.Snapshot())
				return
			}
		}
		if d.Outcomes == nil {
			writeError(w, http.StatusNotFound, "import not found")
			return
		}
		outcomes, err := d.Outcomes.ListOutcomes(r.Context(), id)
		if err != nil {
			zap.L().Error("serve: list outcomes", zap.String("import_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not load import")
			return
		}
		if len(outcomes) == 0 {
			writeError(w, http.StatusNotFound, "import not found")
			return
		}
		writeJSON(w, http.StatusOK, storedSnapshot(id, outcomes))
	})

	r.Post("/imports/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if d.Sessions == nil || !d.Sessions.Cancel(id) {
			writeError(w, http.StatusNotFound, "no running import with that id")
			return
		}
		zap.L().Info("serve: import cancelled", zap.String("import_id", id))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "import_id": id})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if d.Jobs == nil {
			writeError(w, http.StatusServiceUnavailable, "job queue not configured")
			return
		}
		id := chi.URLParam(r, "id")
		pct, err := d.Jobs.Progress(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not load job")
			return
		}
		res, err := d.Jobs.Result(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not load job")
			return
		}
		if pct < 0 && res == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "percent": pct, "result": res})
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if d.Metrics == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics not configured")
			return
		}
		hours := 24
		if cfg != nil && cfg.Monitor.LookbackWindowHours > 0 {
			hours = cfg.Monitor.LookbackWindowHours
		}
		snap, err := d.Metrics.Collect(r.Context(), hours)
		if err != nil {
			zap.L().Error("serve: collect metrics", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not collect metrics")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

// storedSnapshot rebuilds the view of an import whose session is gone from
// its persisted outcomes. A later outcome of the same job replaces an
// earlier one.
func storedSnapshot(id string, outcomes []model.FileOutcome) session.Snapshot {
	s := session.NewRegistry().Start(id, "")
	for _, o := range outcomes {
		s.Record(o)
	}
	c := s.Counters()
	s.EnsureTotal(c.Processed + c.Skipped)
	s.Finish()
	snap := s.Snapshot()
	snap.CreatedAt = outcomes[0].At
	snap.UpdatedAt = outcomes[len(outcomes)-1].At
	snap.FinishedAt = &snap.UpdatedAt
	return snap
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves h on port until ctx ends, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "worker", false, "also consume the job queue in this process")
	rootCmd.AddCommand(serveCmd)
}
