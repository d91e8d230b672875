package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/extract"
	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/notify"
	"github.com/sells-group/finance-ingest/internal/pipeline"
	"github.com/sells-group/finance-ingest/internal/queue"
	"github.com/sells-group/finance-ingest/internal/retention"
	"github.com/sells-group/finance-ingest/internal/session"
	"github.com/sells-group/finance-ingest/internal/storage"
	"github.com/sells-group/finance-ingest/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "ingest.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// ingestEnv holds the store, session registry and pipeline shared by the
// ingest, worker and serve commands.
type ingestEnv struct {
	Store    store.Store
	Sessions *session.Registry
	Notifier notify.Notifier
	Recorder *pipeline.Recorder
	Pipeline *pipeline.Pipeline
	Redis    *redis.Client // nil unless initQueue was called
}

// Close releases resources held by the environment.
func (e *ingestEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode and builds the pipeline. removeSource
// deletes each input file once it has a terminal outcome. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string, removeSource bool) (*ingestEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &ingestEnv{
		Store:    st,
		Sessions: session.NewRegistry(),
		Notifier: notify.New(cfg.Notify),
	}
	env.Recorder = pipeline.NewRecorder(env.Sessions, st, env.Notifier)

	opts := pipeline.Options{
		DuplicateWindow: cfg.Pipeline.DuplicateWindow(),
		Retention: retention.Policy{
			Years: cfg.Retention.Years,
			Basis: retention.Basis(cfg.Retention.Basis),
		},
		RemoveSource: removeSource,
	}
	env.Pipeline = pipeline.New(
		opts,
		st,
		extract.NewReaders(cfg.Extract.PdfToTextPath),
		model.NewFieldRegistry(model.DefaultFields()),
		storage.NewRouter(cfg.Storage.Root),
		env.Recorder,
	)

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("storage_root", cfg.Storage.Root),
		zap.Int("retention_years", cfg.Retention.Years),
	)
	return env, nil
}

func newRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
}

// initQueue connects to Redis and opens the job queue.
func initQueue(ctx context.Context, client *redis.Client, consumer string) (*queue.RedisQueue, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrapf(err, "connect redis %s", cfg.Queue.RedisAddr)
	}
	return queue.NewRedisQueue(ctx, client, cfg.Queue, consumer)
}
