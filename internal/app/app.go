// Package app builds the components shared by the API and the worker from
// one Config.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"storybook/internal/config"
	"storybook/internal/dispatch"
	"storybook/internal/jobstore"
	"storybook/internal/notify"
	"storybook/internal/pkg/logger"
	"storybook/internal/pkg/shutdown"
	"storybook/internal/render"
	"storybook/internal/storage"
	"storybook/internal/templates"
	"storybook/internal/worker/queue"
	"storybook/internal/workflow"
)

type App struct {
	Config    *config.Config
	Store     jobstore.Store
	Templates templates.Source
	// Books is set when templates live in Postgres.
	Books    *templates.PGSource
	Render   render.Client
	Storage  storage.Provider
	Notifier notify.Notifier
	Runner   *workflow.Runner

	Pool *pgxpool.Pool
	RDB  redis.UniversalClient

	log *logger.Logger
}

// Build connects every configured backend. Connections are registered with
// mgr so they close after the servers using them.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, mgr *shutdown.Manager) (*App, error) {
	a := &App{Config: cfg, log: log}

	if cfg.DatabaseURL != "" {
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		mgr.Register("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		if err := jobstore.NewPostgres(pool).Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info("PostgreSQL connected")
		a.Pool = pool
	}

	if cfg.RedisAddr != "" {
		log.Info("connecting to Redis")
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{cfg.RedisAddr},
			// Blocking pops give up at their context deadline.
			ContextTimeoutEnabled: true,
		})
		mgr.Register("redis", func(context.Context) error {
			return rdb.Close()
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info("Redis connected")
		a.RDB = rdb
	}

	switch cfg.JobStore {
	case "postgres":
		a.Store = jobstore.NewPostgres(a.Pool)
	case "redis":
		a.Store = jobstore.NewRedis(a.RDB, cfg.RedisPrefix)
	default:
		a.Store = jobstore.NewMemory()
	}

	switch cfg.TemplatesSource {
	case "postgres":
		a.Books = templates.NewPGSource(a.Pool)
		a.Templates = a.Books
	default:
		a.Templates = templates.NewDirSource(cfg.TemplatesDir)
	}

	sp, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.Storage = sp

	a.Render = render.NewHTTPClient(cfg.RenderBaseURL, render.Options{
		Events:       cfg.RenderEvents,
		PollInterval: cfg.RenderPollInterval,
		Log:          log,
	})

	if cfg.NotifyWebhookURL != "" {
		a.Notifier = notify.NewWebhook(cfg.NotifyWebhookURL, nil, log)
	} else {
		a.Notifier = notify.NewLog(log)
	}

	a.Runner = workflow.NewRunner(workflow.Deps{
		Store:         a.Store,
		Templates:     a.Templates,
		Render:        a.Render,
		Storage:       a.Storage,
		Log:           log,
		RenderTimeout: cfg.RenderTimeout,
	})

	log.Info("components ready",
		"job_store", cfg.JobStore,
		"templates", cfg.TemplatesSource,
		"storage", cfg.StorageProvider,
		"dispatch", cfg.DispatchBackend,
	)
	return a, nil
}

// Dispatcher returns the task producer for the configured backend. The
// inline pool runs tasks in this process.
func (a *App) Dispatcher() dispatch.Dispatcher {
	cfg := a.Config
	switch cfg.DispatchBackend {
	case "asynq":
		return dispatch.NewAsynq(a.asynqOpt(), cfg.DispatchQueue, a.log)
	case "redis":
		return dispatch.NewRedisQueue(a.Queue())
	default:
		return dispatch.NewPool(a.Runner.Run, cfg.DispatchConcurrency, a.log)
	}
}

// Queue is the Redis list used by DISPATCH_BACKEND=redis.
func (a *App) Queue() *queue.RedisQueue {
	return queue.NewRedisQueue(a.RDB, a.Config.DispatchQueue)
}

// AsynqServer consumes the queue filled by the asynq dispatcher.
func (a *App) AsynqServer() *dispatch.AsynqServer {
	return dispatch.NewAsynqServer(a.asynqOpt(), a.Config.DispatchQueue, a.Config.DispatchConcurrency, a.Runner.Run, a.log)
}

func (a *App) asynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.Config.RedisAddr}
}
