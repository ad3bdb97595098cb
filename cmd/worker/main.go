package main

import (
	"context"
	"errors"
	"time"

	"storybook/internal/app"
	"storybook/internal/config"
	"storybook/internal/pkg/logger"
	"storybook/internal/pkg/shutdown"
	"storybook/internal/worker"
)

func main() {
	logCfg := logger.DefaultConfig()
	logCfg.ServiceName = "storybook-worker"
	log := logger.New(logCfg)

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}
	if cfg.DispatchBackend == "inline" {
		log.LogFatal("worker has nothing to consume", errors.New("DISPATCH_BACKEND=inline runs pages inside the API"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdownMgr := shutdown.NewManager(log, 5*time.Minute)

	a, err := app.Build(ctx, cfg, log, shutdownMgr)
	if err != nil {
		log.LogFatal("failed to initialize components", err)
	}

	log.Info("storybook worker started",
		"backend", cfg.DispatchBackend,
		"queue", cfg.DispatchQueue,
		"concurrency", cfg.DispatchConcurrency,
	)

	switch cfg.DispatchBackend {
	case "asynq":
		srv := a.AsynqServer()
		shutdownMgr.Register("asynq-server", func(context.Context) error {
			srv.Shutdown()
			return nil
		})
		go func() {
			if err := srv.Run(); err != nil {
				log.LogFatal("asynq server failed", err)
			}
		}()
		shutdownMgr.Wait(ctx)

	case "redis":
		stopped := make(chan struct{})
		shutdownMgr.Register("worker", func(ctx context.Context) error {
			cancel()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		go func() {
			defer close(stopped)
			err := worker.Run(ctx, worker.Deps{
				Queue:       a.Queue(),
				Handle:      a.Runner.Run,
				Concurrency: cfg.DispatchConcurrency,
				Log:         log,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("worker stopped", "error", err.Error())
			}
		}()
		shutdownMgr.Wait(context.Background())
	}
}
