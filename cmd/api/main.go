package main

import (
	"context"
	"net/http"
	"time"

	"storybook/internal/app"
	"storybook/internal/approval"
	"storybook/internal/config"
	"storybook/internal/httpapi"
	"storybook/internal/httpapi/handlers"
	"storybook/internal/orchestrator"
	"storybook/internal/pkg/logger"
	"storybook/internal/pkg/shutdown"
	"storybook/internal/status"
)

func main() {
	logCfg := logger.DefaultConfig()
	logCfg.ServiceName = "storybook-api"
	log := logger.New(logCfg)

	log.Info("starting storybook API", "version", "0.1.0")

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	a, err := app.Build(ctx, cfg, log, shutdownMgr)
	if err != nil {
		log.LogFatal("failed to initialize components", err)
	}

	dispatcher := a.Dispatcher()
	shutdownMgr.Register("dispatcher", dispatcher.Close)

	svc := orchestrator.New(orchestrator.Deps{
		Store:      a.Store,
		Templates:  a.Templates,
		Storage:    a.Storage,
		Dispatcher: dispatcher,
		Status: status.NewAggregator(status.Deps{
			Store:    a.Store,
			Notifier: a.Notifier,
			Log:      log,
		}),
		Approval: approval.NewService(approval.Deps{
			Store:    a.Store,
			Packager: approval.NewStoragePackager(a.Storage),
			Notifier: a.Notifier,
			Log:      log,
		}),
		Log: log,
	})

	h := handlers.New(handlers.Deps{
		Service:       svc,
		Store:         a.Store,
		Templates:     a.Templates,
		Render:        a.Render,
		Storage:       a.Storage,
		Pool:          a.Pool,
		RDB:           a.RDB,
		Books:         a.Books,
		PaymentSecret: cfg.PaymentWebhookSecret,
		Log:           log,
	})
	router := httpapi.NewRouter(h, httpapi.Options{CORSOrigins: cfg.CORSAllowedOrigins})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}
