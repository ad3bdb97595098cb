// Package handlers implements the HTTP endpoints over the orchestrator.
package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"storybook/internal/jobstore"
	"storybook/internal/orchestrator"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
	"storybook/internal/render"
	"storybook/internal/templates"
)

type Deps struct {
	Service   *orchestrator.Service
	Store     jobstore.Store
	Templates templates.Source
	Render    render.Client
	Storage   ports.StorageProvider
	// Optional. Reported by the deep health check when set.
	Pool *pgxpool.Pool
	RDB  redis.UniversalClient
	// Books enables the book and template admin endpoints.
	Books *templates.PGSource
	// PaymentSecret enables signature checks on the payment webhook.
	PaymentSecret string
	Log           *logger.Logger
}

type Handler struct {
	svc       *orchestrator.Service
	store     jobstore.Store
	templates templates.Source
	render    render.Client
	sp        ports.StorageProvider
	pool      *pgxpool.Pool
	rdb       redis.UniversalClient
	books     *templates.PGSource
	secret    []byte
	log       *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	h := &Handler{
		svc:       d.Service,
		store:     d.Store,
		templates: d.Templates,
		render:    d.Render,
		sp:        d.Storage,
		pool:      d.Pool,
		rdb:       d.RDB,
		books:     d.Books,
		log:       log.WithComponent("http"),
	}
	if d.PaymentSecret != "" {
		h.secret = []byte(d.PaymentSecret)
	}
	return h
}

// Log returns the handler logger for error wrapping in the router.
func (h *Handler) Log() *logger.Logger { return h.log }

// BooksEnabled reports whether the admin endpoints are served.
func (h *Handler) BooksEnabled() bool { return h.books != nil }
