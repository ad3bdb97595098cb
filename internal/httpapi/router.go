// Package httpapi wires the HTTP routes.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"storybook/internal/httpapi/handlers"
	"storybook/internal/httpkit"
	"storybook/internal/pkg/middleware"
)

type Options struct {
	// CORSOrigins is a comma separated origin list; "*" allows any.
	CORSOrigins    string
	RequestTimeout time.Duration
}

func NewRouter(h *handlers.Handler, opt Options) http.Handler {
	log := h.Log()
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: splitCSV(opt.CORSOrigins, []string{"*"}),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-Signature"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAgeSeconds:  600,
	}))
	r.Use(middleware.Timeout(opt.RequestTimeout))

	wrap := func(fn middleware.HandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	r.Get("/health", h.Health)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", wrap(h.PostJob))
		r.Route("/{jobId}", func(r chi.Router) {
			r.Get("/", wrap(h.GetJob))
			r.Post("/images", wrap(h.PostImages))
			r.Post("/dispatch", wrap(h.PostDispatch))
			r.Get("/status", wrap(h.GetStatus))
			r.Post("/pages/{pageKey}/regenerate", wrap(h.PostRegenerate))
			r.Get("/pages/{pageKey}/variants/{index}/url", wrap(h.GetVariantURL))
			r.Get("/pages/{pageKey}/variants/{index}/content", wrap(h.StreamVariant))
			r.Post("/collage", wrap(h.PostCollage))
			r.Get("/collage", wrap(h.GetCollage))
			r.Get("/collage/content", wrap(h.StreamCollage))
			r.Post("/selection", wrap(h.PostSelection))
			r.Post("/approve", wrap(h.PostApprove))
		})
	})

	r.Post("/webhooks/payment", wrap(h.PostPaymentWebhook))

	r.Get("/books/{bookId}", wrap(h.GetBook))
	if h.BooksEnabled() {
		r.Put("/books/{bookId}", wrap(h.PutBook))
		r.Get("/books/{bookId}/templates", wrap(h.ListTemplates))
		r.Put("/books/{bookId}/templates/{gender}/{pageKey}", wrap(h.PutTemplate))
		r.Delete("/books/{bookId}/templates/{gender}/{pageKey}", wrap(h.DeleteTemplate))
	}

	return r
}

func splitCSV(raw string, def []string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
