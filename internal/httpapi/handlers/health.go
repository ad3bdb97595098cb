package handlers

import (
	"context"
	"net/http"
	"time"

	"storybook/internal/httpkit"
	"storybook/internal/storage"
)

const checkTimeout = 5 * time.Second

// Health reports liveness. With ?deep=true every dependency is checked and
// a failing one marks the service degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "storybook-api",
		"version": "0.1.0",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"job_store": probe(ctx, h.store.Ping),
		"render":    probe(ctx, h.render.Ping),
		"storage": probe(ctx, func(ctx context.Context) error {
			return storage.Ping(ctx, h.sp)
		}),
	}
	checks["storage"]["provider"] = h.sp.Provider()

	if h.pool != nil {
		pg := probe(ctx, h.pool.Ping)
		if pg["status"] == "ok" {
			stats := h.pool.Stat()
			pg["total_conns"] = stats.TotalConns()
			pg["idle_conns"] = stats.IdleConns()
			pg["acquired_conns"] = stats.AcquiredConns()
		}
		checks["postgres"] = pg
	}
	if h.rdb != nil {
		checks["redis"] = probe(ctx, func(ctx context.Context) error {
			return h.rdb.Ping(ctx).Err()
		})
	}
	return checks
}

func probe(ctx context.Context, ping func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
