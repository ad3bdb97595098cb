// Package shutdown coordinates graceful process shutdown.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"storybook/internal/pkg/logger"
)

// Handler is a named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// Manager runs registered cleanup steps once, newest first, under one deadline.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	mu       sync.Mutex
	handlers []Handler
	once     sync.Once
	done     chan struct{}
}

// NewManager creates a Manager; a zero timeout means 30s.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Manager{log: log, timeout: timeout, done: make(chan struct{})}
}

// Register adds a cleanup step. Steps run in reverse registration order so the
// HTTP server stops before the stores it uses.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then shuts down.
func (m *Manager) Wait(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		m.log.Info("shutdown signal received", "signal", s.String())
	case <-ctx.Done():
		m.log.Info("context canceled, shutting down")
	}
	m.Shutdown()
}

// Shutdown runs every step once. Later calls are no-ops.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		defer close(m.done)

		m.mu.Lock()
		handlers := append([]Handler(nil), m.handlers...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		m.log.Info("graceful shutdown started", "handlers", len(handlers), "timeout", m.timeout.String())
		for i := len(handlers) - 1; i >= 0; i-- {
			h := handlers[i]
			if ctx.Err() != nil {
				m.log.Warn("shutdown deadline exceeded, skipping", "name", h.Name)
				continue
			}
			start := time.Now()
			if err := h.Cleanup(ctx); err != nil {
				m.log.Error("shutdown step failed", "name", h.Name, "error", err.Error())
				continue
			}
			m.log.Debug("shutdown step done", "name", h.Name, "duration_ms", time.Since(start).Milliseconds())
		}
		m.log.Info("graceful shutdown completed")
	})
}

// Done is closed after Shutdown finishes.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
