// Package logger wraps log/slog with the attributes storybook logs carry:
// service, request, job and page.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	// RequestIDKey holds the HTTP request id.
	RequestIDKey contextKey = "request_id"
	// JobIDKey holds the job being worked on.
	JobIDKey contextKey = "job_id"
	// PageKeyKey holds the workflow (page) key being worked on.
	PageKeyKey contextKey = "page_key"
)

// Logger is a slog.Logger with domain helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stdout.
	Output      io.Writer
	AddSource   bool
	ServiceName string
}

// DefaultConfig reads LOG_LEVEL, LOG_FORMAT, LOG_SOURCE and SERVICE_NAME.
func DefaultConfig() Config {
	return Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "json"),
		Output:      os.Stdout,
		AddSource:   getEnv("LOG_SOURCE", "false") == "true",
		ServiceName: getEnv("SERVICE_NAME", "storybook"),
	}
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	if cfg.ServiceName != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}

	return &Logger{Logger: slog.New(handler)}
}

// NewDefault builds a Logger from DefaultConfig.
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

// With returns a Logger carrying args.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithRequestID attaches a request id.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.With(slog.String("request_id", requestID))
}

// WithJobID attaches a job id.
func (l *Logger) WithJobID(jobID string) *Logger {
	return l.With(slog.String("job_id", jobID))
}

// WithWorkflow attaches the job id and page key of one workflow.
func (l *Logger) WithWorkflow(jobID, pageKey string) *Logger {
	return l.With(slog.String("job_id", jobID), slog.String("page_key", pageKey))
}

// WithComponent attaches a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(slog.String("component", component))
}

// WithError attaches err; a nil err returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With(slog.String("error", err.Error()))
}

// FromContext attaches the ids stored in ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	result := l
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		result = result.WithRequestID(v)
	}
	if v, ok := ctx.Value(JobIDKey).(string); ok && v != "" {
		result = result.WithJobID(v)
	}
	if v, ok := ctx.Value(PageKeyKey).(string); ok && v != "" {
		result = result.With(slog.String("page_key", v))
	}
	return result
}

// LogFatal logs and exits the process.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

// ContextWithRequestID stores a request id in ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithJobID stores a job id in ctx.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// ContextWithWorkflow stores a job id and page key in ctx.
func ContextWithWorkflow(ctx context.Context, jobID, pageKey string) context.Context {
	return context.WithValue(ContextWithJobID(ctx, jobID), PageKeyKey, pageKey)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
