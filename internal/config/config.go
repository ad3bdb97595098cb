// Package config reads service settings from the environment and optional
// .env files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings shared by the API and the worker.
type Config struct {
	// Server
	HTTPPort string

	// Job store: memory, postgres or redis.
	JobStore    string
	DatabaseURL string
	RedisAddr   string
	RedisPrefix string

	// Dispatch: inline, asynq or redis.
	DispatchBackend     string
	DispatchConcurrency int
	DispatchQueue       string

	// Render backend
	RenderBaseURL      string
	RenderEvents       string
	RenderTimeout      time.Duration
	RenderPollInterval time.Duration

	// Templates: fs or postgres.
	TemplatesSource string
	TemplatesDir    string

	// Storage: localfs, gdrive or s3.
	StorageProvider    string
	StorageLocalRoot   string
	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
	S3Endpoint         string
	S3AccessKey        string
	S3SecretKey        string
	S3Bucket           string
	S3Region           string
	S3UseSSL           bool

	// Notifications and webhooks
	NotifyWebhookURL     string
	PaymentWebhookSecret string
	CORSAllowedOrigins   string
}

// Load reads .env.local and .env when present, then the environment, and
// validates the result.
func Load() (*Config, error) {
	loadEnvFile()

	c := &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		JobStore:    strings.ToLower(getEnv("JOB_STORE", "memory")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		RedisPrefix: getEnv("REDIS_PREFIX", "storybook:"),

		DispatchBackend:     strings.ToLower(getEnv("DISPATCH_BACKEND", "inline")),
		DispatchConcurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 4),
		DispatchQueue:       getEnv("DISPATCH_QUEUE", "storybook:pages"),

		RenderBaseURL:      getEnv("RENDER_BASE_URL", "http://127.0.0.1:8188"),
		RenderEvents:       strings.ToLower(getEnv("RENDER_EVENTS", "ws")),
		RenderTimeout:      getEnvAsDuration("RENDER_TIMEOUT", 15*time.Minute),
		RenderPollInterval: getEnvAsDuration("RENDER_POLL_INTERVAL", 2*time.Second),

		TemplatesSource: strings.ToLower(getEnv("TEMPLATES_SOURCE", "fs")),
		TemplatesDir:    getEnv("TEMPLATES_DIR", "./books"),

		StorageProvider:    strings.ToLower(getEnv("STORAGE_PROVIDER", "localfs")),
		StorageLocalRoot:   getEnv("STORAGE_LOCAL_ROOT", "./data"),
		GDriveClientID:     getEnv("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: getEnv("GDRIVE_CLIENT_SECRET", ""),
		GDriveRefreshToken: getEnv("GDRIVE_REFRESH_TOKEN", ""),
		GDriveFolderID:     getEnv("GDRIVE_FOLDER_ID", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3AccessKey:        getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:        getEnv("S3_SECRET_KEY", ""),
		S3Bucket:           getEnv("S3_BUCKET", "storybook"),
		S3Region:           getEnv("S3_REGION", ""),
		S3UseSSL:           getEnvAsBool("S3_USE_SSL", false),

		NotifyWebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadEnvFile loads .env.local then .env from the working directory or its
// parent. Variables already set in the environment win.
func loadEnvFile() {
	dirs := []string{"."}
	if cwd, err := os.Getwd(); err == nil {
		if parent := filepath.Dir(cwd); parent != "" && parent != cwd {
			dirs = append(dirs, parent)
		}
	}
	for _, dir := range dirs {
		for _, name := range []string{".env.local", ".env"} {
			_ = godotenv.Load(filepath.Join(dir, name))
		}
	}
}

// Validate checks that each selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.JobStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when JOB_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE %q", c.JobStore)
	}

	switch c.DispatchBackend {
	case "inline":
	case "asynq", "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when DISPATCH_BACKEND=%s", c.DispatchBackend)
		}
		if c.JobStore == "memory" {
			return fmt.Errorf("DISPATCH_BACKEND=%s needs a shared JOB_STORE, not memory", c.DispatchBackend)
		}
	default:
		return fmt.Errorf("unknown DISPATCH_BACKEND %q", c.DispatchBackend)
	}
	if c.DispatchConcurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1")
	}

	if c.RenderBaseURL == "" {
		return fmt.Errorf("RENDER_BASE_URL is required")
	}
	if c.RenderEvents != "ws" && c.RenderEvents != "poll" {
		return fmt.Errorf("RENDER_EVENTS must be ws or poll, got %q", c.RenderEvents)
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("RENDER_TIMEOUT must be positive")
	}

	switch c.TemplatesSource {
	case "fs":
		if c.TemplatesDir == "" {
			return fmt.Errorf("TEMPLATES_DIR is required when TEMPLATES_SOURCE=fs")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when TEMPLATES_SOURCE=postgres")
		}
	default:
		return fmt.Errorf("unknown TEMPLATES_SOURCE %q", c.TemplatesSource)
	}

	switch c.StorageProvider {
	case "localfs":
		if c.StorageLocalRoot == "" {
			return fmt.Errorf("STORAGE_LOCAL_ROOT is required when STORAGE_PROVIDER=localfs")
		}
	case "gdrive":
		if c.GDriveClientID == "" || c.GDriveClientSecret == "" || c.GDriveRefreshToken == "" {
			return fmt.Errorf("GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required when STORAGE_PROVIDER=gdrive")
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required when STORAGE_PROVIDER=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.StorageProvider)
	}

	return nil
}

func getEnv(key string, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "15m") or plain seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
