package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Run modes accepted by Load.
const (
	RunModeAPI    = "api"
	RunModeBg     = "bg"
	RunModeAll    = "all"
	RunModeExport = "export"
)

// Asset storage backends.
const (
	AssetBackendDisk = "disk"
	AssetBackendS3   = "s3"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis (optional, enables background tasks)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Server
	ApiPort            string
	ServiceApiPort     string // empty disables the service API
	PublicBaseURL      string
	CorsAllowedOrigins []string
	MockServices       bool

	// Uploads
	AssetBackend        string
	UploadDir           string
	UploadMaxBytes      int64 // 0 means unbounded
	UploadAllowedTypes  []string
	PreviewMaxDimension int

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string
	ImageBaseS3URL     string

	// Layout
	LayoutPath                 string
	TemplateStrictPlaceholders bool

	// Email
	SmtpHost         string
	SmtpPort         int
	SmtpUsername     string
	SmtpPassword     string
	SmtpFromAddress  string
	TestEmailSubject string
	LogEmailsPath    string

	// Logging
	LogLevel  string
	LogFormat string

	// Rate Limiting (upload endpoint)
	RateLimitUploadRPS   float64
	RateLimitUploadBurst int

	// Editor client (export mode)
	EditorServerURL      string
	EditorRequestTimeout time.Duration
}

// DefaultAllowedTypes is the upload MIME allow-list used when UPLOAD_ALLOWED_TYPES is unset.
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		RunMode: runMode,
	}

	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists || value == "" {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	// The export mode only talks HTTP to a running server.
	if runMode != RunModeExport {
		cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
		if err != nil {
			return nil, err
		}
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "email_builder")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.ApiPort = getEnv("API_PORT", getEnv("PORT", "5000"))
	cfg.ServiceApiPort = getEnv("SERVICE_API_PORT", "")
	cfg.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+cfg.ApiPort), "/")
	cfg.CorsAllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))
	cfg.AssetBackend = getEnv("ASSET_BACKEND", AssetBackendDisk)
	cfg.UploadDir = getEnv("UPLOAD_DIR", "uploads")
	cfg.UploadAllowedTypes = splitList(getEnv("UPLOAD_ALLOWED_TYPES", strings.Join(DefaultAllowedTypes, ",")))
	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.ImageBaseS3URL = strings.TrimRight(getEnv("IMAGE_BASE_S3_URL", ""), "/")
	cfg.LayoutPath = getEnv("LAYOUT_PATH", "templates/layout.html")
	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "noreply@emailbuilder.example.com")
	cfg.TestEmailSubject = getEnv("TEST_EMAIL_SUBJECT", "Email template preview")
	cfg.LogEmailsPath = getEnv("LOG_EMAILS", "")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "text")
	cfg.EditorServerURL = strings.TrimRight(getEnv("EDITOR_SERVER_URL", "http://localhost:"+cfg.ApiPort), "/")

	switch cfg.AssetBackend {
	case AssetBackendDisk:
	case AssetBackendS3:
		if cfg.AwsS3Bucket == "" {
			return nil, fmt.Errorf("ASSET_BACKEND=s3 requires AWS_S3_BUCKET")
		}
	default:
		return nil, fmt.Errorf("invalid ASSET_BACKEND: %q", cfg.AssetBackend)
	}

	// Load numeric and time duration values with defaults and parsing
	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg.UploadMaxBytes, err = strconv.ParseInt(getEnv("UPLOAD_MAX_BYTES", "5242880"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_MAX_BYTES: %w", err)
	}
	if cfg.UploadMaxBytes < 0 {
		return nil, fmt.Errorf("invalid UPLOAD_MAX_BYTES: must not be negative")
	}

	cfg.PreviewMaxDimension, err = strconv.Atoi(getEnv("PREVIEW_MAX_DIMENSION", "320"))
	if err != nil {
		return nil, fmt.Errorf("invalid PREVIEW_MAX_DIMENSION: %w", err)
	}
	if cfg.PreviewMaxDimension < 1 {
		return nil, fmt.Errorf("invalid PREVIEW_MAX_DIMENSION: must be positive")
	}

	cfg.TemplateStrictPlaceholders, err = strconv.ParseBool(getEnv("TEMPLATE_STRICT_PLACEHOLDERS", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid TEMPLATE_STRICT_PLACEHOLDERS: %w", err)
	}

	cfg.MockServices, err = strconv.ParseBool(getEnv("MOCK_SERVICES", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid MOCK_SERVICES: %w", err)
	}
	if cfg.MockServices && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("MOCK_SERVICES=true requires REDIS_ADDR")
	}

	cfg.SmtpPort, err = strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	cfg.RateLimitUploadRPS, err = strconv.ParseFloat(getEnv("RATE_LIMIT_UPLOAD_RPS", "2"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_UPLOAD_RPS: %w", err)
	}
	cfg.RateLimitUploadBurst, err = strconv.Atoi(getEnv("RATE_LIMIT_UPLOAD_BURST", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_UPLOAD_BURST: %w", err)
	}

	editorTimeoutSeconds, err := strconv.ParseInt(getEnv("EDITOR_REQUEST_TIMEOUT_SECONDS", "30"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid EDITOR_REQUEST_TIMEOUT_SECONDS: %w", err)
	}
	cfg.EditorRequestTimeout = time.Duration(editorTimeoutSeconds) * time.Second

	return cfg, nil
}

// TasksEnabled reports whether a Redis broker is configured for background tasks.
func (c *Config) TasksEnabled() bool {
	return c.RedisAddr != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
