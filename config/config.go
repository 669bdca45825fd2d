package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Links      LinksConfig
	Session    SessionConfig
	State      StateConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Transcoder TranscoderConfig
	AWS        AWSConfig
	Email      EmailConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	PublicBaseURL      string // prefix for issued link URLs; empty derives it from the request
	Environment        string
	EmbeddedWorker     bool // run the job worker inside the server process when a queue is configured
}

// IsProduction reports whether cookies should be marked Secure.
func (c ServerConfig) IsProduction() bool { return c.Environment == "production" }

// StorageConfig holds where recordings and front-end assets live on disk.
type StorageConfig struct {
	RecordingsDir string
	StaticDir     string
	MaxUploadMB   int
}

// LinksConfig holds secure/public link settings.
type LinksConfig struct {
	SecretKey         string
	SecureLinkTTL     time.Duration
	PublicTokenLength int
}

// SessionConfig holds the anonymous session cookie settings.
type SessionConfig struct {
	CookieName string
	MaxAge     time.Duration
}

// StateConfig selects where the link and session documents are persisted.
type StateConfig struct {
	Backend string // file, redis or postgres
	Dir     string // file backend only
}

// DatabaseConfig holds PostgreSQL connection settings (postgres state backend).
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings. Empty Addr disables the job queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TranscoderConfig holds external encoder settings.
type TranscoderConfig struct {
	FFmpegPath string
	Timeout    time.Duration
}

// AWSConfig holds AWS credentials for the optional S3 archive. Empty bucket disables archiving.
type AWSConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	RecordingsBucket string
	Endpoint         string // S3-compatible endpoint (MinIO, R2); empty uses AWS
}

// EmailConfig for SMTP.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "300"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
			Environment:        getEnv("ENV", "development"),
			EmbeddedWorker:     getEnvBool("EMBEDDED_WORKER", true),
		},
		Storage: StorageConfig{
			RecordingsDir: getEnv("RECORDINGS_DIR", "recordings"),
			StaticDir:     getEnv("STATIC_DIR", "static"),
			MaxUploadMB:   getEnvInt("MAX_UPLOAD_MB", 512),
		},
		Links: LinksConfig{
			SecretKey:         getEnv("SECRET_KEY", "change-me-in-production"),
			SecureLinkTTL:     getEnvDuration("SECURE_LINK_TTL", 15*time.Minute),
			PublicTokenLength: getEnvInt("PUBLIC_TOKEN_LENGTH", 16),
		},
		Session: SessionConfig{
			CookieName: getEnv("SESSION_COOKIE", "rec_session"),
			MaxAge:     getEnvDuration("SESSION_MAX_AGE", 365*24*time.Hour),
		},
		State: StateConfig{
			Backend: getEnv("STATE_BACKEND", "file"),
			Dir:     getEnv("STATE_DIR", "data"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Transcoder: TranscoderConfig{
			FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
			Timeout:    getEnvDuration("TRANSCODE_TIMEOUT", 10*time.Minute),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket: getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			Endpoint:         getEnv("AWS_S3_ENDPOINT", ""),
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Screen Recorder"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
		},
	}
	if cfg.Links.PublicTokenLength < 12 {
		cfg.Links.PublicTokenLength = 12
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("15m") or plain seconds ("900").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
