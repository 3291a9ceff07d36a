// Package config assembles the pipeline's runtime configuration from the
// environment (optionally seeded from a .env file) and a JSON database
// credentials file.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration surface of a pipeline run.
type Config struct {
	// Credentials.
	DBCredentialsPath  string
	ServiceAccountPath string

	// Storage.
	ImageBucket string
	PDFBucket   string

	// Source selection: a local folder takes precedence over a Drive folder.
	SourceFolder  string
	DriveFolderID string
	TempDir       string

	// Processing limits.
	MaxAllowedPages int
	RenderDPI       int

	// Batch and pool sizing.
	RenderBatchSize   int
	UploadWorkers     int
	TextWorkers       int
	DocumentBatchSize int
	PendingBatchSize  int

	// Per-document processing deadline.
	DocumentTimeout time.Duration

	// Registry connection establishment.
	ConnectRetries int
	ConnectPause   time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBCredentialsPath:  GetEnv("DB_CREDENTIALS_PATH", ""),
		ServiceAccountPath: GetEnv("SERVICE_ACCOUNT_PATH", ""),
		ImageBucket:        GetEnv("IMAGE_BUCKET", "datasheet-image-files"),
		PDFBucket:          GetEnv("PDF_BUCKET", "datasheet-pdf-files"),
		SourceFolder:       GetEnv("SOURCE_FOLDER", ""),
		DriveFolderID:      GetEnv("DRIVE_FOLDER_ID", ""),
		TempDir:            GetEnv("TEMP_DIR", os.TempDir()),
		MaxAllowedPages:    GetEnvInt("MAX_ALLOWED_PAGES", 20),
		RenderDPI:          GetEnvInt("RENDER_DPI", 100),
		RenderBatchSize:    GetEnvInt("RENDER_BATCH_SIZE", 100),
		UploadWorkers:      GetEnvInt("UPLOAD_WORKERS", 9),
		TextWorkers:        GetEnvInt("TEXT_WORKERS", 20),
		DocumentBatchSize:  GetEnvInt("DOCUMENT_BATCH_SIZE", 15),
		PendingBatchSize:   GetEnvInt("PENDING_BATCH_SIZE", 100),
		DocumentTimeout:    GetEnvDuration("DOCUMENT_TIMEOUT", 30*time.Minute),
		ConnectRetries:     GetEnvInt("DB_CONNECT_RETRIES", 4),
		ConnectPause:       GetEnvDuration("DB_CONNECT_PAUSE", 300*time.Second),
	}

	if cfg.DBCredentialsPath == "" {
		return nil, fmt.Errorf("DB_CREDENTIALS_PATH must be set")
	}
	if cfg.SourceFolder == "" && cfg.DriveFolderID == "" {
		return nil, fmt.Errorf("either SOURCE_FOLDER or DRIVE_FOLDER_ID must be set")
	}
	return cfg, nil
}

// GetEnv reads an environment variable or returns a fallback value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable or returns a fallback.
func GetEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration reads a duration environment variable ("30m", "2s") or
// returns a fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// DBCredentials are the database connection components loaded from a JSON
// credentials file.
type DBCredentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Database string `json:"database"`
}

// LoadDBCredentials reads and parses a JSON credentials file.
func LoadDBCredentials(path string) (*DBCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read db credentials file %s: %w", path, err)
	}
	var creds DBCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse db credentials file %s: %w", path, err)
	}
	return &creds, nil
}

// DSN composes a Postgres connection string. The password is URL-escaped so
// special characters survive the round trip.
func (c *DBCredentials) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		c.User, url.QueryEscape(c.Password), c.Host, c.Port, c.Database)
}
