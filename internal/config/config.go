package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Storage backend: "surrealdb" or "memory".
	Store string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// HTTP server
	ListenAddr        string
	HeartbeatInterval time.Duration
	MaxUploadBytes    int64

	// Restore approval credentials
	AdminUser         string
	AdminPasswordHash string

	// Files
	DataDir       string
	BackupDir     string
	CheckpointDir string

	// Job execution
	Workers          int
	PersistInterval  time.Duration
	RestoreBatchSize int

	// Cleanup scheduler
	CleanupInterval    time.Duration
	ApprovalTimeout    time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration

	// Remote backup copies (disabled without a bucket)
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string

	// CLI
	ServerURL string

	// Logging
	LogFile       string
	LogLevel      slog.Level
	LogMaxSizeMB  int
	LogMaxBackups int
}

// source resolves a setting: environment first, then the YAML file, then
// the default.
type source struct {
	file map[string]any
	errs []error
}

func (s *source) str(key, env, def string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	if val, ok := s.file[key]; ok && val != nil {
		return fmt.Sprint(val)
	}
	return def
}

func (s *source) duration(key, env string, def time.Duration) time.Duration {
	raw := s.str(key, env, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (s *source) int(key, env string, def int) int {
	raw := s.str(key, env, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// Load reads configuration from environment variables, overlaid on the
// YAML file named by GRAPHKEEPER_CONFIG when set.
func Load() (Config, error) {
	src := &source{}
	if path := os.Getenv("GRAPHKEEPER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &src.file); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	dataDir := src.str("data_dir", "GRAPHKEEPER_DATA_DIR", defaultDataDir())
	cfg := Config{
		Store: src.str("store", "GRAPHKEEPER_STORE", "surrealdb"),

		SurrealDBURL:       src.str("surrealdb_url", "SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: src.str("surrealdb_namespace", "SURREALDB_NAMESPACE", "graphkeeper"),
		SurrealDBDatabase:  src.str("surrealdb_database", "SURREALDB_DATABASE", "graph"),
		SurrealDBUser:      src.str("surrealdb_user", "SURREALDB_USER", "root"),
		SurrealDBPass:      src.str("surrealdb_pass", "SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: src.str("surrealdb_auth_level", "SURREALDB_AUTH_LEVEL", "root"),

		ListenAddr:        src.str("listen_addr", "GRAPHKEEPER_LISTEN_ADDR", ":8484"),
		HeartbeatInterval: src.duration("heartbeat_interval", "GRAPHKEEPER_HEARTBEAT_INTERVAL", 15*time.Second),
		MaxUploadBytes:    int64(src.int("max_upload_mb", "GRAPHKEEPER_MAX_UPLOAD_MB", 512)) << 20,

		AdminUser:         src.str("admin_user", "GRAPHKEEPER_ADMIN_USER", "admin"),
		AdminPasswordHash: src.str("admin_password_hash", "GRAPHKEEPER_ADMIN_PASSWORD_HASH", ""),

		DataDir:       dataDir,
		BackupDir:     src.str("backup_dir", "GRAPHKEEPER_BACKUP_DIR", filepath.Join(dataDir, "backups")),
		CheckpointDir: src.str("checkpoint_dir", "GRAPHKEEPER_CHECKPOINT_DIR", filepath.Join(dataDir, "checkpoints")),

		Workers:          src.int("workers", "GRAPHKEEPER_WORKERS", 2),
		PersistInterval:  src.duration("persist_interval", "GRAPHKEEPER_PERSIST_INTERVAL", 2*time.Second),
		RestoreBatchSize: src.int("restore_batch_size", "GRAPHKEEPER_RESTORE_BATCH_SIZE", 100),

		CleanupInterval:    src.duration("cleanup_interval", "GRAPHKEEPER_CLEANUP_INTERVAL", 5*time.Minute),
		ApprovalTimeout:    src.duration("approval_timeout", "GRAPHKEEPER_APPROVAL_TIMEOUT", 10*time.Minute),
		CompletedRetention: src.duration("completed_retention", "GRAPHKEEPER_COMPLETED_RETENTION", 24*time.Hour),
		FailedRetention:    src.duration("failed_retention", "GRAPHKEEPER_FAILED_RETENTION", 7*24*time.Hour),

		S3Bucket:    src.str("s3_bucket", "GRAPHKEEPER_S3_BUCKET", ""),
		S3Region:    src.str("s3_region", "GRAPHKEEPER_S3_REGION", "us-east-1"),
		S3Endpoint:  src.str("s3_endpoint", "GRAPHKEEPER_S3_ENDPOINT", ""),
		S3Prefix:    src.str("s3_prefix", "GRAPHKEEPER_S3_PREFIX", "graphkeeper/"),
		S3AccessKey: src.str("s3_access_key", "GRAPHKEEPER_S3_ACCESS_KEY", ""),
		S3SecretKey: src.str("s3_secret_key", "GRAPHKEEPER_S3_SECRET_KEY", ""),

		ServerURL: src.str("server_url", "GRAPHKEEPER_URL", "http://localhost:8484"),

		LogFile:       src.str("log_file", "GRAPHKEEPER_LOG_FILE", filepath.Join(os.TempDir(), "graphkeeper.log")),
		LogLevel:      parseLogLevel(src.str("log_level", "GRAPHKEEPER_LOG_LEVEL", "INFO")),
		LogMaxSizeMB:  src.int("log_max_size_mb", "GRAPHKEEPER_LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: src.int("log_max_backups", "GRAPHKEEPER_LOG_MAX_BACKUPS", 3),
	}
	if err := errors.Join(src.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot run without.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case "surrealdb", "memory":
	default:
		errs = append(errs, fmt.Errorf("store must be surrealdb or memory, got %q", c.Store))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.RestoreBatchSize < 1 {
		errs = append(errs, fmt.Errorf("restore batch size must be at least 1, got %d", c.RestoreBatchSize))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval))
	}
	if c.ApprovalTimeout < 0 || c.CompletedRetention < 0 || c.FailedRetention < 0 {
		errs = append(errs, errors.New("approval timeout and retentions must not be negative"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".graphkeeper")
	}
	return filepath.Join(os.TempDir(), "graphkeeper")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
