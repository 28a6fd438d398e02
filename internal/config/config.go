package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pdfbot/internal/models"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Limits      LimitsConfig              `json:"limits" yaml:"limits"`
	Features    map[string]bool           `json:"features" yaml:"features"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Admin       AdminConfig               `json:"admin" yaml:"admin"`
	Webhook     WebhookConfig             `json:"webhook" yaml:"webhook"`
	Log         LogConfig                 `json:"log" yaml:"log"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	StorageRoot       string `json:"storage_root" yaml:"storage_root"`
	Database          string `json:"database" yaml:"database"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
}

// LimitsConfig bounds uploads, sessions and concurrent work. Durations are in minutes.
type LimitsConfig struct {
	MaxFileSizeMB           int64 `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxPages                int   `json:"max_pages" yaml:"max_pages"`
	MaxFilesPerOperation    int   `json:"max_files_per_operation" yaml:"max_files_per_operation"`
	MaxConcurrentDispatches int   `json:"max_concurrent_dispatches" yaml:"max_concurrent_dispatches"`
	MaxInvalidAttempts      int   `json:"max_invalid_attempts" yaml:"max_invalid_attempts"`
	SessionIdleTimeout      int   `json:"session_idle_timeout" yaml:"session_idle_timeout"`
	SweepInterval           int   `json:"sweep_interval" yaml:"sweep_interval"`
	FileRetention           int   `json:"file_retention" yaml:"file_retention"`
	RequestsPerMinute       int   `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour         int   `json:"requests_per_hour" yaml:"requests_per_hour"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type AdminConfig struct {
	IDs    []int64 `json:"ids" yaml:"ids"`
	APIKey string  `json:"api_key" yaml:"api_key"`
}

type WebhookConfig struct {
	Secret     string `json:"secret" yaml:"secret"`
	HeaderName string `json:"header_name" yaml:"header_name"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

const (
	DefaultServerAddress           = ":8090"
	DefaultStorageRoot             = "./data/files"
	DefaultDatabase                = "sqlite3"
	DefaultMaxFileSizeMB           = 50
	DefaultMaxPages                = 1000
	DefaultMaxFilesPerOperation    = 20
	DefaultMaxConcurrentDispatches = 4
	DefaultMaxInvalidAttempts      = 3
	DefaultSessionIdleTimeout      = 15
	DefaultSweepInterval           = 60
	DefaultFileRetention           = 30
	DefaultRequestsPerMinute       = 10
	DefaultRequestsPerHour         = 100
)

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(absPath)
	if !filepath.IsAbs(cfg.BasicConfig.StorageRoot) {
		cfg.BasicConfig.StorageRoot = filepath.Join(baseDir, cfg.BasicConfig.StorageRoot)
	}
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// ApplyDefaults fills zero values with the built-in defaults.
func (c *Config) ApplyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.StorageRoot == "" {
		b.StorageRoot = DefaultStorageRoot
	}
	if b.Database == "" {
		b.Database = DefaultDatabase
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}

	l := &c.Limits
	if l.MaxFileSizeMB <= 0 {
		l.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if l.MaxPages <= 0 {
		l.MaxPages = DefaultMaxPages
	}
	if l.MaxFilesPerOperation <= 0 {
		l.MaxFilesPerOperation = DefaultMaxFilesPerOperation
	}
	if l.MaxConcurrentDispatches <= 0 {
		l.MaxConcurrentDispatches = DefaultMaxConcurrentDispatches
	}
	if l.MaxInvalidAttempts <= 0 {
		l.MaxInvalidAttempts = DefaultMaxInvalidAttempts
	}
	if l.SessionIdleTimeout <= 0 {
		l.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if l.SweepInterval <= 0 {
		l.SweepInterval = DefaultSweepInterval
	}
	if l.FileRetention <= 0 {
		l.FileRetention = DefaultFileRetention
	}
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if l.RequestsPerHour <= 0 {
		l.RequestsPerHour = DefaultRequestsPerHour
	}

	// the pool must be able to run every admitted dispatch at once
	if b.MaxWorkers < l.MaxConcurrentDispatches {
		b.MaxWorkers = l.MaxConcurrentDispatches
	}
	if b.QueueSize <= 0 {
		b.QueueSize = l.MaxConcurrentDispatches * 4
	}

	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
	if _, ok := c.Databases[b.Database]; !ok && isSQLite(b.Database) {
		c.Databases[b.Database] = DatabaseConfig{DSN: "./data/pdfbot.db"}
	}
	if c.Webhook.HeaderName == "" {
		c.Webhook.HeaderName = "X-Webhook-Secret"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	if c.Limits.MaxInvalidAttempts < 1 {
		return fmt.Errorf("max_invalid_attempts must be at least 1")
	}
	if c.Limits.FileRetention <= c.Limits.SessionIdleTimeout {
		// the sweep must never reap files of a session that may still be waiting for input
		return fmt.Errorf("file_retention (%d) must exceed session_idle_timeout (%d)", c.Limits.FileRetention, c.Limits.SessionIdleTimeout)
	}
	for name := range c.Features {
		if !isKnownFeature(name) {
			return fmt.Errorf("unknown feature %q", name)
		}
	}
	return nil
}

// FeatureEnabled reports whether the named operation may be offered. Unlisted features are enabled.
func (c *Config) FeatureEnabled(name string) bool {
	enabled, ok := c.Features[name]
	return !ok || enabled
}

// IsAdmin reports whether userID is configured as an administrator.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (l LimitsConfig) MaxFileSizeBytes() int64 {
	return l.MaxFileSizeMB * 1024 * 1024
}

func (l LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(l.SessionIdleTimeout) * time.Minute
}

func (l LimitsConfig) SweepEvery() time.Duration {
	return time.Duration(l.SweepInterval) * time.Minute
}

func (l LimitsConfig) RetentionAge() time.Duration {
	return time.Duration(l.FileRetention) * time.Minute
}

func (b BasicConfig) WorkerIdle() time.Duration {
	return time.Duration(b.WorkerIdleTimeout) * time.Minute
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PDFBOT_STORAGE_ROOT"); v != "" {
		c.BasicConfig.StorageRoot = v
	}
	if v := os.Getenv("PDFBOT_SERVER_ADDRESS"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("PDFBOT_DB"); v != "" {
		c.BasicConfig.Database = v
	}
	if v := os.Getenv("PDFBOT_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("PDFBOT_ADMIN_KEY"); v != "" {
		c.Admin.APIKey = v
	}
	if v := os.Getenv("PDFBOT_ADMIN_IDS"); v != "" {
		c.Admin.IDs = c.Admin.IDs[:0]
		for _, part := range strings.Split(v, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				c.Admin.IDs = append(c.Admin.IDs, id)
			}
		}
	}
	if v := os.Getenv("PDFBOT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PDFBOT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

func isKnownFeature(name string) bool {
	return models.OperationKind(name).Valid()
}
