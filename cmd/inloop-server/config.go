package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/common/mq"
	"inloop/internal/common/settings"
	"inloop/internal/common/storage"
	"inloop/internal/sandbox"
	"inloop/internal/task/loader"
	"inloop/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8000"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// AllowedOrigins restricts websocket upgrades; empty means same origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// SubmissionConfig holds submission settings. MaxSubmissions,
// DeadlineTolerance and AllowedExtensions are the defaults of the
// corresponding runtime settings.
type SubmissionConfig struct {
	MediaRoot         string        `yaml:"mediaRoot"`
	MaxSubmissions    int           `yaml:"maxSubmissions"`
	DeadlineTolerance time.Duration `yaml:"deadlineTolerance"`
	AllowedExtensions string        `yaml:"allowedExtensions"`
	LostTimeout       time.Duration `yaml:"lostTimeout"`
	MaxUploadBytes    int64         `yaml:"maxUploadBytes"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
	EmptyTTL          time.Duration `yaml:"emptyTTL"`
	ArchiveBucket     string        `yaml:"archiveBucket"`
}

// CheckerConfig holds check dispatcher settings.
type CheckerConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"`
	PersistTimeout time.Duration `yaml:"persistTimeout"`
	Topic          string        `yaml:"topic"`
}

// AppConfig holds inloop-server configuration.
type AppConfig struct {
	Server      ServerConfig        `yaml:"server"`
	Logger      logger.Config       `yaml:"logger"`
	Database    db.MySQLConfig      `yaml:"database"`
	Redis       cache.RedisConfig   `yaml:"redis"`
	Kafka       mq.KafkaConfig      `yaml:"kafka"`
	MinIO       storage.MinIOConfig `yaml:"minio"`
	Auth        AuthConfig          `yaml:"auth"`
	Sandbox     sandbox.Config      `yaml:"sandbox"`
	Loader      loader.Config       `yaml:"loader"`
	Submission  SubmissionConfig    `yaml:"submission"`
	Checker     CheckerConfig       `yaml:"checker"`
	AutoMigrate bool                `yaml:"autoMigrate"`
	LoadOnStart bool                `yaml:"loadOnStart"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := AppConfig{
		Submission: SubmissionConfig{MaxSubmissions: -1},
	}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}

	if cfg.Submission.MediaRoot == "" {
		cfg.Submission.MediaRoot = "/var/lib/inloop/media"
	}
	if !filepath.IsAbs(cfg.Submission.MediaRoot) {
		return nil, fmt.Errorf("submission.mediaRoot must be an absolute path")
	}
	if cfg.Submission.AllowedExtensions == "" {
		cfg.Submission.AllowedExtensions = ".java"
	}
	if cfg.Submission.CacheTTL == 0 {
		cfg.Submission.CacheTTL = 10 * time.Minute
	}
	if cfg.Submission.EmptyTTL == 0 {
		cfg.Submission.EmptyTTL = time.Minute
	}
	if cfg.Submission.ArchiveBucket == "" {
		cfg.Submission.ArchiveBucket = cfg.MinIO.Bucket
	}

	if cfg.Checker.Topic == "" {
		cfg.Checker.Topic = "inloop.submission.checked"
	}

	cfg.Sandbox.ApplyDefaults()
	if cfg.Sandbox.ScratchRoot == "" {
		cfg.Sandbox.ScratchRoot = filepath.Join(os.TempDir(), "inloop-checks")
	}
	cfg.Loader.ApplyDefaults()
	if cfg.Loader.Dir == "" {
		cfg.Loader.Dir = "/var/lib/inloop/git"
	}
	return &cfg, nil
}

func settingsDefaults(cfg *AppConfig) map[string]string {
	return map[string]string{
		settings.MaxSubmissions:            strconv.Itoa(cfg.Submission.MaxSubmissions),
		settings.DeadlineTolerance:         strconv.Itoa(int(cfg.Submission.DeadlineTolerance / time.Second)),
		settings.AllowedFilenameExtensions: cfg.Submission.AllowedExtensions,
		settings.GitloadURL:                cfg.Loader.URL,
		settings.GitloadBranch:             cfg.Loader.Branch,
	}
}
