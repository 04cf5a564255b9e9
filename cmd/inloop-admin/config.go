package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	"inloop/internal/common/settings"
	"inloop/internal/sandbox"
	"inloop/internal/task/loader"
	"inloop/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

// SubmissionConfig is the part of the submission settings operator
// commands need.
type SubmissionConfig struct {
	MediaRoot         string        `yaml:"mediaRoot"`
	MaxSubmissions    int           `yaml:"maxSubmissions"`
	DeadlineTolerance time.Duration `yaml:"deadlineTolerance"`
	AllowedExtensions string        `yaml:"allowedExtensions"`
}

// AppConfig holds inloop-admin configuration. It reads the server's config
// file and ignores the sections it has no use for.
type AppConfig struct {
	Logger     logger.Config     `yaml:"logger"`
	Database   db.MySQLConfig    `yaml:"database"`
	Redis      cache.RedisConfig `yaml:"redis"`
	Sandbox    sandbox.Config    `yaml:"sandbox"`
	Loader     loader.Config     `yaml:"loader"`
	Submission SubmissionConfig  `yaml:"submission"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := AppConfig{
		Submission: SubmissionConfig{MaxSubmissions: -1},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
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
	cfg.Sandbox.ApplyDefaults()
	cfg.Loader.ApplyDefaults()
	if cfg.Loader.Dir == "" {
		cfg.Loader.Dir = "/var/lib/inloop/git"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
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
