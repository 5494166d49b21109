package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/pkg/utils/logger"
)

const (
	defaultRunStream = "run"
	defaultHTTPAddr  = "0.0.0.0:8086"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RunDefaultsConfig holds fallback limits for problems eliding them.
type RunDefaultsConfig struct {
	TimeMs   int64 `yaml:"timeMs"`
	MemoryKB int64 `yaml:"memoryKB"`
}

// AppConfig holds coordinator config.
type AppConfig struct {
	Server       ServerConfig         `yaml:"server"`
	Logger       logger.Config        `yaml:"logger"`
	Database     db.Config            `yaml:"database"`
	Stream       mq.RedisStreamConfig `yaml:"stream"`
	RunStream    string               `yaml:"runStream"`
	MinIO        storage.MinIOConfig  `yaml:"minio"`
	ArtifactRoot string               `yaml:"artifactRoot"`
	RunDefaults  RunDefaultsConfig    `yaml:"runDefaults"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Stream.Addr == "" {
		return nil, fmt.Errorf("stream redis addr is required")
	}
	if cfg.ArtifactRoot == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if cfg.MinIO.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.RunStream == "" {
		cfg.RunStream = defaultRunStream
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.RunDefaults.TimeMs <= 0 {
		cfg.RunDefaults.TimeMs = 2000
	}
	if cfg.RunDefaults.MemoryKB <= 0 {
		cfg.RunDefaults.MemoryKB = 256 * 1024
	}
	return &cfg, nil
}
