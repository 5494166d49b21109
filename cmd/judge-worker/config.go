package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/judge"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/pkg/utils/logger"
)

const (
	defaultRunStream     = "run"
	defaultConsumerGroup = "arbiter-judges"
	defaultHTTPAddr      = "0.0.0.0:8085"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultStatusTTL     = time.Hour
)

// ServerConfig holds HTTP server settings for the status endpoint.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// StreamConfig holds job stream settings.
type StreamConfig struct {
	Redis         mq.RedisStreamConfig `yaml:"redis"`
	RunStream     string               `yaml:"runStream"`
	ConsumerGroup string               `yaml:"consumerGroup"`
	ConsumerName  string               `yaml:"consumerName"`
	BlockTimeout  time.Duration        `yaml:"blockTimeout"`
	MinIdle       time.Duration        `yaml:"minIdle"`
}

// ExecutionConfig holds generate/check/run limit knobs.
type ExecutionConfig struct {
	GenerateTimeoutSeconds int64 `yaml:"generateTimeoutSeconds"`
	GenerateMemoryBytes    int64 `yaml:"generateMemoryBytes"`
	CheckTimeoutSeconds    int64 `yaml:"checkTimeoutSeconds"`
	CheckMemoryBytes       int64 `yaml:"checkMemoryBytes"`
	RunMaxThreadsCap       int64 `yaml:"runMaxThreadsCap"`
	OutputSizeCapBytes     int64 `yaml:"outputSizeCapBytes"`
}

// StatusConfig holds status cache settings.
type StatusConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// EventsConfig holds verdict event publishing settings.
type EventsConfig struct {
	Kafka        mq.KafkaConfig `yaml:"kafka"`
	VerdictTopic string         `yaml:"verdictTopic"`
}

// AppConfig holds judge-worker config.
type AppConfig struct {
	Server        ServerConfig      `yaml:"server"`
	Logger        logger.Config     `yaml:"logger"`
	Database      db.Config         `yaml:"database"`
	Redis         cache.RedisConfig `yaml:"redis"`
	Stream        StreamConfig      `yaml:"stream"`
	Sandbox       engine.Config     `yaml:"sandbox"`
	Execution     ExecutionConfig   `yaml:"execution"`
	Status        StatusConfig      `yaml:"status"`
	Events        EventsConfig      `yaml:"events"`
	RunImage      string            `yaml:"runImage"`
	ArtifactRoot  string            `yaml:"artifactRoot"`
	Concurrency   int               `yaml:"workerConcurrency"`
	CacheLockWait time.Duration     `yaml:"cacheLockWait"`
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
	if cfg.Stream.Redis.Addr == "" {
		return nil, fmt.Errorf("stream redis addr is required")
	}
	if cfg.ArtifactRoot == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if cfg.Stream.RunStream == "" {
		cfg.Stream.RunStream = defaultRunStream
	}
	if cfg.Stream.ConsumerGroup == "" {
		cfg.Stream.ConsumerGroup = defaultConsumerGroup
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
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Events.VerdictTopic == "" {
		cfg.Events.VerdictTopic = "judge.verdict.final"
	}
	return &cfg, nil
}

func (c *AppConfig) sandboxLimits() sandbox.Limits {
	limits := sandbox.DefaultLimits()
	if c.Execution.GenerateTimeoutSeconds > 0 {
		limits.GenerateTimeoutMs = c.Execution.GenerateTimeoutSeconds * 1000
	}
	if c.Execution.GenerateMemoryBytes > 0 {
		limits.GenerateMemoryKB = c.Execution.GenerateMemoryBytes / 1024
	}
	if c.Execution.CheckTimeoutSeconds > 0 {
		limits.CheckTimeoutMs = c.Execution.CheckTimeoutSeconds * 1000
	}
	if c.Execution.CheckMemoryBytes > 0 {
		limits.CheckMemoryKB = c.Execution.CheckMemoryBytes / 1024
	}
	if c.Execution.RunMaxThreadsCap > 0 {
		limits.RunMaxThreadsCap = c.Execution.RunMaxThreadsCap
	}
	if c.Execution.OutputSizeCapBytes > 0 {
		limits.OutputCapBytes = c.Execution.OutputSizeCapBytes
	}
	return limits
}

func (c *AppConfig) runImage() judge.RunImage {
	return judge.RunImage{RootFS: c.RunImage}
}
