package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/archive"
	"arbiter/internal/judge/compiler"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/pkg/utils/logger"
)

const (
	defaultCompileStream = "compile"
	defaultRunStream     = "run"
	defaultConsumerGroup = "arbiter-compilers"
)

// StreamConfig holds job stream settings.
type StreamConfig struct {
	Redis         mq.RedisStreamConfig `yaml:"redis"`
	CompileStream string               `yaml:"compileStream"`
	RunStream     string               `yaml:"runStream"`
	ConsumerGroup string               `yaml:"consumerGroup"`
	ConsumerName  string               `yaml:"consumerName"`
	BlockTimeout  time.Duration        `yaml:"blockTimeout"`
	MinIdle       time.Duration        `yaml:"minIdle"`
}

// CompileConfig holds compile pipeline settings.
type CompileConfig struct {
	TimeoutSeconds  int64                  `yaml:"timeoutSeconds"`
	ArchiveMaxBytes int64                  `yaml:"archiveMaxBytes"`
	ImageDefault    ImageConfig            `yaml:"imageDefault"`
	Images          map[string]ImageConfig `yaml:"images"`
}

// ImageConfig describes one compile image.
type ImageConfig struct {
	RootFS string `yaml:"rootfs"`
	Shell  string `yaml:"shell"`
}

// RunDefaultsConfig holds fallback limits for problems eliding them.
type RunDefaultsConfig struct {
	TimeMs   int64 `yaml:"timeMs"`
	MemoryKB int64 `yaml:"memoryKB"`
}

// AppConfig holds compile-worker config.
type AppConfig struct {
	Logger       logger.Config     `yaml:"logger"`
	Database     db.Config         `yaml:"database"`
	Redis        cache.RedisConfig `yaml:"redis"`
	Stream       StreamConfig      `yaml:"stream"`
	Sandbox      engine.Config     `yaml:"sandbox"`
	Compile      CompileConfig     `yaml:"compile"`
	RunDefaults  RunDefaultsConfig `yaml:"runDefaults"`
	ArtifactRoot string            `yaml:"artifactRoot"`
	Concurrency  int               `yaml:"workerConcurrency"`
	OutputCap    int64             `yaml:"outputSizeCapBytes"`
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
	if cfg.Stream.CompileStream == "" {
		cfg.Stream.CompileStream = defaultCompileStream
	}
	if cfg.Stream.RunStream == "" {
		cfg.Stream.RunStream = defaultRunStream
	}
	if cfg.Stream.ConsumerGroup == "" {
		cfg.Stream.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RunDefaults.TimeMs <= 0 {
		cfg.RunDefaults.TimeMs = 2000
	}
	if cfg.RunDefaults.MemoryKB <= 0 {
		cfg.RunDefaults.MemoryKB = 256 * 1024
	}
	return &cfg, nil
}

func (c *AppConfig) sandboxLimits() sandbox.Limits {
	limits := sandbox.DefaultLimits()
	if c.Compile.TimeoutSeconds > 0 {
		limits.CompileTimeoutMs = c.Compile.TimeoutSeconds * 1000
	}
	if c.OutputCap > 0 {
		limits.OutputCapBytes = c.OutputCap
	}
	return limits
}

func (c *AppConfig) archiveContract() archive.Contract {
	return archive.Contract{MaxArchiveBytes: c.Compile.ArchiveMaxBytes}
}

func (c *AppConfig) compileImages() (compiler.Images, error) {
	defaultShell, err := compiler.ParseShell(c.Compile.ImageDefault.Shell)
	if err != nil {
		return compiler.Images{}, err
	}
	images := compiler.Images{
		Default:    compiler.Image{RootFS: c.Compile.ImageDefault.RootFS, Shell: defaultShell},
		ByLanguage: make(map[string]compiler.Image, len(c.Compile.Images)),
	}
	for lang, img := range c.Compile.Images {
		shell, err := compiler.ParseShell(img.Shell)
		if err != nil {
			return compiler.Images{}, fmt.Errorf("image %s: %w", lang, err)
		}
		images.ByLanguage[lang] = compiler.Image{RootFS: img.RootFS, Shell: shell}
	}
	return images, nil
}
