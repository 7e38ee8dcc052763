package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration for the worker.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Addr        string `env:"WORKER_ADDR" envDefault:":3000"`
	DatabaseURL string `env:"DATABASE_URL"`
	DockerHost  string `env:"DOCKER_HOST"`
	Workdir     string `env:"WORKER_WORKDIR" envDefault:"/tmp/nur"`

	ManifestFile string `env:"MANIFEST_FILE" envDefault:"nurfile.yaml"`

	Build   BuildConfig
	Images  ImageConfig
	Storage StorageConfig
	Redis   RedisConfig
	GitHub  GitHubConfig

	GitTimeout    time.Duration `env:"GIT_TIMEOUT" envDefault:"60s"`
	LedgerTimeout time.Duration `env:"LEDGER_TIMEOUT" envDefault:"10s"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"2m"`
}

// BuildConfig bounds each function build container.
type BuildConfig struct {
	Timeout     time.Duration `env:"BUILD_TIMEOUT" envDefault:"60s"`
	MemoryBytes int64         `env:"BUILD_MEMORY_BYTES" envDefault:"1073741824"`
	UID         uint32        `env:"BUILD_UID" envDefault:"1000"`
	GID         uint32        `env:"BUILD_GID" envDefault:"1000"`
	MaxParallel int           `env:"BUILD_MAX_PARALLEL" envDefault:"0"`

	// Exit137AsSuccess keeps the compatibility shim for engines that report 137
	// on the first exec of a fresh container. It also hides real OOM kills.
	Exit137AsSuccess bool `env:"EXIT137_AS_SUCCESS" envDefault:"true"`
}

// ImageConfig overrides the builder image used for each template.
type ImageConfig struct {
	Rust string `env:"IMAGE_RUST" envDefault:"ghcr.io/fisirc/rust-builder:latest"`
	Node string `env:"IMAGE_NODE" envDefault:"nur/node-builder"`
	Go   string `env:"IMAGE_GO" envDefault:"nur/go-builder"`
}

// StorageConfig selects the artifact bucket.
type StorageConfig struct {
	Bucket       string `env:"S3_BUCKET"`
	Endpoint     string `env:"S3_ENDPOINT"`
	Region       string `env:"AWS_REGION" envDefault:"us-west-2"`
	UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`

	// Static keys for S3-compatible stores; empty falls back to the default AWS chain.
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	LocalDir  string `env:"ARTIFACT_DIR"`
}

// RedisConfig configures webhook delivery dedupe. An empty address keeps it in memory.
type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	DeliveryTTL time.Duration `env:"DELIVERY_TTL" envDefault:"24h"`
}

// GitHubConfig holds the GitHub App credentials.
type GitHubConfig struct {
	AppID          string `env:"GITHUB_APP_ID"`
	PrivateKeyPath string `env:"GITHUB_PRIVATE_KEY_PATH"`
	WebhookSecret  string `env:"GITHUB_WEBHOOK_SECRET"`
	APIURL         string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`
	CheckName      string `env:"GITHUB_CHECK_NAME" envDefault:"nur build"`
}

// Load constructs a Config from environment variables.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c Config) Validate() error {
	if c.Workdir == "" {
		return errors.New("WORKER_WORKDIR cannot be empty")
	}
	if c.Build.Timeout <= 0 {
		return errors.New("BUILD_TIMEOUT must be positive")
	}
	if c.Build.MemoryBytes <= 0 {
		return errors.New("BUILD_MEMORY_BYTES must be positive")
	}
	if c.Build.UID == 0 || c.Build.GID == 0 {
		return errors.New("BUILD_UID and BUILD_GID must not be root")
	}
	if c.Build.MaxParallel < 0 {
		return errors.New("BUILD_MAX_PARALLEL cannot be negative")
	}
	return nil
}

// ServeReady reports what the webhook server is missing, if anything.
func (c Config) ServeReady() error {
	var errs []error
	if c.GitHub.AppID == "" {
		errs = append(errs, errors.New("GITHUB_APP_ID is required"))
	}
	if c.GitHub.PrivateKeyPath == "" {
		errs = append(errs, errors.New("GITHUB_PRIVATE_KEY_PATH is required"))
	}
	if c.GitHub.WebhookSecret == "" {
		errs = append(errs, errors.New("GITHUB_WEBHOOK_SECRET is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required"))
	}
	return errors.Join(errs...)
}
