package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "./api/configs/local.yaml"

	pathEnv   = "ASR_CONFIG"
	apiKeyEnv = "VOLC_API_KEY"
)

type Config struct {
	LogLevel        string        `yaml:"log_level"`
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	SQLite  SQLite  `yaml:"sqlite"`
	ASR     ASR     `yaml:"asr"`
	Probe   Probe   `yaml:"probe"`
	Poller  Poller  `yaml:"poller"`
	Sync    Sync    `yaml:"sync"`
	Redis   Redis   `yaml:"redis"`
	MinIO   MinIO   `yaml:"minio"`
	NATS    NATS    `yaml:"nats"`
	Archive Archive `yaml:"archive"`
}

type SQLite struct {
	DSN string `yaml:"dsn"`
}

type ASR struct {
	SubmitURL  string        `yaml:"submit_url"`
	QueryURL   string        `yaml:"query_url"`
	APIKey     string        `yaml:"api_key"`
	ResourceID string        `yaml:"resource_id"`
	UID        string        `yaml:"uid"`
	ModelName  string        `yaml:"model_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Probe struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Poller struct {
	Enabled              *bool         `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	Concurrency          int           `yaml:"concurrency"`
	MaxTransientFailures int           `yaml:"max_transient_failures"`
	StopTimeout          time.Duration `yaml:"stop_timeout"`
	LeaseKey             string        `yaml:"lease_key"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
}

type Sync struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	MaxAttemptsCap int           `yaml:"max_attempts_cap"`
	Interval       time.Duration `yaml:"interval"`
}

type Redis struct {
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	BasePath        string `yaml:"base_path"`
}

type NATS struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	Subject        string        `yaml:"subject"`
	Stream         string        `yaml:"stream"`
	MaxAge         time.Duration `yaml:"max_age"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type Archive struct {
	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`
	MaxRetries    int `yaml:"max_retries"`
}

// Path returns the config file location, honouring ASR_CONFIG.
func Path() string {
	if p := os.Getenv(pathEnv); p != "" {
		return p
	}
	return DefaultPath
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	if key := os.Getenv(apiKeyEnv); key != "" {
		cfg.ASR.APIKey = key
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.SQLite.DSN == "" {
		c.SQLite.DSN = "asr_tasks.db"
	}
	if c.ASR.SubmitURL == "" {
		c.ASR.SubmitURL = "https://openspeech.bytedance.com/api/v3/auc/bigmodel/submit"
	}
	if c.ASR.QueryURL == "" {
		c.ASR.QueryURL = "https://openspeech.bytedance.com/api/v3/auc/bigmodel/query"
	}
	if c.ASR.Timeout <= 0 {
		c.ASR.Timeout = 30 * time.Second
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = 10 * time.Second
	}
	if c.Poller.Enabled == nil {
		enabled := true
		c.Poller.Enabled = &enabled
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = 5 * time.Second
	}
	if c.Poller.QueryTimeout <= 0 {
		c.Poller.QueryTimeout = 30 * time.Second
	}
	if c.Poller.StopTimeout <= 0 {
		c.Poller.StopTimeout = 10 * time.Second
	}
	if c.Poller.LeaseKey == "" {
		c.Poller.LeaseKey = "asr:poller:lease"
	}
	if c.Poller.LeaseTTL <= 0 {
		c.Poller.LeaseTTL = c.minLeaseTTL()
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 30
	}
	if c.Sync.MaxAttemptsCap <= 0 {
		c.Sync.MaxAttemptsCap = 120
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 3 * time.Second
	}
	if c.Redis.IdempotencyTTL <= 0 {
		c.Redis.IdempotencyTTL = 24 * time.Hour
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "asr-api"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "asr.tasks"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "ASR_TASKS"
	}
	if c.NATS.MaxAge <= 0 {
		c.NATS.MaxAge = 7 * 24 * time.Hour
	}
	if c.NATS.PublishTimeout <= 0 {
		c.NATS.PublishTimeout = 5 * time.Second
	}
	if c.Archive.QueueCapacity <= 0 {
		c.Archive.QueueCapacity = 100
	}
	if c.Archive.PoolSize <= 0 {
		c.Archive.PoolSize = 2
	}
	if c.Archive.MaxRetries <= 0 {
		c.Archive.MaxRetries = 3
	}
}

func (c *Config) validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.ASR.APIKey == "" {
		return errors.New("asr.api_key is empty (set it or " + apiKeyEnv + ")")
	}
	if c.Sync.MaxAttempts > c.Sync.MaxAttemptsCap {
		return fmt.Errorf("sync.max_attempts %d exceeds sync.max_attempts_cap %d",
			c.Sync.MaxAttempts, c.Sync.MaxAttemptsCap)
	}
	if c.Poller.LeaseTTL < c.minLeaseTTL() {
		return fmt.Errorf("poller.lease_ttl %s is shorter than query_timeout + interval (%s)",
			c.Poller.LeaseTTL, c.minLeaseTTL())
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		return errors.New("minio.bucket is empty")
	}
	return nil
}

// minLeaseTTL keeps a tick lease alive across one full task query.
func (c *Config) minLeaseTTL() time.Duration {
	return c.Poller.QueryTimeout + c.Poller.Interval
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

func (c *Config) PollerEnabled() bool {
	return c.Poller.Enabled == nil || *c.Poller.Enabled
}
