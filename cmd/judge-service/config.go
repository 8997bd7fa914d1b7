package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"contestjudge/internal/common/auth"
	"contestjudge/internal/common/cache"
	"contestjudge/internal/common/db"
	"contestjudge/internal/common/mq"
	"contestjudge/internal/common/storage"
	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/sandbox"
	"contestjudge/internal/judge/service"
	"contestjudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStatusTTL       = 24 * time.Hour
	defaultLifetimeSlack   = 5 * time.Second
)

// ServerConfig holds HTTP server settings. WriteTimeout applies to plain
// HTTP routes; hijacked websocket connections manage their own deadlines.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings. Leaving brokers empty disables the queue.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	JudgeTopic    string        `yaml:"judgeTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Timeout    time.Duration `yaml:"timeout"`
	FinalTopic string        `yaml:"finalTopic"`
}

// SourceConfig holds source archive settings.
type SourceConfig struct {
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// JudgeConfig holds grading settings.
type JudgeConfig struct {
	Mode            string        `yaml:"mode"`
	PoolSize        int           `yaml:"poolSize"`
	SlotWait        time.Duration `yaml:"slotWait"`
	MaxCodeBytes    int           `yaml:"maxCodeBytes"`
	IdempotencyTTL  time.Duration `yaml:"idempotencyTTL"`
	TeardownTimeout time.Duration `yaml:"teardownTimeout"`
	DBTimeout       time.Duration `yaml:"dbTimeout"`
	CacheTimeout    time.Duration `yaml:"cacheTimeout"`
	MQTimeout       time.Duration `yaml:"mqTimeout"`
}

// RateLimitConfig holds per-user submission throttling.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	Window  time.Duration `yaml:"window"`
}

// ProgressConfig holds progress channel settings.
type ProgressConfig struct {
	QueueSize  int           `yaml:"queueSize"`
	PingPeriod time.Duration `yaml:"pingPeriod"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Logger    logger.Config         `yaml:"logger"`
	Auth      auth.Config           `yaml:"auth"`
	Database  db.MySQLConfig        `yaml:"database"`
	Redis     cache.RedisConfig     `yaml:"redis"`
	MinIO     storage.MinIOConfig   `yaml:"minio"`
	Kafka     KafkaConfig           `yaml:"kafka"`
	Status    StatusConfig          `yaml:"status"`
	Source    SourceConfig          `yaml:"source"`
	Judge     JudgeConfig           `yaml:"judge"`
	RateLimit RateLimitConfig       `yaml:"rateLimit"`
	Progress  ProgressConfig        `yaml:"progress"`
	Sandbox   sandbox.ProcessConfig `yaml:"sandbox"`
	Languages []language.Row        `yaml:"languages"`
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
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	cfg.Redis.ApplyDefaults()

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

	cfg.Judge.Mode = strings.ToLower(strings.TrimSpace(cfg.Judge.Mode))
	if cfg.Judge.Mode == "" {
		cfg.Judge.Mode = string(service.ModeAsync)
	}
	switch service.Mode(cfg.Judge.Mode) {
	case service.ModeAsync:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required in async mode")
		}
	case service.ModeSync:
	default:
		return fmt.Errorf("unknown judge mode %q", cfg.Judge.Mode)
	}
	if cfg.Judge.PoolSize <= 0 {
		cfg.Judge.PoolSize = 1
	}
	if cfg.Kafka.JudgeTopic == "" {
		cfg.Kafka.JudgeTopic = "judge.tasks"
	}
	if cfg.Kafka.Concurrency <= 0 {
		cfg.Kafka.Concurrency = cfg.Judge.PoolSize
	}

	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Status.FinalTopic == "" {
		cfg.Status.FinalTopic = "judge.status.final"
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = cfg.MinIO.Bucket
	}
	if cfg.MinIO.Endpoint != "" && cfg.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required when minio is configured")
	}
	if cfg.Sandbox.LifetimeSlack == 0 {
		cfg.Sandbox.LifetimeSlack = defaultLifetimeSlack
	}
	return nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (j JudgeConfig) timeouts(storageTimeout, statusTimeout time.Duration) service.TimeoutConfig {
	return service.TimeoutConfig{
		DB:      j.DBTimeout,
		Cache:   j.CacheTimeout,
		MQ:      j.MQTimeout,
		Storage: storageTimeout,
		Status:  statusTimeout,
	}
}
