// Package config provides configuration loading for the imagepipe service.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the imagepipe service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Queue    QueueConfig    `mapstructure:"queue"`
	DLQ      QueueConfig    `mapstructure:"dlq"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Mailer   MailerConfig   `mapstructure:"mailer"`
	Source   SourceConfig   `mapstructure:"source"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORS         CORSConfig    `mapstructure:"cors"`
}

// CORSConfig allows browser dashboards to call the API. No origins means
// CORS is off.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// StoreConfig selects and configures the metadata store backend
type StoreConfig struct {
	Backend      string           `mapstructure:"backend"`
	TableName    string           `mapstructure:"table_name"`
	PartitionKey string           `mapstructure:"partition_key"`
	Region       string           `mapstructure:"region"`
	Redis        RedisConfig      `mapstructure:"redis"`
	Postgres     PostgresConfig   `mapstructure:"postgres"`
	DynamoDB     DynamoDBConfig   `mapstructure:"dynamodb"`
	OpenSearch   OpenSearchConfig `mapstructure:"opensearch"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN builds a postgres connection URL.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// DynamoDBConfig holds DynamoDB settings. Endpoint overrides the AWS
// endpoint (DynamoDB Local, LocalStack).
type DynamoDBConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
}

// BrokerConfig selects the topic transport
type BrokerConfig struct {
	Backend string `mapstructure:"backend"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// QueueConfig holds the delivery settings of a durable queue
type QueueConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	MaxBatchingWindow time.Duration `mapstructure:"max_batching_window"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReceiveCount   int           `mapstructure:"max_receive_count"`
	Retention         time.Duration `mapstructure:"retention"`
	Concurrency       int           `mapstructure:"concurrency"`
}

// WorkersConfig holds per-invocation deadlines of the workers
type WorkersConfig struct {
	ProcessTimeout    time.Duration `mapstructure:"process_timeout"`
	DeleteTimeout     time.Duration `mapstructure:"delete_timeout"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	DeleteMaxAttempts int           `mapstructure:"delete_max_attempts"`
	MemoryMB          int           `mapstructure:"memory_mb"`
}

// NotifierConfig holds failure-alert delivery settings
type NotifierConfig struct {
	Channel       string `mapstructure:"channel"`
	Recipient     string `mapstructure:"recipient"`
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Subject       string `mapstructure:"subject"`
}

// MailerConfig toggles the upload confirmation subscriber
type MailerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Recipient string `mapstructure:"recipient"`
}

// SourceConfig holds upstream event source settings
type SourceConfig struct {
	Minio MinioConfig `mapstructure:"minio"`
}

// MinioConfig configures the optional bucket-notification listener
type MinioConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Endpoint  string   `mapstructure:"endpoint"`
	AccessKey string   `mapstructure:"access_key"`
	SecretKey string   `mapstructure:"secret_key"`
	UseSSL    bool     `mapstructure:"use_ssl"`
	Bucket    string   `mapstructure:"bucket"`
	Prefix    string   `mapstructure:"prefix"`
	Suffix    string   `mapstructure:"suffix"`
	Events    []string `mapstructure:"events"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/imagepipe")
	}

	// Environment variables override (IMAGEPIPE_QUEUE_BATCH_SIZE, etc.)
	v.SetEnvPrefix("IMAGEPIPE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config - ignore file not found for defaults
	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.cors.max_age", 300)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.table_name", "Images")
	v.SetDefault("store.partition_key", "ImageName")
	v.SetDefault("store.region", "eu-west-1")
	v.SetDefault("store.redis.url", "redis://localhost:6379/0")
	v.SetDefault("store.redis.max_retries", 3)
	v.SetDefault("store.redis.pool_size", 10)
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "imagepipe")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.database", "imagepipe")
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.dynamodb.endpoint", "")
	v.SetDefault("store.opensearch.url", "https://localhost:9200")
	v.SetDefault("store.opensearch.username", "admin")
	v.SetDefault("store.opensearch.password", "")
	v.SetDefault("store.opensearch.insecure", true)

	v.SetDefault("broker.backend", "memory")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.max_batching_window", "10s")
	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.max_receive_count", 1)
	v.SetDefault("queue.retention", "96h")
	v.SetDefault("queue.concurrency", 1)

	v.SetDefault("dlq.batch_size", 5)
	v.SetDefault("dlq.max_batching_window", "10s")
	v.SetDefault("dlq.visibility_timeout", "30s")
	v.SetDefault("dlq.max_receive_count", 0)
	v.SetDefault("dlq.retention", "60s")
	v.SetDefault("dlq.concurrency", 1)

	v.SetDefault("workers.process_timeout", "15s")
	v.SetDefault("workers.delete_timeout", "15s")
	v.SetDefault("workers.notify_timeout", "3s")
	v.SetDefault("workers.delete_max_attempts", 1)
	v.SetDefault("workers.memory_mb", 1024)

	v.SetDefault("notifier.channel", "log")
	v.SetDefault("notifier.recipient", "ops@example.com")
	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.webhook_secret", "")
	v.SetDefault("notifier.subject", "alerts.outbound")

	v.SetDefault("mailer.enabled", true)
	v.SetDefault("mailer.recipient", "uploads@example.com")

	v.SetDefault("source.minio.enabled", false)
	v.SetDefault("source.minio.endpoint", "localhost:9000")
	v.SetDefault("source.minio.use_ssl", false)
	v.SetDefault("source.minio.events", []string{"s3:ObjectCreated:*", "s3:ObjectRemoved:*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres", "dynamodb", "opensearch":
	default:
		return fmt.Errorf("invalid store.backend %q", c.Store.Backend)
	}
	switch c.Broker.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("invalid broker.backend %q", c.Broker.Backend)
	}
	switch c.Notifier.Channel {
	case "log", "nats":
	case "webhook":
		if c.Notifier.WebhookURL == "" {
			return fmt.Errorf("notifier.webhook_url is required for the webhook channel")
		}
	default:
		return fmt.Errorf("invalid notifier.channel %q", c.Notifier.Channel)
	}

	if err := c.Queue.validate("queue"); err != nil {
		return err
	}
	if err := c.DLQ.validate("dlq"); err != nil {
		return err
	}
	if c.DLQ.Retention <= 0 {
		return fmt.Errorf("dlq.retention must be positive")
	}

	// The invocation deadline must fit inside the visibility window, otherwise
	// a message becomes visible again while its first attempt still runs.
	// A message stays invisible from hand-out, but the worker may also wait out
	// the batching window before its handler deadline starts.
	if c.Workers.ProcessTimeout <= 0 || c.Workers.ProcessTimeout+c.Queue.MaxBatchingWindow > c.Queue.VisibilityTimeout {
		return fmt.Errorf("workers.process_timeout plus queue.max_batching_window must be positive and not exceed queue.visibility_timeout")
	}
	if c.Workers.NotifyTimeout <= 0 || c.Workers.NotifyTimeout+c.DLQ.MaxBatchingWindow > c.DLQ.VisibilityTimeout {
		return fmt.Errorf("workers.notify_timeout plus dlq.max_batching_window must be positive and not exceed dlq.visibility_timeout")
	}
	if c.Workers.DeleteTimeout <= 0 {
		return fmt.Errorf("workers.delete_timeout must be positive")
	}
	if c.Workers.DeleteMaxAttempts < 1 {
		return fmt.Errorf("workers.delete_max_attempts must be at least 1")
	}

	return nil
}

func (q QueueConfig) validate(prefix string) error {
	if q.BatchSize < 1 {
		return fmt.Errorf("%s.batch_size must be at least 1", prefix)
	}
	if q.MaxBatchingWindow < 0 {
		return fmt.Errorf("%s.max_batching_window must not be negative", prefix)
	}
	if q.VisibilityTimeout <= 0 {
		return fmt.Errorf("%s.visibility_timeout must be positive", prefix)
	}
	if q.MaxReceiveCount < 0 {
		return fmt.Errorf("%s.max_receive_count must not be negative", prefix)
	}
	if q.Concurrency < 1 {
		return fmt.Errorf("%s.concurrency must be at least 1", prefix)
	}
	return nil
}
