package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Broker BrokerConfig
	Outbox OutboxConfig
	Bus    BusConfig
	Saga   SagaConfig
	Admin  AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"EVENTBUS_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"EVENTBUS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"EVENTBUS_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"EVENTBUS_DB_DSN" required:"true"`

	MaxOpenConns    int           `envconfig:"EVENTBUS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTBUS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTBUS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTBUS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTBUS_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"EVENTBUS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTBUS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTBUS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTBUS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTBUS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// BrokerConfig carries the connection parameters for the Pub/Sub driver.
type BrokerConfig struct {
	ProjectID     string        `envconfig:"EVENTBUS_BROKER_PROJECT_ID"`
	TopicPrefix   string        `envconfig:"EVENTBUS_BROKER_TOPIC_PREFIX" default:"eventbus"`
	Subscription  string        `envconfig:"EVENTBUS_BROKER_SUBSCRIPTION"`
	ConsumerGroup string        `envconfig:"EVENTBUS_BROKER_CONSUMER_GROUP" default:"eventbus-core"`
	SendTimeout   time.Duration `envconfig:"EVENTBUS_BROKER_SEND_TIMEOUT" default:"15s"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"EVENTBUS_OUTBOX_BATCH_SIZE" default:"50"`
	MaxRetries     int           `envconfig:"EVENTBUS_OUTBOX_MAX_RETRIES" default:"10"`
	BaseBackoff    time.Duration `envconfig:"EVENTBUS_OUTBOX_BASE_BACKOFF" default:"1s"`
	MaxBackoff     time.Duration `envconfig:"EVENTBUS_OUTBOX_MAX_BACKOFF" default:"60s"`
	JitterFraction float64       `envconfig:"EVENTBUS_OUTBOX_JITTER_FRACTION" default:"0.2"`
	LeaseTimeout   time.Duration `envconfig:"EVENTBUS_OUTBOX_LEASE_TIMEOUT" default:"2m"`
	WorkerPoolSize int           `envconfig:"EVENTBUS_OUTBOX_WORKER_POOL_SIZE" default:"8"`
	PollInterval   time.Duration `envconfig:"EVENTBUS_OUTBOX_POLL_INTERVAL" default:"500ms"`
	SweepInterval  time.Duration `envconfig:"EVENTBUS_OUTBOX_SWEEP_INTERVAL" default:"30s"`
}

type BusConfig struct {
	PublishTimeout time.Duration `envconfig:"EVENTBUS_BUS_PUBLISH_TIMEOUT" default:"15s"`
	RetryMax       int           `envconfig:"EVENTBUS_BUS_RETRY_MAX" default:"3"`
	RetryBase      time.Duration `envconfig:"EVENTBUS_BUS_RETRY_BASE" default:"200ms"`
	IdempotencyTTL time.Duration `envconfig:"EVENTBUS_BUS_IDEMPOTENCY_TTL" default:"24h"`
}

type SagaConfig struct {
	CompensationRetries int           `envconfig:"EVENTBUS_SAGA_COMPENSATION_RETRIES" default:"3"`
	StepTimeout         time.Duration `envconfig:"EVENTBUS_SAGA_STEP_TIMEOUT" default:"5m"`
}

type AdminConfig struct {
	Port string `envconfig:"EVENTBUS_ADMIN_PORT" default:"8086"`
}
