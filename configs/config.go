package configs

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	NodeID              string `envconfig:"NODE_ID"`
	ServerPort          string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel            string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	StoreBackend        string `envconfig:"STORE_BACKEND" default:"postgres" validate:"oneof=postgres sqlite"`
	SQLitePath          string `envconfig:"SQLITE_PATH" default:"scheduler.db"`
	CoordinationBackend string `envconfig:"COORDINATION_BACKEND" default:"redis" validate:"oneof=redis etcd memory"`
	Database            DatabaseConfig
	RabbitMQ            RabbitMQConfig
	RedisConfig         RedisConfig
	Etcd                EtcdConfig
	Leader              LeaderConfig
	Scheduler           SchedulerConfig
	Retry               RetryConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"4" validate:"min=1"`
}

type RabbitMQConfig struct {
	Username        string `envconfig:"RABBIT_USERNAME"`
	Password        string `envconfig:"RABBIT_PASSWORD"`
	Host            string `envconfig:"RABBIT_HOST"`
	Port            string `envconfig:"RABBIT_PORT"`
	EventsQueueName string `envconfig:"EVENTS_QUEUE_NAME" default:"task_events"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

type EtcdConfig struct {
	Endpoints          []string `envconfig:"ETCD_ENDPOINTS" default:"localhost:2379"`
	DialTimeoutSeconds int64    `envconfig:"ETCD_DIAL_TIMEOUT_SECONDS" default:"5" validate:"min=1"`
}

type LeaderConfig struct {
	Key                  string `envconfig:"LEADER_KEY" default:"/task/leader" validate:"required"`
	LeaseTTLSeconds      int64  `envconfig:"LEASE_TTL_SECONDS" default:"10" validate:"min=1"`
	ElectionRetrySeconds int64  `envconfig:"ELECTION_RETRY_SECONDS" default:"5" validate:"min=1"`
}

type SchedulerConfig struct {
	PollIntervalMillis int64 `envconfig:"POLL_INTERVAL_MILLIS" default:"1000" validate:"min=10"`
	MaxConcurrency     int   `envconfig:"MAX_CONCURRENCY" default:"4" validate:"min=1"`
	BatchSize          int   `envconfig:"BATCH_SIZE" default:"100" validate:"min=1"`
	TaskTimeoutSeconds int64 `envconfig:"TASK_TIMEOUT_SECONDS" default:"0" validate:"min=0"`
	// StaleAfterSeconds of 0 means twice the lease TTL
	StaleAfterSeconds int64 `envconfig:"STALE_AFTER_SECONDS" default:"0" validate:"min=0"`
}

type RetryConfig struct {
	MaxAttempts        int     `envconfig:"RETRY_MAX_ATTEMPTS" default:"5" validate:"min=0"`
	InitialDelayMillis int64   `envconfig:"RETRY_INITIAL_DELAY_MILLIS" default:"1000" validate:"min=1"`
	Multiplier         float64 `envconfig:"RETRY_MULTIPLIER" default:"2" validate:"min=1"`
	MaxDelaySeconds    int64   `envconfig:"RETRY_MAX_DELAY_SECONDS" default:"300" validate:"min=1"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToTestMigrationUri returns a string specifically for the migration package with the right prefix for test database
func (d DatabaseConfig) ToTestMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// Enabled reports whether status events should be published to RabbitMQ.
func (d RabbitMQConfig) Enabled() bool {
	return d.Host != ""
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (l LeaderConfig) LeaseTTL() time.Duration {
	return time.Duration(l.LeaseTTLSeconds) * time.Second
}

func (l LeaderConfig) ElectionRetry() time.Duration {
	return time.Duration(l.ElectionRetrySeconds) * time.Second
}

func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

func (s SchedulerConfig) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutSeconds) * time.Second
}

// StaleAfter is how long a running task may go without a heartbeat before it is re-queued.
func (c *Config) StaleAfter() time.Duration {
	if c.Scheduler.StaleAfterSeconds > 0 {
		return time.Duration(c.Scheduler.StaleAfterSeconds) * time.Second
	}

	return 2 * c.Leader.LeaseTTL()
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMillis) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// SlogLevel maps LogLevel onto slog levels, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks value ranges and that the poll interval leaves room for
// heartbeats before a running task turns stale.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Scheduler.PollInterval() >= c.StaleAfter() {
		return fmt.Errorf("poll interval %s must be shorter than the stale threshold %s",
			c.Scheduler.PollInterval(), c.StaleAfter())
	}

	return nil
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Cannot load env: %v", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}

	return &cfg
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}

	return hostname + "-" + uuid.NewString()[:8]
}
