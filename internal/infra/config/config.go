package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	HTTPClient    HTTPClientConfig    `mapstructure:"http_client"`
	AccessControl AccessControlConfig `mapstructure:"access_control"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Poll          PollConfig          `mapstructure:"poll"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Reconcile     ReconcileConfig     `mapstructure:"reconcile"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Log           LogConfig           `mapstructure:"log"`
}

// WorkerConfig holds settings for the durable queue worker process.
type WorkerConfig struct {
	// MetricsAddress is where the worker serves /metrics and /health. Empty
	// disables the listener.
	MetricsAddress string `mapstructure:"metrics_address"`
}

// AccessControlConfig holds privileged account configuration.
type AccessControlConfig struct {
	AdminUserIDs []string `mapstructure:"admin_user_ids"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// ResponseTimeout bounds how long submit-task waits for a terminal result
	// before answering 202.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// IdempotencyTTL is how long a submit-task response is replayed for a
	// repeated Idempotency-Key. Requires Redis.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	// SubmitRatePerMinute caps submit-task calls per user. Zero disables it.
	SubmitRatePerMinute int `mapstructure:"submit_rate_per_minute"`
	SubmitBurst         int `mapstructure:"submit_burst"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	// SlowQuery logs statements slower than this at warn level.
	SlowQuery time.Duration `mapstructure:"slow_query"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// IsMemory reports whether the in-memory stores are selected.
func (c *DatabaseConfig) IsMemory() bool {
	return strings.EqualFold(c.Driver, "memory")
}

// RedisConfig holds the optional Redis connection used for idempotency keys
// when the durable queue is off.
type RedisConfig struct {
	// URL is a redis:// connection string. When set it takes precedence over
	// Address/Password/DB.
	URL      string `mapstructure:"url"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Configured reports whether a Redis connection was requested.
func (c *RedisConfig) Configured() bool {
	return c.URL != "" || c.Address != ""
}

// HTTPClientConfig holds HTTP client configuration for connection pooling.
type HTTPClientConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`

	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`

	KeepAlive time.Duration `mapstructure:"keep_alive"`

	// UserAgent is sent on every provider request.
	UserAgent string `mapstructure:"user_agent"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Local   LocalQueueConfig   `mapstructure:"local"`
	Durable DurableQueueConfig `mapstructure:"durable"`
}

// LocalQueueConfig tunes the in-process queue.
type LocalQueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	IntervalCap int           `mapstructure:"interval_cap"`
	Interval    time.Duration `mapstructure:"interval"`
	Retries     int           `mapstructure:"retries"`
	Factor      float64       `mapstructure:"factor"`
	MinTimeout  time.Duration `mapstructure:"min_timeout"`
	MaxTimeout  time.Duration `mapstructure:"max_timeout"`
}

// DurableQueueConfig tunes the Redis Streams backed queue.
type DurableQueueConfig struct {
	// RedisURL switches the durable backend on when non-empty.
	RedisURL        string        `mapstructure:"redis_url"`
	Stream          string        `mapstructure:"stream"`
	Group           string        `mapstructure:"group"`
	Consumer        string        `mapstructure:"consumer"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	BlockTimeout    time.Duration `mapstructure:"block_timeout"`
	ClaimIdle       time.Duration `mapstructure:"claim_idle"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
}

// Enabled reports whether the durable backend is configured.
func (c *DurableQueueConfig) Enabled() bool {
	return c.RedisURL != ""
}

// PollConfig holds the poll-until-terminal backoff parameters.
type PollConfig struct {
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	StepSize         int           `mapstructure:"step_size"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	WallClockTimeout time.Duration `mapstructure:"wall_clock_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// LedgerConfig holds token ledger configuration.
type LedgerConfig struct {
	StartingGrant int64 `mapstructure:"starting_grant"`
}

// PricingConfig holds the token cost per task kind.
type PricingConfig struct {
	Image int64 `mapstructure:"image"`
	Crawl int64 `mapstructure:"crawl"`
}

// ProvidersConfig holds the external provider endpoints.
type ProvidersConfig struct {
	Image ProviderConfig `mapstructure:"image"`
	Crawl ProviderConfig `mapstructure:"crawl"`
}

// ProviderConfig holds a single provider's connection settings.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	// CallTimeout bounds each submit or status call independently of polling.
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Driver          string `mapstructure:"driver"` // s3, memory
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	Prefix          string `mapstructure:"prefix"`
}

// ReconcileConfig tunes the sweep that settles orphaned tasks.
type ReconcileConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	OrphanRefundAfter time.Duration `mapstructure:"orphan_refund_after"`
	BatchSize         int           `mapstructure:"batch_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	return LoadWithViper(viper.New())
}

// LoadWithViper loads configuration using the provided viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/taskorch")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("TASKORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets from dedicated environment variables
	if secret := os.Getenv("TASKORCH_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if password := os.Getenv("TASKORCH_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("TASKORCH_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if url := os.Getenv("TASKORCH_QUEUE_REDIS_URL"); url != "" {
		cfg.Queue.Durable.RedisURL = url
	}
	if key := os.Getenv("TASKORCH_STORAGE_SECRET_KEY"); key != "" {
		cfg.Storage.SecretAccessKey = key
	}
	if key := os.Getenv("TASKORCH_IMAGE_API_KEY"); key != "" {
		cfg.Providers.Image.APIKey = key
	}
	if key := os.Getenv("TASKORCH_CRAWL_API_KEY"); key != "" {
		cfg.Providers.Crawl.APIKey = key
	}
	if s := os.Getenv("TASKORCH_ADMIN_USER_IDS"); s != "" {
		cfg.AccessControl.AdminUserIDs = parseCommaSeparatedList(s)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Queue.Local.Concurrency <= 0 {
		return fmt.Errorf("queue.local.concurrency must be positive")
	}
	if c.Poll.Multiplier < 1 {
		return fmt.Errorf("poll.multiplier must be >= 1")
	}
	if c.Poll.StepSize <= 0 {
		return fmt.Errorf("poll.step_size must be positive")
	}
	if c.Poll.BaseDelay <= 0 || c.Poll.MaxDelay < c.Poll.BaseDelay {
		return fmt.Errorf("poll delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Ledger.StartingGrant < 0 {
		return fmt.Errorf("ledger.starting_grant must not be negative")
	}
	// Server and worker are separate processes and must share task state.
	if c.Queue.Durable.Enabled() && c.Database.IsMemory() {
		return fmt.Errorf("queue.durable.redis_url requires a shared database; database.driver=memory is local to one process")
	}
	return nil
}

// CostFor returns the token price of a task kind.
func (p PricingConfig) CostFor(kind string) (int64, bool) {
	switch kind {
	case "image":
		return p.Image, true
	case "crawl":
		return p.Crawl, true
	default:
		return 0, false
	}
}

func parseCommaSeparatedList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.response_timeout", 55*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.idempotency_ttl", 24*time.Hour)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.submit_rate_per_minute", 30)
	v.SetDefault("server.submit_burst", 10)

	// Database
	v.SetDefault("worker.metrics_address", ":9091")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "taskorch")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.slow_query", 500*time.Millisecond)

	// Redis
	v.SetDefault("redis.db", 0)

	// HTTP client
	v.SetDefault("http_client.max_idle_conns", 100)
	v.SetDefault("http_client.max_idle_conns_per_host", 10)
	v.SetDefault("http_client.max_conns_per_host", 50)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 60*time.Second)
	v.SetDefault("http_client.keep_alive", 30*time.Second)
	v.SetDefault("http_client.user_agent", "taskorch/1.0")

	// Auth
	v.SetDefault("auth.issuer", "taskorch")

	// Local queue
	v.SetDefault("queue.local.concurrency", 3)
	v.SetDefault("queue.local.interval_cap", 5)
	v.SetDefault("queue.local.interval", time.Second)
	v.SetDefault("queue.local.retries", 3)
	v.SetDefault("queue.local.factor", 2.0)
	v.SetDefault("queue.local.min_timeout", time.Second)
	v.SetDefault("queue.local.max_timeout", 30*time.Second)

	// Durable queue
	v.SetDefault("queue.durable.stream", "taskorch:jobs")
	v.SetDefault("queue.durable.group", "taskorch-workers")
	v.SetDefault("queue.durable.concurrency", 4)
	v.SetDefault("queue.durable.max_attempts", 4)
	v.SetDefault("queue.durable.backoff_base", 2*time.Second)
	v.SetDefault("queue.durable.backoff_max", time.Minute)
	v.SetDefault("queue.durable.block_timeout", 5*time.Second)
	v.SetDefault("queue.durable.claim_idle", 10*time.Minute)
	v.SetDefault("queue.durable.promote_interval", time.Second)

	// Poll
	v.SetDefault("poll.base_delay", 500*time.Millisecond)
	v.SetDefault("poll.multiplier", 2.0)
	v.SetDefault("poll.step_size", 3)
	v.SetDefault("poll.max_delay", 4*time.Second)
	v.SetDefault("poll.max_attempts", 30)
	v.SetDefault("poll.wall_clock_timeout", 2*time.Minute)
	v.SetDefault("poll.call_timeout", 15*time.Second)

	// Ledger and pricing
	v.SetDefault("ledger.starting_grant", 100)
	v.SetDefault("pricing.image", 1)
	v.SetDefault("pricing.crawl", 1)

	// Providers
	v.SetDefault("providers.image.call_timeout", 30*time.Second)
	v.SetDefault("providers.image.failure_threshold", 5)
	v.SetDefault("providers.image.circuit_timeout", 30*time.Second)
	v.SetDefault("providers.crawl.call_timeout", 30*time.Second)
	v.SetDefault("providers.crawl.failure_threshold", 5)
	v.SetDefault("providers.crawl.circuit_timeout", 30*time.Second)

	// Storage
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.prefix", "uploads/")

	// Reconcile
	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("reconcile.stale_after", 15*time.Minute)
	v.SetDefault("reconcile.orphan_refund_after", time.Hour)
	v.SetDefault("reconcile.batch_size", 100)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
