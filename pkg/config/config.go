package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	RabbitMQ     RabbitMQConfig
	Outbox       OutboxConfig
	Retention    RetentionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Outbox.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"OUTBOXRELAY_APP_ENV" required:"true"`
	OpsPort      string `envconfig:"OUTBOXRELAY_OPS_PORT" default:"9090"`
	LogLevel     string `envconfig:"OUTBOXRELAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"OUTBOXRELAY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"OUTBOXRELAY_SERVICE_KIND" default:"outbox-relay"`
}

type DBConfig struct {
	DSN    string `envconfig:"OUTBOXRELAY_DB_DSN"`
	Driver string `envconfig:"OUTBOXRELAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"OUTBOXRELAY_DB_HOST"`
	LegacyPort     int    `envconfig:"OUTBOXRELAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"OUTBOXRELAY_DB_USER"`
	LegacyPassword string `envconfig:"OUTBOXRELAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"OUTBOXRELAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"OUTBOXRELAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"OUTBOXRELAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"OUTBOXRELAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"OUTBOXRELAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"OUTBOXRELAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the embedded sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"OUTBOXRELAY_REDIS_URL"`
	Address      string        `envconfig:"OUTBOXRELAY_REDIS_ADDR"`
	Password     string        `envconfig:"OUTBOXRELAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"OUTBOXRELAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"OUTBOXRELAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"OUTBOXRELAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"OUTBOXRELAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"OUTBOXRELAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"OUTBOXRELAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"OUTBOXRELAY_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"OUTBOXRELAY_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"OUTBOXRELAY_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	Topic          string `envconfig:"OUTBOXRELAY_PUBSUB_TOPIC" default:"order-events"`
	EnableOrdering bool   `envconfig:"OUTBOXRELAY_PUBSUB_ENABLE_ORDERING" default:"true"`
}

type RabbitMQConfig struct {
	URL        string `envconfig:"OUTBOXRELAY_RABBITMQ_URL"`
	Exchange   string `envconfig:"OUTBOXRELAY_RABBITMQ_EXCHANGE" default:"outbox"`
	RoutingKey string `envconfig:"OUTBOXRELAY_RABBITMQ_ROUTING_KEY" default:"order-events"`
}

// OutboxConfig drives the relay. MaxAttempts is the dead-letter threshold;
// zero keeps retrying forever.
type OutboxConfig struct {
	Transport    string        `envconfig:"OUTBOXRELAY_OUTBOX_TRANSPORT" default:"pubsub"`
	PollInterval time.Duration `envconfig:"OUTBOXRELAY_OUTBOX_POLL_INTERVAL" default:"5s"`
	BatchLimit   int           `envconfig:"OUTBOXRELAY_OUTBOX_BATCH_LIMIT" default:"100"`
	SendTimeout  time.Duration `envconfig:"OUTBOXRELAY_OUTBOX_SEND_TIMEOUT" default:"15s"`
	TickDeadline time.Duration `envconfig:"OUTBOXRELAY_OUTBOX_TICK_DEADLINE" default:"1m"`
	MaxAttempts  int           `envconfig:"OUTBOXRELAY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	LeaseEnabled bool          `envconfig:"OUTBOXRELAY_OUTBOX_LEASE_ENABLED" default:"false"`
	LeaseTTL     time.Duration `envconfig:"OUTBOXRELAY_OUTBOX_LEASE_TTL" default:"2m"`

	// TopicRoutes overrides the transport topic per event type, e.g.
	// "PaymentCaptured:billing-events,OrderShipped:fulfilment-events".
	TopicRoutes map[string]string `envconfig:"OUTBOXRELAY_OUTBOX_TOPIC_ROUTES"`
}

func (o OutboxConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(o.Transport)) {
	case TransportPubSub, TransportRabbitMQ, TransportMemory:
	default:
		return fmt.Errorf("unsupported outbox transport %q", o.Transport)
	}
	if o.BatchLimit < 0 {
		return fmt.Errorf("%s must not be negative", EnvOutboxBatchLimit)
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("%s must not be negative", EnvOutboxMaxAttempts)
	}
	if o.LeaseEnabled {
		// The deadline is soft: a send started just before it may run a full
		// SendTimeout, and the lease has to outlive that.
		if o.TickDeadline <= 0 {
			return fmt.Errorf("%s must be positive when %s is set", EnvOutboxTickDeadline, EnvOutboxLeaseEnabled)
		}
		if o.LeaseTTL <= o.TickDeadline+o.SendTimeout {
			return fmt.Errorf("%s (%s) must exceed %s + %s (%s)",
				EnvOutboxLeaseTTL, o.LeaseTTL, EnvOutboxTickDeadline, EnvOutboxSendTimeout, o.TickDeadline+o.SendTimeout)
		}
	}
	return nil
}

type RetentionConfig struct {
	Interval        time.Duration `envconfig:"OUTBOXRELAY_HOUSEKEEPING_INTERVAL" default:"1h"`
	PublishedDays   int           `envconfig:"OUTBOXRELAY_RETENTION_PUBLISHED_DAYS" default:"30"`
	DeadLetterDays  int           `envconfig:"OUTBOXRELAY_RETENTION_DEAD_LETTER_DAYS" default:"90"`
	BacklogAlertAge time.Duration `envconfig:"OUTBOXRELAY_BACKLOG_ALERT_AGE" default:"10m"`
	LockTTL         time.Duration `envconfig:"OUTBOXRELAY_HOUSEKEEPING_LOCK_TTL" default:"30m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
