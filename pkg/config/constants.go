package config

const EnvPrefix = "OUTBOXRELAY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	TransportPubSub   = "pubsub"
	TransportRabbitMQ = "rabbitmq"
	TransportMemory   = "memory"
)

const (
	EnvAppEnv            = "OUTBOXRELAY_APP_ENV"
	EnvOpsPort           = "OUTBOXRELAY_OPS_PORT"
	EnvDBDSN             = "OUTBOXRELAY_DB_DSN"
	EnvDBDriver          = "OUTBOXRELAY_DB_DRIVER"
	EnvDBHost            = "OUTBOXRELAY_DB_HOST"
	EnvDBUser            = "OUTBOXRELAY_DB_USER"
	EnvDBName            = "OUTBOXRELAY_DB_NAME"
	EnvRedisURL          = "OUTBOXRELAY_REDIS_URL"
	EnvGCPProjectID      = "OUTBOXRELAY_GCP_PROJECT_ID"
	EnvPubSubTopic       = "OUTBOXRELAY_PUBSUB_TOPIC"
	EnvRabbitMQURL       = "OUTBOXRELAY_RABBITMQ_URL"
	EnvOutboxTransport   = "OUTBOXRELAY_OUTBOX_TRANSPORT"
	EnvOutboxPoll        = "OUTBOXRELAY_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchLimit  = "OUTBOXRELAY_OUTBOX_BATCH_LIMIT"
	EnvOutboxSendTimeout = "OUTBOXRELAY_OUTBOX_SEND_TIMEOUT"
	EnvOutboxMaxAttempts = "OUTBOXRELAY_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxTopicRoutes = "OUTBOXRELAY_OUTBOX_TOPIC_ROUTES"

	EnvOutboxTickDeadline = "OUTBOXRELAY_OUTBOX_TICK_DEADLINE"
	EnvOutboxLeaseEnabled = "OUTBOXRELAY_OUTBOX_LEASE_ENABLED"
	EnvOutboxLeaseTTL     = "OUTBOXRELAY_OUTBOX_LEASE_TTL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
