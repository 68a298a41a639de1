package config

// EnvPrefix scopes envconfig lookups. Every field carries an explicit envconfig
// tag so the prefix only matters for untagged fields.
const EnvPrefix = "KLURET"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	GatewayEnvTest = "test"
	GatewayEnvLive = "live"

	SessionStoreRedis = "redis"
	SessionStoreSQL   = "sql"
)

const (
	EnvAppEnv       = "KLURET_APP_ENV"
	EnvPort         = "KLURET_APP_PORT"
	EnvLogLevel     = "KLURET_LOG_LEVEL"
	EnvLogWarnStack = "KLURET_LOG_WARN_STACK"

	EnvDBDSN      = "KLURET_DB_DSN"
	EnvDBDriver   = "KLURET_DB_DRIVER"
	EnvDBHost     = "KLURET_DB_HOST"
	EnvDBPort     = "KLURET_DB_PORT"
	EnvDBUser     = "KLURET_DB_USER"
	EnvDBPassword = "KLURET_DB_PASSWORD"
	EnvDBName     = "KLURET_DB_NAME"
	EnvDBSSLMode  = "KLURET_DB_SSLMODE"

	EnvRedisURL  = "KLURET_REDIS_URL"
	EnvRedisAddr = "KLURET_REDIS_ADDR"

	EnvJWTSecret = "KLURET_JWT_SECRET"
	EnvJWTIssuer = "KLURET_JWT_ISSUER"

	EnvGatewayPublishableKey = "KLURET_GATEWAY_PUBLISHABLE_KEY"
	EnvGatewayEnv            = "KLURET_GATEWAY_ENV"

	EnvBackendBaseURL = "KLURET_BACKEND_BASE_URL"
	EnvBackendTimeout = "KLURET_BACKEND_TIMEOUT"

	EnvSessionStore = "KLURET_SESSION_STORE"
	EnvPollInterval = "KLURET_CHECKOUT_POLL_INTERVAL"
	EnvPollTimeout  = "KLURET_CHECKOUT_POLL_TIMEOUT"

	EnvAutoMigrate = "KLURET_AUTO_MIGRATE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
