package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Gateway      GatewayConfig
	Backend      BackendConfig
	Checkout     CheckoutConfig
	Sweeper      SweeperConfig
	HTTP         HTTPConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Gateway.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Backend.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Checkout.validate(); err != nil {
		return nil, err
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = "sqlite"
	}
	switch cfg.Checkout.StoreKind() {
	case SessionStoreRedis:
		if !cfg.Redis.Configured() {
			return nil, fmt.Errorf("%s or %s required for the redis session store", EnvRedisURL, EnvRedisAddr)
		}
	case SessionStoreSQL:
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KLURET_APP_ENV" required:"true"`
	Port         string `envconfig:"KLURET_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KLURET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KLURET_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"KLURET_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KLURET_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KLURET_DB_DSN"`
	Driver string `envconfig:"KLURET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KLURET_DB_HOST"`
	LegacyPort     int    `envconfig:"KLURET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KLURET_DB_USER"`
	LegacyPassword string `envconfig:"KLURET_DB_PASSWORD"`
	LegacyName     string `envconfig:"KLURET_DB_NAME"`
	LegacySSLMode  string `envconfig:"KLURET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KLURET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KLURET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KLURET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KLURET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KLURET_REDIS_URL"`
	Address      string        `envconfig:"KLURET_REDIS_ADDR"`
	Password     string        `envconfig:"KLURET_REDIS_PASSWORD"`
	DB           int           `envconfig:"KLURET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KLURET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KLURET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KLURET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KLURET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KLURET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Configured reports whether a redis endpoint was provided.
func (r RedisConfig) Configured() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// JWTConfig verifies storefront identity tokens. Audience is checked only when set.
type JWTConfig struct {
	Secret   string        `envconfig:"KLURET_JWT_SECRET" required:"true"`
	Issuer   string        `envconfig:"KLURET_JWT_ISSUER" required:"true"`
	Audience string        `envconfig:"KLURET_JWT_AUDIENCE"`
	Leeway   time.Duration `envconfig:"KLURET_JWT_LEEWAY" default:"30s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"KLURET_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"KLURET_AUTO_MIGRATE" default:"false"`
}

// GatewayConfig holds the public gateway credentials handed to storefront clients.
type GatewayConfig struct {
	PublishableKey string `envconfig:"KLURET_GATEWAY_PUBLISHABLE_KEY" required:"true"`
	Env            string `envconfig:"KLURET_GATEWAY_ENV" default:"test"`
}

// Environment returns the normalized gateway environment (test/live).
func (g GatewayConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(g.Env))
	if env == "" {
		return GatewayEnvTest
	}
	return env
}

func (g GatewayConfig) validate() error {
	switch g.Environment() {
	case GatewayEnvTest, GatewayEnvLive:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvGatewayEnv, GatewayEnvTest, GatewayEnvLive)
	}
	if strings.TrimSpace(g.PublishableKey) == "" {
		return fmt.Errorf("%s is required", EnvGatewayPublishableKey)
	}
	return nil
}

type BackendConfig struct {
	BaseURL string        `envconfig:"KLURET_BACKEND_BASE_URL" required:"true"`
	Timeout time.Duration `envconfig:"KLURET_BACKEND_TIMEOUT" default:"10s"`

	BreakerMaxFailures uint32        `envconfig:"KLURET_BACKEND_BREAKER_MAX_FAILURES" default:"5"`
	BreakerOpenTimeout time.Duration `envconfig:"KLURET_BACKEND_BREAKER_OPEN_TIMEOUT" default:"30s"`
}

func (b BackendConfig) validate() error {
	parsed, err := url.Parse(strings.TrimSpace(b.BaseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute url", EnvBackendBaseURL)
	}
	return nil
}

// CheckoutConfig tunes the payment session lifecycle.
type CheckoutConfig struct {
	SessionStore       string        `envconfig:"KLURET_SESSION_STORE" default:"redis"`
	SessionTTL         time.Duration `envconfig:"KLURET_SESSION_TTL" default:"24h"`
	PollInterval       time.Duration `envconfig:"KLURET_CHECKOUT_POLL_INTERVAL" default:"2s"`
	PollTimeout        time.Duration `envconfig:"KLURET_CHECKOUT_POLL_TIMEOUT" default:"5m"`
	PopupCheckInterval time.Duration `envconfig:"KLURET_CHECKOUT_POPUP_CHECK_INTERVAL" default:"500ms"`
	PopupLease         time.Duration `envconfig:"KLURET_CHECKOUT_POPUP_LEASE" default:"15s"`
	StaleAfter         time.Duration `envconfig:"KLURET_CHECKOUT_STALE_AFTER" default:"30m"`
	ReconcileWorkers   int           `envconfig:"KLURET_RECONCILE_WORKERS" default:"4"`
	ReconcileAttempts  int           `envconfig:"KLURET_RECONCILE_MAX_ATTEMPTS" default:"3"`
	RedirectMinimum    string        `envconfig:"KLURET_REDIRECT_MIN_AMOUNT" default:"3"`
}

// StoreKind returns the normalized session store backend.
func (c CheckoutConfig) StoreKind() string {
	kind := strings.TrimSpace(strings.ToLower(c.SessionStore))
	if kind == "" {
		return SessionStoreRedis
	}
	return kind
}

// RedirectMinimumAmount parses the redirect minimum as a decimal.
func (c CheckoutConfig) RedirectMinimumAmount() decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(c.RedirectMinimum))
	if err != nil {
		return decimal.NewFromInt(3)
	}
	return amount
}

func (c CheckoutConfig) validate() error {
	switch c.StoreKind() {
	case SessionStoreRedis, SessionStoreSQL:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvSessionStore, SessionStoreRedis, SessionStoreSQL)
	}
	if c.PollInterval < time.Second || c.PollInterval > 5*time.Second {
		return fmt.Errorf("%s must be between 1s and 5s", EnvPollInterval)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvPollTimeout)
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(c.RedirectMinimum)); err != nil {
		return fmt.Errorf("KLURET_REDIRECT_MIN_AMOUNT: %w", err)
	}
	return nil
}

// HTTPConfig covers the public API surface.
type HTTPConfig struct {
	AllowedOrigins  []string      `envconfig:"KLURET_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	BeginRateLimit  int64         `envconfig:"KLURET_BEGIN_RATE_LIMIT" default:"10"`
	BeginRateWindow time.Duration `envconfig:"KLURET_BEGIN_RATE_WINDOW" default:"1m"`
	ShutdownTimeout time.Duration `envconfig:"KLURET_SHUTDOWN_TIMEOUT" default:"15s"`
	IdempotencyTTL  time.Duration `envconfig:"KLURET_IDEMPOTENCY_TTL" default:"24h"`
}

type SweeperConfig struct {
	Interval      time.Duration `envconfig:"KLURET_SWEEPER_INTERVAL" default:"1m"`
	BatchSize     int           `envconfig:"KLURET_SWEEPER_BATCH_SIZE" default:"100"`
	RetentionDays int           `envconfig:"KLURET_SESSION_RETENTION_DAYS" default:"7"`
	Embedded      bool          `envconfig:"KLURET_SWEEPER_EMBEDDED" default:"true"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
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
