package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App         AppConfig
	Service     ServiceConfig
	Redis       RedisConfig
	DB          DBConfig
	Signing     SigningConfig
	Peers       PeersConfig
	Merchant    MerchantConfig
	Credentials CredentialsConfig
	Processor   ProcessorConfig
	Downstream  DownstreamConfig
	Audit       AuditConfig
	GCP         GCPConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"AP2_APP_ENV" required:"true"`
	Port         string `envconfig:"AP2_APP_PORT" required:"true"`
	PublicURL    string `envconfig:"AP2_APP_PUBLIC_URL"`
	LogLevel     string `envconfig:"AP2_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"AP2_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// BaseURL is the externally reachable address advertised in agent cards and tokens.
func (a AppConfig) BaseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(a.PublicURL), "/"); u != "" {
		return u
	}
	return "http://localhost:" + a.Port
}

type ServiceConfig struct {
	Kind string `envconfig:"AP2_SERVICE_KIND" required:"true"`
	Name string `envconfig:"AP2_SERVICE_NAME"`
}

type RedisConfig struct {
	URL          string        `envconfig:"AP2_REDIS_URL"`
	Address      string        `envconfig:"AP2_REDIS_ADDR"`
	Password     string        `envconfig:"AP2_REDIS_PASSWORD"`
	DB           int           `envconfig:"AP2_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"AP2_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"AP2_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"AP2_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"AP2_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"AP2_REDIS_WRITE_TIMEOUT" default:"5s"`
	KeyTTL       time.Duration `envconfig:"AP2_REDIS_KEY_TTL" default:"24h"`
}

// Enabled reports whether Redis-backed stores should be used.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type DBConfig struct {
	Driver          string        `envconfig:"AP2_DB_DRIVER" default:"memory"`
	DSN             string        `envconfig:"AP2_DB_DSN"`
	AutoMigrate     bool          `envconfig:"AP2_DB_AUTO_MIGRATE" default:"false"`
	MaxOpenConns    int           `envconfig:"AP2_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"AP2_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"AP2_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"AP2_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// UsesSQL reports whether accounts live in a SQL database.
func (d DBConfig) UsesSQL() bool {
	switch strings.ToLower(strings.TrimSpace(d.Driver)) {
	case DBDriverSQLite, DBDriverPostgres:
		return true
	}
	return false
}

type SigningConfig struct {
	MerchantSecret string `envconfig:"AP2_SIGNING_MERCHANT_SECRET" required:"true"`
	UserSecret     string `envconfig:"AP2_SIGNING_USER_SECRET" required:"true"`
	Issuer         string `envconfig:"AP2_SIGNING_ISSUER" default:"ap2-agents"`
}

// PeersConfig maps a role name to the base URL of the remote agent serving it.
type PeersConfig struct {
	URLs URLMap `envconfig:"AP2_PEERS"`
}

// URLMap decodes "key=url,key=url" pairs. URLs contain colons, which rules out
// envconfig's native map syntax.
type URLMap map[string]string

// Decode implements envconfig.Decoder.
func (m *URLMap) Decode(value string) error {
	out := URLMap{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(raw) == "" {
			return fmt.Errorf("invalid url map item %q", pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(raw)
	}
	*m = out
	return nil
}

// URLFor returns the configured base URL for role.
func (p PeersConfig) URLFor(role string) (string, bool) {
	if p.URLs == nil {
		return "", false
	}
	u, ok := p.URLs[role]
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	return u, ok && u != ""
}

type MerchantConfig struct {
	Name          string        `envconfig:"AP2_MERCHANT_NAME" default:"Generic Merchant"`
	TrustedAgents []string      `envconfig:"AP2_MERCHANT_TRUSTED_AGENTS" default:"trusted_shopping_agent"`
	Processors    URLMap        `envconfig:"AP2_MERCHANT_PROCESSORS"`
	CartTTL       time.Duration `envconfig:"AP2_MERCHANT_CART_TTL" default:"30m"`
	ShippingFee   string        `envconfig:"AP2_MERCHANT_SHIPPING_FEE" default:"2.00"`
	TaxAmount     string        `envconfig:"AP2_MERCHANT_TAX_AMOUNT" default:"1.50"`
	Currency      string        `envconfig:"AP2_MERCHANT_CURRENCY" default:"USD"`
	CatalogFile   string        `envconfig:"AP2_MERCHANT_CATALOG_FILE"`
}

type CredentialsConfig struct {
	AccountsFile string        `envconfig:"AP2_CREDENTIALS_ACCOUNTS_FILE"`
	TokenTTL     time.Duration `envconfig:"AP2_CREDENTIALS_TOKEN_TTL" default:"24h"`
}

type ProcessorConfig struct {
	ChallengeMode    string        `envconfig:"AP2_PROCESSOR_CHALLENGE_MODE" default:"fixed"`
	ChallengeCode    string        `envconfig:"AP2_PROCESSOR_CHALLENGE_CODE" default:"123"`
	ChallengeDigits  int           `envconfig:"AP2_PROCESSOR_CHALLENGE_DIGITS" default:"6"`
	ChallengeTTL     time.Duration `envconfig:"AP2_PROCESSOR_CHALLENGE_TTL" default:"10m"`
	MaxAttempts      int           `envconfig:"AP2_PROCESSOR_CHALLENGE_MAX_ATTEMPTS" default:"3"`
	ArgonMemoryKB    int           `envconfig:"AP2_PROCESSOR_ARGON_MEMORY_KB" default:"19456"`
	ArgonTime        int           `envconfig:"AP2_PROCESSOR_ARGON_TIME" default:"2"`
	ArgonParallelism int           `envconfig:"AP2_PROCESSOR_ARGON_PARALLELISM" default:"1"`
	ArgonSaltLen     int           `envconfig:"AP2_PROCESSOR_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int           `envconfig:"AP2_PROCESSOR_ARGON_KEY_LEN" default:"32"`
}

type DownstreamConfig struct {
	Timeout time.Duration `envconfig:"AP2_DOWNSTREAM_TIMEOUT" default:"30s"`
}

type AuditConfig struct {
	Sink  string `envconfig:"AP2_AUDIT_SINK" default:"log"`
	Topic string `envconfig:"AP2_AUDIT_TOPIC" default:"ap2-audit"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"AP2_GCP_PROJECT_ID"`
}

func (c *Config) validate() error {
	switch c.Service.Kind {
	case ServiceKindMerchant, ServiceKindCredentialsProvider, ServiceKindPaymentProcessor:
	default:
		return fmt.Errorf("%s must be one of %s, %s, %s", EnvServiceKind,
			ServiceKindMerchant, ServiceKindCredentialsProvider, ServiceKindPaymentProcessor)
	}

	switch strings.ToLower(c.DB.Driver) {
	case DBDriverMemory:
	case DBDriverSQLite, DBDriverPostgres:
		if strings.TrimSpace(c.DB.DSN) == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvDBDSN, EnvDBDriver, c.DB.Driver)
		}
	default:
		return fmt.Errorf("unsupported %s %q", EnvDBDriver, c.DB.Driver)
	}

	for role, raw := range c.Peers.URLs {
		if _, err := url.ParseRequestURI(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("invalid peer url for %s: %w", role, err)
		}
	}

	if c.Audit.Sink == AuditSinkPubSub && strings.TrimSpace(c.GCP.ProjectID) == "" {
		return fmt.Errorf("%s is required when %s=%s", EnvGCPProjectID, EnvAuditSink, AuditSinkPubSub)
	}
	return nil
}
