package config

// EnvPrefix is the envconfig prefix shared by every setting.
const EnvPrefix = "AP2"

const (
	EnvAppEnv        = "AP2_APP_ENV"
	EnvPort          = "AP2_APP_PORT"
	EnvPublicURL     = "AP2_APP_PUBLIC_URL"
	EnvServiceKind   = "AP2_SERVICE_KIND"
	EnvRedisURL      = "AP2_REDIS_URL"
	EnvDBDriver      = "AP2_DB_DRIVER"
	EnvDBDSN         = "AP2_DB_DSN"
	EnvMerchantKey   = "AP2_SIGNING_MERCHANT_SECRET"
	EnvUserKey       = "AP2_SIGNING_USER_SECRET"
	EnvPeers         = "AP2_PEERS"
	EnvTrustedAgents = "AP2_MERCHANT_TRUSTED_AGENTS"
	EnvProcessors    = "AP2_MERCHANT_PROCESSORS"
	EnvAuditSink     = "AP2_AUDIT_SINK"
	EnvGCPProjectID  = "AP2_GCP_PROJECT_ID"
)

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	ServiceKindMerchant            = "merchant"
	ServiceKindCredentialsProvider = "credentials_provider"
	ServiceKindPaymentProcessor    = "payment_processor"
)

const (
	DBDriverMemory   = "memory"
	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"
)

const (
	AuditSinkLog    = "log"
	AuditSinkPubSub = "pubsub"
)
