/**
 * @description
 * This package handles the configuration management for the payment-intent-service.
 * It uses Viper to read an optional .env file and environment variables, then
 * normalizes and clamps the values so the rest of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: Application configuration.
 * - github.com/shopspring/decimal: Exact parsing of PLATFORM_FEE_PERCENT.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payment-intent-service.
type Config struct {
	ServerPort      string `mapstructure:"SERVER_PORT"`
	StoreDriver     string `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix  string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	OutcomeQueue    string `mapstructure:"SETTLEMENT_OUTCOME_QUEUE"`
	InternalAPIKey  string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL         string `mapstructure:"JWT_JWKS_URL"`
	JWTSecret       string `mapstructure:"JWT_HS256_SECRET"`
	JWTIssuer       string `mapstructure:"JWT_ISSUER"`
	EscrowURL       string `mapstructure:"ESCROW_SERVICE_URL"`
	EscrowAPIKey    string `mapstructure:"ESCROW_API_KEY"`
	OracleURL       string `mapstructure:"ORACLE_URL"`
	AllowanceURL    string `mapstructure:"ALLOWANCE_SERVICE_URL"`
	CatalogURL      string `mapstructure:"CATALOG_SERVICE_URL"`
	ServiceAPIKey   string `mapstructure:"SERVICE_API_KEY"`
	ExternalTimeout int    `mapstructure:"EXTERNAL_CALL_TIMEOUT_SECONDS"`

	PlatformFeeBps         int64  `mapstructure:"PLATFORM_FEE_BPS"`
	OperatorFeeBps         int64  `mapstructure:"OPERATOR_FEE_BPS"`
	PlatformFeeDestination string `mapstructure:"PLATFORM_FEE_DESTINATION"`
	OperatorFeeDestination string `mapstructure:"OPERATOR_FEE_DESTINATION"`
	SettlementCurrency     string `mapstructure:"SETTLEMENT_CURRENCY"`
	IssuerAddress          string `mapstructure:"ISSUER_ADDRESS"`
	MaxDeadlineWindowHours int    `mapstructure:"MAX_DEADLINE_WINDOW_HOURS"`
	SubscriptionPeriodDays int    `mapstructure:"SUBSCRIPTION_PERIOD_DAYS"`

	SigningDomainName    string `mapstructure:"SIGNING_DOMAIN_NAME"`
	SigningDomainVersion string `mapstructure:"SIGNING_DOMAIN_VERSION"`
	ChainID              int64  `mapstructure:"CHAIN_ID"`
	VerifyingContract    string `mapstructure:"VERIFYING_CONTRACT"`
	PermitSpender        string `mapstructure:"PERMIT_SPENDER"`
	OperatorSigningKey   string `mapstructure:"OPERATOR_SIGNING_KEY"`
	DefaultSigner        string `mapstructure:"DEFAULT_SIGNER"`
	AuthorizedSigners    string `mapstructure:"AUTHORIZED_SIGNERS"`

	LockTTLSeconds              int    `mapstructure:"LOCK_TTL_SECONDS"`
	CreateRateLimitPerMinute    int    `mapstructure:"INTENT_CREATE_RATE_LIMIT_PER_MINUTE"`
	AutoRefundPayout            bool   `mapstructure:"AUTO_REFUND_PAYOUT"`
	RefundPayoutSchedule        string `mapstructure:"REFUND_PAYOUT_SCHEDULE"`
	RefundPayoutBatchSize       int    `mapstructure:"REFUND_PAYOUT_BATCH_SIZE"`
	AbandonedIntentSchedule     string `mapstructure:"ABANDONED_INTENT_SCHEDULE"`
	AbandonedIntentWindowMinute int    `mapstructure:"ABANDONED_INTENT_WINDOW_MINUTES"`
}

// ExternalCallTimeout bounds every call to an outside service.
func (c Config) ExternalCallTimeout() time.Duration {
	return time.Duration(c.ExternalTimeout) * time.Second
}

// MaxDeadlineWindow is the furthest an intent deadline may be set.
func (c Config) MaxDeadlineWindow() time.Duration {
	return time.Duration(c.MaxDeadlineWindowHours) * time.Hour
}

// SubscriptionPeriod is the access window granted by a subscription payment.
func (c Config) SubscriptionPeriod() time.Duration {
	return time.Duration(c.SubscriptionPeriodDays) * 24 * time.Hour
}

// LockTTL is the lease length of distributed locks.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// AbandonedIntentWindow is how far back the abandoned-intent report looks.
func (c Config) AbandonedIntentWindow() time.Duration {
	return time.Duration(c.AbandonedIntentWindowMinute) * time.Minute
}

// SignerList returns AUTHORIZED_SIGNERS split on commas.
func (c Config) SignerList() []string {
	var out []string
	for _, s := range strings.Split(c.AuthorizedSigners, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("REDIS_KEY_PREFIX", "payment_intent")
	viper.SetDefault("EVENTS_EXCHANGE", "commerce.events")
	viper.SetDefault("SETTLEMENT_OUTCOME_QUEUE", "payment_intent_service.settlement_outcomes")
	viper.SetDefault("EXTERNAL_CALL_TIMEOUT_SECONDS", 15)
	viper.SetDefault("PLATFORM_FEE_BPS", 250)
	viper.SetDefault("OPERATOR_FEE_BPS", 0)
	viper.SetDefault("MAX_DEADLINE_WINDOW_HOURS", 168)
	viper.SetDefault("SUBSCRIPTION_PERIOD_DAYS", 30)
	viper.SetDefault("SIGNING_DOMAIN_NAME", "PaymentIntents")
	viper.SetDefault("SIGNING_DOMAIN_VERSION", "1")
	viper.SetDefault("CHAIN_ID", 1)
	viper.SetDefault("LOCK_TTL_SECONDS", 30)
	viper.SetDefault("INTENT_CREATE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("AUTO_REFUND_PAYOUT", false)
	viper.SetDefault("REFUND_PAYOUT_SCHEDULE", "@every 1m")
	viper.SetDefault("REFUND_PAYOUT_BATCH_SIZE", 50)
	viper.SetDefault("ABANDONED_INTENT_SCHEDULE", "@every 5m")
	viper.SetDefault("ABANDONED_INTENT_WINDOW_MINUTES", 10)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SETTLEMENT_OUTCOME_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_JWKS_URL", "JWT_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_HS256_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("ESCROW_SERVICE_URL")
	_ = viper.BindEnv("ESCROW_API_KEY")
	_ = viper.BindEnv("ORACLE_URL")
	_ = viper.BindEnv("ALLOWANCE_SERVICE_URL")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("SERVICE_API_KEY")
	_ = viper.BindEnv("EXTERNAL_CALL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PLATFORM_FEE_BPS")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("OPERATOR_FEE_BPS")
	_ = viper.BindEnv("PLATFORM_FEE_DESTINATION")
	_ = viper.BindEnv("OPERATOR_FEE_DESTINATION")
	_ = viper.BindEnv("SETTLEMENT_CURRENCY")
	_ = viper.BindEnv("ISSUER_ADDRESS")
	_ = viper.BindEnv("MAX_DEADLINE_WINDOW_HOURS")
	_ = viper.BindEnv("SUBSCRIPTION_PERIOD_DAYS")
	_ = viper.BindEnv("SIGNING_DOMAIN_NAME")
	_ = viper.BindEnv("SIGNING_DOMAIN_VERSION")
	_ = viper.BindEnv("CHAIN_ID")
	_ = viper.BindEnv("VERIFYING_CONTRACT")
	_ = viper.BindEnv("OPERATOR_SIGNING_KEY")
	_ = viper.BindEnv("DEFAULT_SIGNER")
	_ = viper.BindEnv("AUTHORIZED_SIGNERS")
	_ = viper.BindEnv("LOCK_TTL_SECONDS")
	_ = viper.BindEnv("INTENT_CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("AUTO_REFUND_PAYOUT")
	_ = viper.BindEnv("REFUND_PAYOUT_SCHEDULE")
	_ = viper.BindEnv("REFUND_PAYOUT_BATCH_SIZE")
	_ = viper.BindEnv("ABANDONED_INTENT_SCHEDULE")
	_ = viper.BindEnv("ABANDONED_INTENT_WINDOW_MINUTES")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != "postgres" && config.StoreDriver != "memory" {
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = "postgres"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "payment_intent"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if strings.TrimSpace(config.ServiceAPIKey) == "" {
		config.ServiceAPIKey = config.InternalAPIKey
	}
	if strings.TrimSpace(config.EscrowAPIKey) == "" {
		config.EscrowAPIKey = config.ServiceAPIKey
	}

	for _, addr := range []*string{&config.PlatformFeeDestination, &config.OperatorFeeDestination, &config.SettlementCurrency, &config.IssuerAddress, &config.VerifyingContract, &config.PermitSpender, &config.DefaultSigner} {
		*addr = strings.ToLower(strings.TrimSpace(*addr))
	}
	if config.VerifyingContract == "" {
		config.VerifyingContract = config.IssuerAddress
	}
	if config.PermitSpender == "" {
		config.PermitSpender = config.VerifyingContract
	}

	// PLATFORM_FEE_PERCENT overrides PLATFORM_FEE_BPS, e.g. "2.5" -> 250.
	if viper.IsSet("PLATFORM_FEE_PERCENT") {
		percentStr := strings.TrimSpace(viper.GetString("PLATFORM_FEE_PERCENT"))
		if percentStr != "" {
			percent, parseErr := decimal.NewFromString(percentStr)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid PLATFORM_FEE_PERCENT\" value=%q err=%v", percentStr, parseErr)
			} else {
				bps := percent.Mul(decimal.NewFromInt(100))
				if !bps.Equal(bps.Floor()) {
					log.Printf("level=warn component=config msg=\"PLATFORM_FEE_PERCENT finer than one basis point; flooring\" value=%q", percentStr)
				}
				config.PlatformFeeBps = bps.Floor().IntPart()
			}
		}
	}

	config.PlatformFeeBps = clampBps("platform", config.PlatformFeeBps)
	config.OperatorFeeBps = clampBps("operator", config.OperatorFeeBps)

	if config.ExternalTimeout <= 0 {
		config.ExternalTimeout = 15
	}
	if config.MaxDeadlineWindowHours <= 0 {
		config.MaxDeadlineWindowHours = 168
	}
	if config.SubscriptionPeriodDays <= 0 {
		config.SubscriptionPeriodDays = 30
	}
	if config.LockTTLSeconds <= 0 {
		config.LockTTLSeconds = 30
	}
	if config.CreateRateLimitPerMinute < 0 {
		config.CreateRateLimitPerMinute = 0
	}
	if config.RefundPayoutBatchSize <= 0 {
		config.RefundPayoutBatchSize = 50
	}
	if config.AbandonedIntentWindowMinute <= 0 {
		config.AbandonedIntentWindowMinute = 10
	}

	return
}

func clampBps(name string, bps int64) int64 {
	if bps < 0 {
		log.Printf("level=warn component=config msg=\"negative fee configured; coercing to zero\" fee=%s bps=%d", name, bps)
		return 0
	}
	if bps > 10000 {
		log.Printf("level=warn component=config msg=\"fee above 100%%; capping at 10000 bps\" fee=%s bps=%d", name, bps)
		return 10000
	}
	return bps
}
