package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Configuration struct {
	Deployment DeploymentConfig `mapstructure:"deployment" validate:"required"`
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Logging    LoggingConfig    `mapstructure:"logging" validate:"required"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	Billing    BillingConfig    `mapstructure:"billing" validate:"required"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

type DeploymentConfig struct {
	Mode types.RunMode `mapstructure:"mode" validate:"required"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

type LoggingConfig struct {
	Level types.LogLevel `mapstructure:"level" validate:"required"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StripeConfig holds the provider credentials and request limits
type StripeConfig struct {
	SecretKey      string        `mapstructure:"secret_key"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	ProductID      string        `mapstructure:"product_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`
}

// BillingConfig tunes the lifecycle engine
type BillingConfig struct {
	Currency           string        `mapstructure:"currency" validate:"required,len=3"`
	Retry              RetryConfig   `mapstructure:"retry"`
	WebhookMaxAttempts int           `mapstructure:"webhook_max_attempts" validate:"min=1"`
	ReplayConcurrency  int           `mapstructure:"replay_concurrency" validate:"min=1"`
	// WebhookLease is how long a worker holds a claimed event before another may take it
	WebhookLease time.Duration `mapstructure:"webhook_lease" validate:"min=0"`
	// PreviewCacheTTL of zero uses the cache default, a negative value disables caching
	PreviewCacheTTL time.Duration `mapstructure:"preview_cache_ttl"`
	Tiers           []TierConfig  `mapstructure:"tiers" validate:"dive"`
}

// RetryConfig is the backoff policy applied to provider-mutating calls
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseDelay      time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay       time.Duration `mapstructure:"max_delay" validate:"min=0"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"min=0"`
}

// TierConfig overrides a tier of the built-in catalog. Prices are decimal strings.
type TierConfig struct {
	ID                   string   `mapstructure:"id" validate:"required"`
	Name                 string   `mapstructure:"name"`
	MonthlyPrice         string   `mapstructure:"monthly_price" validate:"omitempty,numeric"`
	YearlyPrice          string   `mapstructure:"yearly_price" validate:"omitempty,numeric"`
	Experiences          *int64   `mapstructure:"experiences"`
	Storage              *int64   `mapstructure:"storage"`
	Exports              *int64   `mapstructure:"exports"`
	Features             []string `mapstructure:"features"`
	MonthlyProviderPrice string   `mapstructure:"monthly_provider_price"`
	YearlyProviderPrice  string   `mapstructure:"yearly_provider_price"`
}

type AuditConfig struct {
	Sink     types.AuditSink `mapstructure:"sink" validate:"omitempty,oneof=log http"`
	Endpoint string          `mapstructure:"endpoint" validate:"required_if=Sink http"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	RetryMax int             `mapstructure:"retry_max"`
}

type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

func NewConfig() (*Configuration, error) {
	// .env is optional; real environments inject variables directly
	_ = godotenv.Load()

	v := viper.New()

	// Modify config paths to ensure config.yaml is found
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/billing")

	setDefaults(v)

	// Set up environment variables support
	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, err
		}
	} else {
		fmt.Printf("Using config file: %s\n", v.ConfigFileUsed())
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	defaults := GetDefaultConfig()
	v.SetDefault("deployment.mode", defaults.Deployment.Mode)
	v.SetDefault("server.address", defaults.Server.Address)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("stripe.request_timeout", defaults.Stripe.RequestTimeout)
	v.SetDefault("billing.currency", defaults.Billing.Currency)
	v.SetDefault("billing.retry.max_attempts", defaults.Billing.Retry.MaxAttempts)
	v.SetDefault("billing.retry.base_delay", defaults.Billing.Retry.BaseDelay)
	v.SetDefault("billing.retry.max_delay", defaults.Billing.Retry.MaxDelay)
	v.SetDefault("billing.retry.attempt_timeout", defaults.Billing.Retry.AttemptTimeout)
	v.SetDefault("billing.webhook_max_attempts", defaults.Billing.WebhookMaxAttempts)
	v.SetDefault("billing.replay_concurrency", defaults.Billing.ReplayConcurrency)
	v.SetDefault("billing.webhook_lease", defaults.Billing.WebhookLease)
	v.SetDefault("billing.preview_cache_ttl", defaults.Billing.PreviewCacheTTL)
	v.SetDefault("audit.sink", defaults.Audit.Sink)
	v.SetDefault("audit.timeout", defaults.Audit.Timeout)
	v.SetDefault("audit.retry_max", defaults.Audit.RetryMax)
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// GetDefaultConfig returns a default configuration for local development
// This is useful for running scripts, tests or other non-web applications
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{Mode: types.ModeLocal},
		Server:     ServerConfig{Address: ":8080"},
		Logging:    LoggingConfig{Level: types.LogLevelDebug},
		Stripe:     StripeConfig{RequestTimeout: 30 * time.Second},
		Billing: BillingConfig{
			Currency: "usd",
			Retry: RetryConfig{
				MaxAttempts:    3,
				BaseDelay:      time.Second,
				MaxDelay:       10 * time.Second,
				AttemptTimeout: 30 * time.Second,
			},
			WebhookMaxAttempts: 3,
			ReplayConcurrency:  4,
			WebhookLease:       5 * time.Minute,
			PreviewCacheTTL:    time.Minute,
		},
		Audit: AuditConfig{
			Sink:     types.AuditSinkLog,
			Timeout:  5 * time.Second,
			RetryMax: 3,
		},
	}
}

func (c PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
		c.User,
		c.Password,
		c.DBName,
		c.Host,
		c.Port,
		c.SSLMode,
	)
}
