/**
 * @description
 * This package handles the configuration management for the reward service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, providing one place to manage settings for both the server and the scheduler.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the reward service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventExchange        string `mapstructure:"EVENT_EXCHANGE"`
	CallDispositionQueue string `mapstructure:"CALL_DISPOSITION_QUEUE"`

	GiftCardAPIBaseURL string `mapstructure:"GIFT_CARD_API_BASE_URL"`
	GiftCardAPIKey     string `mapstructure:"GIFT_CARD_API_KEY"`

	SMSAPIBaseURL  string `mapstructure:"SMS_API_BASE_URL"`
	SMSAccountSID  string `mapstructure:"SMS_ACCOUNT_SID"`
	SMSAuthToken   string `mapstructure:"SMS_AUTH_TOKEN"`
	SMSFromNumber  string `mapstructure:"SMS_FROM_NUMBER"`
	RedemptionBase string `mapstructure:"REDEMPTION_BASE_URL"`

	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	TelephonyWebhookSecret  string `mapstructure:"TELEPHONY_WEBHOOK_SECRET"`
	HubSpotWebhookSecret    string `mapstructure:"HUBSPOT_WEBHOOK_SECRET"`
	SalesforceWebhookSecret string `mapstructure:"SALESFORCE_WEBHOOK_SECRET"`
	GenericWebhookSecret    string `mapstructure:"GENERIC_WEBHOOK_SECRET"`
	StrictWebhookSignatures bool   `mapstructure:"STRICT_WEBHOOK_SIGNATURES"`

	ValidateCodeRateLimitPerMinute int    `mapstructure:"VALIDATE_CODE_RATE_LIMIT_PER_MINUTE"`
	ProvisioningLeaseSeconds       int    `mapstructure:"PROVISIONING_LEASE_SECONDS"`
	CORSAllowedOrigins             string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	TimeDelaySweepSchedule        string `mapstructure:"TIME_DELAY_SWEEP_SCHEDULE"`
	DeliveryReconcileSchedule     string `mapstructure:"DELIVERY_RECONCILE_SCHEDULE"`
	StalledRetrySchedule          string `mapstructure:"STALLED_RETRY_SCHEDULE"`
	MaxProvisioningAttempts       int    `mapstructure:"MAX_PROVISIONING_ATTEMPTS"`
	SweepBatchSize                int    `mapstructure:"SWEEP_BATCH_SIZE"`
	DeliveryReconcileAfterMinutes int    `mapstructure:"DELIVERY_RECONCILE_AFTER_MINUTES"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "mobul:rate_limit")
	viper.SetDefault("EVENT_EXCHANGE", "mobul.events")
	viper.SetDefault("CALL_DISPOSITION_QUEUE", "reward_service.call_dispositions")
	viper.SetDefault("STRICT_WEBHOOK_SIGNATURES", false)
	viper.SetDefault("VALIDATE_CODE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("PROVISIONING_LEASE_SECONDS", 300)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("TIME_DELAY_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("DELIVERY_RECONCILE_SCHEDULE", "@every 10m")
	viper.SetDefault("STALLED_RETRY_SCHEDULE", "@every 10m")
	viper.SetDefault("MAX_PROVISIONING_ATTEMPTS", 10)
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("DELIVERY_RECONCILE_AFTER_MINUTES", 15)

	// Bind explicitly so keys without defaults still appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("CALL_DISPOSITION_QUEUE")
	_ = viper.BindEnv("GIFT_CARD_API_BASE_URL")
	_ = viper.BindEnv("GIFT_CARD_API_KEY")
	_ = viper.BindEnv("SMS_API_BASE_URL")
	_ = viper.BindEnv("SMS_ACCOUNT_SID")
	_ = viper.BindEnv("SMS_AUTH_TOKEN")
	_ = viper.BindEnv("SMS_FROM_NUMBER")
	_ = viper.BindEnv("REDEMPTION_BASE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARD_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("TELEPHONY_WEBHOOK_SECRET")
	_ = viper.BindEnv("HUBSPOT_WEBHOOK_SECRET")
	_ = viper.BindEnv("SALESFORCE_WEBHOOK_SECRET")
	_ = viper.BindEnv("GENERIC_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRICT_WEBHOOK_SIGNATURES")
	_ = viper.BindEnv("VALIDATE_CODE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PROVISIONING_LEASE_SECONDS")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TIME_DELAY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("DELIVERY_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("STALLED_RETRY_SCHEDULE")
	_ = viper.BindEnv("MAX_PROVISIONING_ATTEMPTS")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("DELIVERY_RECONCILE_AFTER_MINUTES")
	_ = viper.BindEnv("OTEL_EXPORTER_OTLP_ENDPOINT")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REWARD_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "mobul:rate_limit"
	}
	config.RedemptionBase = strings.TrimRight(strings.TrimSpace(config.RedemptionBase), "/")

	if config.ValidateCodeRateLimitPerMinute <= 0 {
		config.ValidateCodeRateLimitPerMinute = 20
	}
	if config.ProvisioningLeaseSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive provisioning lease; using default\" value=%d", config.ProvisioningLeaseSeconds)
		config.ProvisioningLeaseSeconds = 300
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 100
	}
	if config.DeliveryReconcileAfterMinutes <= 0 {
		config.DeliveryReconcileAfterMinutes = 15
	}

	return
}

// Validate reports missing settings the HTTP server cannot start without.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.InternalAPIKey) == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	return nil
}

// WebhookSecret returns the signing secret configured for a webhook provider.
func (c Config) WebhookSecret(provider string) string {
	switch strings.ToLower(provider) {
	case "telephony":
		return c.TelephonyWebhookSecret
	case "hubspot":
		return c.HubSpotWebhookSecret
	case "salesforce":
		return c.SalesforceWebhookSecret
	default:
		return c.GenericWebhookSecret
	}
}

// ProvisioningLease is the claim window for one condition's fulfillment attempt.
func (c Config) ProvisioningLease() time.Duration {
	return time.Duration(c.ProvisioningLeaseSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
