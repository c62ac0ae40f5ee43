package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/database"
	"fulfillment-service/models"
	aws_pkg "fulfillment-service/pkg/aws"
	"fulfillment-service/services"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the fulfillment service.
type Config struct {
	Port   string
	AppEnv string

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string

	RedisURL          string
	WebhookDedupTable string
	JWTSecret         string

	StripeAPIKey        string
	StripeWebhookSecret string
	PaymentCurrency     string

	ShippoAPIKey            string
	ShippoBaseURL           string
	ShippoWebhookToken      string
	ShippoQueuedRetryDelay  time.Duration
	ShippoQueuedMaxAttempts int

	OrderSNSTopicARN  string
	EmailQueueURL     string
	LabelBucket       string
	CloudWatchEnabled bool
	MetricsNamespace  string
	LogGroup          string
	CORSOrigins       []string

	SideEffectWorkers   int
	SideEffectQueueSize int

	FreeShippingThreshold decimal.Decimal
	FlatShippingRate      decimal.Decimal
	TaxRate               decimal.Decimal

	// Warehouse / origin address
	OriginName    string
	OriginStreet  string
	OriginCity    string
	OriginState   string
	OriginZip     string
	OriginCountry string
	OriginPhone   string
}

func (c *Config) Database() database.Settings {
	return database.Settings{
		Host:     c.PostgresHost,
		Port:     c.PostgresPort,
		User:     c.PostgresUser,
		Password: c.PostgresPassword,
		DBName:   c.PostgresDB,
		SSLMode:  c.PostgresSSLMode,
		TimeZone: c.PostgresTimeZone,
	}
}

// OriginAddress builds the ship-from address from origin config values.
func (c *Config) OriginAddress() models.Address {
	return models.Address{
		FirstName: c.OriginName,
		Street:    c.OriginStreet,
		City:      c.OriginCity,
		State:     c.OriginState,
		Zip:       c.OriginZip,
		Country:   c.OriginCountry,
		Phone:     c.OriginPhone,
	}
}

func (c *Config) Pricing() services.Pricing {
	return services.Pricing{
		FreeShippingThreshold: c.FreeShippingThreshold,
		FlatShippingRate:      c.FlatShippingRate,
		TaxRate:               c.TaxRate,
	}
}

func (c *Config) QueuedPoll() services.Poller {
	return services.Poller{
		MaxAttempts: c.ShippoQueuedMaxAttempts,
		Delay:       c.ShippoQueuedRetryDelay,
	}
}

// LoadConfig reads configuration from environment variables. When secrets is
// non-nil, credentials stored in Secrets Manager take precedence.
func LoadConfig(ctx context.Context, secrets aws_pkg.SecretGetter) (*Config, error) {
	cfg := &Config{
		Port:   getEnv("PORT", "8090"),
		AppEnv: getEnv("APP_ENV", "development"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),

		RedisURL:          os.Getenv("REDIS_URL"),
		WebhookDedupTable: os.Getenv("WEBHOOK_DEDUP_TABLE"),
		JWTSecret:         os.Getenv("JWT_SECRET"),

		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentCurrency:     getEnv("PAYMENT_CURRENCY", "usd"),

		ShippoAPIKey:       os.Getenv("SHIPPO_API_KEY"),
		ShippoBaseURL:      os.Getenv("SHIPPO_BASE_URL"),
		ShippoWebhookToken: os.Getenv("SHIPPO_WEBHOOK_TOKEN"),

		OrderSNSTopicARN:  os.Getenv("ORDER_SNS_TOPIC_ARN"),
		EmailQueueURL:     os.Getenv("EMAIL_QUEUE_URL"),
		LabelBucket:       os.Getenv("LABEL_BUCKET"),
		CloudWatchEnabled: os.Getenv("CLOUDWATCH_ENABLED") == "true",
		MetricsNamespace:  getEnv("METRICS_NAMESPACE", "ShopSwift/Fulfillment"),
		LogGroup:          getEnv("CLOUDWATCH_LOG_GROUP", "/shopswift/fulfillment-service"),
		CORSOrigins:       splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),

		OriginName:    getEnv("ORIGIN_NAME", "ShopSwift Warehouse"),
		OriginStreet:  getEnv("ORIGIN_STREET", "123 Warehouse Blvd"),
		OriginCity:    getEnv("ORIGIN_CITY", "San Francisco"),
		OriginState:   getEnv("ORIGIN_STATE", "CA"),
		OriginZip:     getEnv("ORIGIN_ZIP", "94105"),
		OriginCountry: getEnv("ORIGIN_COUNTRY", "US"),
		OriginPhone:   getEnv("ORIGIN_PHONE", "+14155550100"),
	}

	var err error
	if cfg.ShippoQueuedRetryDelay, err = time.ParseDuration(getEnv("SHIPPO_QUEUED_RETRY_DELAY", "2s")); err != nil {
		return nil, fmt.Errorf("invalid SHIPPO_QUEUED_RETRY_DELAY: %w", err)
	}
	if cfg.ShippoQueuedMaxAttempts, err = strconv.Atoi(getEnv("SHIPPO_QUEUED_MAX_ATTEMPTS", "1")); err != nil || cfg.ShippoQueuedMaxAttempts < 0 {
		return nil, fmt.Errorf("invalid SHIPPO_QUEUED_MAX_ATTEMPTS %q", os.Getenv("SHIPPO_QUEUED_MAX_ATTEMPTS"))
	}
	if cfg.SideEffectWorkers, err = strconv.Atoi(getEnv("SIDE_EFFECT_WORKERS", "4")); err != nil {
		return nil, fmt.Errorf("invalid SIDE_EFFECT_WORKERS: %w", err)
	}
	if cfg.SideEffectQueueSize, err = strconv.Atoi(getEnv("SIDE_EFFECT_QUEUE_SIZE", "256")); err != nil {
		return nil, fmt.Errorf("invalid SIDE_EFFECT_QUEUE_SIZE: %w", err)
	}
	if cfg.FreeShippingThreshold, err = decimal.NewFromString(getEnv("FREE_SHIPPING_THRESHOLD", "50")); err != nil {
		return nil, fmt.Errorf("invalid FREE_SHIPPING_THRESHOLD: %w", err)
	}
	if cfg.FlatShippingRate, err = decimal.NewFromString(getEnv("FLAT_SHIPPING_RATE", "5.99")); err != nil {
		return nil, fmt.Errorf("invalid FLAT_SHIPPING_RATE: %w", err)
	}
	if cfg.TaxRate, err = decimal.NewFromString(getEnv("TAX_RATE", "0.08")); err != nil {
		return nil, fmt.Errorf("invalid TAX_RATE: %w", err)
	}

	if cfg.PaymentCurrency, err = services.NormalizeCurrency(cfg.PaymentCurrency); err != nil {
		return nil, fmt.Errorf("invalid PAYMENT_CURRENCY: %w", err)
	}

	if secrets != nil {
		if err := applySecrets(ctx, cfg, secrets); err != nil {
			return nil, err
		}
	}

	if cfg.PostgresUser == "" || cfg.PostgresPassword == "" || cfg.PostgresDB == "" || cfg.PostgresHost == "" {
		return nil, fmt.Errorf("database config incomplete")
	}
	if cfg.StripeAPIKey == "" || cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_API_KEY and STRIPE_WEBHOOK_SECRET are required")
	}
	if cfg.ShippoAPIKey == "" {
		return nil, fmt.Errorf("SHIPPO_API_KEY is required")
	}
	return cfg, nil
}

// applySecrets overrides credentials from Secrets Manager. Secrets that
// cannot be read keep the environment values; a malformed DB_CREDENTIALS
// document is an error.
func applySecrets(ctx context.Context, cfg *Config, sm aws_pkg.SecretGetter) error {
	creds, err := aws_pkg.DatabaseCredentials(ctx, sm)
	if errors.Is(err, aws_pkg.ErrMalformedSecret) {
		return err
	}
	if creds != nil {
		override(&cfg.PostgresUser, creds.User)
		override(&cfg.PostgresPassword, creds.Password)
		override(&cfg.PostgresDB, creds.Database)
		override(&cfg.PostgresHost, creds.Host)
		override(&cfg.PostgresPort, creds.Port.String())
	}
	for name, dst := range map[string]*string{
		aws_pkg.SecretStripeAPIKey:        &cfg.StripeAPIKey,
		aws_pkg.SecretStripeWebhookSecret: &cfg.StripeWebhookSecret,
		aws_pkg.SecretShippoAPIKey:        &cfg.ShippoAPIKey,
		aws_pkg.SecretJWT:                 &cfg.JWTSecret,
	} {
		if v, err := sm.GetSecret(ctx, name); err == nil {
			override(dst, v)
		}
	}
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
