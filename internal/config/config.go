package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	PayPal   PayPalConfig   `mapstructure:"paypal"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type AppConfig struct {
	Port         string        `mapstructure:"port"`
	Env          string        `mapstructure:"env"`
	LogLevel     string        `mapstructure:"logLevel"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"maxConns"`
	MinConns       int32  `mapstructure:"minConns"`
	MigrateOnStart bool   `mapstructure:"migrateOnStart"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cacheTtl"`
	LockTTL  time.Duration `mapstructure:"lockTtl"`
}

type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	NotificationTopic string   `mapstructure:"notificationTopic"`
	EventTopic        string   `mapstructure:"eventTopic"`
}

type StripeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	APIKey        string        `mapstructure:"apiKey"`
	WebhookSecret string        `mapstructure:"webhookSecret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PayPalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	ClientID  string        `mapstructure:"clientId"`
	Secret    string        `mapstructure:"secret"`
	WebhookID string        `mapstructure:"webhookId"`
	Sandbox   bool          `mapstructure:"sandbox"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwtSecret"`
	JobScope     string `mapstructure:"jobScope"`
	// ServiceScope выдается checkout-сервису для планирования намерений
	ServiceScope string `mapstructure:"serviceScope"`
}

// BillingConfig параметры оркестратора подписок
type BillingConfig struct {
	DefaultDelayDays int           `mapstructure:"defaultDelayDays"`
	DefaultCurrency  string        `mapstructure:"defaultCurrency"`
	MaxAttempts      int           `mapstructure:"maxAttempts"`
	RetryDelay       time.Duration `mapstructure:"retryDelay"`
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batchSize"`
	StaleAfter       time.Duration `mapstructure:"staleAfter"`
	ProviderTimeout  time.Duration `mapstructure:"providerTimeout"`
	SuspensionGrace  time.Duration `mapstructure:"suspensionGrace"`
}

// JobsConfig расписания cron для пакетных задач
type JobsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ProcessIntents string `mapstructure:"processIntents"`
	RecoverStale   string `mapstructure:"recoverStale"`
	Renewals       string `mapstructure:"renewals"`
	PeriodEnd      string `mapstructure:"periodEnd"`
	ProviderSync   string `mapstructure:"providerSync"`
	WebhookReplay  string `mapstructure:"webhookReplay"`
}

type NotifyConfig struct {
	Driver   string         `mapstructure:"driver"` // kafka | postmark | log
	Postmark PostmarkConfig `mapstructure:"postmark"`
}

type PostmarkConfig struct {
	ServerToken  string            `mapstructure:"serverToken"`
	AccountToken string            `mapstructure:"accountToken"`
	From         string            `mapstructure:"from"`
	Templates    map[string]string `mapstructure:"templates"`
}

// IsProduction true для production окружения
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.logLevel", "info")
	v.SetDefault("app.readTimeout", 10*time.Second)
	v.SetDefault("app.writeTimeout", 15*time.Second)

	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)
	v.SetDefault("database.migrateOnStart", true)

	v.SetDefault("redis.cacheTtl", 15*time.Minute)
	v.SetDefault("redis.lockTtl", 10*time.Minute)

	v.SetDefault("kafka.notificationTopic", "billing.notifications")
	v.SetDefault("kafka.eventTopic", "billing.subscription_events")

	v.SetDefault("stripe.timeout", 20*time.Second)
	v.SetDefault("paypal.sandbox", true)
	v.SetDefault("paypal.timeout", 20*time.Second)

	v.SetDefault("auth.jobScope", "billing:jobs")
	v.SetDefault("auth.serviceScope", "billing:orders")

	v.SetDefault("billing.defaultDelayDays", 7)
	v.SetDefault("billing.defaultCurrency", "usd")
	v.SetDefault("billing.maxAttempts", 3)
	v.SetDefault("billing.retryDelay", 6*time.Hour)
	v.SetDefault("billing.workers", 4)
	v.SetDefault("billing.batchSize", 100)
	v.SetDefault("billing.staleAfter", 30*time.Minute)
	v.SetDefault("billing.providerTimeout", 20*time.Second)
	v.SetDefault("billing.suspensionGrace", 720*time.Hour)

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.processIntents", "@every 5m")
	v.SetDefault("jobs.recoverStale", "@every 15m")
	v.SetDefault("jobs.renewals", "@every 30m")
	v.SetDefault("jobs.periodEnd", "@every 30m")
	v.SetDefault("jobs.providerSync", "@every 10m")
	v.SetDefault("jobs.webhookReplay", "@every 10m")

	v.SetDefault("notify.driver", "log")

	// пустые значения нужны, иначе AutomaticEnv не увидит ключ при Unmarshal
	for _, key := range []string{
		"database.dsn", "redis.addr", "redis.password", "stripe.apiKey", "stripe.webhookSecret",
		"paypal.clientId", "paypal.secret", "paypal.webhookId", "auth.jwtSecret",
		"notify.postmark.serverToken", "notify.postmark.accountToken", "notify.postmark.from",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("stripe.enabled", false)
	v.SetDefault("paypal.enabled", false)
}

// LoadConfig загружает конфигурацию из файла и переменных окружения.
// Переменные окружения перекрывают файл: billing.maxAttempts -> BILLING_MAXATTEMPTS.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// .env не обязателен
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	if c.Stripe.Enabled && (c.Stripe.APIKey == "" || c.Stripe.WebhookSecret == "") {
		errs = append(errs, errors.New("stripe.apiKey and stripe.webhookSecret are required when stripe is enabled"))
	}
	if c.PayPal.Enabled && (c.PayPal.ClientID == "" || c.PayPal.Secret == "" || c.PayPal.WebhookID == "") {
		errs = append(errs, errors.New("paypal.clientId, paypal.secret and paypal.webhookId are required when paypal is enabled"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Notify.Driver == "postmark" && (c.Notify.Postmark.ServerToken == "" || c.Notify.Postmark.From == "") {
		errs = append(errs, errors.New("notify.postmark.serverToken and notify.postmark.from are required"))
	}
	if c.Notify.Driver == "kafka" && !c.Kafka.Enabled {
		errs = append(errs, errors.New("notify.driver=kafka requires kafka.enabled"))
	}
	if c.Billing.MaxAttempts < 1 {
		errs = append(errs, errors.New("billing.maxAttempts must be at least 1"))
	}
	if c.Billing.DefaultDelayDays < 0 {
		errs = append(errs, errors.New("billing.defaultDelayDays must not be negative"))
	}
	return errors.Join(errs...)
}
