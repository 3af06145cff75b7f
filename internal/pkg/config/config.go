package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is built once at process start and handed to every constructor.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Stripe   StripeConfig
	Receipt  ReceiptConfig
	Mail     MailConfig
	Notify   NotifyConfig
	Jobs     JobsConfig
	Locks    LockConfig
}

type AppConfig struct {
	Env            string `env:"APP_ENV" envDefault:"prod"`
	Host           string `env:"APP_HOST" envDefault:"localhost"`
	Port           string `env:"APP_PORT" envDefault:"4000"`
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`
}

type DatabaseConfig struct {
	Driver   string `env:"DB_DRIVER" envDefault:"mysql"`
	Host     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port     string `env:"DB_PORT" envDefault:"3306"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME" envDefault:"subsync"`
	Path     string `env:"DB_PATH" envDefault:"subsync.db"`
}

type CacheConfig struct {
	Host     string `env:"CACHE_HOST" envDefault:"localhost"`
	Port     int    `env:"CACHE_PORT" envDefault:"6379"`
	Password string `env:"CACHE_PASSWORD"`
	DB       int    `env:"CACHE_DB" envDefault:"0"`
	// LimiterDB keeps rate limiter keys apart from queue and lock keys.
	LimiterDB int `env:"CACHE_LIMITER_DB" envDefault:"1"`
}

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	DefaultPrice  string `env:"STRIPE_DEFAULT_PRICE"`
}

type ReceiptConfig struct {
	SharedSecret     string        `env:"APPSTORE_SHARED_SECRET"`
	LegacySecret     string        `env:"ITUNES_SHARED_SECRET"`
	Production       bool          `env:"APPSTORE_PRODUCTION" envDefault:"true"`
	ProductionURL    string        `env:"APPSTORE_VERIFY_URL" envDefault:"https://buy.itunes.apple.com/verifyReceipt"`
	SandboxURL       string        `env:"APPSTORE_SANDBOX_VERIFY_URL" envDefault:"https://sandbox.itunes.apple.com/verifyReceipt"`
	HTTPTimeout      time.Duration `env:"APPSTORE_HTTP_TIMEOUT" envDefault:"20s"`
	NotifyWithSecret bool          `env:"APPSTORE_NOTIFY_REQUIRE_SECRET" envDefault:"true"`
}

type MailConfig struct {
	Driver         string   `env:"MAIL_DRIVER" envDefault:"smtp"`
	Sender         string   `env:"MAIL_SENDER" envDefault:"no-reply@localhost"`
	ReplyTo        string   `env:"MAIL_REPLY_TO"`
	AlertRecipient []string `env:"MAIL_ALERT_RECIPIENTS" envSeparator:","`
	SMTPHost       string   `env:"SMTP_HOST"`
	SMTPPort       string   `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername   string   `env:"SMTP_USERNAME"`
	SMTPPassword   string   `env:"SMTP_PASSWORD"`
	PostmarkServer string   `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAcct   string   `env:"POSTMARK_ACCOUNT_TOKEN"`
}

type NotifyConfig struct {
	AlertThrottle time.Duration `env:"NOTIFY_ALERT_THROTTLE" envDefault:"24h"`
	Async         bool          `env:"NOTIFY_ASYNC" envDefault:"true"`
}

type JobsConfig struct {
	Workers        int           `env:"JOBS_WORKERS" envDefault:"3"`
	SweepSpec      string        `env:"JOBS_SWEEP_CRON" envDefault:"@every 30m"`
	SweepBatch     int           `env:"JOBS_SWEEP_BATCH" envDefault:"500"`
	SweepLookahead time.Duration `env:"JOBS_SWEEP_LOOKAHEAD" envDefault:"24h"`
	SweepLookback  time.Duration `env:"JOBS_SWEEP_LOOKBACK" envDefault:"168h"`
	CounterFlush   string        `env:"JOBS_COUNTER_FLUSH_CRON" envDefault:"@every 1m"`
}

type LockConfig struct {
	Backend string        `env:"LOCK_BACKEND" envDefault:"redis"`
	TTL     time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	Wait    time.Duration `env:"LOCK_WAIT" envDefault:"10s"`
}

// Load reads an optional .env file and parses the process environment.
func Load() (*Config, error) {
	for _, f := range []string{".env", "../../.env"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
			break
		}
	}
	return Parse(env.Options{})
}

// Parse parses the configuration with explicit env options (tests pass a map).
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Mail.Driver {
	case "smtp", "postmark", "log":
	default:
		return fmt.Errorf("unsupported MAIL_DRIVER %q", c.Mail.Driver)
	}
	switch c.Locks.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.Locks.Backend)
	}
	return nil
}

// IsDev reports whether the app runs in development mode.
func (c *Config) IsDev() bool {
	return c.App.Env == "dev"
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.App.Host, c.App.Port)
}

// ReceiptSharedSecret resolves the App Store shared secret. Keys are tried in
// order; the first non-empty value wins.
func (c *Config) ReceiptSharedSecret() string {
	return FirstNonEmpty(c.Receipt.SharedSecret, c.Receipt.LegacySecret)
}

// FirstNonEmpty returns the first value that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
