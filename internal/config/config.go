package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// BaseURL is prepended to tracking pixel, click and unsubscribe links.
	BaseURL string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate-limit counter state)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email transport: "smtp" (default) or "ses"
	EmailTransport string

	// SMTP
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPDialTimeout time.Duration

	// AWS SES
	AWSRegion    string
	SESFromEmail string

	// Send worker
	SendConcurrency  int
	SendClaimBatch   int
	SendPollInterval time.Duration
	SendMaxAttempts  int
	SendRetryBase    time.Duration
	SendRetryCap     time.Duration

	// Outbound send throttle (fixed window, shared via Redis when configured)
	SendRateLimit  int
	SendRateWindow time.Duration

	// Webhook delivery worker
	WebhookConcurrency  int
	WebhookPollInterval time.Duration
	WebhookRetryBase    time.Duration
	WebhookRetryCap     time.Duration
	WebhookTimeout      time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A local .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		BaseURL:  "http://localhost:8080",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "mailburst",
		DBPassword: "",
		DBName:     "mailburst",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EmailTransport: "smtp",

		SMTPHost:        "localhost",
		SMTPPort:        587,
		SMTPFrom:        "noreply@mailburst.local",
		SMTPDialTimeout: 10 * time.Second,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@mailburst.local",

		SendConcurrency:  4,
		SendClaimBatch:   10,
		SendPollInterval: 2 * time.Second,
		SendMaxAttempts:  5,
		SendRetryBase:    30 * time.Second,
		SendRetryCap:     15 * time.Minute,

		SendRateLimit:  100,
		SendRateWindow: time.Minute,

		WebhookConcurrency:  2,
		WebhookPollInterval: 2 * time.Second,
		WebhookRetryBase:    30 * time.Second,
		WebhookRetryCap:     time.Hour,
		WebhookTimeout:      30 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if url := os.Getenv("BASE_URL"); url != "" {
		cfg.BaseURL = url
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Email transport
	if transport := os.Getenv("EMAIL_TRANSPORT"); transport != "" {
		if transport != "smtp" && transport != "ses" {
			return nil, fmt.Errorf("invalid EMAIL_TRANSPORT: %q (must be smtp or ses)", transport)
		}
		cfg.EmailTransport = transport
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// Send worker config
	if v := os.Getenv("SEND_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_CONCURRENCY: %w", err)
		}
		cfg.SendConcurrency = n
	}

	if v := os.Getenv("SEND_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_MAX_ATTEMPTS: %w", err)
		}
		cfg.SendMaxAttempts = n
	}

	if v := os.Getenv("SEND_RETRY_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_RETRY_BASE: %w", err)
		}
		cfg.SendRetryBase = d
	}

	if v := os.Getenv("SEND_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_RATE_LIMIT: %w", err)
		}
		cfg.SendRateLimit = n
	}

	// Webhook delivery config
	if v := os.Getenv("WEBHOOK_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_CONCURRENCY: %w", err)
		}
		cfg.WebhookConcurrency = n
	}

	if v := os.Getenv("WEBHOOK_TIMEOUT"); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = time.Duration(t) * time.Second
	}

	if v := os.Getenv("WEBHOOK_RETRY_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_RETRY_BASE: %w", err)
		}
		cfg.WebhookRetryBase = d
	}

	return cfg, nil
}
