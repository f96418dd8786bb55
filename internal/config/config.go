package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type DB struct {
	User string `env:"DB_USER" envDefault:"postgres"`
	Pass string `env:"DB_PASS" envDefault:"postgres"`
	Host string `env:"DB_HOST" envDefault:"postgres"`
	Port string `env:"DB_PORT" envDefault:"5432"`
	Name string `env:"DB_NAME" envDefault:"geofy"`
}

type Storage struct {
	Driver     string `env:"STORAGE_DRIVER" envDefault:"sqlite"` // postgres, sqlite or memory
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/geofy.db"`
}

type NSQ struct {
	NsqdTCPAddr     string `env:"NSQD_TCP_ADDR" envDefault:"nsqd:4150"`
	LookupHTTPAddr  string `env:"NSQ_LOOKUP_HTTP_ADDR" envDefault:"http://nsqlookupd:4161"`
	CaptureTopic    string `env:"NSQ_CAPTURE_TOPIC" envDefault:"capture_tasks"`
	JobEventTopic   string `env:"NSQ_JOB_EVENT_TOPIC" envDefault:"job_events"`
	DeadLetterTopic string `env:"NSQ_DLQ_TOPIC" envDefault:"deliveries_dead"`
	RunnerChannel   string `env:"NSQ_RUNNER_CHANNEL" envDefault:"runners"`
	DispatchChannel string `env:"NSQ_DISPATCH_CHANNEL" envDefault:"dispatchers"`
}

type Webhook struct {
	SigningSecret         string `env:"WEBHOOK_SECRET"`
	RequestTimeoutSeconds int    `env:"WEBHOOK_TIMEOUT_SECONDS" envDefault:"30"`
	MaxRetries            int    `env:"WEBHOOK_MAX_RETRIES" envDefault:"5"`
	BackoffBaseSeconds    int    `env:"WEBHOOK_BACKOFF_BASE_SECONDS" envDefault:"2"`
	ToleranceSeconds      int    `env:"WEBHOOK_TOLERANCE_SECONDS" envDefault:"300"`
	UserAgent             string `env:"WEBHOOK_USER_AGENT" envDefault:"Geofy-Imagery-API/1.0 (+https://geofy.example)"`
}

// RequestTimeout is the per-attempt HTTP timeout for webhook deliveries.
func (w Webhook) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutSeconds) * time.Second
}

// BackoffBase is the base delay for exponential retry backoff.
func (w Webhook) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseSeconds) * time.Second
}

// Tolerance is the receiver-side allowance for signature timestamp skew.
func (w Webhook) Tolerance() time.Duration {
	return time.Duration(w.ToleranceSeconds) * time.Second
}

type Dispatch struct {
	Concurrency  int           `env:"DISPATCH_CONCURRENCY" envDefault:"8"`
	ScanInterval time.Duration `env:"DISPATCH_SCAN_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"DISPATCH_BATCH_SIZE" envDefault:"64"`
	StaleGrace   time.Duration `env:"DISPATCH_STALE_GRACE" envDefault:"2m"`
	PublishDLQ   bool          `env:"PUBLISH_DLQ_TOPIC" envDefault:"false"`
	HTTPPort     string        `env:"DISPATCH_HTTP_PORT" envDefault:":8083"`
}

type Imagery struct {
	ToolPath            string        `env:"GEHISTORICALIMAGERY_PATH" envDefault:"/app/gehinix.sh"`
	Provider            string        `env:"IMAGERY_PROVIDER" envDefault:"google"`
	TempDir             string        `env:"TEMP_STORAGE_PATH" envDefault:"/tmp/imagery"`
	AvailabilityTimeout time.Duration `env:"AVAILABILITY_TIMEOUT" envDefault:"60s"`
	CaptureTimeout      time.Duration `env:"CAPTURE_TIMEOUT" envDefault:"300s"`
}

type FakeReceiver struct {
	// FailFirstN makes the receiver reject that many initial requests
	// so retry behavior can be exercised end to end.
	FailFirstN           int           `env:"FAIL_FIRST_N" envDefault:"0"`
	EndpointSecret       string        `env:"ENDPOINT_SECRET"`
	SigningLeewaySeconds int           `env:"SIGNING_LEEWAY_SECONDS" envDefault:"300"`
	ResponseDelayMS      int           `env:"RESPONSE_DELAY_MS" envDefault:"0"`
	Port                 string        `env:"FAKE_RECEIVER_PORT" envDefault:":8081"`
	ReadTimeout          time.Duration `env:"FAKE_RECEIVER_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout         time.Duration `env:"FAKE_RECEIVER_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout          time.Duration `env:"FAKE_RECEIVER_IDLE_TIMEOUT" envDefault:"60s"`
}

type Config struct {
	AppName           string `env:"APP_NAME" envDefault:"imagery-hooks"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	APIPort           string `env:"API_HTTP_PORT" envDefault:":8006"`
	RunnerPort        string `env:"RUNNER_HTTP_PORT" envDefault:":8082"`
	RunnerConcurrency int    `env:"RUNNER_CONCURRENCY" envDefault:"2"`
	DatabaseURL       string `env:"DATABASE_URL"` // overrides DB_* when set

	DB           DB
	Storage      Storage
	NSQ          NSQ
	Webhook      Webhook
	Dispatch     Dispatch
	Imagery      Imagery
	FakeReceiver FakeReceiver
}

// Load reads configuration from the environment. Invalid values are a
// startup error, not a silent fallback.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Webhook.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS must be positive, got %d", c.Webhook.RequestTimeoutSeconds)
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative, got %d", c.Webhook.MaxRetries)
	}
	if c.Webhook.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("WEBHOOK_BACKOFF_BASE_SECONDS must be positive, got %d", c.Webhook.BackoffBaseSeconds)
	}
	if c.Webhook.ToleranceSeconds < 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE_SECONDS must not be negative, got %d", c.Webhook.ToleranceSeconds)
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", c.Dispatch.Concurrency)
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.Dispatch.BatchSize)
	}
	if c.RunnerConcurrency <= 0 {
		return fmt.Errorf("RUNNER_CONCURRENCY must be positive, got %d", c.RunnerConcurrency)
	}
	switch c.Storage.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	return nil
}

// DSN returns the postgres connection string. DATABASE_URL takes
// precedence over the individual DB_* settings.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
