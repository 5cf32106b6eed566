package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/queue"
	"github.com/jaystack/device-megatest/internal/trigger"
)

const (
	StoreLocal    = "local"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	QueueRedis  = "redis"
	QueueMemory = "memory"

	BackendWebDriver = "webdriver"
	BackendCDP       = "cdp"

	TriggerLocal = "local"
	TriggerNATS  = "nats"
)

type Config struct {
	HTTPAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	StoreKind      string
	CaptureDir     string
	CaptureBaseURL string
	PostgresDSN    string

	QueueKind   string
	RedisAddr   string
	QueueName   string
	Visibility  time.Duration
	MaxReceives int

	BackendKind        string
	WebDriverURL       string
	CDPURL             string
	SessionOpenTimeout time.Duration
	StepPollInterval   time.Duration

	TriggerKind string
	NATSURL     string
	NATSSubject string

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MinPoll        time.Duration
	MaxPoll        time.Duration
	WorkerHolder   string

	ScheduleConcurrency int

	APIKey             string
	LaunchRateLimit    float64
	LaunchRateBurst    int
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration

	TracingEnabled bool
	EmbeddedWorker bool
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	visibility := durationOrDefault("MEGATEST_VISIBILITY_TIMEOUT", 3*time.Minute)
	return Config{
		HTTPAddr:     envOrDefault("MEGATEST_HTTP_ADDR", ":8080"),
		ReadTimeout:  durationOrDefault("MEGATEST_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: durationOrDefault("MEGATEST_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:  durationOrDefault("MEGATEST_IDLE_TIMEOUT", 60*time.Second),

		StoreKind:      strings.ToLower(envOrDefault("MEGATEST_STORE", StoreLocal)),
		CaptureDir:     capture.RootDirFromEnv(os.Getenv("MEGATEST_CAPTURE_DIR")),
		CaptureBaseURL: normalizeCaptureBaseURL(os.Getenv("CAPTURE_BASE_URL")),
		PostgresDSN:    strings.TrimSpace(os.Getenv("POSTGRES_DSN")),

		QueueKind:   strings.ToLower(envOrDefault("MEGATEST_QUEUE", QueueMemory)),
		RedisAddr:   strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		QueueName:   envOrDefault("MEGATEST_QUEUE_NAME", "device-jobs"),
		Visibility:  visibility,
		MaxReceives: intOrDefault("MEGATEST_MAX_RECEIVES", queue.DefaultMaxReceives),

		BackendKind:        strings.ToLower(envOrDefault("MEGATEST_BACKEND", BackendWebDriver)),
		WebDriverURL:       firstNonEmpty(os.Getenv("WEBDRIVER_URL"), os.Getenv("BROWSERSTACK_URL")),
		CDPURL:             envOrDefault("MEGATEST_CDP_URL", "http://127.0.0.1:9222"),
		SessionOpenTimeout: durationOrDefault("MEGATEST_SESSION_OPEN_TIMEOUT", 2*time.Minute),
		StepPollInterval:   durationOrDefault("MEGATEST_STEP_POLL_INTERVAL", 250*time.Millisecond),

		TriggerKind: strings.ToLower(envOrDefault("MEGATEST_TRIGGER", TriggerLocal)),
		NATSURL:     strings.TrimSpace(os.Getenv("NATS_URL")),
		NATSSubject: envOrDefault("MEGATEST_NATS_SUBJECT", trigger.DefaultSubject),

		RetryBaseDelay: durationOrDefault("MEGATEST_RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:  durationOrDefault("MEGATEST_RETRY_MAX_DELAY", visibility),
		MinPoll:        durationOrDefault("MEGATEST_MIN_POLL", time.Second),
		MaxPoll:        durationOrDefault("MEGATEST_MAX_POLL", 30*time.Second),
		WorkerHolder:   strings.TrimSpace(os.Getenv("MEGATEST_WORKER_ID")),

		ScheduleConcurrency: intOrDefault("MEGATEST_SCHEDULE_CONCURRENCY", 8),

		APIKey:             strings.TrimSpace(os.Getenv("MEGATEST_API_KEY")),
		LaunchRateLimit:    floatOrDefault("MEGATEST_LAUNCH_RATE_LIMIT", 2),
		LaunchRateBurst:    intOrDefault("MEGATEST_LAUNCH_RATE_BURST", 10),
		IdempotencyTTL:     durationOrDefault("MEGATEST_IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyLockTTL: durationOrDefault("MEGATEST_IDEMPOTENCY_LOCK_TTL", 30*time.Second),

		TracingEnabled: boolOrDefault("MEGATEST_TRACING", false),
		EmbeddedWorker: boolOrDefault("MEGATEST_EMBEDDED_WORKER", true),
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreKind {
	case StoreLocal, StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when MEGATEST_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEGATEST_STORE %q", c.StoreKind))
	}

	switch c.QueueKind {
	case QueueMemory:
	case QueueRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when MEGATEST_QUEUE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEGATEST_QUEUE %q", c.QueueKind))
	}

	switch c.BackendKind {
	case BackendWebDriver:
		if c.WebDriverURL == "" {
			errs = append(errs, errors.New("WEBDRIVER_URL (or BROWSERSTACK_URL) is required when MEGATEST_BACKEND=webdriver"))
		}
	case BackendCDP:
		if c.CDPURL == "" {
			errs = append(errs, errors.New("MEGATEST_CDP_URL is required when MEGATEST_BACKEND=cdp"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEGATEST_BACKEND %q", c.BackendKind))
	}

	switch c.TriggerKind {
	case TriggerLocal:
	case TriggerNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required when MEGATEST_TRIGGER=nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEGATEST_TRIGGER %q", c.TriggerKind))
	}

	if c.Visibility <= 0 {
		errs = append(errs, errors.New("MEGATEST_VISIBILITY_TIMEOUT must be positive"))
	}
	if c.SessionOpenTimeout >= c.Visibility {
		errs = append(errs, fmt.Errorf("MEGATEST_SESSION_OPEN_TIMEOUT (%s) must be shorter than the visibility timeout (%s)", c.SessionOpenTimeout, c.Visibility))
	}
	if c.MaxReceives <= 0 {
		errs = append(errs, errors.New("MEGATEST_MAX_RECEIVES must be positive"))
	}
	if c.QueueKind == QueueMemory && !c.EmbeddedWorker {
		errs = append(errs, errors.New("MEGATEST_QUEUE=memory needs MEGATEST_EMBEDDED_WORKER: nothing else can drain it"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// normalizeCaptureBaseURL keeps absolute URLs (a CDN) and turns anything else
// into a rooted path without a trailing slash.
func normalizeCaptureBaseURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "/captures"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimSuffix(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	normalized := strings.TrimSuffix(trimmed, "/")
	if normalized == "" {
		return "/captures"
	}
	return normalized
}
