package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

// Config holds all configuration for jobcore processes. It is built once by Load
// and never mutated; components receive the sections they need.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	AMQP        AMQPConfig
	ObjectStore ObjectStoreConfig
	AI          AIConfig
	Jobs        JobsConfig
	Quota       QuotaConfig
	Sweep       SweepConfig
	Webhook     WebhookConfig
	Admin       AdminConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	DefaultLocale language.Tag
	MaxImageBytes int64
}

// Development reports whether the process runs in development mode.
func (s ServerConfig) Development() bool { return s.Env == "development" }

// Production reports whether the process runs in production mode.
func (s ServerConfig) Production() bool { return s.Env == "production" }

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLite reports whether URL selects the embedded SQLite store.
func (d DatabaseConfig) SQLite() bool { return strings.HasPrefix(d.URL, "sqlite:") }

type RedisConfig struct {
	URL string
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	WorkQueue  string
	RetryQueue string
	Prefetch   int
	// RetryQueueIdle is how long an unused retry queue outlives its message TTL.
	RetryQueueIdle time.Duration
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AIConfig struct {
	Provider string
	// AttemptTimeout bounds one provider call including same-attempt repairs.
	AttemptTimeout time.Duration
	MaxRepairs     int
	Proxy          ProxyConfig
	OpenAI         OpenAIConfig
}

type ProxyConfig struct {
	BaseURL string
	Token   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// RetryPolicy bounds the worker retry loop for one job kind.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64
	AttemptTimeout time.Duration
	// MaxElapsed bounds wall-clock time from first dispatch to a terminal state.
	MaxElapsed time.Duration
}

type JobsConfig struct {
	Recognition    RetryPolicy
	Payment        RetryPolicy
	DedupTTL       time.Duration
	ResultTTL      time.Duration
	Concurrency    int
	EmbeddedWorker bool
}

// Policy returns the retry policy for a job kind.
func (j JobsConfig) Policy(kind string) RetryPolicy {
	if kind == "payment_event" {
		return j.Payment
	}
	return j.Recognition
}

type QuotaConfig struct {
	// Location defines the day boundary for daily quotas and the cron timezone.
	Location    *time.Location
	DailyLimits map[string]int
	DebugBypass bool
}

type SweepConfig struct {
	Schedule        string
	ArchiveSchedule string
	StaleAfter      time.Duration
	AbandonAfter    time.Duration
	Retention       time.Duration
	BatchSize       int
}

type WebhookConfig struct {
	Token string
}

type AdminConfig struct {
	ownerIDs map[string]struct{}
}

// IsAdmin reports whether ownerID belongs to the configured admin set.
func (a AdminConfig) IsAdmin(ownerID string) bool {
	if ownerID == "" {
		return false
	}
	_, ok := a.ownerIDs[ownerID]
	return ok
}

// NewAdminConfig builds an admin set from ids. Used by Load and by tests.
func NewAdminConfig(ids ...string) AdminConfig {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return AdminConfig{ownerIDs: set}
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validProviders = map[string]bool{
	"proxy":  true,
	"openai": true,
	"mock":   true,
}

var validEnvs = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

var quotaClassRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Load reads configuration from environment variables and returns a validated Config.
// In development a .env file in the working directory is loaded first if present;
// variables already set in the environment win.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if envString("JOBCORE_ENV", "development") == "development" {
		_ = godotenv.Load()
	}

	loc, err := time.LoadLocation(envString("QUOTA_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("QUOTA_TIMEZONE is invalid: %w", err)
	}

	locale, err := language.Parse(envString("JOBCORE_DEFAULT_LOCALE", "en"))
	if err != nil {
		return nil, fmt.Errorf("JOBCORE_DEFAULT_LOCALE is invalid: %w", err)
	}

	limits, err := parseLimits(envString("QUOTA_DAILY_LIMITS", "recognition=20"))
	if err != nil {
		return nil, err
	}

	aiTimeout := envDurationSecs("AI_ATTEMPT_TIMEOUT_SECS", 25*time.Second)

	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("JOBCORE_PORT", 8080),
			Env:           envString("JOBCORE_ENV", "development"),
			DefaultLocale: locale,
			MaxImageBytes: int64(envInt("MAX_IMAGE_BYTES", 10<<20)),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AMQP: AMQPConfig{
			URL:        os.Getenv("AMQP_URL"),
			Exchange:   envString("AMQP_EXCHANGE", "jobcore"),
			WorkQueue:  envString("AMQP_WORK_QUEUE", "jobcore.work"),
			RetryQueue: envString("AMQP_RETRY_QUEUE", "jobcore.retry"),
			Prefetch:   envInt("AMQP_PREFETCH", 8),

			RetryQueueIdle: envDuration("AMQP_RETRY_QUEUE_IDLE", time.Minute),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    envString("S3_BUCKET", "jobcore-images"),
			UseSSL:    envBool("S3_USE_SSL", false),
		},
		AI: AIConfig{
			Provider:       envString("AI_PROVIDER", "proxy"),
			AttemptTimeout: aiTimeout,
			MaxRepairs:     envInt("AI_MAX_REPAIRS", 2),
			Proxy: ProxyConfig{
				BaseURL: os.Getenv("AI_PROXY_BASE_URL"),
				Token:   os.Getenv("AI_PROXY_TOKEN"),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Jobs: JobsConfig{
			Recognition: RetryPolicy{
				MaxAttempts:    envInt("RECOGNITION_MAX_ATTEMPTS", 3),
				InitialBackoff: envDuration("RECOGNITION_INITIAL_BACKOFF", 2*time.Second),
				MaxBackoff:     envDuration("RECOGNITION_MAX_BACKOFF", 15*time.Second),
				Multiplier:     2.0,
				JitterFraction: 0.2,
				AttemptTimeout: aiTimeout,
				MaxElapsed:     envDuration("RECOGNITION_MAX_ELAPSED", 90*time.Second),
			},
			Payment: RetryPolicy{
				MaxAttempts:    envInt("PAYMENT_MAX_ATTEMPTS", 8),
				InitialBackoff: envDuration("PAYMENT_INITIAL_BACKOFF", 5*time.Second),
				MaxBackoff:     envDuration("PAYMENT_MAX_BACKOFF", 5*time.Minute),
				Multiplier:     2.0,
				JitterFraction: 0.2,
				AttemptTimeout: envDuration("PAYMENT_ATTEMPT_TIMEOUT", 15*time.Second),
				MaxElapsed:     envDuration("PAYMENT_MAX_ELAPSED", 30*time.Minute),
			},
			DedupTTL:       envDuration("JOBS_DEDUP_TTL", 6*time.Hour),
			ResultTTL:      envDuration("JOBS_RESULT_TTL", 6*time.Hour),
			Concurrency:    envInt("JOBS_CONCURRENCY", 8),
			EmbeddedWorker: envBool("JOBS_EMBEDDED_WORKER", false),
		},
		Quota: QuotaConfig{
			Location:    loc,
			DailyLimits: limits,
			DebugBypass: envBool("QUOTA_DEBUG_BYPASS", false),
		},
		Sweep: SweepConfig{
			Schedule:        envString("SWEEP_SCHEDULE", "@every 2m"),
			ArchiveSchedule: envString("SWEEP_ARCHIVE_SCHEDULE", "30 4 * * *"),
			StaleAfter:      envDuration("SWEEP_STALE_AFTER", 5*time.Minute),
			AbandonAfter:    envDuration("SWEEP_ABANDON_AFTER", 72*time.Hour),
			Retention:       envDuration("SWEEP_RETENTION", 30*24*time.Hour),
			BatchSize:       envInt("SWEEP_BATCH_SIZE", 200),
		},
		Webhook: WebhookConfig{
			Token: os.Getenv("WEBHOOK_TOKEN"),
		},
		Admin: NewAdminConfig(strings.Split(os.Getenv("ADMIN_OWNER_IDS"), ",")...),
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validEnvs[c.Server.Env] {
		return fmt.Errorf("JOBCORE_ENV must be one of development, staging, production; got %q", c.Server.Env)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dev := c.Server.Development()
	if !dev {
		if c.Database.SQLite() {
			return fmt.Errorf("DATABASE_URL must point to postgres outside development")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required outside development")
		}
		if c.AMQP.URL == "" {
			return fmt.Errorf("AMQP_URL is required outside development")
		}
		if c.ObjectStore.Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required outside development")
		}
		if c.Webhook.Token == "" {
			return fmt.Errorf("WEBHOOK_TOKEN is required outside development")
		}
		if c.AI.Provider == "mock" {
			return fmt.Errorf("AI_PROVIDER=mock is only allowed in development")
		}
	}
	if c.Server.Production() && c.Quota.DebugBypass {
		return fmt.Errorf("QUOTA_DEBUG_BYPASS must not be enabled in production")
	}
	if c.Jobs.EmbeddedWorker && !dev {
		return fmt.Errorf("JOBS_EMBEDDED_WORKER is only allowed in development")
	}

	if c.ObjectStore.Endpoint != "" && (c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of proxy, openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "proxy" {
		if c.AI.Proxy.BaseURL == "" {
			return fmt.Errorf("AI_PROXY_BASE_URL is required when AI_PROVIDER is proxy")
		}
		if !strings.HasPrefix(c.AI.Proxy.BaseURL, "http://") && !strings.HasPrefix(c.AI.Proxy.BaseURL, "https://") {
			return fmt.Errorf("AI_PROXY_BASE_URL must start with http:// or https://, got %q", c.AI.Proxy.BaseURL)
		}
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.MaxRepairs < 0 {
		return fmt.Errorf("AI_MAX_REPAIRS must not be negative")
	}

	for kind, p := range map[string]RetryPolicy{"RECOGNITION": c.Jobs.Recognition, "PAYMENT": c.Jobs.Payment} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("%s_MAX_ATTEMPTS must be at least 1", kind)
		}
		if p.AttemptTimeout <= 0 || p.MaxElapsed < p.AttemptTimeout {
			return fmt.Errorf("%s_MAX_ELAPSED must be at least the attempt timeout", kind)
		}
		// A live attempt must never look stale to the sweep.
		if c.Sweep.StaleAfter <= 2*p.AttemptTimeout {
			return fmt.Errorf("SWEEP_STALE_AFTER must exceed twice the %s attempt timeout", strings.ToLower(kind))
		}
	}

	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("JOBS_CONCURRENCY must be at least 1")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE is invalid: %w", err)
	}
	if _, err := parser.Parse(c.Sweep.ArchiveSchedule); err != nil {
		return fmt.Errorf("SWEEP_ARCHIVE_SCHEDULE is invalid: %w", err)
	}
	if c.Sweep.AbandonAfter <= c.Sweep.StaleAfter {
		return fmt.Errorf("SWEEP_ABANDON_AFTER must exceed SWEEP_STALE_AFTER")
	}
	if c.Sweep.BatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1")
	}

	return nil
}

// parseLimits parses "class=limit,class=limit".
func parseLimits(raw string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		class, val, ok := strings.Cut(part, "=")
		class = strings.TrimSpace(class)
		if !ok || !quotaClassRe.MatchString(class) {
			return nil, fmt.Errorf("QUOTA_DAILY_LIMITS entry %q must look like class=limit", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("QUOTA_DAILY_LIMITS entry %q must have a non-negative integer limit", part)
		}
		limits[class] = n
	}
	return limits, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
