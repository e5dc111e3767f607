package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	// PublicBaseURL is how the inference provider reaches our webhook endpoint.
	PublicBaseURL string
	InternalToken string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis    RedisConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Sweep    SweepConfig
	Poll     PollConfig

	CatalogPath string
}

// TelemetryConfig covers logs and OTLP export. Tracing defaults to on in production only.
type TelemetryConfig struct {
	LogLevel       string
	LogFormat      string
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SamplingRatio  float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type ProviderConfig struct {
	Name          string
	BaseURL       string
	APIToken      string
	WebhookSecret string
	Timeout       time.Duration
}

type StorageConfig struct {
	BasePath  string
	PublicURL string
}

// PollConfig throttles how often a client poll may query the provider for one job.
type PollConfig struct {
	RatePerSecond float64
	Burst         int
}

type SweepConfig struct {
	Enabled           bool
	RunInterval       time.Duration
	GracePeriod       time.Duration
	BatchSize         int
	MaxRepairAttempts int
	// VerifyInterval is how often a fully stored job is checked against storage again.
	VerifyInterval time.Duration
	// Jobs limits which sweep jobs run in this process; empty runs all of them.
	Jobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "genledger"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		NodeID:        getenvInt64("NODE_ID", 1),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(getenv("PUBLIC_BASE_URL", "http://localhost:8080")), "/"),
		InternalToken: strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "genledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Provider: ProviderConfig{
			Name:          strings.ToLower(strings.TrimSpace(getenv("PROVIDER_NAME", "predictions"))),
			BaseURL:       strings.TrimRight(strings.TrimSpace(getenv("PROVIDER_BASE_URL", "")), "/"),
			APIToken:      strings.TrimSpace(getenv("PROVIDER_API_TOKEN", "")),
			WebhookSecret: strings.TrimSpace(getenv("PROVIDER_WEBHOOK_SECRET", "")),
			Timeout:       getenvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			BasePath:  getenv("STORAGE_BASE_PATH", "./storage"),
			PublicURL: strings.TrimRight(strings.TrimSpace(getenv("STORAGE_PUBLIC_URL", "http://localhost:8080/assets")), "/"),
		},
		Sweep: SweepConfig{
			Enabled:     getenvBool("SWEEP_ENABLED", true),
			RunInterval: getenvDuration("SWEEP_INTERVAL", time.Minute),
			GracePeriod: getenvDuration("SWEEP_GRACE_PERIOD", 2*time.Minute),
			BatchSize:   int(getenvInt64("SWEEP_BATCH_SIZE", 25)),

			MaxRepairAttempts: int(getenvInt64("SWEEP_MAX_REPAIR_ATTEMPTS", 5)),
			VerifyInterval:    getenvDuration("SWEEP_VERIFY_INTERVAL", 24*time.Hour),
			Jobs:              getenvList("SWEEP_JOBS"),
		},
		Poll: PollConfig{
			RatePerSecond: getenvFloat("POLL_RATE_PER_SECOND", 0.5),
			Burst:         int(getenvInt64("POLL_BURST", 2)),
		},
		CatalogPath: strings.TrimSpace(getenv("CAPABILITY_CATALOG_PATH", "")),
	}

	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"); traces != "" {
		protocol = traces
	}
	cfg.Telemetry = TelemetryConfig{
		LogLevel:       strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:      strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		TracingEnabled: getenvBool("OTEL_ENABLED", cfg.IsProduction()),
		OTLPEndpoint:   strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:   strings.ToLower(strings.TrimSpace(protocol)),
		SamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
