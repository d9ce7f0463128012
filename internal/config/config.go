package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"worktrack-collector/internal/logicalday"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Ledger
	LedgerBackend string
	DatabaseURL   string
	DBMaxConns    int

	// Redis (optional, enables live usage updates)
	RedisURL string

	// Frontend
	FrontendURL string

	// Accounting
	DayOffsetMinutes      int
	FlushThresholdMinutes int
	FlushInterval         time.Duration
	CeilingMinutes        int
	MaxClockSkew          time.Duration
	EntryIdleTTL          time.Duration

	// Maintenance
	OfflineAfter         time.Duration
	OfflineSweepInterval time.Duration
	RetentionDays        int

	// Heartbeat rate limit per device, per minute
	HeartbeatRateLimit int

	// MQTT ingest (optional)
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	// Kafka ingest (optional)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis list ingest (optional, needs REDIS_URL)
	RedisQueue   string
	QueueWorkers int

	LogLevel string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		Env:                   getEnvOrDefault("ENV", "development"),
		LedgerBackend:         getEnvOrDefault("LEDGER_BACKEND", BackendPostgres),
		DatabaseURL:           getEnvOrDefault("DATABASE_URL", ""),
		DBMaxConns:            getEnvAsIntOrDefault("DB_MAX_CONNS", 10),
		RedisURL:              getEnvOrDefault("REDIS_URL", ""),
		FrontendURL:           getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
		DayOffsetMinutes:      getEnvAsIntOrDefault("DAY_OFFSET_MINUTES", logicalday.DefaultOffsetMinutes),
		FlushThresholdMinutes: getEnvAsIntOrDefault("FLUSH_THRESHOLD_MINUTES", 5),
		FlushInterval:         getEnvAsDurationOrDefault("FLUSH_INTERVAL", 5*time.Minute),
		CeilingMinutes:        getEnvAsIntOrDefault("CEILING_MINUTES", 960),
		MaxClockSkew:          getEnvAsDurationOrDefault("MAX_CLOCK_SKEW", 5*time.Minute),
		EntryIdleTTL:          getEnvAsDurationOrDefault("ENTRY_IDLE_TTL", 30*time.Minute),
		OfflineAfter:          getEnvAsDurationOrDefault("OFFLINE_AFTER", 5*time.Minute),
		OfflineSweepInterval:  getEnvAsDurationOrDefault("OFFLINE_SWEEP_INTERVAL", 30*time.Second),
		RetentionDays:         getEnvAsIntOrDefault("RETENTION_DAYS", 90),
		HeartbeatRateLimit:    getEnvAsIntOrDefault("HEARTBEAT_RATE_LIMIT", 120),
		MQTTBroker:            getEnvOrDefault("MQTT_BROKER", ""),
		MQTTTopic:             getEnvOrDefault("MQTT_TOPIC", "worktrack/heartbeats"),
		MQTTClientID:          getEnvOrDefault("MQTT_CLIENT_ID", "worktrack-collector"),
		KafkaBrokers:          getEnvAsListOrDefault("KAFKA_BROKERS", nil),
		KafkaTopic:            getEnvOrDefault("KAFKA_TOPIC", "heartbeats"),
		KafkaGroupID:          getEnvOrDefault("KAFKA_GROUP_ID", "worktrack-collector"),
		RedisQueue:            getEnvOrDefault("REDIS_QUEUE", ""),
		QueueWorkers:          getEnvAsIntOrDefault("QUEUE_WORKERS", 1),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if cfg.LedgerBackend == BackendPostgres {
		cfg.DatabaseURL = mustGetEnv("DATABASE_URL")
	}

	return cfg
}

// Validate reports every setting the collector cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := logicalday.Validate(c.DayOffsetMinutes); err != nil {
		errs = append(errs, fmt.Errorf("DAY_OFFSET_MINUTES: %w", err))
	}
	switch c.LedgerBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.LedgerBackend))
	}
	if c.FlushThresholdMinutes < 1 {
		errs = append(errs, errors.New("FLUSH_THRESHOLD_MINUTES must be at least 1"))
	}
	if c.CeilingMinutes < 1 || c.CeilingMinutes > 1440 {
		errs = append(errs, errors.New("CEILING_MINUTES must be between 1 and 1440"))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, errors.New("RETENTION_DAYS must be at least 1"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be at least 1"))
	}
	if c.RedisQueue != "" && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_QUEUE requires REDIS_URL"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("90s", "5m").
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvAsListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
