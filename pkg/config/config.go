package config

import (
	"os"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	SQLitePath   string
	RedisURL     string
	ScanInterval time.Duration
	PollInterval time.Duration

	PaymentAPIURL string
	PaymentAPIKey string
	ContentAPIURL string
	ContentAPIKey string
	SocialAPIURL  string
	SocialAPIKey  string

	OTLPEndpoint     string
	TelemetryEnabled bool
	DevTrigger       bool
}

// Load loads configuration from environment variables. DATABASE_URL unset
// means lite mode: a local SQLite file and the in-process push channel.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("FORFEIT_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "forfeit.db"
	}

	otlp := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   sqlitePath,
		RedisURL:     os.Getenv("REDIS_URL"),
		ScanInterval: duration("FORFEIT_SCAN_INTERVAL", 60*time.Second),
		PollInterval: duration("FORFEIT_POLL_INTERVAL", 15*time.Second),

		PaymentAPIURL: os.Getenv("PAYMENT_API_URL"),
		PaymentAPIKey: os.Getenv("PAYMENT_API_KEY"),
		ContentAPIURL: os.Getenv("CONTENT_RELEASE_API_URL"),
		ContentAPIKey: os.Getenv("CONTENT_RELEASE_API_KEY"),
		SocialAPIURL:  os.Getenv("SOCIAL_API_URL"),
		SocialAPIKey:  os.Getenv("SOCIAL_API_KEY"),

		OTLPEndpoint:     otlp,
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		DevTrigger:       os.Getenv("FORFEIT_DEV_TRIGGER") == "true",
	}
}

func duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
