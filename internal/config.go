package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/ppewatch/internal/client"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/push"
	"github.com/DukeRupert/ppewatch/internal/storage"
	"github.com/DukeRupert/ppewatch/internal/window"
	"github.com/joho/godotenv"
)

// Violation sources.
const (
	SourceREST     = "rest"
	SourcePostgres = "postgres"
)

// Push transports.
const (
	PushWebSocket = "websocket"
	PushMQTT      = "mqtt"
	PushNone      = "none"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Violation source: "rest" or "postgres"
	Source string

	// REST backend
	APIBaseURL   string
	APIToken     string
	APIRateLimit float64 // requests per second, 0 disables

	// Postgres backend (SOURCE=postgres)
	DatabaseUrl string

	// Push channel: "websocket", "mqtt" or "none"
	PushTransport   string
	PushURL         string
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string

	// Session
	DomainIDs []string // Initial domain scope, empty means all domains
	Timezone  *time.Location
	Range     window.Range

	// Engine tunables
	PageSize             int
	MaxTotal             int
	WorkingSetCap        int
	FallbackInterval     time.Duration
	MaxPollFailures      int
	CriticalAlertCap     int
	AlertLogCap          int
	ComplianceMultiplier int
	ComplianceFloor      int

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for export files
	LocalStorageURL  string // Base URL the directory is served under

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string // Optional custom domain URL
	R2Endpoint        string // Overrides the account endpoint (S3-compatible stores)

	// Exports
	ExportInterval  time.Duration // 0 disables scheduled exports
	ExportURLExpiry time.Duration
	CatalogRefresh  time.Duration

	// API access. An empty token leaves the API open.
	APIAuthToken string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	defaults := engine.DefaultConfig()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		Source:       getEnv("SOURCE", SourceREST),
		APIBaseURL:   getEnv("API_BASE_URL", ""),
		APIToken:     getEnv("API_TOKEN", ""),
		APIRateLimit: getEnvFloat("API_RATE_LIMIT", 10),
		DatabaseUrl:  getEnv("DATABASE_URL", ""),

		PushTransport:   getEnv("PUSH_TRANSPORT", PushNone),
		PushURL:         getEnv("PUSH_URL", ""),
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "ppewatch/violations"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),

		DomainIDs: getEnvList("DOMAIN_IDS"),

		PageSize:             getEnvInt("PAGE_SIZE", defaults.Fetch.PageSize),
		MaxTotal:             getEnvInt("MAX_TOTAL", defaults.Fetch.MaxTotal),
		WorkingSetCap:        getEnvInt("WORKING_SET_CAP", defaults.WorkingSetCap),
		FallbackInterval:     getEnvDuration("FALLBACK_INTERVAL", defaults.FallbackInterval),
		MaxPollFailures:      getEnvInt("MAX_POLL_FAILURES", defaults.MaxPollFailures),
		CriticalAlertCap:     getEnvInt("CRITICAL_ALERT_CAP", defaults.Alerts.CriticalCap),
		AlertLogCap:          getEnvInt("ALERT_LOG_CAP", defaults.Alerts.LogCap),
		ComplianceMultiplier: getEnvInt("COMPLIANCE_MULTIPLIER", defaults.Compliance.Multiplier),
		ComplianceFloor:      getEnvInt("COMPLIANCE_FLOOR", defaults.Compliance.Floor),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", storage.ProviderLocal),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./exports"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),
		R2Endpoint:        getEnv("R2_ENDPOINT", ""),

		ExportInterval:  getEnvDuration("EXPORT_INTERVAL", 0),
		ExportURLExpiry: getEnvDuration("EXPORT_URL_EXPIRY", 15*time.Minute),
		CatalogRefresh:  getEnvDuration("CATALOG_REFRESH_INTERVAL", time.Hour),

		APIAuthToken: getEnv("API_AUTH_TOKEN", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE is not a known zone: %w", err)
	}
	cfg.Timezone = loc

	rng, err := window.ParseRange(getEnv("DEFAULT_RANGE", string(defaults.Range)))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_RANGE must be 7d, 30d, 90d or custom: %w", err)
	}
	cfg.Range = rng

	// Validate source configuration
	switch cfg.Source {
	case SourceREST:
		if cfg.APIBaseURL == "" {
			return nil, fmt.Errorf("API_BASE_URL is required when SOURCE is 'rest'")
		}
	case SourcePostgres:
		if cfg.DatabaseUrl == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when SOURCE is 'postgres'")
		}
	default:
		return nil, fmt.Errorf("SOURCE must be either 'rest' or 'postgres', got: %s", cfg.Source)
	}

	// Validate push configuration
	switch cfg.PushTransport {
	case PushWebSocket:
		if cfg.PushURL == "" {
			return nil, fmt.Errorf("PUSH_URL is required when PUSH_TRANSPORT is 'websocket'")
		}
	case PushMQTT:
		if cfg.MQTTBroker == "" {
			return nil, fmt.Errorf("MQTT_BROKER is required when PUSH_TRANSPORT is 'mqtt'")
		}
	case PushNone:
	default:
		return nil, fmt.Errorf("PUSH_TRANSPORT must be 'websocket', 'mqtt' or 'none', got: %s", cfg.PushTransport)
	}

	// Validate storage configuration
	if err := cfg.StorageConfig().Validate(); err != nil {
		return nil, err
	}

	if err := cfg.EngineConfig().Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// =============================================================================
// Component Configs
// =============================================================================

// EngineConfig returns the session tunables.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.Range = c.Range
	ec.Fetch.PageSize = c.PageSize
	ec.Fetch.MaxTotal = c.MaxTotal
	ec.WorkingSetCap = c.WorkingSetCap
	ec.FallbackInterval = c.FallbackInterval
	ec.MaxPollFailures = c.MaxPollFailures
	ec.Alerts.CriticalCap = c.CriticalAlertCap
	ec.Alerts.LogCap = c.AlertLogCap
	ec.Compliance.Multiplier = c.ComplianceMultiplier
	ec.Compliance.Floor = c.ComplianceFloor
	return ec
}

// ClientConfig returns the REST backend client config.
func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig(c.APIBaseURL)
	cc.Token = c.APIToken
	cc.RateLimit = c.APIRateLimit
	return cc
}

// WebSocketConfig returns the WebSocket push config.
func (c *Config) WebSocketConfig() push.WebSocketConfig {
	wc := push.DefaultWebSocketConfig(c.PushURL)
	wc.Token = c.APIToken
	return wc
}

// MQTTConfig returns the MQTT push config.
func (c *Config) MQTTConfig() push.MQTTConfig {
	mc := push.DefaultMQTTConfig(c.MQTTBroker)
	mc.TopicPrefix = c.MQTTTopicPrefix
	mc.Username = c.MQTTUsername
	mc.Password = c.MQTTPassword
	return mc
}

// StorageConfig returns the export storage config.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Provider: c.StorageProvider,
		Local: storage.LocalConfig{
			BasePath: c.LocalStoragePath,
			BaseURL:  c.LocalStorageURL,
		},
		R2: storage.R2Config{
			AccountID:       c.R2AccountID,
			AccessKeyID:     c.R2AccessKeyID,
			SecretAccessKey: c.R2SecretAccessKey,
			BucketName:      c.R2BucketName,
			PublicURL:       c.R2PublicURL,
			Endpoint:        c.R2Endpoint,
		},
	}
}

// =============================================================================
// Environment
// =============================================================================

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
