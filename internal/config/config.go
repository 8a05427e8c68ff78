// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Env                string
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Storage settings
	DatabaseURL string
	SQLitePath  string

	// NATS settings; the event stream is disabled when NATSURL is empty
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	TriageEnabled   bool
	TriageProvider  string

	// Routing
	IntakeSector   string
	RoutingSectors []string
	Instances      map[string]string

	// Webhooks
	WebhookVerifyToken        string
	WebhookFailOnStorageError bool
	WebhookRateLimit          int
	WebhookRateWindow         time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Secrets
	ParamPrefix string
	ConfigFile  string
}

// SecretKeys are the settings that may be loaded from the parameter store.
var SecretKeys = []string{"JWT_SECRET", "DATABASE_URL", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "WEBHOOK_VERIFY_TOKEN"}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		Env:                getEnv("ENV", "production"),
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		AllowedOrigins:     getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "inbox.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		TriageEnabled:   getBoolEnv("TRIAGE_ENABLED", false),
		TriageProvider:  getEnv("TRIAGE_PROVIDER", "anthropic"),

		// Routing
		IntakeSector:   getEnv("INTAKE_SECTOR", "Geral"),
		RoutingSectors: getListEnv("ROUTING_SECTORS", nil),
		Instances:      map[string]string{},

		// Webhooks
		WebhookVerifyToken:        getEnv("WEBHOOK_VERIFY_TOKEN", ""),
		WebhookFailOnStorageError: getBoolEnv("WEBHOOK_FAIL_ON_STORAGE_ERROR", false),
		WebhookRateLimit:          getIntEnv("WEBHOOK_RATE_LIMIT", 600),
		WebhookRateWindow:         getDurationEnv("WEBHOOK_RATE_WINDOW", time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Secrets
		ParamPrefix: getEnv("PARAM_PREFIX", ""),
		ConfigFile:  getEnv("CONFIG_FILE", ""),
	}
}

// fileConfig is the TOML overlay layout.
type fileConfig struct {
	Routing struct {
		IntakeSector string   `toml:"intake_sector"`
		Sectors      []string `toml:"sectors"`
		Triage       *bool    `toml:"triage"`
	} `toml:"routing"`
	Webhooks struct {
		FailOnStorageError *bool `toml:"fail_on_storage_error"`
	} `toml:"webhooks"`
	// Instances maps a provider instance name to its tenant id.
	Instances map[string]string `toml:"instances"`
}

// ApplyFile overlays routing settings from a TOML file. Values present in the
// file win over the environment.
func (c *Config) ApplyFile(path string) error {
	if path == "" {
		return nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	if s := strings.TrimSpace(fc.Routing.IntakeSector); s != "" {
		c.IntakeSector = s
	}
	if len(fc.Routing.Sectors) > 0 {
		c.RoutingSectors = cleanList(fc.Routing.Sectors)
	}
	if fc.Routing.Triage != nil {
		c.TriageEnabled = *fc.Routing.Triage
	}
	if fc.Webhooks.FailOnStorageError != nil {
		c.WebhookFailOnStorageError = *fc.Webhooks.FailOnStorageError
	}
	for instance, tenant := range fc.Instances {
		instance, tenant = strings.TrimSpace(instance), strings.TrimSpace(tenant)
		if instance != "" && tenant != "" {
			c.Instances[instance] = tenant
		}
	}
	return nil
}

// ApplySecrets overlays values read from the parameter store, keyed by the
// environment variable name they replace.
func (c *Config) ApplySecrets(values map[string]string) {
	for key, v := range values {
		if v == "" {
			continue
		}
		switch key {
		case "JWT_SECRET":
			c.JWTSecret = v
		case "DATABASE_URL":
			c.DatabaseURL = v
		case "ANTHROPIC_API_KEY":
			c.AnthropicAPIKey = v
		case "OPENAI_API_KEY":
			c.OpenAIAPIKey = v
		case "WEBHOOK_VERIFY_TOKEN":
			c.WebhookVerifyToken = v
		}
	}
}

// ResolveTenant maps a provider instance name to a tenant id.
func (c *Config) ResolveTenant(instance string) (string, bool) {
	tenant, ok := c.Instances[instance]
	return tenant, ok
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv reads a comma separated list.
func getListEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if list := cleanList(strings.Split(value, ",")); len(list) > 0 {
			return list
		}
	}
	return defaultValue
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
