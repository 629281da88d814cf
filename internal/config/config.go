package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Source        SourceConfig
	AI            AIConfig
	Schema        SchemaConfig
	Safety        SafetyConfig
	Prompt        PromptConfig
	Jobs          JobsConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SourceConfig describes the single database whose schema is sent to the model.
type SourceConfig struct {
	Name            string
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type AIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type SchemaConfig struct {
	MaxTablesInContext    int
	IncludeTableComments  bool
	IncludeColumnComments bool
	ExcludedTables        []string
}

type SafetyConfig struct {
	SanitizeQueries bool
	// AllowedOperations is informational; enforcement is the keyword denylist.
	AllowedOperations []string
}

type PromptConfig struct {
	SystemPrompt       string
	UserPromptTemplate string
}

type JobsConfig struct {
	AsyncEnabled bool
	Backend      string
	DSN          string
	Concurrency  int
	PollInterval time.Duration
	LeaseSeconds int
	MaxAttempts  int
	RetryDelay   time.Duration
	Retention    time.Duration
}

type AuditConfig struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	AutoCreate      bool
	Prefix          string
	FlushInterval   time.Duration
	BatchSize       int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

const (
	JobsBackendMemory   = "memory"
	JobsBackendPostgres = "postgres"
)

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("QUERYGEN_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid QUERYGEN_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "QUERYGEN_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "QUERYGEN_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "QUERYGEN_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "QUERYGEN_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "QUERYGEN_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },

		func() error { return applyString(lookup, "QUERYGEN_SOURCE_NAME", &cfg.Source.Name) },
		func() error { return applyString(lookup, "QUERYGEN_SOURCE_DIALECT", &cfg.Source.Dialect) },
		func() error { return applyString(lookup, "QUERYGEN_SOURCE_DSN", &cfg.Source.DSN) },
		func() error { return applyInt(lookup, "QUERYGEN_SOURCE_MAX_OPEN_CONNS", &cfg.Source.MaxOpenConns) },
		func() error { return applyInt(lookup, "QUERYGEN_SOURCE_MAX_IDLE_CONNS", &cfg.Source.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "QUERYGEN_SOURCE_CONN_MAX_IDLE_TIME", &cfg.Source.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "QUERYGEN_SOURCE_CONN_MAX_LIFETIME", &cfg.Source.ConnMaxLifetime)
		},

		// The provider's conventional variable first, then the namespaced override.
		func() error { return applyString(lookup, "OPENAI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "QUERYGEN_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "QUERYGEN_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "QUERYGEN_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "QUERYGEN_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyInt(lookup, "QUERYGEN_AI_MAX_TOKENS", &cfg.AI.MaxTokens) },
		func() error { return applySeconds(lookup, "QUERYGEN_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyInt(lookup, "QUERYGEN_AI_MAX_RETRIES", &cfg.AI.MaxRetries) },
		func() error { return applyDuration(lookup, "QUERYGEN_AI_RETRY_BACKOFF", &cfg.AI.RetryBackoff) },

		func() error { return applyInt(lookup, "QUERYGEN_MAX_TABLES_IN_CONTEXT", &cfg.Schema.MaxTablesInContext) },
		func() error {
			return applyBool(lookup, "QUERYGEN_INCLUDE_TABLE_COMMENTS", &cfg.Schema.IncludeTableComments)
		},
		func() error {
			return applyBool(lookup, "QUERYGEN_INCLUDE_COLUMN_COMMENTS", &cfg.Schema.IncludeColumnComments)
		},
		func() error { return applyList(lookup, "QUERYGEN_EXCLUDED_TABLES", &cfg.Schema.ExcludedTables) },

		func() error { return applyBool(lookup, "QUERYGEN_SANITIZE_QUERIES", &cfg.Safety.SanitizeQueries) },
		func() error { return applyList(lookup, "QUERYGEN_ALLOWED_OPERATIONS", &cfg.Safety.AllowedOperations) },

		func() error { return applyRaw(lookup, "QUERYGEN_SYSTEM_PROMPT", &cfg.Prompt.SystemPrompt) },
		func() error { return applyRaw(lookup, "QUERYGEN_USER_PROMPT_TEMPLATE", &cfg.Prompt.UserPromptTemplate) },

		func() error { return applyBool(lookup, "QUERYGEN_ASYNC_ENABLED", &cfg.Jobs.AsyncEnabled) },
		func() error { return applyString(lookup, "QUERYGEN_JOBS_BACKEND", &cfg.Jobs.Backend) },
		func() error { return applyString(lookup, "QUERYGEN_JOBS_DSN", &cfg.Jobs.DSN) },
		func() error { return applyInt(lookup, "QUERYGEN_JOBS_CONCURRENCY", &cfg.Jobs.Concurrency) },
		func() error { return applyDuration(lookup, "QUERYGEN_JOBS_POLL_INTERVAL", &cfg.Jobs.PollInterval) },
		func() error { return applyInt(lookup, "QUERYGEN_JOBS_LEASE_SECONDS", &cfg.Jobs.LeaseSeconds) },
		func() error { return applyInt(lookup, "QUERYGEN_JOBS_MAX_ATTEMPTS", &cfg.Jobs.MaxAttempts) },
		func() error { return applyDuration(lookup, "QUERYGEN_JOBS_RETRY_DELAY", &cfg.Jobs.RetryDelay) },
		func() error { return applyDuration(lookup, "QUERYGEN_JOBS_RETENTION", &cfg.Jobs.Retention) },

		func() error { return applyBool(lookup, "QUERYGEN_AUDIT_ENABLED", &cfg.Audit.Enabled) },
		func() error { return applyString(lookup, "QUERYGEN_AUDIT_ENDPOINT", &cfg.Audit.Endpoint) },
		func() error { return applyString(lookup, "QUERYGEN_AUDIT_REGION", &cfg.Audit.Region) },
		func() error { return applyString(lookup, "QUERYGEN_AUDIT_BUCKET", &cfg.Audit.Bucket) },
		func() error { return applyString(lookup, "QUERYGEN_AUDIT_ACCESS_KEY", &cfg.Audit.AccessKeyID) },
		func() error { return applyString(lookup, "QUERYGEN_AUDIT_SECRET_KEY", &cfg.Audit.SecretAccessKey) },
		func() error { return applyBool(lookup, "QUERYGEN_AUDIT_USE_SSL", &cfg.Audit.UseSSL) },
		func() error { return applyBool(lookup, "QUERYGEN_AUDIT_AUTO_CREATE_BUCKET", &cfg.Audit.AutoCreate) },
		func() error { return applyString(lookup, "QUERYGEN_AUDIT_PREFIX", &cfg.Audit.Prefix) },
		func() error { return applyDuration(lookup, "QUERYGEN_AUDIT_FLUSH_INTERVAL", &cfg.Audit.FlushInterval) },
		func() error { return applyInt(lookup, "QUERYGEN_AUDIT_BATCH_SIZE", &cfg.Audit.BatchSize) },

		func() error { return applyBool(lookup, "QUERYGEN_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "QUERYGEN_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "QUERYGEN_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "QUERYGEN_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai model is required")
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai timeout must be positive")
	}
	if c.AI.MaxRetries < 1 {
		return fmt.Errorf("ai max retries must be at least 1")
	}
	if c.Schema.MaxTablesInContext < 0 {
		return fmt.Errorf("max tables in context must not be negative")
	}
	switch c.Jobs.Backend {
	case JobsBackendMemory:
	case JobsBackendPostgres:
		if c.Jobs.DSN == "" {
			return fmt.Errorf("jobs dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid QUERYGEN_JOBS_BACKEND: %q", c.Jobs.Backend)
	}
	if c.Jobs.LeaseSeconds <= 0 {
		return fmt.Errorf("jobs lease seconds must be positive")
	}
	if lease, worst := time.Duration(c.Jobs.LeaseSeconds)*time.Second, c.MaxGenerationTime(); lease <= worst {
		return fmt.Errorf("jobs lease %s must exceed the worst-case generation time %s (ai timeout x retries + backoff)", lease, worst)
	}
	if c.Audit.Enabled && (c.Audit.Endpoint == "" || c.Audit.Bucket == "") {
		return fmt.Errorf("audit endpoint and bucket are required when audit is enabled")
	}
	return nil
}

// MaxGenerationTime is the longest a single model call may take across all
// retries. Job leases must outlive it or an expired lease hands a running job
// to a second worker.
func (c Config) MaxGenerationTime() time.Duration {
	retries := c.AI.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return c.AI.Timeout*time.Duration(retries) + c.AI.RetryBackoff*time.Duration(retries-1)
}

// APIKeyConfigured reports whether generation can reach the model provider.
func (c Config) APIKeyConfigured() bool {
	return strings.TrimSpace(c.AI.APIKey) != ""
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "querygen-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Source: SourceConfig{
			Name:            "main",
			Dialect:         "postgres",
			DSN:             "",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-5.2",
			Temperature: 0.2,
			MaxTokens:   1000,
			Timeout:     10 * time.Second,
			MaxRetries:  3,
		},
		Schema: SchemaConfig{
			MaxTablesInContext:    50,
			IncludeTableComments:  true,
			IncludeColumnComments: true,
			ExcludedTables:        []string{"schema_migrations", "ar_internal_metadata"},
		},
		Safety: SafetyConfig{
			SanitizeQueries:   true,
			AllowedOperations: []string{"select"},
		},
		Jobs: JobsConfig{
			AsyncEnabled: false,
			Backend:      JobsBackendMemory,
			Concurrency:  2,
			PollInterval: 500 * time.Millisecond,
			LeaseSeconds: 120,
			MaxAttempts:  3,
			RetryDelay:   5 * time.Second,
			Retention:    24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:       false,
			Region:        "us-east-1",
			Prefix:        "querygen/audit",
			FlushInterval: time.Minute,
			BatchSize:     500,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Jobs.AsyncEnabled = true
		cfg.Audit.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

// applyRaw keeps surrounding whitespace; prompt overrides are used verbatim.
func applyRaw(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = raw
	return nil
}

func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	*dst = values
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

// applySeconds accepts either a Go duration ("15s") or a bare number of seconds ("15").
func applySeconds(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = time.Duration(seconds * float64(time.Second))
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
