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

const (
	DriverSQLite   = "sqlite"
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	ObjectStore   ObjectStoreConfig
	AI            AIConfig
	Pipeline      PipelineConfig
	RateLimit     RateLimitConfig
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
	CORSOrigins  []string
}

// DatabaseConfig describes the single read-only table the pipeline queries.
// Path is used by the file-backed drivers, DSN by postgres.
type DatabaseConfig struct {
	Driver          string
	Path            string
	DSN             string
	Table           string
	SchemaFile      string
	SampleRows      int
	QueryTimeout    time.Duration
	MaxRows         int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	SourceKey       string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type AIConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
}

type PipelineConfig struct {
	MaxQuestionLength int
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
	LogFile  string
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("HEARTQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid HEARTQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "HEARTQL_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "HEARTQL_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "HEARTQL_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "HEARTQL_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "HEARTQL_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyList(lookup, "HEARTQL_HTTP_CORS_ORIGINS", &cfg.HTTP.CORSOrigins) },
		func() error { return applyString(lookup, "HEARTQL_DATABASE_DRIVER", &cfg.Database.Driver) },
		func() error { return applyString(lookup, "HEARTQL_DATABASE_PATH", &cfg.Database.Path) },
		func() error { return applyString(lookup, "HEARTQL_DATABASE_DSN", &cfg.Database.DSN) },
		func() error { return applyString(lookup, "HEARTQL_DATABASE_TABLE", &cfg.Database.Table) },
		func() error { return applyString(lookup, "HEARTQL_SCHEMA_FILE", &cfg.Database.SchemaFile) },
		func() error { return applyInt(lookup, "HEARTQL_SCHEMA_SAMPLE_ROWS", &cfg.Database.SampleRows) },
		func() error { return applyDuration(lookup, "HEARTQL_DATABASE_QUERY_TIMEOUT", &cfg.Database.QueryTimeout) },
		func() error { return applyInt(lookup, "HEARTQL_DATABASE_MAX_ROWS", &cfg.Database.MaxRows) },
		func() error { return applyInt(lookup, "HEARTQL_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns) },
		func() error {
			return applyDuration(lookup, "HEARTQL_DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
		},
		func() error { return applyString(lookup, "HEARTQL_DATABASE_SOURCE_KEY", &cfg.Database.SourceKey) },
		func() error { return applyString(lookup, "HEARTQL_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "HEARTQL_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "HEARTQL_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "HEARTQL_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "HEARTQL_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "HEARTQL_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "HEARTQL_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "HEARTQL_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "HEARTQL_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "HEARTQL_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "HEARTQL_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "HEARTQL_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "HEARTQL_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyInt(lookup, "HEARTQL_AI_MAX_TOKENS", &cfg.AI.MaxTokens) },
		func() error { return applyDuration(lookup, "HEARTQL_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyInt(lookup, "HEARTQL_AI_MAX_ATTEMPTS", &cfg.AI.MaxAttempts) },
		func() error {
			return applyInt(lookup, "HEARTQL_PIPELINE_MAX_QUESTION_LENGTH", &cfg.Pipeline.MaxQuestionLength)
		},
		func() error { return applyBool(lookup, "HEARTQL_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled) },
		func() error { return applyInt(lookup, "HEARTQL_RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.RequestsPerMinute) },
		func() error { return applyInt(lookup, "HEARTQL_RATE_LIMIT_BURST", &cfg.RateLimit.Burst) },
		func() error { return applyBool(lookup, "HEARTQL_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "HEARTQL_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyString(lookup, "HEARTQL_LOG_FILE", &cfg.Observability.LogFile) },
		func() error { return applyBool(lookup, "HEARTQL_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "HEARTQL_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)

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
	switch c.Database.Driver {
	case DriverSQLite, DriverDuckDB:
		if c.Database.Path == "" {
			return fmt.Errorf("HEARTQL_DATABASE_PATH is required for driver %q", c.Database.Driver)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("HEARTQL_DATABASE_DSN is required for driver %q", c.Database.Driver)
		}
		if c.Database.SourceKey != "" {
			return fmt.Errorf("HEARTQL_DATABASE_SOURCE_KEY is only supported for file-backed drivers")
		}
	default:
		return fmt.Errorf("invalid HEARTQL_DATABASE_DRIVER: %q", c.Database.Driver)
	}
	if c.Database.Table == "" {
		return fmt.Errorf("database table is required")
	}
	if c.Database.MaxRows <= 0 {
		return fmt.Errorf("HEARTQL_DATABASE_MAX_ROWS must be > 0")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("HEARTQL_DATABASE_QUERY_TIMEOUT must be > 0")
	}
	if c.Database.SampleRows < 0 {
		return fmt.Errorf("HEARTQL_SCHEMA_SAMPLE_ROWS must be >= 0")
	}
	switch c.AI.Provider {
	case "openai", "gemini", "anthropic":
	default:
		return fmt.Errorf("invalid HEARTQL_AI_PROVIDER: %q", c.AI.Provider)
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("HEARTQL_AI_TIMEOUT must be > 0")
	}
	if c.AI.MaxAttempts < 1 {
		return fmt.Errorf("HEARTQL_AI_MAX_ATTEMPTS must be >= 1")
	}
	if c.Pipeline.MaxQuestionLength <= 0 {
		return fmt.Errorf("HEARTQL_PIPELINE_MAX_QUESTION_LENGTH must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive HEARTQL_RATE_LIMIT_PER_MINUTE and HEARTQL_RATE_LIMIT_BURST")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "heartql-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORSOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			Path:            "heart.db",
			Table:           "heart_disease_info",
			SampleRows:      2,
			QueryTimeout:    10 * time.Second,
			MaxRows:         1000,
			MaxOpenConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "heartql",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		AI: AIConfig{
			Provider:    "gemini",
			Model:       "",
			Temperature: 0,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
			MaxAttempts: 1,
		},
		Pipeline: PipelineConfig{
			MaxQuestionLength: 2000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			Burst:             5,
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
		cfg.RateLimit.Enabled = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.HTTP.CORSOrigins = nil
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
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

// applyList reads a comma separated list, dropping empty entries.
func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	items := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	*dst = items
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
