package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "STOCKALLOC"

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
	Allocation AllocationConfig
	Costing    CostingConfig
	TaxCache   TaxCacheConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	LogLevel        string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration

	// SlowQueryThreshold marks slower SQL on its span
	SlowQueryThreshold time.Duration
	TraceSQLVariables  bool
}

// AllocationConfig controls planning and commit behaviour
type AllocationConfig struct {
	DefaultPolicy      string // FEFO, FIFO or MANUAL
	MaxConflictRetries int    // re-plan attempts after a lot conflict
	IOTimeout          time.Duration
	LockEnabled        bool // serialise plan+commit per item/location through Redis
	LockTTL            time.Duration
}

// CostingConfig controls shared cost distribution
type CostingConfig struct {
	// DefaultWeightPerUnit applies to items without a configured weight
	DefaultWeightPerUnit decimal.Decimal
}

// TaxCacheConfig controls caching of tax rate lookups
type TaxCacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Backend string // memory or redis
}

// Load loads configuration from config.toml in the usual search paths.
// Priority (highest to lowest):
// 1. Environment variables with STOCKALLOC_ prefix (e.g., STOCKALLOC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from path, or from the search paths if path is empty
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stockalloc")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	weight, err := parseDecimal(v.GetString("costing.default_weight_per_unit"))
	if err != nil {
		return nil, fmt.Errorf("costing.default_weight_per_unit: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Telemetry: TelemetryConfig{
			Enabled:            v.GetBool("telemetry.enabled"),
			CollectorEndpoint:  v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:      v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:        v.GetString("telemetry.service_name"),
			Insecure:           v.GetBool("telemetry.insecure"),
			MetricsInterval:    v.GetDuration("telemetry.metrics_interval"),
			SlowQueryThreshold: v.GetDuration("telemetry.slow_query_threshold"),
			TraceSQLVariables:  v.GetBool("telemetry.trace_sql_variables"),
		},
		Allocation: AllocationConfig{
			DefaultPolicy:      strings.ToUpper(v.GetString("allocation.default_policy")),
			MaxConflictRetries: v.GetInt("allocation.max_conflict_retries"),
			IOTimeout:          v.GetDuration("allocation.io_timeout"),
			LockEnabled:        v.GetBool("allocation.lock_enabled"),
			LockTTL:            v.GetDuration("allocation.lock_ttl"),
		},
		Costing: CostingConfig{
			DefaultWeightPerUnit: weight,
		},
		TaxCache: TaxCacheConfig{
			Enabled: v.GetBool("tax_cache.enabled"),
			TTL:     v.GetDuration("tax_cache.ttl"),
			Backend: strings.ToLower(v.GetString("tax_cache.backend")),
		},
	}

	// max_conflict_retries may legitimately be 0, so only default it when unset
	if !v.IsSet("allocation.max_conflict_retries") {
		cfg.Allocation.MaxConflictRetries = 1
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "stockalloc"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "stockalloc"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "stockalloc"
	}
	if cfg.Telemetry.SlowQueryThreshold == 0 {
		cfg.Telemetry.SlowQueryThreshold = 200 * time.Millisecond
	}
	if cfg.Allocation.DefaultPolicy == "" {
		cfg.Allocation.DefaultPolicy = "FEFO"
	}
	if cfg.Allocation.IOTimeout == 0 {
		cfg.Allocation.IOTimeout = 5 * time.Second
	}
	if cfg.Allocation.LockTTL == 0 {
		cfg.Allocation.LockTTL = 10 * time.Second
	}
	if cfg.Costing.DefaultWeightPerUnit.IsZero() {
		cfg.Costing.DefaultWeightPerUnit = decimal.NewFromInt(1)
	}
	if cfg.TaxCache.TTL == 0 {
		cfg.TaxCache.TTL = 5 * time.Minute
	}
	if cfg.TaxCache.Backend == "" {
		cfg.TaxCache.Backend = "memory"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Allocation.DefaultPolicy {
	case "FEFO", "FIFO", "MANUAL":
	default:
		return fmt.Errorf("allocation.default_policy must be FEFO, FIFO or MANUAL, got %q", c.Allocation.DefaultPolicy)
	}
	if c.Allocation.MaxConflictRetries < 0 || c.Allocation.MaxConflictRetries > 5 {
		return fmt.Errorf("allocation.max_conflict_retries must be between 0 and 5, got %d", c.Allocation.MaxConflictRetries)
	}
	if c.Costing.DefaultWeightPerUnit.IsNegative() {
		return fmt.Errorf("costing.default_weight_per_unit cannot be negative")
	}
	if c.TaxCache.Backend != "memory" && c.TaxCache.Backend != "redis" {
		return fmt.Errorf("tax_cache.backend must be memory or redis, got %q", c.TaxCache.Backend)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.App.Env == "production" && c.Telemetry.TraceSQLVariables {
		return fmt.Errorf("telemetry.trace_sql_variables cannot be enabled in production")
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
