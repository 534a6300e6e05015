package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	OSRM       OSRMConfig
	Dispatch   DispatchConfig
	Resilience ResilienceConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	MigrationsDir string
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds event bus and task queue settings.
type NATSConfig struct {
	URL        string
	Name       string
	StreamName string
}

// OSRMConfig holds routing provider settings.
type OSRMConfig struct {
	BaseURL        string
	TimeoutSeconds int
	// CalibrationURL points at the ETA calibration endpoint; empty disables calibration.
	CalibrationURL string
	// GeocoderURL points at the forward-geocoding endpoint; empty means only
	// "lat,lon" pickup strings are accepted.
	GeocoderURL string
}

// DispatchConfig holds engine defaults and limits.
type DispatchConfig struct {
	// AckSecondsDefault is the per-offer acknowledgement window when the
	// request does not supply one. Requests may override within [5, 120].
	AckSecondsDefault int
	// RadiusKmDefault bounds the candidate search when the request omits a radius.
	RadiusKmDefault float64
	// LimitDefault caps the candidate list when the request omits a limit.
	LimitDefault int
	// PollIntervalMS is how often a waiting worker re-reads the dispatch record.
	PollIntervalMS int
	// Workers is the offer-task worker pool size.
	Workers int
	// DriverRegistryURL is the driver availability service; empty disables the
	// best-effort availability update on assignment.
	DriverRegistryURL string
	// BaseFare and PerKmFare are integer minor units feeding the fare quote.
	BaseFare int64
	PerKmFare int64
}

// ResilienceConfig groups retry and circuit breaker tuning.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig captures breaker tuning for upstream calls.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	TimeoutSeconds   int
	IntervalSeconds  int
}

// Load loads configuration from environment variables, honouring a local .env file.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "dispatch"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxConns:      getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:      getEnvAsInt("DB_MIN_CONNS", 5),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			Name:       serviceName,
			StreamName: getEnv("NATS_STREAM", "DISPATCH"),
		},
		OSRM: OSRMConfig{
			BaseURL:        getEnv("OSRM_URL", "http://localhost:5000"),
			TimeoutSeconds: getEnvAsInt("OSRM_TIMEOUT_SECONDS", 5),
			CalibrationURL: getEnv("ETA_CALIBRATION_URL", ""),
			GeocoderURL:    getEnv("GEOCODER_URL", ""),
		},
		Dispatch: DispatchConfig{
			AckSecondsDefault: getEnvAsInt("DISPATCH_ACK_SECONDS", 30),
			RadiusKmDefault:   getEnvAsFloat("DISPATCH_RADIUS_KM", 5),
			LimitDefault:      getEnvAsInt("DISPATCH_LIMIT", 10),
			PollIntervalMS:    getEnvAsInt("DISPATCH_POLL_INTERVAL_MS", 1000),
			Workers:           getEnvAsInt("DISPATCH_WORKERS", 8),
			DriverRegistryURL: getEnv("DRIVER_REGISTRY_URL", ""),
			BaseFare:          int64(getEnvAsInt("FARE_BASE", 2500)),
			PerKmFare:         int64(getEnvAsInt("FARE_PER_KM", 1200)),
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          getEnvAsBool("CB_ENABLED", false),
				FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
				SuccessThreshold: getEnvAsInt("CB_SUCCESS_THRESHOLD", 1),
				TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
				IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			},
		},
	}

	if cfg.Dispatch.AckSecondsDefault < 5 || cfg.Dispatch.AckSecondsDefault > 120 {
		return nil, fmt.Errorf("DISPATCH_ACK_SECONDS must be in [5, 120], got %d", cfg.Dispatch.AckSecondsDefault)
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 1
	}
	if cfg.Dispatch.PollIntervalMS <= 0 {
		cfg.Dispatch.PollIntervalMS = 1000
	}

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by the migration runner.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// PollInterval returns the configured scheduler poll interval.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
