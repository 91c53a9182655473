package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreProvider string
	MongoURI      string
	MongoDB       string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	BusProvider string
	NatsHost    string
	NatsPort    string

	GatewayURL           string
	GatewayToken         string
	GatewayStatusTimeout time.Duration
	GatewayActionTimeout time.Duration
	SuspendRetries       int
	SuspendBackoff       time.Duration

	CronSecret    string
	SessionSecret string
	ScanLockTTL   time.Duration

	ApiPort  string
	GRPCPort string

	LogLevel  string
	LogFormat string
}

// New loads and validates configuration from environment variables.
// The gRPC health server is optional: GRPCAddr() returns an error when
// PANEL_GRPC_PORT is empty and the server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StoreProvider:        strings.ToLower(os.Getenv("PANEL_STORE_PROVIDER")),
		MongoURI:             os.Getenv("PANEL_MONGO_URI"),
		MongoDB:              getEnv("PANEL_MONGO_DB", "panel"),
		DBUser:               os.Getenv("PANEL_POSTGRES_USER"),
		DBPass:               os.Getenv("PANEL_POSTGRES_PASSWORD"),
		DBHost:               os.Getenv("PANEL_POSTGRES_HOST"),
		DBPort:               getEnv("PANEL_POSTGRES_PORT", "5432"),
		DBName:               os.Getenv("PANEL_POSTGRES_DB"),
		SSLMode:              getEnv("PANEL_POSTGRES_SSLMODE", "disable"),
		RedisHost:            os.Getenv("PANEL_REDIS_HOST"),
		RedisPort:            getEnv("PANEL_REDIS_PORT", "6379"),
		BusProvider:          strings.ToLower(getEnv("PANEL_BUS_PROVIDER", "none")),
		NatsHost:             os.Getenv("PANEL_NATS_HOST"),
		NatsPort:             getEnv("PANEL_NATS_PORT", "4222"),
		GatewayURL:           strings.TrimRight(os.Getenv("PANEL_GATEWAY_URL"), "/"),
		GatewayToken:         os.Getenv("PANEL_GATEWAY_TOKEN"),
		GatewayStatusTimeout: getEnvDuration("PANEL_GATEWAY_STATUS_TIMEOUT", 15*time.Second),
		GatewayActionTimeout: getEnvDuration("PANEL_GATEWAY_ACTION_TIMEOUT", 30*time.Second),
		SuspendRetries:       getEnvInt("PANEL_SUSPEND_RETRIES", 3),
		SuspendBackoff:       getEnvDuration("PANEL_SUSPEND_BACKOFF", 2*time.Second),
		CronSecret:           os.Getenv("PANEL_CRON_SECRET"),
		SessionSecret:        os.Getenv("PANEL_SESSION_SECRET"),
		ScanLockTTL:          getEnvDuration("PANEL_SCAN_LOCK_TTL", 5*time.Minute),
		ApiPort:              getEnv("PANEL_API_PORT", "8080"),
		GRPCPort:             os.Getenv("PANEL_GRPC_PORT"),
		LogLevel:             getEnv("PANEL_LOG_LEVEL", "info"),
		LogFormat:            getEnv("PANEL_LOG_FORMAT", "json"),
	}

	// Required: store provider
	switch cfg.StoreProvider {
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("missing required env for mongo store: PANEL_MONGO_URI")
		}
	case "postgres":
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
			return nil, fmt.Errorf("missing required env for postgres store: PANEL_POSTGRES_USER/HOST/DB")
		}
	case "memory":
	case "":
		return nil, fmt.Errorf("missing required env: PANEL_STORE_PROVIDER (mongo|postgres|memory)")
	default:
		return nil, fmt.Errorf("invalid store provider %q, must be 'mongo', 'postgres' or 'memory'", cfg.StoreProvider)
	}

	// Required: redis
	if cfg.RedisHost == "" {
		return nil, fmt.Errorf("missing required env for redis: PANEL_REDIS_HOST")
	}

	if cfg.BusProvider != "nats" && cfg.BusProvider != "none" {
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats' or 'none'", cfg.BusProvider)
	}
	if cfg.BusProvider == "nats" && cfg.NatsHost == "" {
		return nil, fmt.Errorf("missing required env for nats bus: PANEL_NATS_HOST")
	}

	// Required: remote gateway
	if cfg.GatewayURL == "" || cfg.GatewayToken == "" {
		return nil, fmt.Errorf("missing required env for gateway: PANEL_GATEWAY_URL/TOKEN")
	}

	if cfg.CronSecret == "" {
		return nil, fmt.Errorf("missing required env: PANEL_CRON_SECRET")
	}
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("missing required env: PANEL_SESSION_SECRET")
	}
	if cfg.SuspendRetries < 1 {
		cfg.SuspendRetries = 1
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}

// GRPCAddr returns the health server listen address.
// Returns an error if PANEL_GRPC_PORT is empty, callers should skip starting the server.
func (c *Config) GRPCAddr() (string, error) {
	if c.GRPCPort == "" {
		return "", fmt.Errorf("gRPC health server is disabled (PANEL_GRPC_PORT is empty)")
	}
	return ":" + c.GRPCPort, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
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
