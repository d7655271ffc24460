package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort int

	DBConfig struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
		SSLMode  string
	}

	MigrationsPath string

	KafkaBrokerURL        string
	KafkaOrderStatusTopic string

	PayoutProviderURL     string
	PayoutProviderAPIKey  string
	PayoutRequestTimeout  time.Duration

	WorkerCount       int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	QueuePollInterval time.Duration
	QueueLease        time.Duration

	OutboxPollInterval time.Duration
}

func LoadConfig() (*Config, error) {
	// Missing .env is fine; the environment may be set by the runtime.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt("FULFILLMENT_HTTP_PORT", 8080)

	cfg.DBConfig.Host = getEnvOrDefault("FULFILLMENT_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("FULFILLMENT_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("FULFILLMENT_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("FULFILLMENT_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("FULFILLMENT_DB_NAME", "fulfillment_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("FULFILLMENT_DB_SSLMODE", "disable")

	cfg.MigrationsPath = getEnvOrDefault("FULFILLMENT_MIGRATIONS_PATH", "file://migrations")

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaOrderStatusTopic = getEnvOrDefault("KAFKA_ORDER_STATUS_TOPIC", "order_status_events")

	cfg.PayoutProviderURL = getEnvOrDefault("PAYOUT_PROVIDER_URL", "http://localhost:9090")
	cfg.PayoutProviderAPIKey = getEnvOrDefault("PAYOUT_PROVIDER_API_KEY", "")
	cfg.PayoutRequestTimeout = getEnvAsDuration("PAYOUT_REQUEST_TIMEOUT", 10*time.Second)

	cfg.WorkerCount = getEnvAsInt("FULFILLMENT_WORKER_COUNT", 4)
	cfg.MaxAttempts = getEnvAsInt("FULFILLMENT_MAX_ATTEMPTS", 5)
	cfg.RetryBaseDelay = getEnvAsDuration("FULFILLMENT_RETRY_BASE_DELAY", 2*time.Second)
	cfg.RetryMaxDelay = getEnvAsDuration("FULFILLMENT_RETRY_MAX_DELAY", 5*time.Minute)
	cfg.QueuePollInterval = getEnvAsDuration("FULFILLMENT_QUEUE_POLL_INTERVAL", 500*time.Millisecond)
	cfg.QueueLease = getEnvAsDuration("FULFILLMENT_QUEUE_LEASE", 30*time.Second)

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)

	return cfg, nil
}

func (c *Config) GetDBMigrationConnectionString() string {
	return "postgres://" + c.DBConfig.User + ":" + c.DBConfig.Password + "@" +
		c.DBConfig.Host + ":" + strconv.Itoa(c.DBConfig.Port) + "/" + c.DBConfig.Name +
		"?sslmode=" + c.DBConfig.SSLMode
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
