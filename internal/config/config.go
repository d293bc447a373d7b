package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrMissingConfig = errors.New("missing required configuration")

type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Telemetry   TelemetryConfig
	FileStore   FileStoreConfig
	Kafka       KafkaConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RequestTimeout     time.Duration
	TrustProxy         bool
	StaticDir          string
	CORSAllowedOrigins []string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// TelemetryConfig carries the secrets injected into the anonymizer and the
// summary authorizer, plus store behaviour shared by both variants.
type TelemetryConfig struct {
	APIKey          string
	CipherKey       string
	CipherIV        string
	DenyRedirectURL string
	InstanceTTL     time.Duration
	StoreTimeout    time.Duration
	StoreMaxRetries int
}

type FileStoreConfig struct {
	Path string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads .env (if present) and the process environment. Missing
// required values are reported as ErrMissingConfig.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:               getEnv("HOST", "0.0.0.0"),
			Port:               getEnvInt("PORT", 3000),
			ReadTimeout:        getEnvDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:       getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:        getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			TrustProxy:         getEnvBool("TRUST_PROXY", true),
			StaticDir:          getEnv("STATIC_DIR", "static"),
			CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: os.Getenv("REDIS_KEY_PREFIX"),
		},
		Telemetry: TelemetryConfig{
			APIKey:          os.Getenv("API_KEY"),
			CipherKey:       os.Getenv("CIPHER_KEY"),
			CipherIV:        os.Getenv("CIPHER_IV"),
			DenyRedirectURL: getEnv("DENY_REDIRECT_URL", "https://example.com/"),
			InstanceTTL:     getEnvDuration("INSTANCE_TTL", 0),
			StoreTimeout:    getEnvDuration("STORE_TIMEOUT", 3*time.Second),
			StoreMaxRetries: getEnvInt("STORE_MAX_RETRIES", 2),
		},
		FileStore: FileStoreConfig{
			Path: getEnv("INSTANCE_FILE", "data/instances.json"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "instance-checkins"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every secret and the store connection string are set.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"REDIS_URL", c.Redis.URL},
		{"API_KEY", c.Telemetry.APIKey},
		{"CIPHER_KEY", c.Telemetry.CipherKey},
		{"CIPHER_IV", c.Telemetry.CipherIV},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingConfig, r.name)
		}
	}
	if c.Telemetry.StoreTimeout <= 0 {
		return fmt.Errorf("invalid STORE_TIMEOUT: %s", c.Telemetry.StoreTimeout)
	}
	if c.Telemetry.StoreMaxRetries < 0 {
		return fmt.Errorf("invalid STORE_MAX_RETRIES: %d", c.Telemetry.StoreMaxRetries)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
