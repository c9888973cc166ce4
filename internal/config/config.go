package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	TLS           TLSConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Store         StoreConfig
	Security      SecurityConfig
	KMS           KMSConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// TLSConfig enables HTTPS on the API listener. Leave it off when a proxy
// terminates TLS.
type TLSConfig struct {
	Enabled  bool
	Domain   string
	CertFile string
	KeyFile  string
	CacheDir string
	Email    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// RedisConfig configures the shared cache. An empty URL runs the store in
// in-process mode only.
type RedisConfig struct {
	URL              string
	Password         string
	DB               int
	PoolSize         int
	OperationTimeout time.Duration
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string
}

type StoreConfig struct {
	SweepInterval time.Duration
	LockStripes   int
}

type SecurityConfig struct {
	HashSalt           string
	HashSaltCiphertext string
	OrgRateLimitMax    int
	OrgRateLimitWindow time.Duration
	SnapshotInterval   time.Duration
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", ""),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		},
		TLS: TLSConfig{
			Enabled:  getEnvBool("TLS_ENABLED", false),
			Domain:   getEnv("TLS_DOMAIN", ""),
			CertFile: getEnv("TLS_CERT_FILE", ""),
			KeyFile:  getEnv("TLS_KEY_FILE", ""),
			CacheDir: getEnv("TLS_AUTOCERT_DIR", "/app/certs/autocert"),
			Email:    getEnv("TLS_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:              getEnv("REDIS_URL", ""),
			Password:         getEnv("REDIS_PASSWORD", ""),
			DB:               getEnvInt("REDIS_DB", 0),
			PoolSize:         getEnvInt("REDIS_POOL_SIZE", 20),
			OperationTimeout: getEnvDuration("REDIS_OP_TIMEOUT", 250*time.Millisecond),
			TLSCAFile:        getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile:      getEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:       getEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Store: StoreConfig{
			SweepInterval: getEnvDuration("STORE_SWEEP_INTERVAL", time.Minute),
			LockStripes:   getEnvInt("STORE_LOCK_STRIPES", 64),
		},
		Security: SecurityConfig{
			HashSalt:           getEnv("IDENTIFIER_HASH_SALT", ""),
			HashSaltCiphertext: getEnv("IDENTIFIER_HASH_SALT_CIPHERTEXT", ""),
			OrgRateLimitMax:    getEnvInt("ORG_RATE_LIMIT_MAX", 600),
			OrgRateLimitWindow: getEnvDuration("ORG_RATE_LIMIT_WINDOW", time.Minute),
			SnapshotInterval:   getEnvDuration("SECURITY_SNAPSHOT_INTERVAL", time.Minute),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			Region:  getEnv("AWS_REGION", "us-east-1"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "auth.audit"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ES_ENABLED", false),
			URL:        getEnv("ES_URL", "http://localhost:9200"),
			Username:   getEnv("ES_USERNAME", ""),
			Password:   getEnv("ES_PASSWORD", ""),
			AuditIndex: getEnv("ES_AUDIT_INDEX", "auth-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "security"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg
}

// Get returns the last loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
