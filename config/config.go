package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	JWTSecret        string
	DBHost           string
	DBPort           string
	DBUser           string
	DBPass           string
	DBName           string
	DBNameTest       string
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	StorageBackend   string
	MinioHost        string
	MinioPort        string
	MinioUsername    string
	MinioPassword    string
	BucketName       string
	RabbitMQURL      string
	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPass     string
	RabbitMQVhost    string
	RabbitMQPrefetch int

	ArchiveWorkerConcurrency int
	ArchiveRate              float64
	ArchiveBurst             int
	ArchiveRetryMax          int
	ArchiveRetryDelays       []time.Duration
	ExtractTimeout           time.Duration

	ReconcileInterval time.Duration
	UploadStaleAfter  time.Duration
	ReconcileLeaseTTL time.Duration

	DefaultStorageQuota int64
}

var AppConfig Config

// getEnv returns the environment value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDurationList(key string, defaultValue []time.Duration) []time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsed, err := time.ParseDuration(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// InitConfig loads configuration and initializes sub-configs.
func InitConfig() {
	_ = godotenv.Load()

	rabbitHost := getEnv("RABBITMQ_HOST", "localhost")
	rabbitPort := getEnv("RABBITMQ_PORT", "5672")
	rabbitUser := getEnv("RABBITMQ_USER", "guest")
	rabbitPass := getEnv("RABBITMQ_PASSWORD", "guest")
	rabbitVhost := getEnv("RABBITMQ_VHOST", "/")
	rabbitURL := getEnv("RABBITMQ_URL", "")
	if rabbitURL == "" {
		rabbitURL = fmt.Sprintf(
			"amqp://%s:%s@%s:%s/%s",
			url.PathEscape(rabbitUser),
			url.PathEscape(rabbitPass),
			rabbitHost,
			rabbitPort,
			url.PathEscape(rabbitVhost),
		)
	}
	retryDelays := getEnvDurationList(
		"ARCHIVE_RETRY_DELAYS",
		[]time.Duration{10 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
	)
	AppConfig = Config{
		JWTSecret:        getEnv("JWT_SECRET", "l=ax+b"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "3306"),
		DBUser:           getEnv("DB_USER", "root"),
		DBPass:           getEnv("DB_PASS", "root"),
		DBName:           getEnv("DB_NAME", "CloudBox"),
		DBNameTest:       getEnv("DB_NAME_TEST", "CloudBox_Test"),
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          0,
		StorageBackend:   getEnv("STORAGE_BACKEND", "local"),
		MinioHost:        getEnv("MINIO_HOST", "localhost"),
		MinioPort:        getEnv("MINIO_PORT", "9000"),
		MinioUsername:    getEnv("MINIO_USERNAME", "minioadmin"),
		MinioPassword:    getEnv("MINIO_PASSWORD", "minioadmin"),
		BucketName:       getEnv("BUCKET_NAME", "cloudbox"),
		RabbitMQURL:      rabbitURL,
		RabbitMQHost:     rabbitHost,
		RabbitMQPort:     rabbitPort,
		RabbitMQUser:     rabbitUser,
		RabbitMQPass:     rabbitPass,
		RabbitMQVhost:    rabbitVhost,
		RabbitMQPrefetch: getEnvInt("RABBITMQ_PREFETCH", 4),

		ArchiveWorkerConcurrency: getEnvInt("ARCHIVE_WORKER_CONCURRENCY", 2),
		ArchiveRate:              getEnvFloat("ARCHIVE_RATE", 1),
		ArchiveBurst:             getEnvInt("ARCHIVE_BURST", 2),
		ArchiveRetryMax:          getEnvInt("ARCHIVE_RETRY_MAX", 3),
		ArchiveRetryDelays:       retryDelays,
		ExtractTimeout:           getEnvDuration("EXTRACT_TIMEOUT", 30*time.Minute),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Hour),
		UploadStaleAfter:  getEnvDuration("UPLOAD_STALE_AFTER", 24*time.Hour),
		ReconcileLeaseTTL: getEnvDuration("RECONCILE_LEASE_TTL", 10*time.Minute),

		DefaultStorageQuota: getEnvInt64("DEFAULT_STORAGE_QUOTA", 5*1024*1024*1024),
	}

	InitStorageConfig()
}
