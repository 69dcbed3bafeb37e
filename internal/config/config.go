package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrMissingBrokerURL is the only fatal startup condition for the pipeline.
var ErrMissingBrokerURL = errors.New("BROKER_URL is required")

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Broker
	BrokerURL            string
	BrokerReconnectBase  time.Duration
	BrokerReconnectCap   time.Duration
	BrokerHealthInterval time.Duration

	// Queue
	QueueName            string
	JobAttempts          int
	JobBackoff           time.Duration
	JobTimeout           time.Duration
	CompletedRetention   time.Duration
	FailedRetentionCount int

	// Worker
	WorkerConcurrency int

	// Push delivery
	PushProvider    string // "fcm" or "sns"
	PushTTL         time.Duration
	PushMaxRetries  int
	PushBaseBackoff time.Duration
	PushChunkSize   int
	PushRateLimit   int // provider calls per second

	// Firebase
	FirebaseCredentialsFile   string
	FirebaseCredentialsBase64 string
	FirebaseProjectID         string

	// AWS
	AWSRegion         string
	SNSRegion         string
	SNSEndpoint       string // LocalStack or other override
	SNSTopicARNPrefix string // prepended to bare topic names
	SQSRegion         string
	SQSDLQURL         string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Producer rate limiting on the enqueue endpoint
	EnqueueRateLimit  int
	EnqueueRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A missing BROKER_URL returns ErrMissingBrokerURL.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		BrokerReconnectBase:  50 * time.Millisecond,
		BrokerReconnectCap:   2 * time.Second,
		BrokerHealthInterval: 5 * time.Second,

		QueueName:            "notifications",
		JobAttempts:          3,
		JobBackoff:           1000 * time.Millisecond,
		JobTimeout:           60 * time.Second,
		CompletedRetention:   time.Hour,
		FailedRetentionCount: 100,

		WorkerConcurrency: 5,

		PushProvider:    "fcm",
		PushTTL:         time.Hour,
		PushMaxRetries:  3,
		PushBaseBackoff: time.Second,
		PushChunkSize:   500,
		PushRateLimit:   500,

		FirebaseCredentialsFile: "firebase-adminsdk.json",

		AWSRegion: "us-east-1",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "ridepush",
		DBName:    "ridepush",
		DBSSLMode: "disable",

		EnqueueRateLimit:  100,
		EnqueueRateWindow: time.Minute,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = stringEnv("ENV", cfg.Env)

	// Broker
	cfg.BrokerURL = os.Getenv("BROKER_URL")
	if cfg.BrokerURL == "" {
		return nil, ErrMissingBrokerURL
	}
	if cfg.BrokerReconnectBase, err = durationEnv("BROKER_RECONNECT_BASE", cfg.BrokerReconnectBase); err != nil {
		return nil, err
	}
	if cfg.BrokerReconnectCap, err = durationEnv("BROKER_RECONNECT_CAP", cfg.BrokerReconnectCap); err != nil {
		return nil, err
	}
	if cfg.BrokerHealthInterval, err = durationEnv("BROKER_HEALTH_INTERVAL", cfg.BrokerHealthInterval); err != nil {
		return nil, err
	}

	// Queue
	cfg.QueueName = stringEnv("QUEUE_NAME", cfg.QueueName)
	if cfg.JobAttempts, err = intEnv("JOB_ATTEMPTS", cfg.JobAttempts); err != nil {
		return nil, err
	}
	if ms := os.Getenv("JOB_BACKOFF_MS"); ms != "" {
		v, err := strconv.Atoi(ms)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_BACKOFF_MS: %w", err)
		}
		cfg.JobBackoff = time.Duration(v) * time.Millisecond
	}
	if cfg.JobTimeout, err = durationEnv("JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return nil, err
	}
	if cfg.CompletedRetention, err = durationEnv("COMPLETED_RETENTION", cfg.CompletedRetention); err != nil {
		return nil, err
	}
	if cfg.FailedRetentionCount, err = intEnv("FAILED_RETENTION_COUNT", cfg.FailedRetentionCount); err != nil {
		return nil, err
	}

	if cfg.WorkerConcurrency, err = intEnv("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: must be >= 1, got %d", cfg.WorkerConcurrency)
	}

	// Push
	cfg.PushProvider = stringEnv("PUSH_PROVIDER", cfg.PushProvider)
	if cfg.PushProvider != "fcm" && cfg.PushProvider != "sns" {
		return nil, fmt.Errorf("invalid PUSH_PROVIDER: %q (fcm or sns)", cfg.PushProvider)
	}
	if cfg.PushTTL, err = durationEnv("PUSH_TTL", cfg.PushTTL); err != nil {
		return nil, err
	}
	if cfg.PushMaxRetries, err = intEnv("PUSH_MAX_RETRIES", cfg.PushMaxRetries); err != nil {
		return nil, err
	}
	if cfg.PushBaseBackoff, err = durationEnv("PUSH_BASE_BACKOFF", cfg.PushBaseBackoff); err != nil {
		return nil, err
	}
	if cfg.PushChunkSize, err = intEnv("PUSH_CHUNK_SIZE", cfg.PushChunkSize); err != nil {
		return nil, err
	}
	if cfg.PushRateLimit, err = intEnv("PUSH_RATE_LIMIT", cfg.PushRateLimit); err != nil {
		return nil, err
	}

	cfg.FirebaseCredentialsFile = stringEnv("FIREBASE_CREDENTIALS_FILE", cfg.FirebaseCredentialsFile)
	cfg.FirebaseCredentialsBase64 = os.Getenv("FIREBASE_CREDENTIALS_BASE64")
	cfg.FirebaseProjectID = os.Getenv("FIREBASE_PROJECT_ID")

	// AWS
	cfg.AWSRegion = stringEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SNSRegion = stringEnv("SNS_REGION", cfg.AWSRegion)
	cfg.SNSEndpoint = os.Getenv("SNS_ENDPOINT")
	cfg.SNSTopicARNPrefix = os.Getenv("SNS_TOPIC_ARN_PREFIX")
	cfg.SQSRegion = stringEnv("SQS_REGION", cfg.AWSRegion)
	cfg.SQSDLQURL = os.Getenv("SQS_DLQ_URL")

	// Database
	cfg.DBHost = stringEnv("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = stringEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = stringEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = stringEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = stringEnv("DB_SSLMODE", cfg.DBSSLMode)

	if cfg.EnqueueRateLimit, err = intEnv("ENQUEUE_RATE_LIMIT", cfg.EnqueueRateLimit); err != nil {
		return nil, err
	}
	if cfg.EnqueueRateWindow, err = durationEnv("ENQUEUE_RATE_WINDOW", cfg.EnqueueRateWindow); err != nil {
		return nil, err
	}

	return cfg, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
