package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string
	JWTSecret  string

	// Session store
	SessionTimeout time.Duration

	// Remote low-code platform
	PlatformBaseURL string
	PlatformTimeout time.Duration
	ProbeInterval   time.Duration

	// Durable queue
	DrainInterval   time.Duration
	DrainBatchSize  int
	QueueMaxRetries int

	// Direct-write retry path
	DirectRetryBase time.Duration

	// Local durable store: memory | sqlite | mysql | redis
	StoreBackend  string
	SQLitePath    string
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Delivery event publishing (disabled when RabbitURL is empty)
	RabbitURL   string
	RabbitQueue string
}

func Load() Config {
	listen := os.Getenv("LISTEN_ADDR")
	if listen == "" {
		listen = ":8080"
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	sessionTimeout := 24 * time.Hour
	if v := os.Getenv("SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sessionTimeout = d
		}
	}

	platformBaseURL := os.Getenv("PLATFORM_BASE_URL")
	if platformBaseURL == "" {
		platformBaseURL = "http://localhost:9000"
	}

	platformTimeout := 30 * time.Second
	if v := os.Getenv("PLATFORM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			platformTimeout = d
		}
	}

	probeInterval := 30 * time.Second
	if v := os.Getenv("PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			probeInterval = d
		}
	}

	drainInterval := 2 * time.Second
	if v := os.Getenv("DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			drainInterval = d
		}
	}

	batchSize := 5
	if v := os.Getenv("DRAIN_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}

	maxRetries := 3
	if v := os.Getenv("QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxRetries = n
		}
	}

	directRetryBase := time.Second
	if v := os.Getenv("DIRECT_RETRY_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			directRetryBase = d
		}
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "chatrelay.db"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	rabbitQueue := os.Getenv("RABBIT_QUEUE")
	if rabbitQueue == "" {
		rabbitQueue = "delivery_events"
	}

	return Config{
		ListenAddr: listen,
		JWTSecret:  secret,

		SessionTimeout: sessionTimeout,

		PlatformBaseURL: platformBaseURL,
		PlatformTimeout: platformTimeout,
		ProbeInterval:   probeInterval,

		DrainInterval:   drainInterval,
		DrainBatchSize:  batchSize,
		QueueMaxRetries: maxRetries,

		DirectRetryBase: directRetryBase,

		StoreBackend:  backend,
		SQLitePath:    sqlitePath,
		DBDSN:         os.Getenv("DB_DSN"),
		RedisAddr:     redisAddr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: rabbitQueue,
	}
}
