package config

import (
	"os"
	"strconv"
	"time"

	"AgentChat/logger"
)

// AppConfig is the routing node configuration. The confidence threshold is
// a required input: routing behavior must never depend on a compiled-in
// constant (the reference deployment uses 0.9).
type AppConfig struct {
	NodeID   string
	Port     int
	SnowNode int64

	// Routing policy.
	ConfidenceThreshold float64
	AssignTimeout       time.Duration // reviewer assignment timeout
	MaxRetries          int
	RetryDelay          time.Duration // base delay, scaled linearly per attempt

	// Session registry.
	SessionTTL      time.Duration
	ActivityTimeout time.Duration

	// Sweeper cadence.
	SweepEvery  time.Duration
	QueueMaxAge time.Duration

	JWTSecret []byte
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type MongoConfig struct {
	URI      string
	Database string
	Username string
	Password string
}

type ClassifierConfig struct {
	// Provider "openai" uses the OpenAI-backed classifier; anything else
	// falls back to the keyword classifier (dev/test).
	Provider string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type FacebookConfig struct {
	GraphURL    string
	PageToken   string
	VerifyToken string // webhook subscription handshake
	Timeout     time.Duration
}

type Config struct {
	App        AppConfig
	Redis      RedisConfig
	Mongo      MongoConfig
	Classifier ClassifierConfig
	Facebook   FacebookConfig
}

func Load() *Config {
	cfg := &Config{
		App: AppConfig{
			NodeID:              getenv("NODE_ID", "route_01"),
			Port:                getint("PORT", 8080),
			SnowNode:            int64(getint("SNOW_NODE_ID", 100)),
			ConfidenceThreshold: getfloat("ROUTE_CONFIDENCE_THRESHOLD", 0.9),
			AssignTimeout:       getdur("ROUTE_ASSIGN_TIMEOUT", 30*time.Minute),
			MaxRetries:          getint("ROUTE_MAX_RETRIES", 3),
			RetryDelay:          getdur("ROUTE_RETRY_DELAY", 60*time.Second),
			SessionTTL:          getdur("SESSION_TTL", 24*time.Hour),
			ActivityTimeout:     getdur("SESSION_ACTIVITY_TIMEOUT", 30*time.Minute),
			SweepEvery:          getdur("SWEEP_EVERY", 10*time.Second),
			QueueMaxAge:         getdur("QUEUE_MAX_AGE", 7*24*time.Hour),
			JWTSecret:           []byte(getenv("JWT_SECRET", "")),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			PoolSize: getint("REDIS_POOL_SIZE", 20),
		},
		Mongo: MongoConfig{
			URI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getenv("MONGO_DATABASE", "agentChat"),
			Username: getenv("MONGO_USERNAME", ""),
			Password: getenv("MONGO_PASSWORD", ""),
		},
		Classifier: ClassifierConfig{
			Provider: getenv("AI_PROVIDER", "mock"),
			APIKey:   getenv("AI_API_KEY", ""),
			Model:    getenv("AI_MODEL", "gpt-4.1"),
			Timeout:  getdur("AI_TIMEOUT", 10*time.Second),
		},
		Facebook: FacebookConfig{
			GraphURL:    getenv("FB_GRAPH_URL", "https://graph.facebook.com/v19.0"),
			PageToken:   getenv("FB_PAGE_TOKEN", ""),
			VerifyToken: getenv("FB_VERIFY_TOKEN", ""),
			Timeout:     getdur("FB_TIMEOUT", 10*time.Second),
		},
	}
	if len(cfg.App.JWTSecret) == 0 {
		logger.Warnf("JWT_SECRET is empty, websocket auth will reject all tokens")
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logger.Warnf("bad int for %s=%q, using %d", key, v, def)
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logger.Warnf("bad float for %s=%q, using %v", key, v, def)
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger.Warnf("bad duration for %s=%q, using %v", key, v, def)
	}
	return def
}
