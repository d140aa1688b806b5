package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Common contains Elasticsearch parameters shared by every service.
type Common struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
}

// Subscription store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Worker holds configuration for the polling tracker.
type Worker struct {
	Common
	SourcesFile          string
	BindAddr             string
	FetchTimeout         time.Duration
	UserAgent            string
	DefaultInterval      time.Duration
	SuppressUnchanged    bool
	KafkaBrokers         []string
	KafkaNotifyTopic     string
	SubscriptionsBackend string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	HistoryEnabled       bool
}

// API describes HTTP-layer configuration of the history service.
type API struct {
	Common
	BindAddr    string
	DefaultPage int
	MaxPage     int
}

// Retention configures the history cleanup loop.
type Retention struct {
	Common
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// LoadDotEnv loads variables from .env files that exist; variables already
// set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func loadCommon() Common {
	return Common{
		ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", "http://elasticsearch:9200"),
		ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "rank_history"),
	}
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	c := &Worker{
		Common:               loadCommon(),
		SourcesFile:          getEnv("TRACKER_SOURCES_FILE", "sources.yaml"),
		BindAddr:             getEnv("TRACKER_BIND_ADDR", "0.0.0.0:8081"),
		FetchTimeout:         getDuration("TRACKER_FETCH_TIMEOUT", "30s"),
		UserAgent:            getEnv("TRACKER_USER_AGENT", "eve-vuz-bot/1.0"),
		DefaultInterval:      getDuration("TRACKER_DEFAULT_INTERVAL", "10m"),
		SuppressUnchanged:    getBool("NOTIFY_SUPPRESS_UNCHANGED", false),
		KafkaBrokers:         splitAndTrim(getEnv("KAFKA_BROKERS", "kafka:9092")),
		KafkaNotifyTopic:     getEnv("KAFKA_NOTIFY_TOPIC", "admission_notifications"),
		SubscriptionsBackend: strings.ToLower(getEnv("SUBSCRIPTIONS_BACKEND", BackendMemory)),
		RedisAddr:            getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getInt("REDIS_DB", 0),
		HistoryEnabled:       getBool("HISTORY_ENABLED", true),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.FetchTimeout <= 0 {
		return nil, fmt.Errorf("TRACKER_FETCH_TIMEOUT must be positive")
	}
	if c.DefaultInterval <= 0 {
		return nil, fmt.Errorf("TRACKER_DEFAULT_INTERVAL must be positive")
	}
	if c.SubscriptionsBackend != BackendMemory && c.SubscriptionsBackend != BackendRedis {
		return nil, fmt.Errorf("SUBSCRIPTIONS_BACKEND must be %q or %q", BackendMemory, BackendRedis)
	}
	if c.RedisDB < 0 {
		return nil, fmt.Errorf("REDIS_DB cannot be negative")
	}

	return c, nil
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	c := &API{
		Common:      loadCommon(),
		BindAddr:    getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
		DefaultPage: getInt("API_PAGE_SIZE", 20),
		MaxPage:     getInt("API_MAX_PAGE_SIZE", 100),
	}

	if c.DefaultPage <= 0 {
		return nil, fmt.Errorf("API_PAGE_SIZE must be positive")
	}
	if c.MaxPage <= 0 {
		return nil, fmt.Errorf("API_MAX_PAGE_SIZE must be positive")
	}
	if c.DefaultPage > c.MaxPage {
		return nil, fmt.Errorf("API_PAGE_SIZE cannot exceed API_MAX_PAGE_SIZE")
	}

	return c, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	c := &Retention{
		Common:    loadCommon(),
		Interval:  getDuration("RETENTION_CRON", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "720h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
