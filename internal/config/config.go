package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Sync     SyncConfig
	Cache    CacheConfig
	Auth     AuthConfig
	Autosave AutosaveConfig
	Database DatabaseConfig
	Tracing  TracingConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	SyncLogFilePath    string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
}

type SyncConfig struct {
	ServerURL    string // ws(s)://host:port, the client appends /ws/docs/:owner/:slug
	APIURL       string // http(s)://host:port for permission lookups
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
}

type CacheConfig struct {
	Path string // SQLite file backing the local document cache
}

type AuthConfig struct {
	JWTSecret          string
	Token              string // bearer token used by the editor client
	PermissionCacheTTL time.Duration
}

type AutosaveConfig struct {
	Debounce time.Duration
}

type DatabaseConfig struct {
	Connection string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64 // fraction of root spans kept, 0..1
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			SyncLogFilePath:    getEnv("SYNC_LOG_FILE_PATH", "logs/sync.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", ""),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Sync: SyncConfig{
			ServerURL:    getEnv("SYNC_SERVER_URL", "ws://localhost:3000"),
			APIURL:       getEnv("SYNC_API_URL", "http://localhost:3000"),
			ReconnectMin: getEnvAsDuration("SYNC_RECONNECT_MIN", 500*time.Millisecond),
			ReconnectMax: getEnvAsDuration("SYNC_RECONNECT_MAX", 30*time.Second),
			PingInterval: getEnvAsDuration("SYNC_PING_INTERVAL", 15*time.Second),
		},
		Cache: CacheConfig{
			Path: getEnv("LOCAL_CACHE_PATH", "editor-cache.db"),
		},
		Auth: AuthConfig{
			JWTSecret:          getEnv("JWT_SECRET", ""),
			Token:              getEnv("EDITOR_TOKEN", ""),
			PermissionCacheTTL: getEnvAsDuration("PERMISSION_CACHE_TTL", 5*time.Minute),
		},
		Autosave: AutosaveConfig{
			Debounce: getEnvAsDuration("AUTOSAVE_DEBOUNCE", time.Second),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Tracing: TracingConfig{
			Enabled:     getEnv("OTEL_ENABLED", "") == "true",
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("750ms") or plain milliseconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if d, err := time.ParseDuration(strValue); err == nil {
		return d
	}
	if ms := getEnvAsInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
