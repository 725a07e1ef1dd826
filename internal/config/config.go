package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kasperiio/api/internal/timegrid"
)

// DefaultTimezone is used when neither DISPLAY_TIMEZONE nor TZ is set.
const DefaultTimezone = "Europe/Helsinki"

// Cache backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	// Secrets (from .env)
	EntsoeAPIKey    string
	APIKey          string
	WebhookURL      string
	ServiceName     string
	CORSAllowOrigin string

	// Provider
	EntsoeBaseURL       string
	EntsoeArea          string
	VATPercent          float64
	ApplyVAT            bool
	Currency            string
	FetchTimeoutSeconds int

	// Grid
	GridMinutes int
	Timezone    string

	// Sync
	RateLimitPerSecond int
	ChunkSpanDays      int
	FetchConcurrency   int
	FetchMaxAttempts   int
	FetchBaseDelayMs   int
	FetchMaxDelayMs    int
	SyncTimeoutSeconds int

	// Cache
	CacheBackend string

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBMaxConns int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// API
	APIPort      int
	MaxRangeDays int

	// Timing
	PrefetchIntervalMinutes int

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Secrets
		EntsoeAPIKey:    envStr("ENTSOE_API_KEY", ""),
		APIKey:          envStr("API_KEY", ""),
		WebhookURL:      envStr("WEBHOOK_URL", ""),
		ServiceName:     envStr("SERVICE_NAME", "kasperi"),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		// Provider
		EntsoeBaseURL:       envStr("ENTSOE_BASE_URL", "https://web-api.tp.entsoe.eu/api"),
		EntsoeArea:          envStr("ENTSOE_AREA", "10YFI-1--------U"),
		VATPercent:          envFloat("VAT_PERCENT", 25.5),
		ApplyVAT:            envBool("APPLY_VAT", true),
		Currency:            envStr("CURRENCY", "EUR"),
		FetchTimeoutSeconds: envInt("FETCH_TIMEOUT_SECONDS", 30),

		// Grid
		GridMinutes: envInt("GRID_MINUTES", 60),
		Timezone:    envStr("DISPLAY_TIMEZONE", envStr("TZ", DefaultTimezone)),

		// Sync
		RateLimitPerSecond: envInt("RATE_LIMIT_PER_SECOND", 10),
		ChunkSpanDays:      envInt("CHUNK_SPAN_DAYS", 30),
		FetchConcurrency:   envInt("FETCH_CONCURRENCY", 2),
		FetchMaxAttempts:   envInt("FETCH_MAX_ATTEMPTS", 3),
		FetchBaseDelayMs:   envInt("FETCH_BASE_DELAY_MS", 1000),
		FetchMaxDelayMs:    envInt("FETCH_MAX_DELAY_MS", 10000),
		SyncTimeoutSeconds: envInt("SYNC_TIMEOUT_SECONDS", 120),

		// Cache
		CacheBackend: strings.ToLower(envStr("CACHE_BACKEND", BackendPostgres)),

		// Database
		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "kasperi"),
		DBUser:     envStr("DB_USER", ""),
		DBPassword: envStr("DB_PASSWORD", ""),
		DBMaxConns: envInt("DB_MAX_CONNS", 10),

		// Redis
		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		// API
		APIPort:      envInt("API_PORT", 3001),
		MaxRangeDays: envInt("MAX_RANGE_DAYS", 7),

		// Timing
		PrefetchIntervalMinutes: envInt("PREFETCH_INTERVAL_MINUTES", 60),

		// Logging
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "text"),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.EntsoeAPIKey == "" {
		errs = append(errs, "ENTSOE_API_KEY is required")
	}
	if c.GridMinutes != 15 && c.GridMinutes != 60 {
		errs = append(errs, fmt.Sprintf("GRID_MINUTES must be 15 or 60, got %d", c.GridMinutes))
	}
	if _, err := timegrid.LoadLocation(c.Timezone, DefaultTimezone); err != nil {
		errs = append(errs, err.Error())
	}
	if c.RateLimitPerSecond <= 0 {
		errs = append(errs, "RATE_LIMIT_PER_SECOND must be positive")
	}
	if c.FetchConcurrency <= 0 {
		errs = append(errs, "FETCH_CONCURRENCY must be positive")
	}
	if c.MaxRangeDays <= 0 {
		errs = append(errs, "MAX_RANGE_DAYS must be positive")
	}
	if c.VATPercent < 0 {
		errs = append(errs, "VAT_PERCENT must not be negative")
	}
	switch c.CacheBackend {
	case BackendPostgres:
		if c.DBUser == "" {
			errs = append(errs, "DB_USER is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required for the redis backend")
		}
	case BackendMemory:
		fmt.Println("[WARN] CACHE_BACKEND=memory: cached prices are lost on restart")
	default:
		errs = append(errs, fmt.Sprintf("CACHE_BACKEND must be postgres, redis or memory, got %q", c.CacheBackend))
	}
	if c.ChunkSpanDays <= 0 {
		fmt.Println("[WARN] CHUNK_SPAN_DAYS <= 0: ranges are fetched in a single request")
	}
	if c.APIKey == "" {
		fmt.Println("[WARN] API_KEY not set: REST API has no authentication")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print() {
	fmt.Println("=== Electricity Price Service Configuration ===")
	fmt.Printf("Service: %s\n", c.ServiceName)
	fmt.Println("--------------------------------------")
	fmt.Println("Provider:")
	fmt.Printf("  ENTSO-E: %s\n", c.EntsoeBaseURL)
	fmt.Printf("  Area: %s\n", c.EntsoeArea)
	fmt.Printf("  API key: %s\n", boolLabel(c.EntsoeAPIKey != "", "configured", "not set"))
	fmt.Printf("  VAT: %s\n", boolLabel(c.ApplyVAT, fmt.Sprintf("%.1f%%", c.VATPercent), "not applied"))
	fmt.Println("--------------------------------------")
	fmt.Println("Sync:")
	fmt.Printf("  Grid: %d min (%s)\n", c.GridMinutes, c.Timezone)
	fmt.Printf("  Rate limit: %d req/s\n", c.RateLimitPerSecond)
	fmt.Printf("  Chunk span: %d days\n", c.ChunkSpanDays)
	fmt.Printf("  Concurrency: %d\n", c.FetchConcurrency)
	fmt.Printf("  Prefetch: every %d minutes\n", c.PrefetchIntervalMinutes)
	fmt.Println("--------------------------------------")
	fmt.Printf("Cache backend: %s\n", c.CacheBackend)
	switch c.CacheBackend {
	case BackendPostgres:
		fmt.Printf("  Postgres: %s:%d/%s (max conns %d)\n", c.DBHost, c.DBPort, c.DBName, c.DBMaxConns)
	case BackendRedis:
		fmt.Printf("  Redis: %s db=%d\n", c.RedisAddr, c.RedisDB)
	}
	fmt.Printf("Webhook: %s\n", boolLabel(c.WebhookURL != "", "configured", "not set"))
	fmt.Println("======================================")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Grid builds the interval grid in the display zone.
func (c *Config) Grid() (*timegrid.Grid, error) {
	loc, err := timegrid.LoadLocation(c.Timezone, DefaultTimezone)
	if err != nil {
		return nil, err
	}
	return timegrid.New(time.Duration(c.GridMinutes)*time.Minute, loc)
}

func (c *Config) ChunkSpan() time.Duration {
	if c.ChunkSpanDays <= 0 {
		return 0
	}
	return time.Duration(c.ChunkSpanDays) * 24 * time.Hour
}

func (c *Config) PrefetchInterval() time.Duration {
	return time.Duration(c.PrefetchIntervalMinutes) * time.Minute
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
