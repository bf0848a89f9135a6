package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          string
	AllowedOrigin string

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SaleCacheTTL  time.Duration
	TillLockTTL   time.Duration

	AuthSecret            string
	AccessTokenTTLMinutes int

	AllowNegativeStock  bool
	EnforcePaymentTotal bool

	SeedDemoData        bool
	SeedAdminPassword   string
	SeedCashierPassword string

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
}

// Load reads configuration from the environment, after applying an optional
// .env file from the working directory.
func Load() (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Config{
		Port:                  valueOrDefault(k.String("PORT"), "8080"),
		AllowedOrigin:         valueOrDefault(k.String("ALLOWED_ORIGIN"), "http://127.0.0.1:3000"),
		StoreDriver:           strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), DriverSQLite)),
		SQLitePath:            valueOrDefault(k.String("SQLITE_PATH"), "kasirledger.db"),
		DatabaseURL:           strings.TrimSpace(k.String("DATABASE_URL")),
		RedisAddr:             strings.TrimSpace(k.String("REDIS_ADDR")),
		RedisPassword:         k.String("REDIS_PASSWORD"),
		RedisDB:               parseInt(k.String("REDIS_DB"), 0, 0),
		SaleCacheTTL:          parseDuration(k.String("SALE_CACHE_TTL"), "10m"),
		TillLockTTL:           parseDuration(k.String("TILL_LOCK_TTL"), "30s"),
		AuthSecret:            strings.TrimSpace(k.String("AUTH_SECRET")),
		AccessTokenTTLMinutes: parseInt(k.String("ACCESS_TOKEN_TTL_MINUTES"), 480, 1),
		AllowNegativeStock:    parseBool(k.String("ALLOW_NEGATIVE_STOCK")),
		EnforcePaymentTotal:   parseBool(k.String("ENFORCE_PAYMENT_TOTAL")),
		SeedDemoData:          parseBool(k.String("SEED_DEMO_DATA")),
		SeedAdminPassword:     strings.TrimSpace(k.String("SEED_ADMIN_PASSWORD")),
		SeedCashierPassword:   strings.TrimSpace(k.String("SEED_CASHIER_PASSWORD")),
		LogFormat:             valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:              valueOrDefault(k.String("LOG_LEVEL"), "info"),
		MetricsNamespace:      valueOrDefault(k.String("METRICS_NAMESPACE"), "kasirledger"),
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

func (c Config) Address() string {
	port := strings.TrimSpace(c.Port)
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseInt(value string, fallback, min int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < min {
		return fallback
	}
	return n
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
