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

	pstrings "goalpay/pkg/platform/strings"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendFS       = "fs"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr       string
	LogLevel   string
	AdminToken string
}

// Goals configures the catalog and assignment defaults.
type Goals struct {
	CatalogPath  string
	DefaultCount int
}

// RedisConfig configures the shared go-redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Storage selects where ledgers and completion records live.
type Storage struct {
	Backend     string
	DatabaseURL string
	Redis       RedisConfig
}

// Wallet configures the custodial wallet provider client.
type Wallet struct {
	APIURL         string
	APIKey         string
	MasterWalletID string
	Currency       string
	Chain          string
	Timeout        time.Duration
}

// Evidence configures where proof images are stored.
type Evidence struct {
	Backend  string
	Dir      string
	Timeout  time.Duration
	MaxBytes int64
}

// Audit configures the optional Kafka audit sink.
type Audit struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Config is the full process configuration.
type Config struct {
	Server                Server
	Goals                 Goals
	Storage               Storage
	Wallet                Wallet
	Evidence              Evidence
	Audit                 Audit
	CompleteRatePerMinute int
}

// Load reads an optional .env file then builds the config from the
// environment. Variables already set take precedence over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []error
	cfg := Config{
		Server: Server{
			Addr:       envString("GOALPAY_ADDR", ":8080"),
			LogLevel:   envString("LOG_LEVEL", "info"),
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
		Goals: Goals{
			CatalogPath:  envString("GOALS_CATALOG_PATH", "config/goals.json"),
			DefaultCount: envInt("GOALS_DEFAULT_COUNT", 5, &errs),
		},
		Storage: Storage{
			Backend:     strings.ToLower(envString("STORAGE_BACKEND", BackendMemory)),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			Redis: RedisConfig{
				URL:          os.Getenv("REDIS_URL"),
				PoolSize:     envInt("REDIS_POOL_SIZE", 10, &errs),
				MinIdleConns: 2,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Wallet: Wallet{
			APIURL:         envString("WALLET_API_URL", "https://api-sandbox.circle.com"),
			APIKey:         os.Getenv("WALLET_API_KEY"),
			MasterWalletID: os.Getenv("MASTER_WALLET_ID"),
			Currency:       envString("WALLET_CURRENCY", "USD"),
			Chain:          envString("WALLET_CHAIN", "FLOW"),
			Timeout:        envDuration("WALLET_TIMEOUT", 10*time.Second, &errs),
		},
		Evidence: Evidence{
			Backend:  strings.ToLower(envString("EVIDENCE_BACKEND", BackendFS)),
			Dir:      envString("EVIDENCE_DIR", "data/evidence"),
			Timeout:  envDuration("EVIDENCE_TIMEOUT", 5*time.Second, &errs),
			MaxBytes: int64(envInt("EVIDENCE_MAX_BYTES", 10<<20, &errs)),
		},
		Audit: Audit{
			KafkaBrokers: envList("AUDIT_KAFKA_BROKERS"),
			KafkaTopic:   envString("AUDIT_KAFKA_TOPIC", "goalpay.audit"),
		},
		CompleteRatePerMinute: envInt("COMPLETE_RATE_PER_MINUTE", 10, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres storage"))
		}
	case BackendRedis:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	switch c.Evidence.Backend {
	case BackendFS:
		if c.Evidence.Dir == "" {
			errs = append(errs, errors.New("EVIDENCE_DIR is required for fs evidence"))
		}
	case BackendRedis:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for redis evidence"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVIDENCE_BACKEND %q", c.Evidence.Backend))
	}
	if c.Goals.DefaultCount < 0 {
		errs = append(errs, errors.New("GOALS_DEFAULT_COUNT must not be negative"))
	}
	if c.Evidence.MaxBytes <= 0 {
		errs = append(errs, errors.New("EVIDENCE_MAX_BYTES must be positive"))
	}
	if c.CompleteRatePerMinute <= 0 {
		errs = append(errs, errors.New("COMPLETE_RATE_PER_MINUTE must be positive"))
	}
	if c.Wallet.MasterWalletID == "" {
		errs = append(errs, errors.New("MASTER_WALLET_ID is required"))
	}
	return errors.Join(errs...)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func envList(key string) []string {
	return pstrings.SplitList(os.Getenv(key), ",")
}
