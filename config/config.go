package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from Default(),
// then an optional YAML file, then environment variables.
type Config struct {
	Gateway   Gateway   `yaml:"gateway"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Orders    Orders    `yaml:"orders"`
	Store     Store     `yaml:"store"`
	Server    Server    `yaml:"server"`
	Notify    Notify    `yaml:"notify"`
	Logging   Logging   `yaml:"logging"`
}

// Gateway describes the upstream TWS / IB Gateway session.
type Gateway struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ClientID          int           `yaml:"client_id"`
	MasterClientID    int           `yaml:"master_client_id"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// RateLimit configures the token buckets, the emergency breaker and the
// per-contract active order cap.
type RateLimit struct {
	ReadPerSecond        float64 `yaml:"read_per_second"`
	ReadBurst            int     `yaml:"read_burst"`
	MutationPerSecond    float64 `yaml:"mutation_per_second"`
	MutationBurst        int     `yaml:"mutation_burst"`
	BreakerThreshold     int     `yaml:"breaker_threshold"`
	MaxOrdersPerContract int     `yaml:"max_orders_per_contract"`
}

// Orders configures the order index and the secondary session pool.
type Orders struct {
	FreshnessWindow   time.Duration `yaml:"freshness_window"`
	RebuildTimeout    time.Duration `yaml:"rebuild_timeout"`
	IdleGrace         time.Duration `yaml:"idle_grace"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	CancelParallelism int           `yaml:"cancel_parallelism"`
}

// Store holds optional persistence endpoints. Empty values disable a store.
type Store struct {
	SQLitePath    string `yaml:"sqlite_path"`
	BoltPath      string `yaml:"bolt_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Server holds listener configuration.
type Server struct {
	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// ResetTOTPSecret, when set, makes breaker reset require a TOTP code.
	ResetTOTPSecret string `yaml:"reset_totp_secret"`
}

// Notify configures alert delivery.
type Notify struct {
	WebhookURL       string `yaml:"webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Gateway: Gateway{
			Host:              "127.0.0.1",
			Port:              7497,
			ClientID:          0,
			MasterClientID:    0,
			ConnectTimeout:    10 * time.Second,
			RequestTimeout:    10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			BackoffBase:       time.Second,
			BackoffFactor:     2,
			BackoffMax:        30 * time.Second,
		},
		RateLimit: RateLimit{
			ReadPerSecond:        30,
			ReadBurst:            30,
			MutationPerSecond:    30,
			MutationBurst:        30,
			BreakerThreshold:     5,
			MaxOrdersPerContract: 18,
		},
		Orders: Orders{
			FreshnessWindow:   2 * time.Second,
			RebuildTimeout:    10 * time.Second,
			IdleGrace:         30 * time.Second,
			SweepInterval:     5 * time.Second,
			CancelParallelism: 4,
		},
		Store: Store{
			SQLitePath: "data/journal.db",
			BoltPath:   "data/breaker.db",
		},
		Server: Server{
			APIAddr:     ":8080",
			MetricsAddr: ":9090",
		},
		Logging: Logging{Level: "info"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Host == "" {
		errs = append(errs, errors.New("gateway.host is required"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Gateway.ClientID < 0 {
		errs = append(errs, fmt.Errorf("gateway.client_id %d must not be negative", c.Gateway.ClientID))
	}
	if c.Gateway.ConnectTimeout <= 0 || c.Gateway.RequestTimeout <= 0 {
		errs = append(errs, errors.New("gateway timeouts must be positive"))
	}
	if c.Gateway.BackoffBase <= 0 || c.Gateway.BackoffMax < c.Gateway.BackoffBase || c.Gateway.BackoffFactor < 1 {
		errs = append(errs, errors.New("gateway backoff must have base > 0, max >= base, factor >= 1"))
	}
	if c.RateLimit.ReadPerSecond <= 0 || c.RateLimit.MutationPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit permits per second must be positive"))
	}
	if c.RateLimit.ReadBurst < 1 || c.RateLimit.MutationBurst < 1 {
		errs = append(errs, errors.New("rate_limit bursts must be at least 1"))
	}
	if c.RateLimit.BreakerThreshold < 1 {
		errs = append(errs, errors.New("rate_limit.breaker_threshold must be at least 1"))
	}
	if c.Orders.FreshnessWindow < 0 || c.Orders.RebuildTimeout <= 0 {
		errs = append(errs, errors.New("orders freshness must be >= 0 and rebuild timeout > 0"))
	}
	if c.Orders.IdleGrace < 0 || c.Orders.SweepInterval <= 0 {
		errs = append(errs, errors.New("orders idle grace must be >= 0 and sweep interval > 0"))
	}
	if c.Orders.CancelParallelism < 1 {
		errs = append(errs, errors.New("orders.cancel_parallelism must be at least 1"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	cfg.Gateway.Host = getEnv("TWS_HOST", cfg.Gateway.Host)
	cfg.Gateway.Port = getEnvInt("TWS_PORT", cfg.Gateway.Port)
	cfg.Gateway.ClientID = getEnvInt("TWS_CLIENT_ID", cfg.Gateway.ClientID)
	cfg.Gateway.MasterClientID = getEnvInt("TWS_MASTER_CLIENT_ID", cfg.Gateway.MasterClientID)
	cfg.Gateway.ConnectTimeout = getEnvDuration("TWS_CONNECT_TIMEOUT", cfg.Gateway.ConnectTimeout)
	cfg.Gateway.RequestTimeout = getEnvDuration("TWS_REQUEST_TIMEOUT", cfg.Gateway.RequestTimeout)

	cfg.RateLimit.ReadPerSecond = getEnvFloat("RATE_READ_PER_SECOND", cfg.RateLimit.ReadPerSecond)
	cfg.RateLimit.MutationPerSecond = getEnvFloat("RATE_MUTATION_PER_SECOND", cfg.RateLimit.MutationPerSecond)
	cfg.RateLimit.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", cfg.RateLimit.BreakerThreshold)
	cfg.RateLimit.MaxOrdersPerContract = getEnvInt("MAX_ORDERS_PER_CONTRACT", cfg.RateLimit.MaxOrdersPerContract)

	cfg.Orders.FreshnessWindow = getEnvDuration("INDEX_FRESHNESS", cfg.Orders.FreshnessWindow)
	cfg.Orders.IdleGrace = getEnvDuration("SECONDARY_IDLE_GRACE", cfg.Orders.IdleGrace)

	cfg.Store.SQLitePath = getEnv("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.BoltPath = getEnv("BOLT_PATH", cfg.Store.BoltPath)
	cfg.Store.RedisAddr = getEnv("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Store.RedisPassword)

	cfg.Server.APIAddr = getEnv("API_ADDR", cfg.Server.APIAddr)
	cfg.Server.MetricsAddr = getEnv("METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.ResetTOTPSecret = getEnv("BREAKER_RESET_TOTP_SECRET", cfg.Server.ResetTOTPSecret)

	cfg.Notify.WebhookURL = getEnv("ALERT_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.Notify.TelegramBotToken)
	cfg.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", cfg.Notify.TelegramChatID)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return d
}
