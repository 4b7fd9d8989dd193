package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration. The trading tunables live in the
// separate, hot-reloaded strategy file named by Instance.StrategyPath.
type Config struct {
	BinanceConfig        BinanceConfig        `json:"binance"`
	InstanceConfig       InstanceConfig       `json:"instance"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	RedisConfig          RedisConfig          `json:"redis"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	VaultConfig          VaultConfig          `json:"vault"`
	APIConfig            APIConfig            `json:"api"`
	MetricsConfig        MetricsConfig        `json:"metrics"`
	NotificationConfig   NotificationConfig   `json:"notification"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type BinanceConfig struct {
	APIKey            string  `json:"api_key"`
	SecretKey         string  `json:"secret_key"`
	BaseURL           string  `json:"base_url"`   // REST override
	StreamURL         string  `json:"stream_url"` // websocket override
	TestNet           bool    `json:"testnet"`
	RecvWindow        int64   `json:"recv_window"`
	MaxWeight         int     `json:"max_weight"`          // request weight per minute
	RequestsPerSecond float64 `json:"requests_per_second"` // local REST pacing
}

// InstanceConfig identifies one engine process and its control surface
type InstanceConfig struct {
	ID                string  `json:"id"`
	StrategyPath      string  `json:"strategy_path"`
	StatusDir         string  `json:"status_dir"`
	RequireStartFlag  bool    `json:"require_start_flag"`
	FlattenOnShutdown bool    `json:"flatten_on_shutdown"`
	DryRun            bool    `json:"dry_run"`
	LeaderLock        bool    `json:"leader_lock"` // requires redis
	ShutdownTimeout   int     `json:"shutdown_timeout"`
	CacheTTLSec       float64 `json:"cache_ttl_sec"`
}

// CircuitBreakerConfig guards order placement against repeated fatal rejections
type CircuitBreakerConfig struct {
	Enabled                bool `json:"enabled"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures"`
	MaxFailuresPerMinute   int  `json:"max_failures_per_minute"`
	CooldownSeconds        int  `json:"cooldown_seconds"`
}

// RedisConfig holds Redis configuration for status fan-out and remote control
type RedisConfig struct {
	Enabled      bool   `json:"enabled"`
	Address      string `json:"address"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	PoolSize     int    `json:"pool_size"`
	StatusTTLSec int    `json:"status_ttl_sec"`
}

// DatabaseConfig selects the trade journal backend
type DatabaseConfig struct {
	Driver   string `json:"driver"` // postgres, sqlite or empty
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"sslmode"`
	Path     string `json:"path"` // sqlite file
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for API keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	JWTSecret      string   `json:"jwt_secret"`
	AllowedOrigins []string `json:"allowed_origins"`
	ProductionMode bool     `json:"production_mode"`
	ControlRate    int      `json:"control_rate"` // control requests per minute
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// NotificationConfig holds the operator alert channels
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// Load reads .env, then the JSON file at path (if any), then environment
// overrides, and validates the result
func Load(path string) (*Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.InstanceConfig.StatusDir == "" {
		cfg.InstanceConfig.StatusDir = "status"
	}
	if cfg.InstanceConfig.StrategyPath == "" {
		cfg.InstanceConfig.StrategyPath = "strategy.json"
	}
	if cfg.InstanceConfig.ShutdownTimeout <= 0 {
		cfg.InstanceConfig.ShutdownTimeout = 30
	}
	if cfg.InstanceConfig.CacheTTLSec <= 0 {
		cfg.InstanceConfig.CacheTTLSec = 2
	}
	if cfg.BinanceConfig.MaxWeight <= 0 {
		cfg.BinanceConfig.MaxWeight = 2400
	}
	if cfg.BinanceConfig.RequestsPerSecond <= 0 {
		cfg.BinanceConfig.RequestsPerSecond = 10
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	if cfg.CircuitBreakerConfig.MaxConsecutiveFailures <= 0 {
		cfg.CircuitBreakerConfig.MaxConsecutiveFailures = 5
	}
	if cfg.CircuitBreakerConfig.MaxFailuresPerMinute <= 0 {
		cfg.CircuitBreakerConfig.MaxFailuresPerMinute = 10
	}
	if cfg.CircuitBreakerConfig.CooldownSeconds <= 0 {
		cfg.CircuitBreakerConfig.CooldownSeconds = 60
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize <= 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.RedisConfig.StatusTTLSec <= 0 {
		cfg.RedisConfig.StatusTTLSec = 60
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "gridbot"
	}
	if cfg.APIConfig.Host == "" {
		cfg.APIConfig.Host = "0.0.0.0"
	}
	if cfg.APIConfig.Port == 0 {
		cfg.APIConfig.Port = 8090
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Binance config
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", cfg.BinanceConfig.StreamURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)

	// Instance config
	cfg.InstanceConfig.ID = getEnvOrDefault("INSTANCE_ID", cfg.InstanceConfig.ID)
	cfg.InstanceConfig.StrategyPath = getEnvOrDefault("STRATEGY_CONFIG", cfg.InstanceConfig.StrategyPath)
	cfg.InstanceConfig.StatusDir = getEnvOrDefault("STATUS_DIR", cfg.InstanceConfig.StatusDir)
	cfg.InstanceConfig.RequireStartFlag = getEnvBoolOrDefault("REQUIRE_START_FLAG", cfg.InstanceConfig.RequireStartFlag)
	cfg.InstanceConfig.FlattenOnShutdown = getEnvBoolOrDefault("FLATTEN_ON_SHUTDOWN", cfg.InstanceConfig.FlattenOnShutdown)
	cfg.InstanceConfig.DryRun = getEnvBoolOrDefault("DRY_RUN", cfg.InstanceConfig.DryRun)
	cfg.InstanceConfig.LeaderLock = getEnvBoolOrDefault("LEADER_LOCK", cfg.InstanceConfig.LeaderLock)
	cfg.InstanceConfig.ShutdownTimeout = getEnvIntOrDefault("SHUTDOWN_TIMEOUT", cfg.InstanceConfig.ShutdownTimeout)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.CooldownSeconds = getEnvIntOrDefault("CIRCUIT_COOLDOWN_SECONDS", cfg.CircuitBreakerConfig.CooldownSeconds)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database config
	cfg.DatabaseConfig.Driver = getEnvOrDefault("DB_DRIVER", cfg.DatabaseConfig.Driver)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
	cfg.DatabaseConfig.Path = getEnvOrDefault("DB_PATH", cfg.DatabaseConfig.Path)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)

	// API config
	cfg.APIConfig.Enabled = getEnvBoolOrDefault("API_ENABLED", cfg.APIConfig.Enabled)
	cfg.APIConfig.Host = getEnvOrDefault("API_HOST", cfg.APIConfig.Host)
	cfg.APIConfig.Port = getEnvIntOrDefault("API_PORT", cfg.APIConfig.Port)
	cfg.APIConfig.JWTSecret = getEnvOrDefault("API_JWT_SECRET", cfg.APIConfig.JWTSecret)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.APIConfig.AllowedOrigins = splitList(origins)
	}

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

// Validate reports the first inconsistent setting
func (c *Config) Validate() error {
	if strings.TrimSpace(c.InstanceConfig.ID) == "" {
		return errors.New("instance.id is required")
	}
	if strings.ContainsAny(c.InstanceConfig.ID, `/\ `) {
		return fmt.Errorf("instance.id %q must not contain path separators or spaces", c.InstanceConfig.ID)
	}
	if !c.InstanceConfig.DryRun && !c.VaultConfig.Enabled {
		if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
			return errors.New("binance.api_key and binance.secret_key are required unless dry_run or vault is enabled")
		}
	}
	if c.InstanceConfig.LeaderLock && !c.RedisConfig.Enabled {
		return errors.New("instance.leader_lock requires redis.enabled")
	}
	switch strings.ToLower(c.DatabaseConfig.Driver) {
	case "", "none", "postgres", "postgresql":
	case "sqlite":
		if c.DatabaseConfig.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseConfig.Driver)
	}
	if c.APIConfig.Enabled && (c.APIConfig.Port <= 0 || c.APIConfig.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.APIConfig.Port)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ShutdownTimeout is the budget for the graceful shutdown sequence
func (c *Config) ShutdownTimeout() time.Duration {
	return getEnvDurationOrDefault("SHUTDOWN_TIMEOUT_DURATION", time.Duration(c.InstanceConfig.ShutdownTimeout)*time.Second)
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		BinanceConfig: BinanceConfig{
			APIKey:    "your_api_key_here",
			SecretKey: "your_secret_key_here",
			TestNet:   true,
		},
		InstanceConfig: InstanceConfig{
			ID:                "eth-long",
			StrategyPath:      "strategy.json",
			StatusDir:         "status",
			RequireStartFlag:  true,
			FlattenOnShutdown: true,
			DryRun:            true,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{Enabled: true},
		DatabaseConfig: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/journal.db",
		},
		APIConfig: APIConfig{
			Enabled: true,
			Port:    8090,
		},
		MetricsConfig: MetricsConfig{Enabled: true},
	}
	applyDefaults(&config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
