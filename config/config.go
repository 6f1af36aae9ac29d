// Package config assembles runtime configuration from an optional
// config.json plus environment overrides. A .env file in the working
// directory is loaded first; real environment variables win over it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	HybridConfig       HybridConfig       `json:"hybrid"`
	NotificationConfig NotificationConfig `json:"notification"`
	AIConfig           AIConfig           `json:"ai"`
	MonitorConfig      MonitorConfig      `json:"monitor"`
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	// PaperTrading swaps the live client for the in-memory mock.
	PaperTrading bool `json:"paper_trading"`
}

type DatabaseConfig struct {
	// URL empty means run without the Postgres ledger.
	URL string `json:"url"`
}

type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// HybridConfig drives the per-cohort orchestrators.
type HybridConfig struct {
	InitialMode           string  `json:"initial_mode"` // HOLD, GRID, or CASH
	EnableModeSwitching   bool    `json:"enable_mode_switching"`
	TotalInvestment       float64 `json:"total_investment"`
	MaxSymbols            int     `json:"max_symbols"`
	NumGrids              int     `json:"num_grids"`
	MinRegimeProbability  float64 `json:"min_regime_probability"`
	MinRegimeDurationDays float64 `json:"min_regime_duration_days"`
	ModeCooldownHours     float64 `json:"mode_cooldown_hours"`
	HoldTrailingStopPct   float64 `json:"hold_trailing_stop_pct"`
	MinPositionUSD        float64 `json:"min_position_usd"`
	StateDir              string  `json:"state_dir"`
}

type NotificationConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type AIConfig struct {
	Enabled        bool   `json:"enabled"`
	DeepSeekAPIKey string `json:"deepseek_api_key"`
}

type MonitorConfig struct {
	Enabled          bool `json:"enabled"`
	EnableTierHealth bool `json:"enable_tier_health"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// Load reads config.json if present, then applies environment overrides.
func Load() (*Config, error) {
	// Ignore a missing .env; it is a convenience for local runs.
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", "false") == "true"
	cfg.BinanceConfig.PaperTrading = getEnvOrDefault("PAPER_TRADING", "true") == "true"

	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Enabled = cfg.RedisConfig.Address != ""

	cfg.HybridConfig.InitialMode = getEnvOrDefault("HYBRID_INITIAL_MODE", "GRID")
	cfg.HybridConfig.EnableModeSwitching = getEnvOrDefault("HYBRID_MODE_SWITCHING", "true") == "true"
	cfg.HybridConfig.TotalInvestment = getEnvFloatOrDefault("HYBRID_TOTAL_INVESTMENT", 1000)
	cfg.HybridConfig.MaxSymbols = getEnvIntOrDefault("HYBRID_MAX_SYMBOLS", 3)
	cfg.HybridConfig.NumGrids = getEnvIntOrDefault("HYBRID_NUM_GRIDS", 10)
	cfg.HybridConfig.MinRegimeProbability = getEnvFloatOrDefault("HYBRID_MIN_REGIME_PROBABILITY", 0.75)
	cfg.HybridConfig.MinRegimeDurationDays = getEnvFloatOrDefault("HYBRID_MIN_REGIME_DURATION_DAYS", 2)
	cfg.HybridConfig.ModeCooldownHours = getEnvFloatOrDefault("HYBRID_MODE_COOLDOWN_HOURS", 24)
	cfg.HybridConfig.HoldTrailingStopPct = getEnvFloatOrDefault("HYBRID_HOLD_TRAILING_STOP_PCT", 0.07)
	cfg.HybridConfig.MinPositionUSD = getEnvFloatOrDefault("HYBRID_MIN_POSITION_USD", 10)
	cfg.HybridConfig.StateDir = getEnvOrDefault("HYBRID_STATE_DIR", "data")

	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Telegram.Enabled = cfg.NotificationConfig.Telegram.BotToken != "" &&
		cfg.NotificationConfig.Telegram.ChatID != ""

	cfg.AIConfig.DeepSeekAPIKey = getEnvOrDefault("DEEPSEEK_API_KEY", cfg.AIConfig.DeepSeekAPIKey)
	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", "true") == "true" && cfg.AIConfig.DeepSeekAPIKey != ""

	cfg.MonitorConfig.Enabled = getEnvOrDefault("MONITOR_ENABLED", "true") == "true"
	cfg.MonitorConfig.EnableTierHealth = getEnvOrDefault("MONITOR_TIER_HEALTH", "false") == "true"

	cfg.ServerConfig.Port = getEnvIntOrDefault("STATUS_PORT", 8080)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

// Validate rejects configurations the bot cannot start with. Callers should
// exit with status 1 on error.
func (c *Config) Validate() error {
	if !c.BinanceConfig.PaperTrading {
		if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
			return fmt.Errorf("live trading requires BINANCE_API_KEY and BINANCE_SECRET_KEY")
		}
	}
	switch c.HybridConfig.InitialMode {
	case "HOLD", "GRID", "CASH":
	default:
		return fmt.Errorf("HYBRID_INITIAL_MODE %q must be HOLD, GRID, or CASH", c.HybridConfig.InitialMode)
	}
	if c.HybridConfig.TotalInvestment <= 0 {
		return fmt.Errorf("HYBRID_TOTAL_INVESTMENT must be positive, got %f", c.HybridConfig.TotalInvestment)
	}
	if c.HybridConfig.NumGrids <= 0 || c.HybridConfig.NumGrids%2 != 0 {
		return fmt.Errorf("HYBRID_NUM_GRIDS must be a positive even number, got %d", c.HybridConfig.NumGrids)
	}
	if c.ServerConfig.Port < 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("STATUS_PORT %d out of range", c.ServerConfig.Port)
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

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
