// Package config loads runtime configuration from config.yaml with
// environment variable overrides. Precedence: env wins over YAML wins
// over default.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the binary needs to run: storage DSNs, scan
// cadence, adapter credentials, and alert thresholds.
type Config struct {
	MySQLDSN string
	RedisAddr string
	HTTPAddr string
	LogLevel string

	ScanInterval          time.Duration
	MinSpreadTON          float64
	ArbitrageThresholdPct float64
	MarketplaceFeePercent float64
	GasFeeTON             float64
	MinProfitTON          float64
	DigestInterval        time.Duration

	TonAPIKey         string
	PortalsAuthToken  string
	TelegramAPIID     string
	TelegramAPIHash   string
	TelegramPhone     string
	TelegramBotToken  string
	TelegramChatID    string

	TonAPIRateLimit   int
	PortalsRateLimit  int
	GetGemsRateLimit  int
}

type yamlConfig struct {
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	Server struct {
		Addr     string `yaml:"addr"`
		LogLevel string `yaml:"log-level"`
	} `yaml:"server"`
	Scan struct {
		IntervalSec    int     `yaml:"interval-sec"`
		MinSpreadTON   float64 `yaml:"min-spread-ton"`
		DigestHours    int     `yaml:"digest-interval-hours"`
	} `yaml:"scan"`
	Arbitrage struct {
		ThresholdPct  float64 `yaml:"threshold-pct"`
		FeePercent    float64 `yaml:"marketplace-fee-percent"`
		GasFeeTON     float64 `yaml:"gas-fee-ton"`
		MinProfitTON  float64 `yaml:"min-profit-ton"`
	} `yaml:"arbitrage"`
	Marketplaces struct {
		TonAPIKey        string `yaml:"tonapi-key"`
		PortalsAuthToken string `yaml:"portals-auth-token"`
	} `yaml:"marketplaces"`
	Telegram struct {
		APIID    string `yaml:"api-id"`
		APIHash  string `yaml:"api-hash"`
		Phone    string `yaml:"phone"`
		BotToken string `yaml:"bot-token"`
		ChatID   string `yaml:"chat-id"`
	} `yaml:"telegram"`
	RateLimits struct {
		TonAPI  int `yaml:"tonapi"`
		Portals int `yaml:"portals"`
		GetGems int `yaml:"getgems"`
	} `yaml:"rate-limits"`
}

// ErrMissingMySQLDSN is returned when no DSN is configured via either
// config.yaml or MYSQL_DSN.
var ErrMissingMySQLDSN = errors.New("config: mysql dsn is required (config.yaml mysql.dsn or MYSQL_DSN)")

// Load reads config.yaml (if present), then applies environment variable
// overrides, then fills in defaults for anything still unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if data, err := os.ReadFile(path); err == nil {
		var yc yamlConfig
		if err := yaml.Unmarshal(data, &yc); err != nil {
			return nil, err
		}
		cfg.MySQLDSN = yc.MySQL.DSN
		cfg.RedisAddr = yc.Redis.Addr
		cfg.HTTPAddr = yc.Server.Addr
		cfg.LogLevel = yc.Server.LogLevel
		if yc.Scan.IntervalSec > 0 {
			cfg.ScanInterval = time.Duration(yc.Scan.IntervalSec) * time.Second
		}
		cfg.MinSpreadTON = yc.Scan.MinSpreadTON
		if yc.Scan.DigestHours > 0 {
			cfg.DigestInterval = time.Duration(yc.Scan.DigestHours) * time.Hour
		}
		cfg.ArbitrageThresholdPct = yc.Arbitrage.ThresholdPct
		cfg.MarketplaceFeePercent = yc.Arbitrage.FeePercent
		cfg.GasFeeTON = yc.Arbitrage.GasFeeTON
		cfg.MinProfitTON = yc.Arbitrage.MinProfitTON
		cfg.TonAPIKey = yc.Marketplaces.TonAPIKey
		cfg.PortalsAuthToken = yc.Marketplaces.PortalsAuthToken
		cfg.TelegramAPIID = yc.Telegram.APIID
		cfg.TelegramAPIHash = yc.Telegram.APIHash
		cfg.TelegramPhone = yc.Telegram.Phone
		cfg.TelegramBotToken = yc.Telegram.BotToken
		cfg.TelegramChatID = yc.Telegram.ChatID
		cfg.TonAPIRateLimit = yc.RateLimits.TonAPI
		cfg.PortalsRateLimit = yc.RateLimits.Portals
		cfg.GetGemsRateLimit = yc.RateLimits.GetGems
	}

	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCAN_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MIN_SPREAD_TON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinSpreadTON = f
		}
	}
	if v := os.Getenv("DIGEST_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DigestInterval = time.Duration(n) * time.Hour
		}
	}
	if v := os.Getenv("ARBITRAGE_THRESHOLD_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ArbitrageThresholdPct = f
		}
	}
	if v := os.Getenv("MARKETPLACE_FEE_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MarketplaceFeePercent = f
		}
	}
	if v := os.Getenv("GAS_FEE_TON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GasFeeTON = f
		}
	}
	if v := os.Getenv("MIN_PROFIT_TON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MinProfitTON = f
		}
	}
	if v := os.Getenv("TONAPI_KEY"); v != "" {
		cfg.TonAPIKey = v
	}
	if v := os.Getenv("PORTALS_AUTH_TOKEN"); v != "" {
		cfg.PortalsAuthToken = v
	}
	if v := os.Getenv("TELEGRAM_API_ID"); v != "" {
		cfg.TelegramAPIID = v
	}
	if v := os.Getenv("TELEGRAM_API_HASH"); v != "" {
		cfg.TelegramAPIHash = v
	}
	if v := os.Getenv("TELEGRAM_PHONE"); v != "" {
		cfg.TelegramPhone = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID = v
	}

	applyDefaults(cfg)

	if cfg.MySQLDSN == "" {
		return nil, ErrMissingMySQLDSN
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.MinSpreadTON <= 0 {
		cfg.MinSpreadTON = 10.0
	}
	if cfg.DigestInterval <= 0 {
		cfg.DigestInterval = 6 * time.Hour
	}
	if cfg.ArbitrageThresholdPct <= 0 {
		cfg.ArbitrageThresholdPct = 15.0
	}
	if cfg.MarketplaceFeePercent <= 0 {
		cfg.MarketplaceFeePercent = 5.0
	}
	if cfg.GasFeeTON <= 0 {
		cfg.GasFeeTON = 0.1
	}
	if cfg.MinProfitTON <= 0 {
		cfg.MinProfitTON = 2.0
	}
	if cfg.TonAPIRateLimit <= 0 {
		cfg.TonAPIRateLimit = 1
	}
	if cfg.PortalsRateLimit <= 0 {
		cfg.PortalsRateLimit = 5
	}
	if cfg.GetGemsRateLimit <= 0 {
		cfg.GetGemsRateLimit = 3
	}
}
