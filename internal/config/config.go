// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/alerting"
	"github.com/tathienbao/ibkr-connect/internal/broker/ibkr"
	"github.com/tathienbao/ibkr-connect/internal/broker/sim"
	"github.com/tathienbao/ibkr-connect/internal/logging"
	"github.com/tathienbao/ibkr-connect/internal/metrics"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/types"
	"gopkg.in/yaml.v3"
)

// Broker types.
const (
	BrokerIBKR = "ibkr"
	BrokerSim  = "sim"
)

// Config represents the full application configuration.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Sim         SimConfig         `yaml:"sim"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Display     DisplayConfig     `yaml:"display"`
}

// BrokerConfig holds the TWS connection settings.
type BrokerConfig struct {
	Type     string `yaml:"type"` // ibkr, sim
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // 0 selects paper_port or live_port
	ClientID int    `yaml:"client_id"`
	Paper    bool   `yaml:"paper"`

	PaperPort int `yaml:"paper_port"`
	LivePort  int `yaml:"live_port"`

	ConnectTimeoutSec    int  `yaml:"connect_timeout_sec"`
	RequestTimeoutSec    int  `yaml:"request_timeout_sec"`
	RateLimitPerSecond   int  `yaml:"rate_limit_per_second"`
	AutoReconnect        bool `yaml:"auto_reconnect"`
	ReconnectIntervalSec int  `yaml:"reconnect_interval_sec"`
	MaxReconnectTries    int  `yaml:"max_reconnect_tries"`
}

// TradingConfig holds order and market data defaults.
type TradingConfig struct {
	Account                string             `yaml:"account"`
	MarketDataWaitMs       int                `yaml:"market_data_wait_ms"`
	OptionMarketDataWaitMs int                `yaml:"option_market_data_wait_ms"`
	DefaultQuantities      map[string]float64 `yaml:"default_quantities"`
	Exchanges              map[string]string  `yaml:"exchanges"`
	Currencies             map[string]string  `yaml:"currencies"`
	KeyAccountMetrics      []string           `yaml:"key_account_metrics"`
}

// RiskConfig holds pre-trade limits.
type RiskConfig struct {
	MaxOrderValue   float64 `yaml:"max_order_value"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxPrice        float64 `yaml:"max_price"`
	ForexMinQty     float64 `yaml:"forex_min_qty"`
	ForexMaxQty     float64 `yaml:"forex_max_qty"`
}

// SimConfig holds the simulated broker settings.
type SimConfig struct {
	Account           string  `yaml:"account"`
	InitialCash       float64 `yaml:"initial_cash"`
	CommissionPerUnit float64 `yaml:"commission_per_unit"`
	MinCommission     float64 `yaml:"min_commission"`
	FillDelayMs       int     `yaml:"fill_delay_ms"`

	// Quotes seed the simulated market.
	Quotes []SimQuote `yaml:"quotes"`
}

// SimQuote is one seeded simulator price.
type SimQuote struct {
	Instrument string  `yaml:"instrument"`
	Symbol     string  `yaml:"symbol"`
	Bid        float64 `yaml:"bid"`
	Ask        float64 `yaml:"ask"`
	Last       float64 `yaml:"last"`
}

// PersistenceConfig holds order history settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console, telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	Retries  int    `yaml:"retries"`

	// MinSeverity is the lowest severity sent to this channel: info,
	// warning, high or critical.
	MinSeverity string `yaml:"min_severity"`
}

// DisplayConfig holds terminal output settings.
type DisplayConfig struct {
	TableWidth    int `yaml:"table_width"`
	DecimalPlaces int `yaml:"decimal_places"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Type:                 BrokerIBKR,
			Host:                 "127.0.0.1",
			ClientID:             5,
			Paper:                true,
			PaperPort:            ibkr.PortTWSPaper,
			LivePort:             ibkr.PortTWSLive,
			ConnectTimeoutSec:    10,
			RequestTimeoutSec:    30,
			RateLimitPerSecond:   45,
			AutoReconnect:        true,
			ReconnectIntervalSec: 5,
			MaxReconnectTries:    10,
		},
		Trading: TradingConfig{
			MarketDataWaitMs:       2000,
			OptionMarketDataWaitMs: 3000,
			DefaultQuantities: map[string]float64{
				string(types.InstrumentForex):  10000,
				string(types.InstrumentStock):  100,
				string(types.InstrumentOption): 1,
			},
			Exchanges: map[string]string{
				string(types.InstrumentStock):  "SMART",
				string(types.InstrumentOption): "SMART",
				string(types.InstrumentForex):  "IDEALPRO",
			},
			Currencies: map[string]string{
				string(types.InstrumentStock):  "USD",
				string(types.InstrumentOption): "USD",
				string(types.InstrumentForex):  "USD",
			},
			KeyAccountMetrics: []string{
				"TotalCashValue",
				"NetLiquidation",
				"BuyingPower",
				"AvailableFunds",
				"GrossPositionValue",
				"UnrealizedPnL",
				"RealizedPnL",
			},
		},
		Risk: RiskConfig{
			MaxOrderValue:   50000,
			MaxPositionSize: 100000,
			MaxPrice:        1000000,
			ForexMinQty:     1000,
			ForexMaxQty:     10000000,
		},
		Sim: SimConfig{
			Account:           "DU0000000",
			InitialCash:       100000,
			CommissionPerUnit: 0.005,
			MinCommission:     1,
			FillDelayMs:       10,
			Quotes: []SimQuote{
				{Instrument: "stock", Symbol: "AAPL", Bid: 190.10, Ask: 190.20, Last: 190.15},
				{Instrument: "stock", Symbol: "MSFT", Bid: 410.05, Ask: 410.25, Last: 410.10},
				{Instrument: "forex", Symbol: "EURUSD", Bid: 1.08510, Ask: 1.08525, Last: 1.08518},
			},
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			Path:    "data/order_history.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Host: "127.0.0.1",
			Port: 9090,
			Path: "/metrics",
		},
		Alerting: AlertingConfig{
			Channels: []ChannelConfig{{Type: "console"}},
		},
		Display: DisplayConfig{
			TableWidth:    100,
			DecimalPlaces: 2,
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped and variables already set are left untouched.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load loads configuration from a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes on top of Default.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Broker.Type {
	case BrokerIBKR, BrokerSim:
	default:
		errs = append(errs, fmt.Sprintf("broker.type must be %q or %q", BrokerIBKR, BrokerSim))
	}
	if err := c.ToIBKRConfig().Validate(); err != nil {
		errs = append(errs, "broker: "+strings.TrimPrefix(err.Error(), types.ErrInvalidConfig.Error()+": "))
	}

	if c.Trading.MarketDataWaitMs <= 0 || c.Trading.OptionMarketDataWaitMs <= 0 {
		errs = append(errs, "trading market data waits must be positive")
	}
	for kind, qty := range c.Trading.DefaultQuantities {
		if _, err := types.ParseInstrumentType(kind); err != nil {
			errs = append(errs, fmt.Sprintf("trading.default_quantities: unknown instrument %q", kind))
		} else if qty <= 0 {
			errs = append(errs, fmt.Sprintf("trading.default_quantities.%s must be positive", kind))
		}
	}

	if c.Risk.MaxOrderValue <= 0 {
		errs = append(errs, "risk.max_order_value must be positive")
	}
	if c.Risk.MaxPositionSize <= 0 {
		errs = append(errs, "risk.max_position_size must be positive")
	}
	if c.Risk.MaxPrice <= 0 {
		errs = append(errs, "risk.max_price must be positive")
	}
	if c.Risk.ForexMinQty <= 0 || c.Risk.ForexMaxQty < c.Risk.ForexMinQty {
		errs = append(errs, "risk.forex_min_qty must be positive and not above forex_max_qty")
	}

	if c.Broker.Type == BrokerSim && c.Sim.InitialCash <= 0 {
		errs = append(errs, "sim.initial_cash must be positive")
	}

	for i, q := range c.Sim.Quotes {
		if _, err := types.ParseInstrumentType(q.Instrument); err != nil || q.Symbol == "" {
			errs = append(errs, fmt.Sprintf("sim.quotes[%d]: instrument and symbol are required", i))
		}
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when enabled")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		errs = append(errs, "logging.format must be 'text' or 'json'")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type %q", i, ch.Type))
			}
			if _, err := alerting.ParseSeverity(ch.MinSeverity); err != nil {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: %v", i, err))
			}
		}
	}

	if c.Display.TableWidth < 40 {
		errs = append(errs, "display.table_width must be at least 40")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// Port returns the configured port, falling back to the paper or live port.
func (c *Config) Port() int {
	if c.Broker.Port != 0 {
		return c.Broker.Port
	}
	if c.Broker.Paper {
		return c.Broker.PaperPort
	}
	return c.Broker.LivePort
}

// ToIBKRConfig converts to ibkr.Config.
func (c *Config) ToIBKRConfig() ibkr.Config {
	cfg := ibkr.DefaultConfig()
	cfg.Host = c.Broker.Host
	cfg.Port = c.Port()
	cfg.ClientID = c.Broker.ClientID
	cfg.PaperTrading = c.Broker.Paper
	cfg.ConnectTimeout = time.Duration(c.Broker.ConnectTimeoutSec) * time.Second
	cfg.RequestTimeout = time.Duration(c.Broker.RequestTimeoutSec) * time.Second
	cfg.MaxRequestsPerSecond = c.Broker.RateLimitPerSecond
	cfg.AutoReconnect = c.Broker.AutoReconnect
	cfg.ReconnectInterval = time.Duration(c.Broker.ReconnectIntervalSec) * time.Second
	cfg.MaxReconnectTries = c.Broker.MaxReconnectTries
	return cfg
}

// ToLimits converts to orders.Limits.
func (c *Config) ToLimits() orders.Limits {
	return orders.Limits{
		MaxOrderValue:   decimal.NewFromFloat(c.Risk.MaxOrderValue),
		MaxPositionSize: decimal.NewFromFloat(c.Risk.MaxPositionSize),
		MaxPrice:        decimal.NewFromFloat(c.Risk.MaxPrice),
		ForexMinQty:     decimal.NewFromFloat(c.Risk.ForexMinQty),
		ForexMaxQty:     decimal.NewFromFloat(c.Risk.ForexMaxQty),
	}
}

// ToRouting converts exchange and currency defaults, keeping the built-in
// routing for instruments the file leaves out.
func (c *Config) ToRouting() orders.Defaults {
	d := orders.DefaultRouting()
	for kind, ex := range c.Trading.Exchanges {
		if it, err := types.ParseInstrumentType(kind); err == nil && ex != "" {
			d.Exchanges[it] = strings.ToUpper(ex)
		}
	}
	for kind, cur := range c.Trading.Currencies {
		if it, err := types.ParseInstrumentType(kind); err == nil && cur != "" {
			d.Currencies[it] = strings.ToUpper(cur)
		}
	}
	return d
}

// DefaultQuantity returns the configured default order size.
func (c *Config) DefaultQuantity(it types.InstrumentType) decimal.Decimal {
	if q, ok := c.Trading.DefaultQuantities[string(it)]; ok {
		return decimal.NewFromFloat(q)
	}
	return decimal.NewFromInt(1)
}

// MarketDataWait returns how long to wait for a quote snapshot.
func (c *Config) MarketDataWait(it types.InstrumentType) time.Duration {
	if it == types.InstrumentOption {
		return time.Duration(c.Trading.OptionMarketDataWaitMs) * time.Millisecond
	}
	return time.Duration(c.Trading.MarketDataWaitMs) * time.Millisecond
}

// ToSimConfig converts to sim.Config.
func (c *Config) ToSimConfig() sim.Config {
	return sim.Config{
		Account:           c.Sim.Account,
		InitialCash:       decimal.NewFromFloat(c.Sim.InitialCash),
		CommissionPerUnit: decimal.NewFromFloat(c.Sim.CommissionPerUnit),
		MinCommission:     decimal.NewFromFloat(c.Sim.MinCommission),
		FillDelay:         time.Duration(c.Sim.FillDelayMs) * time.Millisecond,
	}
}

// ToLoggingConfig converts to logging.Config.
func (c *Config) ToLoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// ToMetricsConfig converts to metrics.ServerConfig.
func (c *Config) ToMetricsConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Host = c.Metrics.Host
	cfg.Port = c.Metrics.Port
	if c.Metrics.Path != "" {
		cfg.MetricsPath = c.Metrics.Path
	}
	return cfg
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	return slices.Contains(c.Alerting.Events, event) || slices.Contains(c.Alerting.Events, "all")
}

// Telegram converts a telegram channel to the alerter config.
func (ch ChannelConfig) Telegram() alerting.TelegramConfig {
	return alerting.TelegramConfig{
		BotToken: ch.BotToken,
		ChatID:   ch.ChatID,
		Retries:  ch.Retries,
	}
}

// TelegramConfigs returns the configured Telegram channels.
func (c *Config) TelegramConfigs() []alerting.TelegramConfig {
	var out []alerting.TelegramConfig
	for _, ch := range c.Alerting.Channels {
		if ch.Type == "telegram" {
			out = append(out, ch.Telegram())
		}
	}
	return out
}
