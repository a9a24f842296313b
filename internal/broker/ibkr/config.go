// Package ibkr implements the broker interface over the TWS/IB Gateway socket API.
package ibkr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tathienbao/ibkr-connect/internal/types"
)

// Well-known TWS and IB Gateway ports.
const (
	PortTWSPaper     = 7497
	PortTWSLive      = 7496
	PortGatewayPaper = 4002
	PortGatewayLive  = 4001
)

// DefaultSummaryTags are the account summary tags requested when none are given.
const DefaultSummaryTags = "TotalCashValue,NetLiquidation,BuyingPower,AccruedCash,AvailableFunds"

// Config holds IBKR connection configuration.
type Config struct {
	// Connection settings
	Host     string
	Port     int
	ClientID int

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Reconnection
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnectTries int

	// Paper trading
	PaperTrading bool

	// Account summary tags, comma separated.
	SummaryTags string
}

// DefaultConfig returns default IBKR configuration.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 PortTWSPaper,
		ClientID:             5,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxRequestsPerSecond: 45, // IB limit is 50/sec
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectTries:    10,
		PaperTrading:         true,
		SummaryTags:          DefaultSummaryTags,
	}
}

// LiveConfig returns configuration for live trading.
func LiveConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = PortTWSLive
	cfg.PaperTrading = false
	return cfg
}

// GatewayConfig returns configuration for IB Gateway.
func GatewayConfig(paper bool) Config {
	cfg := DefaultConfig()
	if paper {
		cfg.Port = PortGatewayPaper
	} else {
		cfg.Port = PortGatewayLive
	}
	cfg.PaperTrading = paper
	return cfg
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the connection parameters and the client tuning values.
func (c Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, "host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d must be between 1 and 65535", c.Port))
	}
	if c.ClientID < 0 {
		errs = append(errs, fmt.Sprintf("client id %d must be non-negative", c.ClientID))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, "connect timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "request timeout must be positive")
	}
	if c.MaxRequestsPerSecond <= 0 || c.MaxRequestsPerSecond > 50 {
		errs = append(errs, fmt.Sprintf("max requests per second %d must be between 1 and 50", c.MaxRequestsPerSecond))
	}
	if c.AutoReconnect && c.ReconnectInterval <= 0 {
		errs = append(errs, "reconnect interval must be positive when auto reconnect is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
