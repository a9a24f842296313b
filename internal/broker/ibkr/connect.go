package ibkr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ConnectToIB builds a client for host, port and clientID with default
// settings, connects it, and returns it. The caller owns the client and
// must Disconnect or Shutdown it. Connection errors are returned wrapped.
func ConnectToIB(ctx context.Context, host string, port, clientID int, logger *slog.Logger) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.ClientID = clientID
	cfg.PaperTrading = port == PortTWSPaper || port == PortGatewayPaper

	return ConnectWithConfig(ctx, cfg, logger)
}

// ConnectWithConfig validates cfg, connects a new client, and returns it.
func ConnectWithConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With("session_id", uuid.NewString())
	client := NewClient(cfg, logger)

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s (client id %d): %w", cfg.Addr(), cfg.ClientID, err)
	}

	return client, nil
}
