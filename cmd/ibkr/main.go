// Package main is the entry point for the IBKR command-line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tathienbao/ibkr-connect/internal/alerting"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/broker/ibkr"
	"github.com/tathienbao/ibkr-connect/internal/broker/sim"
	"github.com/tathienbao/ibkr-connect/internal/config"
	"github.com/tathienbao/ibkr-connect/internal/logging"
	"github.com/tathienbao/ibkr-connect/internal/metrics"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/persistence"
	"github.com/tathienbao/ibkr-connect/internal/report"
	"github.com/tathienbao/ibkr-connect/internal/types"
	"github.com/tathienbao/ibkr-connect/internal/workflow"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares.
type app struct {
	configPath string
	envFile    string
	useSim     bool
	verbose    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	out       *report.Report
	printer   *logging.Printer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ibkr",
		Short: "Interactive Brokers TWS / IB Gateway toolkit",
		Long: `Connect to TWS or IB Gateway, inspect the account, fetch quotes,
submit and track orders, and keep an order history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "config.yaml", "path to configuration file (optional)")
	pf.StringVar(&a.envFile, "env-file", ".env", "environment file loaded before the config")
	pf.BoolVar(&a.useSim, "sim", false, "use the in-memory simulated broker instead of TWS")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newConnectCmd(a),
		newAccountCmd(a),
		newQuoteCmd(a),
		newOrderCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
		newCloneCmd(a),
		newServeCmd(a),
		newValidateCmd(a),
		newVersionCmd(),
	)

	return root
}

// setup loads the environment, the configuration and the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}

	cfg, err := config.Load(a.configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return err
	}
	if a.useSim {
		cfg.Broker.Type = config.BrokerSim
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg

	logger, closer, err := logging.Setup(cfg.ToLoggingConfig(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.logger = logger
	a.logCloser = closer

	out := cmd.OutOrStdout()
	a.out = report.New(out, terminalWidth(out, cfg.Display.TableWidth))
	a.out.SetDecimalPlaces(cfg.Display.DecimalPlaces)
	a.printer = logging.NewPrinter(out)

	metrics.SetBuildInfo(Version, GitCommit, BuildTime)
	return nil
}

// terminalWidth prefers the live terminal width, capped by the configured one.
func terminalWidth(w io.Writer, configured int) int {
	width := report.TerminalWidth(w, configured)
	if width > configured {
		return configured
	}
	return width
}

// newBroker builds the configured broker without connecting it, so that
// handlers can be installed first.
func (a *app) newBroker() (broker.Broker, error) {
	if a.cfg.Broker.Type == config.BrokerSim {
		b := sim.NewBroker(a.cfg.ToSimConfig(), a.logger)
		if err := a.seedSim(b); err != nil {
			return nil, err
		}
		return b, nil
	}

	ibCfg := a.cfg.ToIBKRConfig()
	if err := ibCfg.Validate(); err != nil {
		return nil, err
	}
	return ibkr.NewClient(ibCfg, a.logger), nil
}

// open connects b and reports the outcome.
func (a *app) open(ctx context.Context, b broker.Broker) error {
	if c, ok := b.(*ibkr.Client); ok {
		cfg := c.Config()
		a.printer.Printf("Connecting to %s (client id %d)...", cfg.Addr(), cfg.ClientID)
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect to %s (client id %d): %w", cfg.Addr(), cfg.ClientID, err)
		}
	} else {
		a.printer.Println("Using simulated broker")
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
	a.printer.Printf("Connected, accounts: %v", b.ManagedAccounts())
	return nil
}

// connect builds and connects the configured broker.
func (a *app) connect(ctx context.Context) (broker.Broker, error) {
	b, err := a.newBroker()
	if err != nil {
		return nil, err
	}
	if err := a.open(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *app) seedSim(b *sim.Broker) error {
	routing := a.cfg.ToRouting()
	for _, q := range a.cfg.Sim.Quotes {
		it, err := types.ParseInstrumentType(q.Instrument)
		if err != nil {
			return err
		}
		c, err := orders.Request{Instrument: it, Symbol: q.Symbol}.Contract(routing)
		if err != nil {
			return fmt.Errorf("sim quote %s: %w", q.Symbol, err)
		}
		b.SetQuote(c, decimal.NewFromFloat(q.Bid), decimal.NewFromFloat(q.Ask), decimal.NewFromFloat(q.Last))
	}
	return nil
}

func closeBroker(b broker.Broker) {
	if err := b.Shutdown(context.Background()); err != nil {
		slog.Warn("broker shutdown failed", "err", err)
	}
}

// history opens the order history, or returns nil when it is disabled.
func (a *app) history() (*persistence.SQLiteRepository, error) {
	if !a.cfg.Persistence.Enabled {
		return nil, nil
	}
	if dir := filepath.Dir(a.cfg.Persistence.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	return persistence.NewSQLiteRepository(a.cfg.Persistence.Path)
}

// requireHistory opens the order history and fails when it is disabled.
func (a *app) requireHistory() (*persistence.SQLiteRepository, error) {
	repo, err := a.history()
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errors.New("order history is disabled (persistence.enabled: false)")
	}
	return repo, nil
}

// alerter builds the configured alert channels, or nil when alerting is off.
func (a *app) alerter() alerting.Alerter {
	if !a.cfg.Alerting.Enabled {
		return nil
	}
	multi := alerting.NewMultiAlerter(a.logger)
	for _, ch := range a.cfg.Alerting.Channels {
		// validated with the config
		floor, _ := alerting.ParseSeverity(ch.MinSeverity)
		switch ch.Type {
		case "console":
			multi.AddChannel(alerting.NewConsoleAlerter(a.logger), floor)
		case "telegram":
			multi.AddChannel(alerting.NewTelegramAlerter(ch.Telegram()), floor)
		}
	}
	return multi
}

// workflow builds the order workflow. A nil repo disables the history.
// It may run before the broker connects; the account is resolved per order.
func (a *app) workflow(brk broker.Broker, repo *persistence.SQLiteRepository) *workflow.Workflow {
	cfg := workflow.Config{
		Limits:  a.cfg.ToLimits(),
		Routing: a.cfg.ToRouting(),
		Account: a.cfg.Trading.Account,
		EventEnabled: func(e alerting.AlertEvent) bool {
			return a.cfg.IsAlertEventEnabled(string(e))
		},
	}

	var r persistence.Repository
	if repo != nil {
		r = repo
	}
	return workflow.New(cfg, brk, r, a.alerter(), a.logger)
}
