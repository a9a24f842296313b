package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/tathienbao/ibkr-connect/internal/alerting"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/broker/ibkr"
	"github.com/tathienbao/ibkr-connect/internal/metrics"
	"github.com/tathienbao/ibkr-connect/internal/orders"
	"github.com/tathienbao/ibkr-connect/internal/persistence"
	"github.com/tathienbao/ibkr-connect/internal/report"
	"github.com/tathienbao/ibkr-connect/internal/types"
	"github.com/tathienbao/ibkr-connect/internal/workflow"
)

func newConnectCmd(a *app) *cobra.Command {
	var host string
	var port, clientID int
	var live, gateway bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to TWS / IB Gateway and show the session",
		Long: `Connect to TWS / IB Gateway and show the session.

Without --live or --gateway the configured host and port are used.
--live selects the live TWS port, --gateway the IB Gateway ports
(paper unless combined with --live). An explicit --port always wins.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("host") {
				host = a.cfg.Broker.Host
			}
			if !cmd.Flags().Changed("client-id") {
				clientID = a.cfg.Broker.ClientID
			}

			var client *ibkr.Client
			var err error
			if live || gateway {
				cfg := ibkr.LiveConfig()
				if gateway {
					cfg = ibkr.GatewayConfig(!live)
				}
				cfg.Host = host
				cfg.ClientID = clientID
				if cmd.Flags().Changed("port") {
					cfg.Port = port
				}
				port = cfg.Port

				a.printer.Printf("Connecting to %s:%d with client id %d", host, port, clientID)
				client, err = ibkr.ConnectWithConfig(ctx, cfg, a.logger)
			} else {
				if !cmd.Flags().Changed("port") {
					port = a.cfg.Port()
				}

				a.printer.Printf("Connecting to %s:%d with client id %d", host, port, clientID)
				client, err = ibkr.ConnectToIB(ctx, host, port, clientID, a.logger)
			}
			if err != nil {
				a.printer.Printf("Failed to connect: %v", err)
				return err
			}
			defer closeBroker(client)

			a.printer.Println("Connected to IBKR")
			fmt.Fprintln(cmd.OutOrStdout(), report.FormatKeyValues(map[string]string{
				"host":            host,
				"port":            strconv.Itoa(port),
				"client_id":       strconv.Itoa(clientID),
				"server_version":  strconv.Itoa(client.ServerVersion()),
				"connection_time": client.ConnectionTime(),
				"accounts":        strings.Join(client.ManagedAccounts(), ","),
				"paper":           strconv.FormatBool(client.Config().PaperTrading),
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "TWS host")
	cmd.Flags().IntVar(&port, "port", ibkr.PortTWSPaper, "TWS port (7497 paper, 7496 live)")
	cmd.Flags().IntVar(&clientID, "client-id", 5, "API client id")
	cmd.Flags().BoolVar(&live, "live", false, "use the live trading port")
	cmd.Flags().BoolVar(&gateway, "gateway", false, "connect to IB Gateway instead of TWS")
	return cmd
}

func newAccountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show account summary, positions and open orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			brk, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeBroker(brk)

			summary, err := brk.GetAccountSummary(ctx)
			if err != nil {
				return fmt.Errorf("account summary: %w", err)
			}
			a.out.AccountSummary(summary, a.cfg.Trading.KeyAccountMetrics)

			positions, err := brk.GetPositions(ctx)
			if err != nil {
				return fmt.Errorf("positions: %w", err)
			}
			a.out.Positions(positions)

			open, err := brk.GetOpenOrders(ctx)
			if err != nil {
				return fmt.Errorf("open orders: %w", err)
			}
			a.out.Orders("📋 OPEN ORDERS", open)

			a.out.Counts(len(positions), len(open))
			return nil
		},
	}
}

// instrumentFlags are the contract flags shared by quote and order.
type instrumentFlags struct {
	forex    bool
	option   bool
	expiry   string
	strike   string
	right    string
	exchange string
	currency string
}

func (f *instrumentFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVar(&f.forex, "forex", false, "forex pair, e.g. EURUSD")
	fl.BoolVar(&f.option, "option", false, "option contract")
	fl.StringVar(&f.expiry, "expiry", "", "option expiry YYYYMMDD (default: next monthly expiry)")
	fl.StringVar(&f.strike, "strike", "", "option strike")
	fl.StringVar(&f.right, "right", "C", "option right C or P")
	fl.StringVar(&f.exchange, "exchange", "", "exchange override")
	fl.StringVar(&f.currency, "currency", "", "currency override")
	cmd.MarkFlagsMutuallyExclusive("forex", "option")
}

func (f *instrumentFlags) instrument() types.InstrumentType {
	switch {
	case f.forex:
		return types.InstrumentForex
	case f.option:
		return types.InstrumentOption
	default:
		return types.InstrumentStock
	}
}

// request fills the contract part of an order request.
func (f *instrumentFlags) request(symbol string) (orders.Request, error) {
	req := orders.Request{
		Instrument: f.instrument(),
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Exchange:   strings.ToUpper(f.exchange),
		Currency:   strings.ToUpper(f.currency),
	}
	if req.Instrument != types.InstrumentOption {
		return req, nil
	}

	req.Expiry = f.expiry
	if req.Expiry == "" {
		req.Expiry = broker.NextMonthlyOptionExpiry(time.Now())
	}
	strike, err := decimal.NewFromString(f.strike)
	if err != nil {
		return req, fmt.Errorf("option strike %q: %w", f.strike, types.ErrInvalidPrice)
	}
	req.Strike = strike
	right, err := types.ParseRight(f.right)
	if err != nil {
		return req, err
	}
	req.Right = right
	return req, nil
}

func newQuoteCmd(a *app) *cobra.Command {
	var inst instrumentFlags
	var wait time.Duration
	var delayed bool

	cmd := &cobra.Command{
		Use:   "quote SYMBOL [SYMBOL...]",
		Short: "Fetch a market data snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if wait <= 0 {
				wait = a.cfg.MarketDataWait(inst.instrument())
			}

			routing := a.cfg.ToRouting()
			contracts := make([]broker.Contract, 0, len(args))
			for _, symbol := range args {
				req, err := inst.request(symbol)
				if err != nil {
					return err
				}
				if err := orders.ValidateSymbol(req.Symbol, req.Instrument); err != nil {
					return err
				}
				c, err := req.Contract(routing)
				if err != nil {
					return err
				}
				contracts = append(contracts, c)
			}

			brk, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeBroker(brk)

			if delayed {
				if err := useDelayedData(ctx, brk); err != nil {
					return err
				}
			}

			quotes := make([]broker.Quote, 0, len(contracts))
			for _, c := range contracts {
				q, err := broker.FetchQuote(ctx, brk, c, wait)
				if err != nil {
					a.out.Failure(fmt.Sprintf("%s: %v", c, err))
					quotes = append(quotes, broker.Quote{Contract: c})
					continue
				}
				quotes = append(quotes, *q)
			}

			if len(quotes) == 1 {
				a.out.QuoteCard(quotes[0])
			} else {
				a.out.Quotes(quotes)
			}
			return nil
		},
	}

	inst.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for the snapshot (default from config)")
	cmd.Flags().BoolVar(&delayed, "delayed", false, "request delayed data (no market data subscription needed)")
	return cmd
}

// useDelayedData switches a TWS session to delayed market data. The
// simulated broker has no live/delayed distinction.
func useDelayedData(ctx context.Context, b broker.Broker) error {
	c, ok := b.(*ibkr.Client)
	if !ok {
		return nil
	}
	if err := c.SetMarketDataType(ctx, ibkr.MarketDataDelayed); err != nil {
		return fmt.Errorf("request delayed market data: %w", err)
	}
	return nil
}

// orderFlags describe the order itself.
type orderFlags struct {
	action    string
	quantity  string
	orderType string
	limit     string
	stop      string
	tif       string
}

func (f *orderFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.action, "action", "", "BUY or SELL")
	fl.StringVar(&f.quantity, "qty", "", "quantity (default from config)")
	fl.StringVar(&f.orderType, "type", "", "order type: 1-4, MKT, LMT, STP, STP LMT")
	fl.StringVar(&f.limit, "limit", "", "limit price")
	fl.StringVar(&f.stop, "stop", "", "stop price")
	fl.StringVar(&f.tif, "tif", "", "time in force, e.g. DAY or GTC")
}

func parseDecimalFlag(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s %q is not a number", name, value)
	}
	return d, nil
}

// apply fills the order part of req from the flags that were given.
func (f *orderFlags) apply(cmd *cobra.Command, req *orders.Request) error {
	fl := cmd.Flags()
	if fl.Changed("action") {
		action, err := types.ParseAction(f.action)
		if err != nil {
			return err
		}
		req.Action = action
	}
	if fl.Changed("qty") {
		q, err := parseDecimalFlag("qty", f.quantity)
		if err != nil {
			return err
		}
		req.Quantity = q
	}
	if fl.Changed("type") {
		t, err := orders.ParseOrderType(f.orderType)
		if err != nil {
			return err
		}
		req.OrderType = t
	}
	if fl.Changed("limit") {
		p, err := parseDecimalFlag("limit", f.limit)
		if err != nil {
			return err
		}
		req.LimitPrice = p
	}
	if fl.Changed("stop") {
		p, err := parseDecimalFlag("stop", f.stop)
		if err != nil {
			return err
		}
		req.StopPrice = p
	}
	if fl.Changed("tif") {
		req.TimeInForce = strings.ToUpper(f.tif)
	}
	return nil
}

// waitForStatus gives asynchronous status events a moment to arrive.
func waitForStatus(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func newOrderCmd(a *app) *cobra.Command {
	var inst instrumentFlags
	var ord orderFlags
	var dryRun, interactive bool
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "order [SYMBOL]",
		Short: "Validate and submit an order",
		Example: `  ibkr order AAPL --action BUY --qty 10 --type LMT --limit 190.50
  ibkr order EURUSD --forex --action SELL --type MKT
  ibkr order SPY --option --strike 450 --right P --action BUY --type 2 --limit 3.20
  ibkr order -i`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var symbol string
			if len(args) == 1 {
				symbol = args[0]
			}
			if !interactive {
				if symbol == "" {
					return errors.New("a symbol is required unless --interactive is set")
				}
				if !cmd.Flags().Changed("action") {
					return errors.New(`required flag "action" not set`)
				}
			}

			if interactive && inst.option && inst.strike == "" {
				inst.strike = "0"
			}
			req, err := inst.request(symbol)
			if err != nil {
				return err
			}
			req.Quantity = a.cfg.DefaultQuantity(req.Instrument)
			req.OrderType = broker.OrderTypeMarket
			if err := ord.apply(cmd, &req); err != nil {
				return err
			}

			prompter := orderPrompter{limits: a.cfg.ToLimits()}
			if interactive {
				prompter.defaultQty = a.cfg.DefaultQuantity
				if err := prompter.fill(&req, true); err != nil {
					return err
				}
			}

			warnings, err := req.Validate(a.cfg.ToLimits())
			if err != nil {
				a.out.Failure(err.Error())
				return err
			}
			contract, err := req.Contract(a.cfg.ToRouting())
			if err != nil {
				return err
			}
			a.out.OrderPreview(req, contract, warnings)
			if dryRun {
				a.out.Success("Order is valid (dry run, not submitted)")
				return nil
			}
			if interactive {
				ok, err := prompter.confirm("Confirm order")
				if err != nil {
					return err
				}
				if !ok {
					a.out.Warning(errCancelled.Error())
					return nil
				}
			}

			repo, err := a.history()
			if err != nil {
				return err
			}
			if repo != nil {
				defer repo.Close()
			}

			brk, err := a.newBroker()
			if err != nil {
				return err
			}
			wf := a.workflow(brk, repo)
			brk.SetHandlers(wf.Handlers(ctx))
			if err := a.open(ctx, brk); err != nil {
				return err
			}
			defer closeBroker(brk)

			sub, err := wf.Submit(ctx, req)
			if err != nil {
				a.out.Failure(err.Error())
				return err
			}
			a.printer.Printf("Order %d submitted (%s), ref %s", sub.Result.OrderID, sub.Result.Status, sub.OrderRef)
			if sub.HistoryID != 0 {
				a.printer.Printf("Saved to history as #%d", sub.HistoryID)
			}

			waitForStatus(ctx, wait)
			if repo != nil && sub.HistoryID != 0 {
				if rec, err := repo.GetOrder(ctx, sub.HistoryID); err == nil {
					a.out.HistoryDetail(rec)
				}
			}
			return nil
		},
	}

	inst.register(cmd)
	ord.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and preview only")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for the order fields")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "time to wait for order status updates")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [ORDER_ID]",
		Short: "Cancel an open order, or all of them with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			repo, err := a.history()
			if err != nil {
				return err
			}
			if repo != nil {
				defer repo.Close()
			}

			brk, err := a.newBroker()
			if err != nil {
				return err
			}
			wf := a.workflow(brk, repo)
			brk.SetHandlers(wf.Handlers(ctx))
			if err := a.open(ctx, brk); err != nil {
				return err
			}
			defer closeBroker(brk)

			if all {
				n, err := wf.CancelAll(ctx)
				a.printer.Printf("Cancel requested for %d order(s)", n)
				waitForStatus(ctx, time.Second)
				return err
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("order id %q: %w", args[0], err)
			}
			if err := wf.Cancel(ctx, id); err != nil {
				return err
			}
			a.printer.Printf("Cancel requested for order %d", id)
			waitForStatus(ctx, time.Second)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "cancel every open order")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		symbol     string
		instrument string
		action     string
		status     string
		limit      int
		stats      bool
		pending    bool
	)

	cmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "Show the order history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.requireHistory()
			if err != nil {
				return err
			}
			defer repo.Close()

			switch {
			case len(args) == 1:
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("history id %q: %w", args[0], err)
				}
				rec, err := repo.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				a.out.HistoryDetail(rec)
				return nil

			case stats:
				s, err := repo.Statistics(ctx)
				if err != nil {
					return err
				}
				a.out.Statistics(s)
				return nil

			case pending:
				recs, err := repo.PendingOrders(ctx)
				if err != nil {
					return err
				}
				a.out.History(recs)
				return nil
			}

			f := persistence.Filter{
				Symbol: strings.ToUpper(symbol),
				Status: broker.OrderStatus(status),
				Limit:  limit,
			}
			if instrument != "" {
				it, err := types.ParseInstrumentType(instrument)
				if err != nil {
					return err
				}
				f.Instrument = it
			}
			if action != "" {
				act, err := types.ParseAction(action)
				if err != nil {
					return err
				}
				f.Action = act
			}

			var recs []persistence.OrderRecord
			if f.Symbol == "" && f.Instrument == "" && f.Action == "" && f.Status == "" {
				recs, err = repo.RecentOrders(ctx, limit)
			} else {
				recs, err = repo.SearchOrders(ctx, f)
			}
			if err != nil {
				return err
			}
			a.out.History(recs)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&symbol, "symbol", "", "filter by symbol")
	fl.StringVar(&instrument, "instrument", "", "filter by instrument (stock, forex, option)")
	fl.StringVar(&action, "action", "", "filter by action")
	fl.StringVar(&status, "status", "", "filter by status, e.g. Filled")
	fl.IntVar(&limit, "limit", 20, "number of orders to show")
	fl.BoolVar(&stats, "stats", false, "show statistics instead of orders")
	fl.BoolVar(&pending, "pending", false, "show orders that are still working")
	return cmd
}

func newCloneCmd(a *app) *cobra.Command {
	var ord orderFlags
	var symbol string
	var interactive bool
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "clone ID",
		Short: "Re-submit an order from the history, optionally edited",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("history id %q: %w", args[0], err)
			}

			repo, err := a.requireHistory()
			if err != nil {
				return err
			}
			defer repo.Close()

			original, err := repo.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			a.out.HistoryDetail(original)

			edited := original.Request()
			if cmd.Flags().Changed("symbol") {
				edited.Symbol = strings.ToUpper(symbol)
			}
			if err := ord.apply(cmd, &edited); err != nil {
				return err
			}
			if interactive {
				prompter := orderPrompter{limits: a.cfg.ToLimits()}
				if err := prompter.fill(&edited, false); err != nil {
					return err
				}
				ok, err := prompter.confirm("Submit this cloned order")
				if err != nil {
					return err
				}
				if !ok {
					a.out.Warning(errCancelled.Error())
					return nil
				}
			}
			overrides := workflow.Overrides{
				Symbol:      &edited.Symbol,
				Action:      &edited.Action,
				Quantity:    &edited.Quantity,
				OrderType:   &edited.OrderType,
				LimitPrice:  &edited.LimitPrice,
				StopPrice:   &edited.StopPrice,
				TimeInForce: &edited.TimeInForce,
			}

			brk, err := a.newBroker()
			if err != nil {
				return err
			}
			wf := a.workflow(brk, repo)
			brk.SetHandlers(wf.Handlers(ctx))
			if err := a.open(ctx, brk); err != nil {
				return err
			}
			defer closeBroker(brk)

			sub, err := wf.Clone(ctx, id, overrides)
			if err != nil {
				a.out.Failure(err.Error())
				return err
			}
			a.printer.Printf("Cloned #%d as #%d, order %d (%s)", id, sub.HistoryID, sub.Result.OrderID, sub.Result.Status)

			waitForStatus(ctx, wait)
			if rec, err := repo.GetOrder(ctx, sub.HistoryID); err == nil {
				a.out.HistoryDetail(rec)
			}
			return nil
		},
	}

	ord.register(cmd)
	cmd.Flags().StringVar(&symbol, "symbol", "", "new symbol")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "edit the order fields before submitting")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "time to wait for order status updates")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var cancelOnExit bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold the connection, track orders and expose metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Setup signal handling for graceful shutdown
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			repo, err := a.history()
			if err != nil {
				return err
			}
			if repo != nil {
				defer repo.Close()
			}

			brk, err := a.newBroker()
			if err != nil {
				return err
			}
			wf := a.workflow(brk, repo)
			brk.SetHandlers(wf.Handlers(ctx))

			var server *metrics.Server
			if a.cfg.Metrics.Enabled {
				server = metrics.NewServer(a.cfg.ToMetricsConfig(), a.logger)
				server.RegisterHealthCheck("broker", metrics.ConnectionChecker(func() (bool, string) {
					return brk.IsConnected(), brk.State().String()
				}))
				if err := server.Start(); err != nil {
					return err
				}
			}

			if err := a.open(ctx, brk); err != nil {
				return err
			}
			started := time.Now()
			startNetLiq := netLiquidation(ctx, brk)
			go heartbeat(ctx, brk, metrics.NewRecorder(), heartbeatInterval)

			alerter := a.alerter()
			if alerter != nil && a.cfg.IsAlertEventEnabled(string(alerting.EventSessionStarted)) {
				_ = alerting.Event(ctx, alerter, alerting.EventSessionStarted, "IBKR session started",
					"version", Version,
					"accounts", brk.ManagedAccounts(),
				)
			}

			a.logger.Info("serving, press Ctrl+C to stop", "version", Version, "broker", a.cfg.Broker.Type)
			<-ctx.Done()
			a.logger.Info("shutdown signal received")

			// Graceful shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			steps := []struct {
				name string
				fn   func() error
			}{
				{"cancel open orders", func() error {
					if !cancelOnExit {
						return nil
					}
					n, err := wf.CancelAll(shutdownCtx)
					a.logger.Info("cancelled open orders", "count", n)
					return err
				}},
				{"send session summary", func() error {
					open, err := brk.GetOpenOrders(shutdownCtx)
					if err != nil {
						a.logger.Warn("could not count open orders", "err", err)
					}
					counts := wf.Counts()
					summary := alerting.NewSessionSummary(
						started, time.Now(),
						startNetLiq, netLiquidation(shutdownCtx, brk),
						counts.Submitted, counts.Filled, counts.Cancelled, counts.Rejected,
						len(open),
					)
					a.logger.Info("session summary", summary.Fields()...)
					if alerter == nil || !a.cfg.IsAlertEventEnabled(string(alerting.EventSessionStopped)) {
						return nil
					}
					return alerting.Event(shutdownCtx, alerter, alerting.EventSessionStopped, "IBKR session stopped", summary.Fields()...)
				}},
				{"close broker", func() error { return brk.Shutdown(shutdownCtx) }},
				{"stop metrics server", func() error {
					if server == nil {
						return nil
					}
					return server.Shutdown(shutdownCtx)
				}},
			}

			for _, step := range steps {
				if shutdownCtx.Err() != nil {
					return fmt.Errorf("shutdown timeout during: %s", step.name)
				}
				a.logger.Debug("shutdown step", "step", step.name)
				if err := step.fn(); err != nil {
					a.logger.Warn("shutdown step failed", "step", step.name, "err", err)
				}
			}

			a.logger.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&cancelOnExit, "cancel-on-exit", false, "cancel every open order before exiting")
	return cmd
}

const heartbeatInterval = 15 * time.Second

// heartbeat stamps the heartbeat gauge while the broker is connected,
// until ctx ends.
func heartbeat(ctx context.Context, b broker.Broker, rec *metrics.Recorder, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if b.IsConnected() {
			rec.RecordHeartbeat()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// netLiquidation reads NetLiquidation from the account summary, or zero when
// it is unavailable.
func netLiquidation(ctx context.Context, b broker.Broker) decimal.Decimal {
	s, err := b.GetAccountSummary(ctx)
	if err != nil {
		return decimal.Zero
	}
	v, ok := s.Value("NetLiquidation", "")
	if !ok {
		return decimal.Zero
	}
	d, _ := v.Decimal()
	return d
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ib := a.cfg.ToIBKRConfig()
			limits := a.cfg.ToLimits()

			a.out.Success("Configuration is valid!")
			fmt.Fprintln(cmd.OutOrStdout(), report.FormatKeyValues(map[string]string{
				"broker":          a.cfg.Broker.Type,
				"address":         ib.Addr(),
				"client_id":       strconv.Itoa(ib.ClientID),
				"paper":           strconv.FormatBool(ib.PaperTrading),
				"max_order_value": report.Money(limits.MaxOrderValue, 2),
				"max_position":    report.Grouped(limits.MaxPositionSize, 0),
				"history":         historyLabel(a),
				"metrics":         strconv.FormatBool(a.cfg.Metrics.Enabled),
				"alerting":        strconv.FormatBool(a.cfg.Alerting.Enabled),
			}))
			return nil
		},
	}
}

func historyLabel(a *app) string {
	if !a.cfg.Persistence.Enabled {
		return "disabled"
	}
	return a.cfg.Persistence.Path
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ibkr version %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}
}
