package ibkr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/metrics"
	"github.com/tathienbao/ibkr-connect/internal/types"
	"golang.org/x/time/rate"
)

// Client implements the broker.Broker interface for IBKR.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	// Connection
	connectMu       sync.Mutex // serializes connect attempts
	mu              sync.Mutex // guards the fields below
	sess            *session
	serverVersion   int
	connTime        string
	connectedAt     time.Time
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
	state           atomic.Int32

	// Rate limiting
	limiter *rate.Limiter
	writeMu sync.Mutex

	// Request tracking
	nextReqID   atomic.Int64
	nextOrderID atomic.Int64
	haveOrderID atomic.Bool

	reqMu        sync.Mutex
	summaries    map[int64]*summaryRequest
	positionsReq *positionsRequest
	positionsMu  sync.Mutex // one positions request at a time

	openOrdersReq *openOrdersRequest
	openOrdersMu  sync.Mutex // one open orders request at a time

	// Managed accounts
	accountsMu sync.RWMutex
	accounts   []string

	// Market data subscriptions
	mdMu sync.RWMutex
	subs map[int64]*subscription

	// Orders
	ordersMu sync.RWMutex
	orders   map[int64]*broker.Order

	handlersMu sync.RWMutex
	handlers   broker.Handlers
}

// session is one socket connection. It is replaced on every reconnect.
type session struct {
	conn   net.Conn
	reader *bufio.Reader

	done      chan struct{} // closed when the session ends
	exited    chan struct{} // closed when the read loop returns
	ready     chan struct{} // closed on nextValidId
	closeOnce sync.Once
	readyOnce sync.Once
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// NewClient creates a new IBKR client. It does not connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rps := cfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultConfig().MaxRequestsPerSecond
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With("component", "ibkr", "client_id", cfg.ClientID),
		recorder:  metrics.NewRecorder(),
		dial:      dialer.DialContext,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		summaries: make(map[int64]*summaryRequest),
		subs:      make(map[int64]*subscription),
		orders:    make(map[int64]*broker.Order),
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.nextReqID.Store(1_000_000) // well above order IDs

	return c
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

// Connect establishes the API session and waits for nextValidId.
// It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(broker.StateConnecting)

	addr := c.cfg.Addr()
	c.logger.Info("connecting to IBKR",
		"addr", addr,
		"paper", c.cfg.PaperTrading,
	)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		c.setState(broker.StateError)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: dial %s: %v", broker.ErrConnectionTimeout, addr, err)
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	s := newSession(conn)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	serverVersion, connTime, err := c.handshake(s)
	if err != nil {
		s.close()
		c.setState(broker.StateError)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: handshake: %v", broker.ErrConnectionTimeout, err)
		}
		return fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.sess = s
	c.serverVersion = serverVersion
	c.connTime = connTime
	c.mu.Unlock()

	go c.readLoop(s)

	select {
	case <-s.ready:
	case <-s.done:
		c.setState(broker.StateError)
		return fmt.Errorf("session closed before nextValidId: %w", types.ErrConnectionLost)
	case <-ctx.Done():
		c.dropSession(s)
		c.setState(broker.StateError)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: nextValidId not received within %s", broker.ErrConnectionTimeout, c.cfg.ConnectTimeout)
		}
		return ctx.Err()
	}

	c.mu.Lock()
	if c.sess != s {
		// Disconnect won the race.
		c.mu.Unlock()
		s.close()
		return fmt.Errorf("connect aborted: %w", types.ErrConnectionLost)
	}
	c.connectedAt = time.Now()
	// The session is live, so a drop from here on must be able to arm a
	// new reconnect loop.
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()

	c.setState(broker.StateConnected)

	c.logger.Info("connected to IBKR",
		"server_version", serverVersion,
		"conn_time", connTime,
		"accounts", c.ManagedAccounts(),
	)

	return nil
}

// handshake negotiates the API version and starts the API session.
func (c *Client) handshake(s *session) (int, string, error) {
	if _, err := s.conn.Write(handshakePrefix()); err != nil {
		return 0, "", fmt.Errorf("write handshake: %w", err)
	}

	payload, err := readFrame(s.reader)
	if err != nil {
		return 0, "", fmt.Errorf("read handshake response: %w", err)
	}

	fields := splitFields(payload)
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("handshake response %q: %w", payload, errShortMessage)
	}
	serverVersion, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("server version %q: %w", fields[0], err)
	}
	if serverVersion < minClientVersion {
		return 0, "", fmt.Errorf("server version %d below minimum %d", serverVersion, minClientVersion)
	}

	c.logger.Debug("handshake response",
		"server_version", serverVersion,
		"conn_time", fields[1],
	)

	startAPI := newEncoder(outStartAPI).
		int(2).
		int(int64(c.cfg.ClientID)).
		str(""). // optional capabilities
		bytes()
	if err := writeFrame(s.conn, startAPI); err != nil {
		return 0, "", fmt.Errorf("write startAPI: %w", err)
	}
	c.recorder.RecordMessageSent(msgName(outNames, outStartAPI))

	return serverVersion, fields[1], nil
}

// readLoop reads frames until the session ends.
func (c *Client) readLoop(s *session) {
	defer close(s.exited)

	for {
		payload, err := readFrame(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			c.logger.Error("read error", "err", err)
			c.handleDisconnect(s, err)
			return
		}

		c.dispatch(s, splitFields(payload))
	}
}

// handleDisconnect tears down a session that ended without Disconnect.
func (c *Client) handleDisconnect(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		s.close()
		return
	}
	c.sess = nil
	s.close()
	c.state.Store(int32(broker.StateDisconnected))

	reconnect := c.cfg.AutoReconnect && s.isReady() && c.reconnectCancel == nil
	if reconnect {
		ctx, cancel := context.WithCancel(context.Background())
		c.reconnectCancel = cancel
		c.reconnectDone = make(chan struct{})
		go c.reconnectLoop(ctx, c.reconnectDone)
	}
	c.mu.Unlock()

	c.closeSubscriptions()
	c.notifyState(broker.StateDisconnected)
	c.logger.Warn("disconnected from IBKR", "err", cause, "reconnect", reconnect)
}

// reconnectLoop attempts to reconnect until it succeeds, runs out of
// attempts, or ctx is cancelled.
func (c *Client) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.reconnectDone == done && c.reconnectCancel != nil {
			c.reconnectCancel()
			c.reconnectCancel = nil
		}
		c.mu.Unlock()
	}()

	for attempt := 1; c.cfg.MaxReconnectTries <= 0 || attempt <= c.cfg.MaxReconnectTries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		c.logger.Info("attempting reconnect", "attempt", attempt)

		c.connectMu.Lock()
		if ctx.Err() != nil || c.IsConnected() {
			c.connectMu.Unlock()
			return
		}
		err := c.connect(ctx)
		c.connectMu.Unlock()

		c.recorder.RecordReconnect(err == nil)
		if err == nil {
			c.logger.Info("reconnected successfully", "attempt", attempt)
			return
		}

		c.logger.Warn("reconnect failed", "attempt", attempt, "err", err)
	}

	c.logger.Error("max reconnect attempts reached", "attempts", c.cfg.MaxReconnectTries)
	c.setState(broker.StateError)
}

// dropSession closes s and clears it if it is still current.
func (c *Client) dropSession(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	s.close()
}

func (c *Client) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// send writes one message, waiting on the rate limiter first.
func (c *Client) send(ctx context.Context, msgID int, payload []byte) error {
	s := c.session()
	if s == nil {
		return broker.ErrNotConnected
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrRateLimitExceeded, err)
	}

	c.writeMu.Lock()
	err := writeFrame(s.conn, payload)
	c.writeMu.Unlock()

	name := msgName(outNames, msgID)
	if err != nil {
		c.recorder.RecordError("write")
		return fmt.Errorf("write %s: %w", name, err)
	}
	c.recorder.RecordMessageSent(name)
	return nil
}

// Disconnect closes the connection and stops any reconnect loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	cancel, reconnectDone := c.reconnectCancel, c.reconnectDone
	c.reconnectCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		s.close()
		<-s.exited
	}
	if reconnectDone != nil {
		<-reconnectDone
	}

	// A reconnect may have installed a session before it saw the cancel.
	late := c.session()
	if late != nil {
		c.dropSession(late)
		<-late.exited
	}

	if c.State() == broker.StateDisconnected && s == nil && late == nil {
		return nil
	}

	c.closeSubscriptions()
	c.setState(broker.StateDisconnected)
	c.logger.Info("disconnected from IBKR")
	return nil
}

// Shutdown cancels market data subscriptions and disconnects.
func (c *Client) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down IBKR client")

	c.mdMu.RLock()
	ids := make([]int64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mdMu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_ = c.UnsubscribeMarketData(id)
	}

	return c.Disconnect()
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

// ServerVersion returns the negotiated API version, or 0 before the first connect.
func (c *Client) ServerVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// ConnectionTime returns the server's connection timestamp string.
func (c *Client) ConnectionTime() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connTime
}

// ConnectedAt returns when the current session became ready.
func (c *Client) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// ManagedAccounts returns the accounts reported by TWS. The first is the default.
func (c *Client) ManagedAccounts() []string {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()
	return append([]string(nil), c.accounts...)
}

// DefaultAccount returns the first managed account, or "".
func (c *Client) DefaultAccount() string {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()
	if len(c.accounts) == 0 {
		return ""
	}
	return c.accounts[0]
}

// NextOrderID reserves and returns the next valid order ID.
func (c *Client) NextOrderID() (int64, error) {
	if !c.haveOrderID.Load() {
		return 0, broker.ErrNoOrderID
	}
	return c.nextOrderID.Add(1) - 1, nil
}

// SetHandlers replaces the event handlers.
func (c *Client) SetHandlers(h broker.Handlers) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = h
}

func (c *Client) getHandlers() broker.Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

func (c *Client) setState(state broker.ConnectionState) {
	if broker.ConnectionState(c.state.Swap(int32(state))) == state {
		return
	}
	c.notifyState(state)
}

func (c *Client) notifyState(state broker.ConnectionState) {
	c.recorder.RecordConnectionState(state.String())
	if h := c.getHandlers().OnConnectionChange; h != nil {
		h(state)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Ensure Client implements broker.Broker
var _ broker.Broker = (*Client)(nil)
