package ibkr

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-connect/internal/broker"
	"github.com/tathienbao/ibkr-connect/internal/types"
)

// connectFake connects a client with cfg to f and registers cleanup.
func connectFake(t *testing.T, f *fakeTWS, cfg Config) *Client {
	t.Helper()

	client, err := ConnectWithConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("ConnectWithConfig() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	return client
}

func TestConnectToIB_ForwardsParameters(t *testing.T) {
	f := newFakeTWS(t)

	tests := []int{0, 5, 17}
	for _, clientID := range tests {
		t.Run("client "+strconv.Itoa(clientID), func(t *testing.T) {
			client, err := ConnectToIB(context.Background(), "127.0.0.1", f.port(), clientID, nil)
			if err != nil {
				t.Fatalf("ConnectToIB() error = %v", err)
			}
			defer client.Disconnect()

			cfg := client.Config()
			if cfg.Host != "127.0.0.1" || cfg.Port != f.port() || cfg.ClientID != clientID {
				t.Errorf("config = %s:%d/%d, want 127.0.0.1:%d/%d", cfg.Host, cfg.Port, cfg.ClientID, f.port(), clientID)
			}

			select {
			case start := <-f.startAPI:
				// 71, version 2, client ID, capabilities
				if len(start) < 3 || start[0] != "71" || start[1] != "2" {
					t.Fatalf("unexpected START_API %q", start)
				}
				if start[2] != strconv.Itoa(clientID) {
					t.Errorf("START_API client id = %s, want %d", start[2], clientID)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("START_API not received")
			}

			if !client.IsConnected() {
				t.Error("expected client to be connected")
			}
		})
	}
}

func TestConnectToIB_ReadyState(t *testing.T) {
	f := newFakeTWS(t)

	client, err := ConnectToIB(context.Background(), "127.0.0.1", f.port(), 5, nil)
	if err != nil {
		t.Fatalf("ConnectToIB() error = %v", err)
	}
	defer client.Disconnect()

	if client.State() != broker.StateConnected {
		t.Errorf("State() = %v, want connected", client.State())
	}
	if client.ServerVersion() != maxClientVersion {
		t.Errorf("ServerVersion() = %d, want %d", client.ServerVersion(), maxClientVersion)
	}
	if client.ConnectedAt().IsZero() {
		t.Error("expected ConnectedAt to be set")
	}

	accounts := client.ManagedAccounts()
	if len(accounts) != 2 || accounts[0] != "DU111" || accounts[1] != "DU222" {
		t.Errorf("ManagedAccounts() = %v", accounts)
	}
	if client.DefaultAccount() != "DU111" {
		t.Errorf("DefaultAccount() = %s", client.DefaultAccount())
	}

	id1, err := client.NextOrderID()
	if err != nil || id1 != 100 {
		t.Errorf("NextOrderID() = %d, %v; want 100", id1, err)
	}
	id2, _ := client.NextOrderID()
	if id2 != 101 {
		t.Errorf("second NextOrderID() = %d, want 101", id2)
	}
}

func TestConnectToIB_InvalidParameters(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		clientID int
	}{
		{"empty host", "", 7497, 1},
		{"zero port", "127.0.0.1", 0, 1},
		{"port out of range", "127.0.0.1", 65536, 1},
		{"negative client id", "127.0.0.1", 7497, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := ConnectToIB(context.Background(), tt.host, tt.port, tt.clientID, nil)
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if client != nil {
				t.Error("expected nil client on error")
			}
		})
	}
}

func TestConnectToIB_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client, err := ConnectToIB(context.Background(), "127.0.0.1", port, 1, nil)
	if err == nil {
		client.Disconnect()
		t.Fatal("expected connection error")
	}
	if client != nil {
		t.Error("expected nil client on error")
	}

	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("expected the dial error to be wrapped, got %v", err)
	}
}

func TestConnect_TimeoutWithoutNextValidID(t *testing.T) {
	f := newFakeTWS(t)
	f.sendReady = false

	cfg := f.config()
	cfg.ConnectTimeout = 200 * time.Millisecond
	client := NewClient(cfg, nil)

	err := client.Connect(context.Background())
	if !errors.Is(err, broker.ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if client.IsConnected() {
		t.Error("client must not report connected without nextValidId")
	}
}

func TestClient_AccountSummary(t *testing.T) {
	f := newFakeTWS(t)
	client := connectFake(t, f, f.config())

	summary, err := client.GetAccountSummary(context.Background())
	if err != nil {
		t.Fatalf("GetAccountSummary() error = %v", err)
	}

	if summary.Account != "DU111" {
		t.Errorf("Account = %s, want DU111", summary.Account)
	}
	if len(summary.Values) != 3 {
		t.Fatalf("got %d values, want 3", len(summary.Values))
	}
	netLiq, ok := summary.Value("NetLiquidation", "USD")
	if !ok || netLiq.Value != "100000.50" {
		t.Errorf("NetLiquidation = %+v, %v", netLiq, ok)
	}

	req := f.waitFor(outReqAccountSummary)
	if req[3] != "All" || req[4] != DefaultSummaryTags {
		t.Errorf("request = %q", req)
	}
	cancel := f.waitFor(outCancelAccountSummary)
	if cancel[2] != req[2] {
		t.Errorf("cancel req id = %s, want %s", cancel[2], req[2])
	}
}

func TestClient_AccountSummaryError(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(f *fakeTWS, fields []string) {
		if fields[0] == "62" {
			f.send("4", "2", fields[2], "321", "Error validating request")
		}
	}
	client := connectFake(t, f, f.config())

	_, err := client.GetAccountSummary(context.Background())

	var apiErr broker.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 321 {
		t.Errorf("Code = %d, want 321", apiErr.Code)
	}
}

func TestClient_RequestTimeout(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(*fakeTWS, []string) {}

	cfg := f.config()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := connectFake(t, f, cfg)

	if _, err := client.GetPositions(context.Background()); !errors.Is(err, broker.ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestClient_Positions(t *testing.T) {
	f := newFakeTWS(t)
	client := connectFake(t, f, f.config())

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions() error = %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}

	nvda := positions[0]
	if nvda.Contract.Symbol != "NVDA" || nvda.Contract.ConID != 4815747 || nvda.Account != "DU111" {
		t.Errorf("unexpected position %+v", nvda)
	}
	if !nvda.Quantity.Equal(decimal.NewFromInt(10)) || !nvda.AvgCost.Equal(decimal.RequireFromString("120.5")) {
		t.Errorf("quantity/avg cost = %s/%s", nvda.Quantity, nvda.AvgCost)
	}

	fx := positions[1]
	if fx.Contract.SecType != "CASH" || !fx.Quantity.Equal(decimal.NewFromInt(-20000)) {
		t.Errorf("unexpected forex position %+v", fx)
	}

	f.waitFor(outCancelPositions)
}

func TestClient_MarketDataSnapshot(t *testing.T) {
	f := newFakeTWS(t)
	client := connectFake(t, f, f.config())

	contract, _ := broker.ForexContract("USDSGD", "")
	reqID, updates, err := client.SubscribeMarketData(context.Background(), contract, true)
	if err != nil {
		t.Fatalf("SubscribeMarketData() error = %v", err)
	}

	var last broker.Quote
	timeout := time.After(2 * time.Second)
	for !last.SnapshotComplete {
		select {
		case q, ok := <-updates:
			if !ok {
				t.Fatal("updates closed early")
			}
			last = q
		case <-timeout:
			t.Fatal("snapshot did not complete")
		}
	}

	if last.ReqID != reqID {
		t.Errorf("ReqID = %d, want %d", last.ReqID, reqID)
	}
	if !last.Bid.Equal(decimal.RequireFromString("1.35")) || !last.Ask.Equal(decimal.RequireFromString("1.3504")) {
		t.Errorf("bid/ask = %s/%s", last.Bid, last.Ask)
	}
	if !last.BidSize.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("BidSize = %s", last.BidSize)
	}
	if !last.HasClose || !last.HasVolume || !last.Volume.Equal(decimal.NewFromInt(12345)) {
		t.Errorf("close/volume not applied: %+v", last)
	}

	req := f.waitFor(outReqMktData)
	if req[4] != "USD" || req[5] != "CASH" || req[10] != "IDEALPRO" || req[12] != "SGD" {
		t.Errorf("request contract fields = %q", req)
	}

	if err := client.UnsubscribeMarketData(reqID); err != nil {
		t.Errorf("UnsubscribeMarketData() error = %v", err)
	}
	cancel := f.waitFor(outCancelMktData)
	if cancel[2] != strconv.FormatInt(reqID, 10) {
		t.Errorf("cancel req id = %s", cancel[2])
	}
	if _, ok := <-updates; ok {
		t.Error("expected updates channel to be closed after unsubscribe")
	}
}

func TestClient_FetchQuote(t *testing.T) {
	f := newFakeTWS(t)
	client := connectFake(t, f, f.config())

	q, err := broker.FetchQuote(context.Background(), client, broker.StockContract("NVDA", "", ""), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("FetchQuote() error = %v", err)
	}

	mid, ok := q.Mid()
	if !ok || !mid.Equal(decimal.RequireFromString("1.3502")) {
		t.Errorf("Mid() = %s, %v", mid, ok)
	}
}

func TestClient_MarketDataError(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(f *fakeTWS, fields []string) {
		if fields[0] == "1" {
			f.send("4", "2", fields[2], "200", "No security definition has been found for the request")
		}
	}
	client := connectFake(t, f, f.config())

	errs := make(chan broker.APIError, 8)
	client.SetHandlers(broker.Handlers{OnError: func(e broker.APIError) { errs <- e }})

	_, err := broker.FetchQuote(context.Background(), client, broker.StockContract("ZZZZ", "", ""), time.Second)
	var apiErr broker.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("FetchQuote() error = %v, want an APIError", err)
	}
	if apiErr.Code != 200 {
		t.Errorf("APIError.Code = %d, want 200", apiErr.Code)
	}
	if errors.Is(err, broker.ErrNoMarketData) {
		t.Errorf("request error reported as no data: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-errs:
			if e.Code == 200 {
				return
			}
		case <-timeout:
			t.Fatal("OnError did not receive code 200")
		}
	}
}

func TestClient_DelayedMarketData(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(f *fakeTWS, fields []string) {
		if fields[0] == "1" {
			reqID := fields[2]
			f.send("58", "1", reqID, "3")
			f.send("1", "6", reqID, "66", "187.10", "300", "0")
			f.send("1", "6", reqID, "67", "187.15", "200", "0")
			f.send("57", "1", reqID)
		}
	}
	client := connectFake(t, f, f.config())

	if err := client.SetMarketDataType(context.Background(), MarketDataDelayed); err != nil {
		t.Fatalf("SetMarketDataType() error = %v", err)
	}
	req := f.waitFor(outReqMarketDataType)
	if req[2] != "3" {
		t.Errorf("market data type field = %q, want 3", req[2])
	}

	reqID, updates, err := client.SubscribeMarketData(context.Background(), broker.StockContract("AAPL", "", ""), true)
	if err != nil {
		t.Fatalf("SubscribeMarketData() error = %v", err)
	}
	defer func() { _ = client.UnsubscribeMarketData(reqID) }()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case q := <-updates:
			if !q.SnapshotComplete {
				continue
			}
			if !q.Delayed {
				t.Error("quote not marked delayed")
			}
			if !q.Bid.Equal(decimal.RequireFromString("187.10")) || !q.Ask.Equal(decimal.RequireFromString("187.15")) {
				t.Errorf("bid/ask = %s/%s", q.Bid, q.Ask)
			}
			return
		case <-timeout:
			t.Fatal("snapshot did not complete")
		}
	}
}

func TestClient_OpenOrdersFromEarlierSession(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(f *fakeTWS, fields []string) {
		if fields[0] != "5" {
			return
		}
		f.send(openOrder("42", "AAPL", "STK", "BUY", "10", "LMT", "150.5", "1.7976931348623157E308", "DU111", "prev-ref")...)
		f.send("3", "42", "Submitted", "0", "10", "0", "9001", "0", "0", "7", "", "0")
		f.send(openOrder("43", "MSFT", "STK", "SELL", "5", "STP", "1.7976931348623157E308", "400", "DU111", "")...)
		f.send("3", "43", "PreSubmitted", "0", "5", "0", "9002", "0", "0", "7", "", "0")
		f.send("53", "1")
	}
	client := connectFake(t, f, f.config())

	open, err := client.GetOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("GetOpenOrders() error = %v", err)
	}
	f.waitFor(outReqOpenOrders)

	if len(open) != 2 {
		t.Fatalf("GetOpenOrders() returned %d orders, want 2: %+v", len(open), open)
	}

	limit := open[0]
	if limit.OrderID != 42 || limit.Contract.Symbol != "AAPL" || limit.Contract.SecType != "STK" {
		t.Errorf("order 42 contract = %+v", limit.Contract)
	}
	if limit.Ticket.Action != types.ActionBuy || !limit.Ticket.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("order 42 ticket = %+v", limit.Ticket)
	}
	if limit.Ticket.OrderType != broker.OrderTypeLimit || !limit.Ticket.LimitPrice.Equal(decimal.RequireFromString("150.5")) {
		t.Errorf("order 42 price = %s %s", limit.Ticket.OrderType, limit.Ticket.LimitPrice)
	}
	if !limit.Ticket.StopPrice.IsZero() {
		t.Errorf("unset aux price decoded as %s", limit.Ticket.StopPrice)
	}
	if limit.Ticket.OrderRef != "prev-ref" || limit.Ticket.Account != "DU111" || limit.Ticket.TimeInForce != "GTC" {
		t.Errorf("order 42 ref/account/tif = %q/%q/%q", limit.Ticket.OrderRef, limit.Ticket.Account, limit.Ticket.TimeInForce)
	}
	if limit.Status != broker.OrderStatusSubmitted || limit.PermID != 9001 {
		t.Errorf("order 42 status = %s perm %d", limit.Status, limit.PermID)
	}

	stop := open[1]
	if stop.OrderID != 43 || stop.Ticket.OrderType != broker.OrderTypeStop || !stop.Ticket.StopPrice.Equal(decimal.NewFromInt(400)) {
		t.Errorf("order 43 = %+v", stop)
	}
	if stop.Status != broker.OrderStatusPreSubmitted {
		t.Errorf("order 43 status = %s", stop.Status)
	}
}

func TestClient_OpenOrdersTimeout(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(*fakeTWS, []string) {}

	cfg := f.config()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := connectFake(t, f, cfg)

	if _, err := client.GetOpenOrders(context.Background()); !errors.Is(err, broker.ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestClient_PlaceOrderLifecycle(t *testing.T) {
	f := newFakeTWS(t)
	client := connectFake(t, f, f.config())

	statuses := make(chan broker.Order, 8)
	client.SetHandlers(broker.Handlers{OnOrderStatus: func(o broker.Order) { statuses <- o }})

	ticket := broker.OrderTicket{
		Action:     types.ActionBuy,
		Quantity:   decimal.NewFromInt(100),
		OrderType:  broker.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("120.5"),
		OrderRef:   "test-ref",
	}
	result, err := client.PlaceOrder(context.Background(), broker.StockContract("NVDA", "", ""), ticket)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if result.OrderID != 100 || result.Status != broker.OrderStatusPendingSubmit {
		t.Errorf("result = %+v", result)
	}

	req := f.waitFor(outPlaceOrder)
	if req[1] != "100" || req[23] != "DU111" || req[21] != "DAY" {
		t.Errorf("order id/account/tif = %s/%s/%s", req[1], req[23], req[21])
	}

	var final broker.Order
	timeout := time.After(2 * time.Second)
	for final.Status != broker.OrderStatusFilled {
		select {
		case final = <-statuses:
		case <-timeout:
			t.Fatalf("order never filled, last status %s", final.Status)
		}
	}

	if !final.AvgFillPrice.Equal(decimal.RequireFromString("120.25")) || final.PermID != 555 {
		t.Errorf("fill = %s perm %d", final.AvgFillPrice, final.PermID)
	}
	if final.Ticket.OrderRef != "test-ref" || final.Contract.Symbol != "NVDA" {
		t.Errorf("order lost its ticket/contract: %+v", final)
	}

	open, err := client.GetOpenOrders(context.Background())
	if err != nil || len(open) != 0 {
		t.Errorf("GetOpenOrders() = %v, %v; want none", open, err)
	}
}

func TestClient_CancelOrder(t *testing.T) {
	f := newFakeTWS(t)
	f.respond = func(f *fakeTWS, fields []string) {
		switch fields[0] {
		case "3":
			f.send("3", fields[1], "Submitted", "0", "10", "0", "700", "0", "0", "5", "", "0")
		case "4":
			f.send("4", "2", fields[2], "202", "Order Canceled - reason:")
		case "5":
			f.send("53", "1")
		}
	}
	client := connectFake(t, f, f.config())

	statuses := make(chan broker.Order, 8)
	client.SetHandlers(broker.Handlers{OnOrderStatus: func(o broker.Order) { statuses <- o }})

	ticket := broker.OrderTicket{
		Action:     types.ActionSell,
		Quantity:   decimal.NewFromInt(10),
		OrderType:  broker.OrderTypeLimit,
		LimitPrice: decimal.NewFromInt(999),
	}
	result, err := client.PlaceOrder(context.Background(), broker.StockContract("AAPL", "", ""), ticket)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	waitStatus := func(want broker.OrderStatus) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case o := <-statuses:
				if o.Status == want {
					return
				}
			case <-timeout:
				t.Fatalf("status %s not reached", want)
			}
		}
	}
	waitStatus(broker.OrderStatusSubmitted)

	open, _ := client.GetOpenOrders(context.Background())
	if len(open) != 1 || open[0].OrderID != result.OrderID {
		t.Fatalf("GetOpenOrders() = %+v", open)
	}

	if err := client.CancelOrder(context.Background(), result.OrderID); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	waitStatus(broker.OrderStatusCancelled)
}

func TestClient_Disconnect(t *testing.T) {
	f := newFakeTWS(t)
	client := connectFake(t, f, f.config())

	states := make(chan broker.ConnectionState, 8)
	client.SetHandlers(broker.Handlers{OnConnectionChange: func(s broker.ConnectionState) { states <- s }})

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("expected disconnected")
	}

	select {
	case s := <-states:
		if s != broker.StateDisconnected {
			t.Errorf("state change = %v", s)
		}
	case <-time.After(time.Second):
		t.Error("no state change reported")
	}

	// idempotent
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
	if _, err := client.GetPositions(context.Background()); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestClient_AutoReconnect(t *testing.T) {
	f := newFakeTWS(t)

	cfg := f.config()
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.MaxReconnectTries = 20
	client := connectFake(t, f, cfg)

	states := make(chan broker.ConnectionState, 16)
	client.SetHandlers(broker.Handlers{OnConnectionChange: func(s broker.ConnectionState) { states <- s }})

	f.dropConnections()

	sawDisconnect := false
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == broker.StateDisconnected {
				sawDisconnect = true
			}
			if s == broker.StateConnected && sawDisconnect {
				if f.acceptCount() < 2 {
					t.Errorf("accept count = %d, want a second connection", f.acceptCount())
				}
				if _, err := client.GetAccountSummary(context.Background()); err != nil {
					t.Errorf("GetAccountSummary() after reconnect error = %v", err)
				}
				return
			}
		case <-timeout:
			t.Fatal("client did not reconnect")
		}
	}
}

func TestClient_DisconnectStopsReconnect(t *testing.T) {
	f := newFakeTWS(t)

	cfg := f.config()
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = time.Hour
	client := connectFake(t, f, cfg)

	states := make(chan broker.ConnectionState, 16)
	client.SetHandlers(broker.Handlers{OnConnectionChange: func(s broker.ConnectionState) { states <- s }})

	f.dropConnections()

	select {
	case s := <-states:
		if s != broker.StateDisconnected {
			t.Fatalf("state = %v, want disconnected", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}

	done := make(chan struct{})
	go func() {
		_ = client.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked on the reconnect loop")
	}
	if client.State() != broker.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
}

func TestClient_ReconnectRearmsAfterQuickDrop(t *testing.T) {
	f := newFakeTWS(t)

	cfg := f.config()
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.MaxReconnectTries = 20
	client := connectFake(t, f, cfg)

	states := make(chan broker.ConnectionState, 32)
	var dropped atomic.Bool
	client.SetHandlers(broker.Handlers{OnConnectionChange: func(s broker.ConnectionState) {
		// Drop the first reconnected session before the reconnect attempt returns.
		if s == broker.StateConnected && f.acceptCount() == 2 && dropped.CompareAndSwap(false, true) {
			f.dropConnections()
			time.Sleep(100 * time.Millisecond)
		}
		states <- s
	}})

	f.dropConnections()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == broker.StateConnected && f.acceptCount() >= 3 {
				if !client.IsConnected() {
					t.Error("client not connected after second reconnect")
				}
				return
			}
		case <-timeout:
			t.Fatalf("client did not reconnect after the second drop, accepts = %d, state = %v", f.acceptCount(), client.State())
		}
	}
}
