package ibkr

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTWS is an in-process TWS that speaks the framed API protocol.
type fakeTWS struct {
	t  *testing.T
	ln net.Listener

	serverVersion int
	accounts      string
	firstOrderID  int64
	sendReady     bool

	// respond handles one client message; nil uses defaultResponder.
	respond func(f *fakeTWS, fields []string)

	startAPI chan []string
	received chan []string

	mu      sync.Mutex
	conns   []net.Conn
	current net.Conn
	accepts int
}

func newFakeTWS(t *testing.T) *fakeTWS {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	f := &fakeTWS{
		t:             t,
		ln:            ln,
		serverVersion: maxClientVersion,
		accounts:      "DU111,DU222",
		firstOrderID:  100,
		sendReady:     true,
		startAPI:      make(chan []string, 8),
		received:      make(chan []string, 256),
	}

	go f.acceptLoop()
	t.Cleanup(f.close)

	return f
}

func (f *fakeTWS) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeTWS) config() Config {
	cfg := DefaultConfig()
	cfg.Port = f.port()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.AutoReconnect = false
	return cfg
}

func (f *fakeTWS) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.current = conn
		f.accepts++
		f.mu.Unlock()

		go f.serve(conn)
	}
}

func (f *fakeTWS) serve(conn net.Conn) {
	r := bufio.NewReader(conn)

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil || string(prefix) != "API\x00" {
		_ = conn.Close()
		return
	}
	if _, err := readFrame(r); err != nil {
		return
	}

	f.writeTo(conn, strconv.Itoa(f.serverVersion), "20250919 10:00:00 EST")

	start, err := readFrame(r)
	if err != nil {
		return
	}
	f.startAPI <- splitFields(start)

	if f.sendReady {
		f.writeTo(conn, "15", "1", f.accounts)
		f.writeTo(conn, "9", "1", strconv.FormatInt(f.firstOrderID, 10))
		f.writeTo(conn, "4", "2", "-1", "2104", "Market data farm connection is OK:usfarm")
	}

	for {
		payload, err := readFrame(r)
		if err != nil {
			return
		}
		fields := splitFields(payload)
		f.received <- fields

		if f.respond != nil {
			f.respond(f, fields)
		} else {
			defaultResponder(f, fields)
		}
	}
}

// send writes one message to the most recent connection.
func (f *fakeTWS) send(fields ...string) {
	f.mu.Lock()
	conn := f.current
	f.mu.Unlock()
	if conn != nil {
		f.writeTo(conn, fields...)
	}
}

func (f *fakeTWS) writeTo(conn net.Conn, fields ...string) {
	payload := strings.Join(fields, "\x00") + "\x00"
	_ = writeFrame(conn, []byte(payload))
}

// dropConnections closes every accepted connection but keeps listening.
func (f *fakeTWS) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
	f.current = nil
}

func (f *fakeTWS) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

// openOrder returns an OPEN_ORDER message for a server without the
// version field, followed by fields the client does not read.
func openOrder(orderID, symbol, secType, action, qty, orderType, lmt, aux, account, ref string) []string {
	return []string{
		"5", orderID,
		"0", symbol, secType, "", "0", "", "", "SMART", "USD", symbol, "",
		action, qty, orderType, lmt, aux, "GTC", "", account, "O", "0", ref, "7", "9001",
		"0", "0", "0", "", "", "",
	}
}

func (f *fakeTWS) close() {
	_ = f.ln.Close()
	f.dropConnections()
}

// waitFor returns the next received message with the given ID.
func (f *fakeTWS) waitFor(msgID int) []string {
	f.t.Helper()
	want := strconv.Itoa(msgID)
	timeout := time.After(2 * time.Second)
	for {
		select {
		case fields := <-f.received:
			if len(fields) > 0 && fields[0] == want {
				return fields
			}
		case <-timeout:
			f.t.Fatalf("message %d not received", msgID)
			return nil
		}
	}
}

// defaultResponder answers the requests the client makes with canned data.
func defaultResponder(f *fakeTWS, fields []string) {
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "62": // REQ_ACCOUNT_SUMMARY: 62, 1, reqId, group, tags
		reqID := fields[2]
		f.send("63", "1", reqID, "DU111", "NetLiquidation", "100000.50", "USD")
		f.send("63", "1", reqID, "DU111", "TotalCashValue", "25000", "USD")
		f.send("63", "1", reqID, "DU111", "BuyingPower", "400000", "USD")
		f.send("64", "1", reqID)

	case "61": // REQ_POSITIONS
		f.send("61", "3", "DU111", "4815747", "NVDA", "STK", "", "0", "", "", "NASDAQ", "USD", "NVDA", "NMS", "10", "120.5")
		f.send("61", "3", "DU111", "12087797", "USD", "CASH", "", "0", "", "", "IDEALPRO", "SGD", "USD.SGD", "USD.SGD", "-20000", "1.35")
		f.send("62", "1")

	case "1": // REQ_MKT_DATA: 1, 11, reqId, ..., snapshot at len-3
		reqID := fields[2]
		f.send("1", "6", reqID, "1", "1.3500", "1000000", "0")
		f.send("1", "6", reqID, "2", "1.3504", "2000000", "0")
		f.send("1", "6", reqID, "9", "1.3490", "0", "0")
		f.send("2", "6", reqID, "8", "12345")
		if fields[len(fields)-3] == "1" {
			f.send("57", "1", reqID)
		}

	case "3": // PLACE_ORDER: 3, orderId, ...
		orderID := fields[1]
		f.send("3", orderID, "Submitted", "0", "100", "0", "555", "0", "0", "5", "", "0")
		f.send("3", orderID, "Filled", "100", "0", "120.25", "555", "0", "120.25", "5", "", "0")

	case "4": // CANCEL_ORDER: 4, 1, orderId
		f.send("3", fields[2], "Cancelled", "0", "100", "0", "556", "0", "0", "5", "", "0")

	case "5": // REQ_OPEN_ORDERS
		f.send("53", "1")
	}
}
