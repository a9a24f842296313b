package ibkr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// API version range offered in the handshake. Outgoing messages are encoded
// for a server that negotiated a version inside this range.
const (
	minClientVersion = 100
	maxClientVersion = 151

	// placeOrder without a VERSION field needs at least this server version.
	minServerVerOrderContainer = 145
	minServerVerDPegOrders     = 148
	minServerVerPriceMgmtAlgo  = 151

	maxFrameSize = 1 << 24
)

// Outgoing message IDs.
const (
	outReqMktData           = 1
	outCancelMktData        = 2
	outPlaceOrder           = 3
	outCancelOrder          = 4
	outReqOpenOrders        = 5
	outReqMarketDataType    = 59
	outReqPositions         = 61
	outReqAccountSummary    = 62
	outCancelAccountSummary = 63
	outCancelPositions      = 64
	outStartAPI             = 71
)

// Incoming message IDs.
const (
	inTickPrice         = 1
	inTickSize          = 2
	inOrderStatus       = 3
	inErrMsg            = 4
	inOpenOrder         = 5
	inNextValidID       = 9
	inManagedAccts      = 15
	inOpenOrderEnd      = 53
	inTickSnapshotEnd   = 57
	inMarketDataType    = 58
	inPosition          = 61
	inPositionEnd       = 62
	inAccountSummary    = 63
	inAccountSummaryEnd = 64
)

var outNames = map[int]string{
	outReqMktData:           "REQ_MKT_DATA",
	outCancelMktData:        "CANCEL_MKT_DATA",
	outPlaceOrder:           "PLACE_ORDER",
	outCancelOrder:          "CANCEL_ORDER",
	outReqOpenOrders:        "REQ_OPEN_ORDERS",
	outReqMarketDataType:    "REQ_MARKET_DATA_TYPE",
	outReqPositions:         "REQ_POSITIONS",
	outReqAccountSummary:    "REQ_ACCOUNT_SUMMARY",
	outCancelAccountSummary: "CANCEL_ACCOUNT_SUMMARY",
	outCancelPositions:      "CANCEL_POSITIONS",
	outStartAPI:             "START_API",
}

var inNames = map[int]string{
	inTickPrice:         "TICK_PRICE",
	inTickSize:          "TICK_SIZE",
	inOrderStatus:       "ORDER_STATUS",
	inErrMsg:            "ERR_MSG",
	inOpenOrder:         "OPEN_ORDER",
	inNextValidID:       "NEXT_VALID_ID",
	inManagedAccts:      "MANAGED_ACCTS",
	inOpenOrderEnd:      "OPEN_ORDER_END",
	inTickSnapshotEnd:   "TICK_SNAPSHOT_END",
	inMarketDataType:    "MARKET_DATA_TYPE",
	inPosition:          "POSITION_DATA",
	inPositionEnd:       "POSITION_END",
	inAccountSummary:    "ACCOUNT_SUMMARY",
	inAccountSummaryEnd: "ACCOUNT_SUMMARY_END",
}

func msgName(names map[int]string, id int) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "UNKNOWN"
}

var (
	errFrameTooLarge = errors.New("frame exceeds maximum size")
	errShortMessage  = errors.New("message has too few fields")
)

// writeFrame writes payload prefixed with its 4-byte big-endian length.
func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one length-prefixed payload.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// splitFields splits a NUL-terminated field list.
func splitFields(payload []byte) []string {
	payload = bytes.TrimSuffix(payload, []byte{0})
	if len(payload) == 0 {
		return nil
	}
	return strings.Split(string(payload), "\x00")
}

// handshakePrefix returns the bytes that open an API session.
func handshakePrefix() []byte {
	versions := fmt.Sprintf("v%d..%d", minClientVersion, maxClientVersion)
	buf := bytes.NewBufferString("API\x00")
	_ = writeFrame(buf, []byte(versions))
	return buf.Bytes()
}

// encoder builds the payload of an outgoing message.
type encoder struct {
	buf bytes.Buffer
}

func newEncoder(msgID int) *encoder {
	e := &encoder{}
	return e.int(int64(msgID))
}

func (e *encoder) str(s string) *encoder {
	e.buf.WriteString(strings.ReplaceAll(s, "\x00", ""))
	e.buf.WriteByte(0)
	return e
}

func (e *encoder) int(v int64) *encoder {
	return e.str(strconv.FormatInt(v, 10))
}

func (e *encoder) bool(b bool) *encoder {
	if b {
		return e.str("1")
	}
	return e.str("0")
}

func (e *encoder) dec(d decimal.Decimal) *encoder {
	return e.str(d.String())
}

// optDec writes d, or an empty field when unset.
func (e *encoder) optDec(d decimal.Decimal, set bool) *encoder {
	if !set {
		return e.str("")
	}
	return e.dec(d)
}

// empty writes n empty fields.
func (e *encoder) empty(n int) *encoder {
	for i := 0; i < n; i++ {
		e.str("")
	}
	return e
}

// zeros writes n "0" fields.
func (e *encoder) zeros(n int) *encoder {
	for i := 0; i < n; i++ {
		e.str("0")
	}
	return e
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

// decoder reads fields of an incoming message in order.
// Parse failures are sticky and reported by err.
type decoder struct {
	fields []string
	pos    int
	failed error
}

func newDecoder(fields []string) *decoder {
	return &decoder{fields: fields}
}

func (d *decoder) str() string {
	if d.pos >= len(d.fields) {
		if d.failed == nil {
			d.failed = fmt.Errorf("%w: want field %d of %d", errShortMessage, d.pos+1, len(d.fields))
		}
		return ""
	}
	v := d.fields[d.pos]
	d.pos++
	return v
}

func (d *decoder) int() int64 {
	s := d.str()
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if d.failed == nil {
			d.failed = fmt.Errorf("field %d: %w", d.pos, err)
		}
		return 0
	}
	return v
}

// decimal returns the value and whether it is set. TWS marks absent
// values with an empty field or the max double.
func (d *decoder) decimal() (decimal.Decimal, bool) {
	s := d.str()
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if v.Abs().GreaterThan(unsetDouble) {
		return decimal.Zero, false
	}
	return v, true
}

func (d *decoder) skip(n int) {
	for i := 0; i < n; i++ {
		d.str()
	}
}

func (d *decoder) err() error {
	return d.failed
}

var unsetDouble = decimal.New(1, 300)
