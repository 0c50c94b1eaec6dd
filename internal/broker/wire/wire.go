// Package wire encodes and decodes TWS/Gateway API messages.
//
// A message is a sequence of NUL-terminated text fields, the first being
// the message id. On the socket every message is prefixed by its length as
// a 4-byte big-endian integer.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Inbound (gateway to client) message ids.
const (
	InTickPrice             = 1
	InTickSize              = 2
	InOrderStatus           = 3
	InErrMsg                = 4
	InOpenOrder             = 5
	InAcctValue             = 6
	InPortfolioValue        = 7
	InAcctUpdateTime        = 8
	InNextValidID           = 9
	InContractData          = 10
	InExecutionData         = 11
	InMarketDepth           = 12
	InManagedAccounts       = 15
	InTickOptionComputation = 21
	InTickGeneric           = 45
	InTickString            = 46
	InCurrentTime           = 49
	InContractDataEnd       = 52
	InOpenOrderEnd          = 53
	InAcctDownloadEnd       = 54
	InExecutionDataEnd      = 55
	InTickSnapshotEnd       = 57
	InPosition              = 61
	InPositionEnd           = 62
)

// Outbound (client to gateway) message ids.
const (
	OutReqMktData      = 1
	OutCancelMktData   = 2
	OutPlaceOrder      = 3
	OutCancelOrder     = 4
	OutReqOpenOrders   = 5
	OutReqAcctData     = 6
	OutReqExecutions   = 7
	OutReqIDs          = 8
	OutReqContractData = 9
	OutReqMktDepth     = 10
	OutCancelMktDepth  = 11
	OutReqPositions    = 61
	OutStartAPI        = 71
)

// MaxFrameSize bounds a single inbound message.
const MaxFrameSize = 16 << 20

// Encode joins fields into a NUL-terminated payload.
func Encode(fields []string) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Frame prepends the 4-byte big-endian length to payload.
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ReadFrame reads one length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Split breaks a payload into its fields.
func Split(payload []byte) []string {
	payload = bytes.TrimSuffix(payload, []byte{0})
	if len(payload) == 0 {
		return nil
	}
	return strings.Split(string(payload), "\x00")
}

// ParseCallback decodes a payload into a RawCallback.
func ParseCallback(payload []byte, received time.Time) (broker.RawCallback, error) {
	fields := Split(payload)
	if len(fields) == 0 {
		return broker.RawCallback{}, &types.ProtocolError{Reason: "empty message"}
	}

	msgID, err := strconv.Atoi(fields[0])
	if err != nil || msgID <= 0 {
		return broker.RawCallback{}, &types.ProtocolError{Reason: fmt.Sprintf("invalid message id %q", fields[0])}
	}

	return broker.RawCallback{MsgID: msgID, Fields: fields[1:], Received: received}, nil
}

// Builder assembles the fields of one message.
type Builder struct {
	msgID  int
	fields []string
}

// NewBuilder starts a message with the given id.
func NewBuilder(msgID int) *Builder {
	return &Builder{msgID: msgID}
}

// Str appends a string field.
func (b *Builder) Str(s string) *Builder {
	b.fields = append(b.fields, s)
	return b
}

// Int appends an integer field.
func (b *Builder) Int(v int64) *Builder {
	return b.Str(strconv.FormatInt(v, 10))
}

// Dec appends a decimal field.
func (b *Builder) Dec(d decimal.Decimal) *Builder {
	return b.Str(d.String())
}

// Bool appends 1 or 0.
func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Str("1")
	}
	return b.Str("0")
}

// Contract appends the contract block.
func (b *Builder) Contract(c broker.Contract) *Builder {
	b.Int(c.ConID).
		Str(c.Symbol).
		Str(c.SecType).
		Str(c.Expiry).
		Dec(c.Strike).
		Str(c.Right).
		Str(c.Multiplier).
		Str(c.Exchange).
		Str(c.PrimaryExchange).
		Str(c.Currency).
		Str(c.LocalSymbol).
		Str(c.TradingClass)

	b.Int(int64(len(c.ComboLegs)))
	for _, leg := range c.ComboLegs {
		b.Int(leg.ConID).Int(int64(leg.Ratio)).Str(leg.Action).Str(leg.Exchange)
	}
	return b
}

// Fields returns the message id followed by the appended fields.
func (b *Builder) Fields() []string {
	out := make([]string, 0, len(b.fields)+1)
	out = append(out, strconv.Itoa(b.msgID))
	return append(out, b.fields...)
}

// Payload returns the NUL-terminated payload without the length prefix.
func (b *Builder) Payload() []byte {
	return Encode(b.Fields())
}

// Callback returns the message as a RawCallback stamped with now.
func (b *Builder) Callback(now time.Time) broker.RawCallback {
	fields := make([]string, len(b.fields))
	copy(fields, b.fields)
	return broker.RawCallback{MsgID: b.msgID, Fields: fields, Received: now}
}

// Reader consumes the fields of one callback in order. The first decoding
// failure is kept and reported by Err; later reads return zero values.
type Reader struct {
	msgID  int
	fields []string
	pos    int
	err    error
}

// NewReader returns a Reader over cb's fields.
func NewReader(cb broker.RawCallback) *Reader {
	return &Reader{msgID: cb.MsgID, fields: cb.Fields}
}

func (r *Reader) fail(reason string) {
	if r.err == nil {
		r.err = &types.ProtocolError{MsgID: r.msgID, Reason: reason}
	}
}

func (r *Reader) next(name string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	if r.pos >= len(r.fields) {
		r.fail(fmt.Sprintf("missing field %s at position %d", name, r.pos))
		return "", false
	}
	v := r.fields[r.pos]
	r.pos++
	return v, true
}

// Skip discards n fields.
func (r *Reader) Skip(n int) {
	for i := 0; i < n; i++ {
		r.next("skipped")
	}
}

// String reads a string field.
func (r *Reader) String(name string) string {
	v, _ := r.next(name)
	return v
}

// Int64 reads an integer field; empty reads as zero.
func (r *Reader) Int64(name string) int64 {
	v, ok := r.next(name)
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// quantities may arrive with a decimal part
		d, derr := decimal.NewFromString(v)
		if derr != nil {
			r.fail(fmt.Sprintf("field %s: invalid integer %q", name, v))
			return 0
		}
		return d.IntPart()
	}
	return n
}

// Int reads an integer field as int.
func (r *Reader) Int(name string) int {
	return int(r.Int64(name))
}

// Decimal reads a decimal field; empty reads as zero.
func (r *Reader) Decimal(name string) decimal.Decimal {
	v, ok := r.next(name)
	if !ok || v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(fmt.Sprintf("field %s: invalid decimal %q", name, v))
		return decimal.Zero
	}
	return d
}

// Bool reads a 1/0 field.
func (r *Reader) Bool(name string) bool {
	v, ok := r.next(name)
	if !ok {
		return false
	}
	return v == "1" || strings.EqualFold(v, "true")
}

// Contract reads a contract block written by Builder.Contract.
func (r *Reader) Contract() broker.Contract {
	c := broker.Contract{
		ConID:           r.Int64("conid"),
		Symbol:          r.String("symbol"),
		SecType:         r.String("sec_type"),
		Expiry:          r.String("expiry"),
		Strike:          r.Decimal("strike"),
		Right:           r.String("right"),
		Multiplier:      r.String("multiplier"),
		Exchange:        r.String("exchange"),
		PrimaryExchange: r.String("primary_exchange"),
		Currency:        r.String("currency"),
		LocalSymbol:     r.String("local_symbol"),
		TradingClass:    r.String("trading_class"),
	}

	legs := r.Int("combo_legs")
	if legs < 0 || legs > r.Remaining()/4 {
		r.fail(fmt.Sprintf("invalid combo leg count %d", legs))
		return c
	}
	for i := 0; i < legs; i++ {
		c.ComboLegs = append(c.ComboLegs, broker.ComboLeg{
			ConID:    r.Int64("leg_conid"),
			Ratio:    r.Int("leg_ratio"),
			Action:   r.String("leg_action"),
			Exchange: r.String("leg_exchange"),
		})
	}
	return c
}

// Remaining returns the number of unread fields.
func (r *Reader) Remaining() int {
	return len(r.fields) - r.pos
}

// Err returns the first decoding failure.
func (r *Reader) Err() error {
	return r.err
}
