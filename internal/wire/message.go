// Package wire implements the gateway socket framing: every message is a
// 4-byte big-endian length followed by NUL-terminated ASCII fields, the first
// field being the message id.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/errs"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 16 << 20

// Message is one decoded frame.
type Message struct {
	Fields []string
}

// NewMessage builds a message from an id and field values. Supported field
// types are string, int, int64, bool, float64 and decimal.Decimal.
func NewMessage(id int, fields ...any) Message {
	out := make([]string, 0, len(fields)+1)
	out = append(out, strconv.Itoa(id))
	for _, f := range fields {
		out = append(out, formatField(f))
	}
	return Message{Fields: out}
}

func formatField(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case decimal.Decimal:
		if x.IsZero() {
			return ""
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// ID returns the numeric message id, or -1 when the first field is not numeric.
func (m Message) ID() int {
	if len(m.Fields) == 0 {
		return -1
	}
	id, err := strconv.Atoi(m.Fields[0])
	if err != nil {
		return -1
	}
	return id
}

// Reader returns a field reader positioned after the message id.
func (m Message) Reader() *Reader {
	return &Reader{fields: m.Fields, pos: 1}
}

func (m Message) String() string {
	return strings.Join(m.Fields, "|")
}

// Encode returns the framed representation of m.
func (m Message) Encode() []byte {
	var payload bytes.Buffer
	for _, f := range m.Fields {
		payload.WriteString(f)
		payload.WriteByte(0)
	}
	return frame(payload.Bytes())
}

func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, errs.ErrProtocol.Detailf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Decode splits a payload into a message.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, errs.ErrProtocol.WithDetail("empty frame")
	}
	s := string(payload)
	s = strings.TrimSuffix(s, "\x00")
	m := Message{Fields: strings.Split(s, "\x00")}
	if m.ID() < 0 {
		return Message{}, errs.ErrProtocol.Detailf("non-numeric message id %q", m.Fields[0])
	}
	return m, nil
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Decode(payload)
}

// Reader walks message fields in order. The first failure sticks; check Err
// once after reading every field.
type Reader struct {
	fields []string
	pos    int
	err    error
}

func (r *Reader) next(kind string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	if r.pos >= len(r.fields) {
		r.err = errs.ErrProtocol.Detailf("missing %s field %d", kind, r.pos)
		return "", false
	}
	v := r.fields[r.pos]
	r.pos++
	return v, true
}

// String reads a string field.
func (r *Reader) String() string {
	v, _ := r.next("string")
	return v
}

// Int reads an int field. Empty is zero.
func (r *Reader) Int() int {
	return int(r.Int64())
}

// Int64 reads an int64 field. Empty is zero.
func (r *Reader) Int64() int64 {
	v, ok := r.next("int")
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.err = errs.ErrProtocol.Detailf("field %d: bad int %q", r.pos-1, v)
		return 0
	}
	return n
}

// Decimal reads a decimal field. Empty is zero.
func (r *Reader) Decimal() decimal.Decimal {
	v, ok := r.next("decimal")
	if !ok || v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.err = errs.ErrProtocol.Detailf("field %d: bad decimal %q", r.pos-1, v)
		return decimal.Zero
	}
	return d
}

// Bool reads a 0/1 field.
func (r *Reader) Bool() bool {
	return r.Int64() != 0
}

// Skip discards n fields.
func (r *Reader) Skip(n int) {
	for i := 0; i < n; i++ {
		r.next("skipped")
	}
}

// Remaining reports how many fields are left.
func (r *Reader) Remaining() int {
	if r.pos >= len(r.fields) {
		return 0
	}
	return len(r.fields) - r.pos
}

// Err returns the first parse failure.
func (r *Reader) Err() error { return r.err }
