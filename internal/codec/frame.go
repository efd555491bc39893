// Package codec implements the binary wire format: framed, CRC-protected
// messages carrying an ordered sequence of typed parameters.
//
// A frame is a 4-byte header (messageType, operationCode, payloadLength u16
// little-endian), the payload, and a trailing CRC-16 of header+payload. All
// multi-byte integers are little-endian. Encoding and decoding are stateless;
// decode(encode(m)) reproduces m for every well-typed message.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// HeaderLen and CRCLen fix the frame overhead: total frame length is always
// HeaderLen + payloadLength + CRCLen.
const (
	HeaderLen = 4
	CRCLen    = 2

	// MaxPayload is the largest payload representable in the u16 header field.
	MaxPayload = math.MaxUint16
)

// Param is one (code, value) entry of a message. The wire data type is the
// concrete type of Value.
type Param struct {
	Code  byte
	Value Value
}

// Params is the ordered parameter set of one message. Encoding writes
// parameters in insertion order; setting an existing code replaces its value
// in place (last-write-wins), matching decode semantics for duplicates.
type Params struct {
	list []Param
}

// NewParams builds a parameter set from the given entries, applying
// last-write-wins on duplicate codes.
func NewParams(params ...Param) Params {
	var p Params
	for _, e := range params {
		p.Set(e.Code, e.Value)
	}
	return p
}

// Set stores v under code, replacing any existing entry in place.
func (p *Params) Set(code byte, v Value) {
	for i := range p.list {
		if p.list[i].Code == code {
			p.list[i].Value = v
			return
		}
	}
	p.list = append(p.list, Param{Code: code, Value: v})
}

// Add coerces a Go value into the declared wire type and stores it. It fails
// with ErrValueOutOfRange when the value does not fit and ErrUnsupportedType
// when dt is not in the type table.
func (p *Params) Add(code byte, dt DataType, v any) error {
	val, err := Coerce(dt, v)
	if err != nil {
		return err
	}
	p.Set(code, val)
	return nil
}

// Get returns the value stored under code.
func (p *Params) Get(code byte) (Value, bool) {
	for i := range p.list {
		if p.list[i].Code == code {
			return p.list[i].Value, true
		}
	}
	return nil, false
}

// GetByName resolves a canonical parameter name and returns its value. The
// name view is an accessor over the code-keyed state, not a second copy.
func (p *Params) GetByName(name string) (Value, bool) {
	code, ok := ParamCode(name)
	if !ok {
		return nil, false
	}
	return p.Get(code)
}

// Has reports whether code is present.
func (p *Params) Has(code byte) bool {
	_, ok := p.Get(code)
	return ok
}

// Len returns the number of distinct parameters.
func (p *Params) Len() int { return len(p.list) }

// All returns the parameters in wire order. The slice is shared; callers
// must not mutate it.
func (p *Params) All() []Param { return p.list }

// Uint32 reads an integer-typed parameter widened to uint32. Used for
// SEQUENCE and id-carrying parameters regardless of the sender's declared
// integer width.
func (p *Params) Uint32(code byte) (uint32, bool) {
	v, ok := p.Get(code)
	if !ok {
		return 0, false
	}
	n, ok := toInt64(v)
	if !ok || n < 0 || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// Int64 reads an integer-typed parameter widened to int64.
func (p *Params) Int64(code byte) (int64, bool) {
	v, ok := p.Get(code)
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// Message is one decoded frame.
type Message struct {
	Type   MsgType
	Op     byte
	Params Params
}

// TypeName returns the canonical message type name.
func (m *Message) TypeName() string { return m.Type.Name() }

// OpName returns the operation name within the message type's namespace.
func (m *Message) OpName() string { return OpName(m.Type, m.Op) }

// Encode serialises a message into a complete frame: header, parameters in
// insertion order, CRC.
func Encode(t MsgType, op byte, params Params) ([]byte, error) {
	payload := make([]byte, 0, 64)
	var err error
	for _, param := range params.list {
		payload = append(payload, param.Code)
		if payload, err = appendValue(payload, param.Value); err != nil {
			return nil, err
		}
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrValueOutOfRange, len(payload))
	}

	frame := make([]byte, 0, HeaderLen+len(payload)+CRCLen)
	frame = append(frame, byte(t), op)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, Checksum(frame))
	return frame, nil
}

// Encode serialises the message into a complete frame.
func (m *Message) Encode() ([]byte, error) {
	return Encode(m.Type, m.Op, m.Params)
}

// Decode validates and parses one complete frame.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderLen+CRCLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	payloadLen := int(binary.LittleEndian.Uint16(data[2:4]))
	switch {
	case len(data) < HeaderLen+payloadLen+CRCLen:
		return nil, fmt.Errorf("%w: declared payload %d, frame %d bytes", ErrTruncated, payloadLen, len(data))
	case len(data) > HeaderLen+payloadLen+CRCLen:
		return nil, fmt.Errorf("%w: declared payload %d, frame %d bytes", ErrLength, payloadLen, len(data))
	}

	body := data[:HeaderLen+payloadLen]
	want := binary.LittleEndian.Uint16(data[HeaderLen+payloadLen:])
	if got := Checksum(body); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, frame carries 0x%04X", ErrCRC, got, want)
	}

	msg := &Message{Type: MsgType(data[0]), Op: data[1]}
	r := reader{buf: data[HeaderLen : HeaderLen+payloadLen]}
	for r.remaining() > 0 {
		code, err := r.byte()
		if err != nil {
			return nil, err
		}
		val, err := readValue(&r)
		if err != nil {
			return nil, err
		}
		msg.Params.Set(code, val)
	}
	return msg, nil
}

// appendValue writes the type tag and wire form of v.
func appendValue(buf []byte, v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrUnsupportedType)
	}
	buf = append(buf, byte(v.DataType()))
	return appendBody(buf, v)
}

func appendBody(buf []byte, v Value) ([]byte, error) {
	switch t := v.(type) {
	case Bool:
		if t {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case Byte:
		return append(buf, byte(t)), nil
	case Short:
		return binary.LittleEndian.AppendUint16(buf, uint16(t)), nil
	case UShort:
		return binary.LittleEndian.AppendUint16(buf, uint16(t)), nil
	case Int:
		return binary.LittleEndian.AppendUint32(buf, uint32(t)), nil
	case UInt:
		return binary.LittleEndian.AppendUint32(buf, uint32(t)), nil
	case Long:
		return binary.LittleEndian.AppendUint64(buf, uint64(t)), nil
	case Float:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(t))), nil
	case Double:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(t))), nil
	case String:
		if len(t) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: string of %d bytes", ErrValueOutOfRange, len(t))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t)))
		return append(buf, t...), nil
	case Vector2:
		return appendFloats(buf, t[:]), nil
	case Vector3:
		return appendFloats(buf, t[:]), nil
	case Quaternion:
		return appendFloats(buf, t[:]), nil
	case ByteArray:
		if len(t) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: byte array of %d bytes", ErrValueOutOfRange, len(t))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t)))
		return append(buf, t...), nil
	case Dictionary:
		if len(t) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: dictionary of %d pairs", ErrValueOutOfRange, len(t))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t)))
		var err error
		for _, p := range t {
			if buf, err = appendValue(buf, p.Key); err != nil {
				return nil, err
			}
			if buf, err = appendValue(buf, p.Val); err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func appendFloats(buf []byte, fs []float32) []byte {
	for _, f := range fs {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// readValue parses one type tag plus body.
func readValue(r *reader) (Value, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch DataType(tag) {
	case TypeBool:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return Bool(b != 0), nil
	case TypeByte:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return Byte(b), nil
	case TypeShort:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return Short(n), nil
	case TypeUShort:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return UShort(n), nil
	case TypeInt:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return Int(n), nil
	case TypeUInt:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return UInt(n), nil
	case TypeLong:
		n, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return Long(n), nil
	case TypeFloat:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return Float(math.Float32frombits(n)), nil
	case TypeDouble:
		n, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return Double(math.Float64frombits(n)), nil
	case TypeString:
		b, err := r.lenPrefixed()
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, ErrBadString
		}
		return String(b), nil
	case TypeVector2:
		fs, err := r.floats(2)
		if err != nil {
			return nil, err
		}
		return Vector2{fs[0], fs[1]}, nil
	case TypeVector3:
		fs, err := r.floats(3)
		if err != nil {
			return nil, err
		}
		return Vector3{fs[0], fs[1], fs[2]}, nil
	case TypeQuaternion:
		fs, err := r.floats(4)
		if err != nil {
			return nil, err
		}
		return Quaternion{fs[0], fs[1], fs[2], fs[3]}, nil
	case TypeByteArray:
		b, err := r.lenPrefixed()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return ByteArray(out), nil
	case TypeDictionary:
		count, err := r.uint16()
		if err != nil {
			return nil, err
		}
		d := make(Dictionary, 0, count)
		for i := 0; i < int(count); i++ {
			key, err := readValue(r)
			if err != nil {
				return nil, err
			}
			val, err := readValue(r)
			if err != nil {
				return nil, err
			}
			d = append(d, Pair{Key: key, Val: val})
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, tag)
	}
}

// reader is a bounds-checked cursor over one payload; short reads fail with
// ErrTruncated.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) lenPrefixed() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *reader) floats(n int) ([]float32, error) {
	out := make([]float32, n)
	for i := range out {
		bits, err := r.uint32()
		if err != nil {
			return nil, err
		}
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
