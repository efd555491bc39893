package codec

import (
	"fmt"
	"math"
)

// DataType is the wire type tag of one parameter value.
type DataType byte

// The closed wire type table.
const (
	TypeBool       DataType = 0x01
	TypeByte       DataType = 0x02
	TypeShort      DataType = 0x03
	TypeUShort     DataType = 0x04
	TypeInt        DataType = 0x05
	TypeUInt       DataType = 0x06
	TypeLong       DataType = 0x07
	TypeFloat      DataType = 0x08
	TypeDouble     DataType = 0x09
	TypeString     DataType = 0x0A
	TypeVector2    DataType = 0x0B
	TypeVector3    DataType = 0x0C
	TypeQuaternion DataType = 0x0D
	TypeByteArray  DataType = 0x0E
	TypeDictionary DataType = 0x0F
)

// Value is one typed parameter value. The concrete type carries the wire
// type; there is no separate tag to keep in sync.
type Value interface {
	DataType() DataType
}

type (
	// Bool is a one-byte boolean; any nonzero wire byte decodes to true.
	Bool bool
	// Byte is an unsigned 8-bit integer.
	Byte uint8
	// Short is a signed 16-bit integer.
	Short int16
	// UShort is an unsigned 16-bit integer.
	UShort uint16
	// Int is a signed 32-bit integer.
	Int int32
	// UInt is an unsigned 32-bit integer.
	UInt uint32
	// Long is a signed 64-bit integer.
	Long int64
	// Float is an IEEE-754 binary32.
	Float float32
	// Double is an IEEE-754 binary64.
	Double float64
	// String is a UTF-8 string of at most 65535 bytes.
	String string
	// Vector2 is two packed floats.
	Vector2 [2]float32
	// Vector3 is three packed floats.
	Vector3 [3]float32
	// Quaternion is four packed floats.
	Quaternion [4]float32
	// ByteArray is an opaque blob of at most 65535 bytes.
	ByteArray []byte
)

// Pair is one dictionary entry. Keys are themselves typed values and may be
// of any wire type, including nested dictionaries.
type Pair struct {
	Key Value
	Val Value
}

// Dictionary is an ordered sequence of key/value pairs. Wire order is
// preserved; Lookup applies last-write-wins on duplicate keys.
type Dictionary []Pair

func (Bool) DataType() DataType       { return TypeBool }
func (Byte) DataType() DataType       { return TypeByte }
func (Short) DataType() DataType      { return TypeShort }
func (UShort) DataType() DataType     { return TypeUShort }
func (Int) DataType() DataType        { return TypeInt }
func (UInt) DataType() DataType       { return TypeUInt }
func (Long) DataType() DataType       { return TypeLong }
func (Float) DataType() DataType      { return TypeFloat }
func (Double) DataType() DataType     { return TypeDouble }
func (String) DataType() DataType     { return TypeString }
func (Vector2) DataType() DataType    { return TypeVector2 }
func (Vector3) DataType() DataType    { return TypeVector3 }
func (Quaternion) DataType() DataType { return TypeQuaternion }
func (ByteArray) DataType() DataType  { return TypeByteArray }
func (Dictionary) DataType() DataType { return TypeDictionary }

// Lookup returns the value stored under a key equal to k, comparing wire
// representations. The last matching pair wins.
func (d Dictionary) Lookup(k Value) (Value, bool) {
	var out Value
	found := false
	for _, p := range d {
		if valueEqual(p.Key, k) {
			out = p.Val
			found = true
		}
	}
	return out, found
}

// valueEqual compares two values structurally. Float comparisons are
// bit-pattern comparisons so NaN keys behave deterministically.
func valueEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.DataType() != b.DataType() {
		return false
	}
	switch av := a.(type) {
	case Float:
		return math.Float32bits(float32(av)) == math.Float32bits(float32(b.(Float)))
	case Double:
		return math.Float64bits(float64(av)) == math.Float64bits(float64(b.(Double)))
	case Vector2:
		bv := b.(Vector2)
		return vecBitsEqual(av[:], bv[:])
	case Vector3:
		bv := b.(Vector3)
		return vecBitsEqual(av[:], bv[:])
	case Quaternion:
		bv := b.(Quaternion)
		return vecBitsEqual(av[:], bv[:])
	case ByteArray:
		bv := b.(ByteArray)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case Dictionary:
		bv := b.(Dictionary)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i].Key, bv[i].Key) || !valueEqual(av[i].Val, bv[i].Val) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func vecBitsEqual(a, b []float32) bool {
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			return false
		}
	}
	return true
}

// Coerce converts a Go value into the declared wire type. It accepts the
// matching Value type, Go builtins, and widening-safe integer conversions;
// a value that cannot be represented in dt fails with ErrValueOutOfRange,
// and an unknown dt fails with ErrUnsupportedType.
func Coerce(dt DataType, v any) (Value, error) {
	switch dt {
	case TypeBool:
		switch b := v.(type) {
		case Bool:
			return b, nil
		case bool:
			return Bool(b), nil
		}
	case TypeByte:
		if n, ok := toInt64(v); ok {
			if n < 0 || n > math.MaxUint8 {
				return nil, fmt.Errorf("%w: %d as BYTE", ErrValueOutOfRange, n)
			}
			return Byte(n), nil
		}
	case TypeShort:
		if n, ok := toInt64(v); ok {
			if n < math.MinInt16 || n > math.MaxInt16 {
				return nil, fmt.Errorf("%w: %d as SHORT", ErrValueOutOfRange, n)
			}
			return Short(n), nil
		}
	case TypeUShort:
		if n, ok := toInt64(v); ok {
			if n < 0 || n > math.MaxUint16 {
				return nil, fmt.Errorf("%w: %d as USHORT", ErrValueOutOfRange, n)
			}
			return UShort(n), nil
		}
	case TypeInt:
		if n, ok := toInt64(v); ok {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("%w: %d as INT", ErrValueOutOfRange, n)
			}
			return Int(n), nil
		}
	case TypeUInt:
		if n, ok := toInt64(v); ok {
			if n < 0 || n > math.MaxUint32 {
				return nil, fmt.Errorf("%w: %d as UINT", ErrValueOutOfRange, n)
			}
			return UInt(n), nil
		}
	case TypeLong:
		if n, ok := toInt64(v); ok {
			return Long(n), nil
		}
	case TypeFloat:
		switch f := v.(type) {
		case Float:
			return f, nil
		case float32:
			return Float(f), nil
		case float64:
			return Float(f), nil
		default:
			if n, ok := toInt64(v); ok {
				return Float(n), nil
			}
		}
	case TypeDouble:
		switch f := v.(type) {
		case Double:
			return f, nil
		case float64:
			return Double(f), nil
		case float32:
			return Double(f), nil
		default:
			if n, ok := toInt64(v); ok {
				return Double(n), nil
			}
		}
	case TypeString:
		switch s := v.(type) {
		case String:
			return checkStringLen(s)
		case string:
			return checkStringLen(String(s))
		}
	case TypeVector2:
		if fs, ok := toFloats(v); ok && len(fs) == 2 {
			return Vector2{fs[0], fs[1]}, nil
		}
	case TypeVector3:
		if fs, ok := toFloats(v); ok && len(fs) == 3 {
			return Vector3{fs[0], fs[1], fs[2]}, nil
		}
	case TypeQuaternion:
		if fs, ok := toFloats(v); ok && len(fs) == 4 {
			return Quaternion{fs[0], fs[1], fs[2], fs[3]}, nil
		}
	case TypeByteArray:
		switch b := v.(type) {
		case ByteArray:
			return checkBytesLen(b)
		case []byte:
			return checkBytesLen(ByteArray(b))
		}
	case TypeDictionary:
		switch d := v.(type) {
		case Dictionary:
			return d, nil
		case map[string]any:
			return inferDict(d)
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedType, byte(dt))
	}
	return nil, fmt.Errorf("%w: %T as %s", ErrValueOutOfRange, v, dt.Name())
}

// Infer maps a plain Go value onto the wire type table by shape, using the
// fixed precedence bool, byte, short, int, float, string, vector of matching
// arity, byte array, nested dictionary. Used for dictionary values where no
// explicit type is declared.
func Infer(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return checkStringLen(String(t))
	case []byte:
		return checkBytesLen(ByteArray(t))
	case float32:
		return Float(t), nil
	case float64:
		// JSON-style numbers: keep integers integral when they fit.
		if t == math.Trunc(t) && t >= math.MinInt32 && t <= math.MaxInt32 {
			return inferInt(int64(t)), nil
		}
		return Double(t), nil
	case []float32:
		switch len(t) {
		case 2:
			return Vector2{t[0], t[1]}, nil
		case 3:
			return Vector3{t[0], t[1], t[2]}, nil
		case 4:
			return Quaternion{t[0], t[1], t[2], t[3]}, nil
		}
		return nil, fmt.Errorf("%w: float vector of arity %d", ErrValueOutOfRange, len(t))
	case map[string]any:
		return inferDict(t)
	}
	if n, ok := toInt64(v); ok {
		return inferInt(n), nil
	}
	return nil, fmt.Errorf("%w: cannot infer wire type for %T", ErrUnsupportedType, v)
}

// inferInt picks the narrowest signed-friendly integer type.
func inferInt(n int64) Value {
	switch {
	case n >= 0 && n <= math.MaxUint8:
		return Byte(n)
	case n >= math.MinInt16 && n <= math.MaxInt16:
		return Short(n)
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return Int(n)
	default:
		return Long(n)
	}
}

func inferDict(m map[string]any) (Dictionary, error) {
	d := make(Dictionary, 0, len(m))
	for k, v := range m {
		val, err := Infer(v)
		if err != nil {
			return nil, err
		}
		d = append(d, Pair{Key: String(k), Val: val})
	}
	return d, nil
}

func checkStringLen(s String) (Value, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: string of %d bytes", ErrValueOutOfRange, len(s))
	}
	return s, nil
}

func checkBytesLen(b ByteArray) (Value, error) {
	if len(b) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: byte array of %d bytes", ErrValueOutOfRange, len(b))
	}
	return b, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case Byte:
		return int64(n), true
	case Short:
		return int64(n), true
	case UShort:
		return int64(n), true
	case Int:
		return int64(n), true
	case UInt:
		return int64(n), true
	case Long:
		return int64(n), true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint:
		return int64(n), true
	}
	return 0, false
}

func toFloats(v any) ([]float32, bool) {
	switch fs := v.(type) {
	case Vector2:
		return fs[:], true
	case Vector3:
		return fs[:], true
	case Quaternion:
		return fs[:], true
	case []float32:
		return fs, true
	case []float64:
		out := make([]float32, len(fs))
		for i, f := range fs {
			out[i] = float32(f)
		}
		return out, true
	}
	return nil, false
}
