package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

func TestRoundTripAllScalarTypes(t *testing.T) {
	params := NewParams(
		Param{0x01, Bool(true)},
		Param{0x02, Byte(0xAB)},
		Param{0x03, Short(-1234)},
		Param{0x04, UShort(54321)},
		Param{0x05, Int(-100000)},
		Param{0x06, UInt(4000000000)},
		Param{0x07, Long(-9000000000000000000)},
		Param{0x08, Float(3.5)},
		Param{0x09, Double(-2.25)},
		Param{0x0A, String("héllo")},
	)
	assertRoundTrip(t, MsgEvent, OpEventState, params)
}

func TestRoundTripCompositeTypes(t *testing.T) {
	params := NewParams(
		Param{ParamPosition, Vector2{1.5, -2.5}},
		Param{ParamRotation, Vector3{0, 1, 0}},
		Param{ParamVelocity, Quaternion{0, 0, 0, 1}},
		Param{ParamAction, ByteArray{0xDE, 0xAD, 0xBE, 0xEF}},
	)
	assertRoundTrip(t, MsgUnreliable, OpEventRaise, params)
}

func TestRoundTripNestedDictionary(t *testing.T) {
	inner := Dictionary{
		{Key: String("hp"), Val: Byte(100)},
		{Key: Int(7), Val: Vector3{1, 2, 3}},
	}
	outer := Dictionary{
		{Key: String("stats"), Val: inner},
		{Key: ByteArray{0x01}, Val: Bool(false)},
		{Key: String("name"), Val: String("archer")},
	}
	params := NewParams(Param{ParamProperties, outer})
	assertRoundTrip(t, MsgRoom, OpRoomProperties, params)
}

func TestRoundTripEmptyPayload(t *testing.T) {
	assertRoundTrip(t, MsgPing, OpPing, Params{})
}

func TestRoundTripFloatBitPatterns(t *testing.T) {
	nan32 := Float(math.Float32frombits(0x7FC00001))
	params := NewParams(
		Param{0x01, nan32},
		Param{0x02, Double(math.Inf(-1))},
		Param{0x03, Float(float32(math.Inf(1)))},
	)
	frame, err := Encode(MsgEvent, OpEventState, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, _ := msg.Params.Get(0x01)
	if math.Float32bits(float32(v.(Float))) != 0x7FC00001 {
		t.Errorf("NaN bit pattern not preserved: 0x%08X", math.Float32bits(float32(v.(Float))))
	}
	v, _ = msg.Params.Get(0x02)
	if !math.IsInf(float64(v.(Double)), -1) {
		t.Errorf("got %v, want -Inf", v)
	}
	v, _ = msg.Params.Get(0x03)
	if !math.IsInf(float64(float32(v.(Float))), 1) {
		t.Errorf("got %v, want +Inf", v)
	}
}

func TestDuplicateParamCodeLastWriteWins(t *testing.T) {
	// Hand-build a payload with paramCode 0x01 twice: BYTE 5, then BYTE 9.
	payload := []byte{0x01, byte(TypeByte), 5, 0x01, byte(TypeByte), 9}
	frame := buildFrame(byte(MsgEvent), OpEventRaise, payload)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Params.Len() != 1 {
		t.Fatalf("got %d params, want 1", msg.Params.Len())
	}
	v, _ := msg.Params.Get(0x01)
	if v != Byte(9) {
		t.Errorf("got %v, want Byte(9)", v)
	}
}

// ---------------------------------------------------------------------------
// Literal wire scenarios
// ---------------------------------------------------------------------------

func TestEncodeJoinScenarioBytes(t *testing.T) {
	params := NewParams(
		Param{ParamPlayerID, Int(66)},
		Param{ParamRoomID, String("Game")},
	)
	frame, err := Encode(MsgRoom, OpRoomJoin, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantPayload := []byte{
		0x01, 0x05, 0x42, 0x00, 0x00, 0x00,
		0x02, 0x0A, 0x04, 0x00, 'G', 'a', 'm', 'e',
	}
	wantHeader := []byte{0x07, 0x02, 0x0E, 0x00}

	if len(frame) != 20 {
		t.Fatalf("frame length %d, want 20", len(frame))
	}
	if !bytes.Equal(frame[:4], wantHeader) {
		t.Errorf("header % X, want % X", frame[:4], wantHeader)
	}
	if !bytes.Equal(frame[4:18], wantPayload) {
		t.Errorf("payload % X, want % X", frame[4:18], wantPayload)
	}
	if got := binary.LittleEndian.Uint16(frame[18:]); got != Checksum(frame[:18]) {
		t.Errorf("trailing CRC 0x%04X, want 0x%04X", got, Checksum(frame[:18]))
	}

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != MsgRoom || msg.Op != OpRoomJoin {
		t.Errorf("got type=0x%02X op=0x%02X, want 0x07/0x02", byte(msg.Type), msg.Op)
	}
}

func TestPositionUpdateScenarioLengths(t *testing.T) {
	params := NewParams(
		Param{ParamPlayerID, Int(66)},
		Param{ParamPosition, Vector3{10.5, 0.0, -3.2}},
	)
	frame, err := Encode(MsgUnreliable, 0x08, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frame) != 26 {
		t.Errorf("frame length %d, want 26", len(frame))
	}
	if payloadLen := binary.LittleEndian.Uint16(frame[2:4]); payloadLen != 20 {
		t.Errorf("payload length %d, want 20", payloadLen)
	}
}

// ---------------------------------------------------------------------------
// Rejection paths
// ---------------------------------------------------------------------------

func TestDecodeCRCMismatchOnBitFlip(t *testing.T) {
	frame, err := Encode(MsgRoom, OpRoomJoin, NewParams(
		Param{ParamPlayerID, Int(66)},
		Param{ParamRoomID, String("Game")},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Flip the low bit of the first payload byte.
	frame[4] ^= 0x01
	if _, err := Decode(frame); !errors.Is(err, ErrCRC) {
		t.Errorf("got %v, want ErrCRC", err)
	}
}

func TestDecodeCRCMismatchEveryHeaderBit(t *testing.T) {
	frame, err := Encode(MsgEvent, OpEventRaise, NewParams(Param{ParamHealth, Byte(50)}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Bits of the type and op bytes; length-byte flips surface as length
	// errors before the CRC check runs.
	for byteIdx := 0; byteIdx < 2; byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(frame))
			copy(mutated, frame)
			mutated[byteIdx] ^= 1 << bit
			if _, err := Decode(mutated); !errors.Is(err, ErrCRC) {
				t.Errorf("byte %d bit %d: got %v, want ErrCRC", byteIdx, bit, err)
			}
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	frame, err := Encode(MsgPing, OpPing, NewParams(Param{ParamTimestamp, Long(12345)}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for cut := 1; cut < len(frame); cut++ {
		if _, err := Decode(frame[:len(frame)-cut]); !errors.Is(err, ErrTruncated) {
			t.Errorf("cut %d: got %v, want ErrTruncated", cut, err)
		}
	}
}

func TestDecodePadded(t *testing.T) {
	frame, err := Encode(MsgPing, OpPing, Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	padded := append(frame, 0x00)
	if _, err := Decode(padded); !errors.Is(err, ErrLength) {
		t.Errorf("got %v, want ErrLength", err)
	}
}

func TestDecodeTooShortForHeader(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02, 0x00}); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

func TestDecodeUnknownDataType(t *testing.T) {
	payload := []byte{0x01, 0x7F, 0x00}
	frame := buildFrame(byte(MsgEvent), OpEventRaise, payload)
	if _, err := Decode(frame); !errors.Is(err, ErrUnknownType) {
		t.Errorf("got %v, want ErrUnknownType", err)
	}
}

func TestDecodeInvalidUTF8String(t *testing.T) {
	payload := []byte{0x01, byte(TypeString), 0x02, 0x00, 0xFF, 0xFE}
	frame := buildFrame(byte(MsgEvent), OpEventRaise, payload)
	if _, err := Decode(frame); !errors.Is(err, ErrBadString) {
		t.Errorf("got %v, want ErrBadString", err)
	}
}

func TestDecodeTruncatedParameterBody(t *testing.T) {
	// INT declares 4 bytes, payload carries 2.
	payload := []byte{0x01, byte(TypeInt), 0x42, 0x00}
	frame := buildFrame(byte(MsgEvent), OpEventRaise, payload)
	if _, err := Decode(frame); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	big := make(ByteArray, MaxPayload)
	params := NewParams(
		Param{0x01, big},
		Param{0x02, big},
	)
	if _, err := Encode(MsgEvent, OpEventRaise, params); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("got %v, want ErrValueOutOfRange", err)
	}
}

// ---------------------------------------------------------------------------
// Coercion and inference
// ---------------------------------------------------------------------------

func TestParamsAddCoercesDeclaredType(t *testing.T) {
	var params Params
	if err := params.Add(ParamHealth, TypeByte, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := params.Add(ParamSequence, TypeUInt, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := params.Get(ParamHealth)
	if v != Byte(100) {
		t.Errorf("got %v, want Byte(100)", v)
	}
	if err := params.Add(ParamHealth, TypeByte, -1); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("got %v, want ErrValueOutOfRange", err)
	}
	if err := params.Add(ParamHealth, DataType(0xEE), 1); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("got %v, want ErrUnsupportedType", err)
	}
}

func TestCoerceNegativeIntoUInt(t *testing.T) {
	if _, err := Coerce(TypeUInt, -1); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("got %v, want ErrValueOutOfRange", err)
	}
}

func TestCoerceOverflowingByte(t *testing.T) {
	if _, err := Coerce(TypeByte, 256); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("got %v, want ErrValueOutOfRange", err)
	}
}

func TestCoerceUnknownDataType(t *testing.T) {
	if _, err := Coerce(DataType(0x99), 1); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("got %v, want ErrUnsupportedType", err)
	}
}

func TestCoerceWidensIntegers(t *testing.T) {
	v, err := Coerce(TypeLong, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != Long(42) {
		t.Errorf("got %v, want Long(42)", v)
	}
}

func TestInferPrecedence(t *testing.T) {
	cases := []struct {
		in   any
		want Value
	}{
		{true, Bool(true)},
		{200, Byte(200)},
		{-5, Short(-5)},
		{40000, Int(40000)},
		{int64(1) << 40, Long(1 << 40)},
		{1.5, Double(1.5)},
		{float64(7), Byte(7)},
		{"x", String("x")},
		{[]float32{1, 2}, Vector2{1, 2}},
		{[]float32{1, 2, 3}, Vector3{1, 2, 3}},
		{[]float32{1, 2, 3, 4}, Quaternion{1, 2, 3, 4}},
		{[]byte{1}, ByteArray{1}},
	}
	for _, c := range cases {
		got, err := Infer(c.in)
		if err != nil {
			t.Fatalf("Infer(%v): unexpected error: %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("Infer(%v): got %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestInferNestedMap(t *testing.T) {
	v, err := Infer(map[string]any{"hp": 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, ok := v.(Dictionary)
	if !ok {
		t.Fatalf("got %T, want Dictionary", v)
	}
	got, ok := d.Lookup(String("hp"))
	if !ok || got != Byte(100) {
		t.Errorf("got %v, want Byte(100)", got)
	}
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

func TestNameResolution(t *testing.T) {
	msg := &Message{Type: MsgRoom, Op: OpRoomJoin}
	if msg.TypeName() != "ROOM" {
		t.Errorf("got %q, want %q", msg.TypeName(), "ROOM")
	}
	if msg.OpName() != "JOIN" {
		t.Errorf("got %q, want %q", msg.OpName(), "JOIN")
	}
	if ParamName(ParamPlayerID) != "PLAYER_ID" {
		t.Errorf("got %q, want %q", ParamName(ParamPlayerID), "PLAYER_ID")
	}
}

func TestUnknownOpName(t *testing.T) {
	msg := &Message{Type: MsgRoom, Op: 0x7F}
	if msg.OpName() != UnknownName {
		t.Errorf("got %q, want %q", msg.OpName(), UnknownName)
	}
}

func TestGetByName(t *testing.T) {
	params := NewParams(Param{ParamPlayerID, Int(7)})
	v, ok := params.GetByName("PLAYER_ID")
	if !ok || v != Int(7) {
		t.Errorf("got %v/%v, want Int(7)/true", v, ok)
	}
	if _, ok := params.GetByName("NO_SUCH_PARAM"); ok {
		t.Error("lookup of unknown name succeeded")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func assertRoundTrip(t *testing.T, mt MsgType, op byte, params Params) {
	t.Helper()
	frame, err := Encode(mt, op, params)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != HeaderLen+int(binary.LittleEndian.Uint16(frame[2:4]))+CRCLen {
		t.Fatalf("frame length %d does not match declared payload", len(frame))
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != mt || msg.Op != op {
		t.Errorf("got type=0x%02X op=0x%02X, want 0x%02X/0x%02X", byte(msg.Type), msg.Op, byte(mt), op)
	}
	if !reflect.DeepEqual(msg.Params.All(), params.All()) {
		t.Errorf("params differ:\n got  %#v\n want %#v", msg.Params.All(), params.All())
	}
}

func buildFrame(msgType, op byte, payload []byte) []byte {
	frame := make([]byte, 0, HeaderLen+len(payload)+CRCLen)
	frame = append(frame, msgType, op)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	return binary.LittleEndian.AppendUint16(frame, Checksum(frame))
}
