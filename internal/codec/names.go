package codec

// MsgType is the one-byte message class in the frame header.
type MsgType byte

// The closed message type set.
const (
	MsgSystem     MsgType = 0x01
	MsgReliable   MsgType = 0x02
	MsgUnreliable MsgType = 0x03
	MsgFragment   MsgType = 0x04
	MsgAck        MsgType = 0x05
	MsgPing       MsgType = 0x06
	MsgRoom       MsgType = 0x07
	MsgEvent      MsgType = 0x08
)

// Operation codes, namespaced per message type. Each namespace starts at 0x01.
const (
	OpSysConnect    byte = 0x01
	OpSysDisconnect byte = 0x02
	OpSysAuth       byte = 0x03
	OpSysHeartbeat  byte = 0x04

	OpRoomCreate     byte = 0x01
	OpRoomJoin       byte = 0x02
	OpRoomLeave      byte = 0x03
	OpRoomList       byte = 0x04
	OpRoomProperties byte = 0x05

	OpEventRaise    byte = 0x01
	OpEventState    byte = 0x02
	OpEventSnapshot byte = 0x03

	OpAck  byte = 0x01
	OpPing byte = 0x01
)

// Canonical parameter codes.
const (
	ParamPlayerID   byte = 0x01
	ParamRoomID     byte = 0x02
	ParamTimestamp  byte = 0x03
	ParamSequence   byte = 0x04
	ParamPosition   byte = 0x05
	ParamRotation   byte = 0x06
	ParamVelocity   byte = 0x07
	ParamAction     byte = 0x08
	ParamTargetID   byte = 0x09
	ParamHealth     byte = 0x0A
	ParamProperties byte = 0x0B
)

// UnknownName is returned by the name accessors for codes outside the
// canonical tables. Wire behaviour never depends on names; they exist for
// logs and embedder convenience only.
const UnknownName = "UNKNOWN"

var msgTypeNames = map[MsgType]string{
	MsgSystem:     "SYSTEM",
	MsgReliable:   "RELIABLE",
	MsgUnreliable: "UNRELIABLE",
	MsgFragment:   "FRAGMENT",
	MsgAck:        "ACK",
	MsgPing:       "PING",
	MsgRoom:       "ROOM",
	MsgEvent:      "EVENT",
}

var opNames = map[MsgType]map[byte]string{
	MsgSystem: {
		OpSysConnect:    "CONNECT",
		OpSysDisconnect: "DISCONNECT",
		OpSysAuth:       "AUTH",
		OpSysHeartbeat:  "HEARTBEAT",
	},
	MsgRoom: {
		OpRoomCreate:     "CREATE",
		OpRoomJoin:       "JOIN",
		OpRoomLeave:      "LEAVE",
		OpRoomList:       "LIST",
		OpRoomProperties: "PROPERTIES",
	},
	MsgEvent: {
		OpEventRaise:    "RAISE",
		OpEventState:    "STATE",
		OpEventSnapshot: "SNAPSHOT",
	},
	MsgAck:  {OpAck: "ACK"},
	MsgPing: {OpPing: "PING"},
}

var paramNames = map[byte]string{
	ParamPlayerID:   "PLAYER_ID",
	ParamRoomID:     "ROOM_ID",
	ParamTimestamp:  "TIMESTAMP",
	ParamSequence:   "SEQUENCE",
	ParamPosition:   "POSITION",
	ParamRotation:   "ROTATION",
	ParamVelocity:   "VELOCITY",
	ParamAction:     "ACTION",
	ParamTargetID:   "TARGET_ID",
	ParamHealth:     "HEALTH",
	ParamProperties: "PROPERTIES",
}

var paramCodes = func() map[string]byte {
	m := make(map[string]byte, len(paramNames))
	for code, name := range paramNames {
		m[name] = code
	}
	return m
}()

var dataTypeNames = map[DataType]string{
	TypeBool:       "BOOL",
	TypeByte:       "BYTE",
	TypeShort:      "SHORT",
	TypeUShort:     "USHORT",
	TypeInt:        "INT",
	TypeUInt:       "UINT",
	TypeLong:       "LONG",
	TypeFloat:      "FLOAT",
	TypeDouble:     "DOUBLE",
	TypeString:     "STRING",
	TypeVector2:    "VECTOR2",
	TypeVector3:    "VECTOR3",
	TypeQuaternion: "QUATERNION",
	TypeByteArray:  "BYTE_ARRAY",
	TypeDictionary: "DICTIONARY",
}

// Name returns the canonical message type name.
func (t MsgType) Name() string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return UnknownName
}

// Name returns the canonical data type name.
func (dt DataType) Name() string {
	if n, ok := dataTypeNames[dt]; ok {
		return n
	}
	return UnknownName
}

// OpName resolves an operation code within a message type's namespace.
func OpName(t MsgType, op byte) string {
	if n, ok := opNames[t][op]; ok {
		return n
	}
	return UnknownName
}

// ParamName returns the canonical name for a parameter code, or UnknownName.
func ParamName(code byte) string {
	if n, ok := paramNames[code]; ok {
		return n
	}
	return UnknownName
}

// ParamCode resolves a canonical parameter name back to its code.
func ParamCode(name string) (byte, bool) {
	code, ok := paramCodes[name]
	return code, ok
}
