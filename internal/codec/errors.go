package codec

import "errors"

// Decode and encode failures. Every frame-local failure maps onto exactly one
// of these so callers can classify with errors.Is and keep the connection
// alive.
var (
	// ErrTruncated is returned when a frame or parameter ends before its
	// declared length.
	ErrTruncated = errors.New("codec: truncated frame")

	// ErrLength is returned when the frame carries trailing bytes beyond
	// the declared payload length.
	ErrLength = errors.New("codec: frame length mismatch")

	// ErrCRC is returned when the trailing checksum does not match the
	// header+payload bytes.
	ErrCRC = errors.New("codec: crc mismatch")

	// ErrUnknownType is returned on decode when a parameter carries a data
	// type byte outside the wire type table.
	ErrUnknownType = errors.New("codec: unknown data type")

	// ErrUnsupportedType is returned on encode when a requested data type
	// has no defined wire form.
	ErrUnsupportedType = errors.New("codec: unsupported data type")

	// ErrBadString is returned when a STRING parameter is not valid UTF-8.
	ErrBadString = errors.New("codec: invalid utf-8 string")

	// ErrValueOutOfRange is returned on encode when a value cannot be
	// represented in the declared type, or when a payload, string or byte
	// array exceeds the u16 length limit.
	ErrValueOutOfRange = errors.New("codec: value out of range")
)
