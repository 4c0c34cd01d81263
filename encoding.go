package mqttloop

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455 // 0x0FFFFFFF
	maxVarintBytes    = 4
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

// validateString checks an MQTT UTF-8 string field.
func validateString(s string) error {
	if len(s) > maxUint16 {
		return ErrStringTooLong
	}

	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	for i := range len(s) {
		if s[i] == 0 {
			return ErrStringContainsNull
		}
	}

	return nil
}

// appendString appends a 2-byte big-endian length prefix and s.
func appendString(w io.Writer, s string) (int, error) {
	if err := validateString(s); err != nil {
		return 0, err
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// appendBinary appends a 2-byte big-endian length prefix and data.
func appendBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrStringTooLong
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// appendUint16 appends a big-endian 16-bit integer.
func appendUint16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

// EncodeVarint returns the remaining-length encoding of value: base-128
// digits, least significant first, continuation in the top bit.
func EncodeVarint(value uint32) ([]byte, error) {
	var buf [maxVarintBytes]byte
	n, err := putVarint(buf[:], value)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[:n]...), nil
}

// putVarint writes value into dst and returns the number of bytes used.
func putVarint(dst []byte, value uint32) (int, error) {
	if value > maxVarint {
		return 0, ErrVarintTooLarge
	}

	n := 0
	for {
		encodedByte := byte(value & varintValueMask)
		value >>= 7

		if value > 0 {
			encodedByte |= varintContinueBit
		}

		dst[n] = encodedByte
		n++

		if value == 0 {
			return n, nil
		}
	}
}

// writeVarint writes a variable byte integer to w.
func writeVarint(w io.Writer, value uint32) (int, error) {
	var buf [maxVarintBytes]byte
	n, err := putVarint(buf[:], value)
	if err != nil {
		return 0, err
	}
	return w.Write(buf[:n])
}

// DecodeVarint decodes a complete remaining-length field from the start of
// p and returns the value and the number of bytes consumed. A truncated
// field yields io.ErrUnexpectedEOF.
func DecodeVarint(p []byte) (uint32, int, error) {
	var d varintDecoder
	for i, b := range p {
		done, err := d.feed(b)
		if err != nil {
			return 0, i + 1, err
		}
		if done {
			return d.value, i + 1, nil
		}
	}
	return 0, len(p), io.ErrUnexpectedEOF
}

// varintDecoder accumulates a remaining-length field one byte at a time so
// it can be resumed across input chunks.
type varintDecoder struct {
	value      uint32
	multiplier uint32
	digits     int
}

func (d *varintDecoder) reset() {
	*d = varintDecoder{}
}

// feed consumes one byte and reports whether the field is complete.
func (d *varintDecoder) feed(b byte) (bool, error) {
	if d.digits == 0 {
		d.multiplier = 1
	}
	if d.digits == maxVarintBytes {
		return false, ErrVarintMalformed
	}

	d.value += uint32(b&varintValueMask) * d.multiplier
	d.digits++

	if b&varintContinueBit == 0 {
		return true, nil
	}
	if d.digits == maxVarintBytes {
		return false, ErrVarintMalformed
	}

	d.multiplier *= 128
	return false, nil
}

// varintSize returns the number of bytes needed to encode a variable byte integer.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
