// Package mcproto implements the Minecraft Java Edition wire primitives:
// VarInt, length-prefixed strings, and fixed-width integers. The packet
// frame itself lives in packet.go; typed packets live in internal/protocol.
package mcproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVarIntTooLong = errors.New("mcproto: varint too long")
	ErrVarIntEOF     = errors.New("mcproto: unexpected EOF")
	ErrStringTooLong = errors.New("mcproto: string exceeds maximum length")
)

// MaxStringLen is the hard cap ReadString enforces regardless of what the
// peer declares in its length prefix.
const MaxStringLen = 32767

// ReadVarInt reads a Minecraft-style VarInt (signed 32-bit, little-endian
// 7-bit groups, MSB continuation) and returns the decoded value and the
// number of bytes consumed.
func ReadVarInt(r io.Reader) (int32, int, error) {
	var (
		numRead int
		result  int32
	)

	for {
		if numRead >= 5 {
			return 0, numRead, ErrVarIntTooLong
		}

		b, err := readOneByte(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, numRead, ErrVarIntEOF
			}
			return 0, numRead, err
		}

		value := int32(b & 0x7F)
		result |= value << (7 * numRead)
		numRead++

		if (b & 0x80) == 0 {
			return result, numRead, nil
		}
	}
}

func readOneByte(r io.Reader) (byte, error) {
	if br, ok := r.(interface{ ReadByte() (byte, error) }); ok {
		return br.ReadByte()
	}
	var one [1]byte
	_, err := io.ReadFull(r, one[:])
	return one[0], err
}

// WriteVarInt encodes v and writes it to w, returning the number of bytes
// written (always between 1 and 5 inclusive).
func WriteVarInt(w io.Writer, v int32) (int, error) {
	var out [5]byte
	ux := uint32(v)
	i := 0
	for {
		b := byte(ux & 0x7F)
		ux >>= 7
		if ux != 0 {
			b |= 0x80
		}
		out[i] = b
		i++
		if ux == 0 {
			break
		}
		if i >= len(out) {
			return 0, ErrVarIntTooLong
		}
	}

	return w.Write(out[:i])
}

// VarIntLen returns the number of bytes WriteVarInt would emit for v,
// without performing any I/O.
func VarIntLen(v int32) int {
	ux := uint32(v)
	n := 1
	for ux >= 0x80 {
		ux >>= 7
		n++
	}
	return n
}

// ReadString reads a VarInt-length-prefixed UTF-8 string, capped at
// MaxStringLen bytes regardless of the declared length. Invalid UTF-8 is
// replaced lossily rather than rejected.
func ReadString(r io.Reader) (string, int, error) {
	ln, n1, err := ReadVarInt(r)
	if err != nil {
		return "", n1, err
	}
	if ln < 0 {
		return "", n1, fmt.Errorf("mcproto: negative string length: %d", ln)
	}
	if int(ln) > MaxStringLen {
		return "", n1, ErrStringTooLong
	}
	buf := make([]byte, int(ln))
	n2, err := io.ReadFull(r, buf)
	if err != nil {
		return "", n1 + n2, err
	}
	return sanitizeUTF8(string(buf)), n1 + n2, nil
}

// WriteString writes a VarInt-length-prefixed UTF-8 string.
func WriteString(w io.Writer, s string) (int, error) {
	n1, err := WriteVarInt(w, int32(len(s)))
	if err != nil {
		return n1, err
	}
	n2, err := io.WriteString(w, s)
	return n1 + n2, err
}

// ReadUShort reads a big-endian uint16.
func ReadUShort(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

// WriteUShort writes a big-endian uint16.
func WriteUShort(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

// ReadLong reads a big-endian int64, used for Ping/Pong payloads.
func ReadLong(r io.Reader) (int64, int, error) {
	var buf [8]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), n, nil
}

// WriteLong writes a big-endian int64.
func WriteLong(w io.Writer, v int64) (int, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return w.Write(buf[:])
}

// ReadUUID reads a 16-byte UUID (the wire form of the Login Start u128).
func ReadUUID(r io.Reader) ([16]byte, int, error) {
	var buf [16]byte
	n, err := io.ReadFull(r, buf[:])
	return buf, n, err
}

// WriteUUID writes a 16-byte UUID verbatim.
func WriteUUID(w io.Writer, v [16]byte) (int, error) {
	return w.Write(v[:])
}
