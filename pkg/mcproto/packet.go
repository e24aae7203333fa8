package mcproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrPacketTooLarge is returned when a declared packet length exceeds
	// MaxPacketLen, regardless of whether the peer intends to send that much.
	ErrPacketTooLarge = errors.New("mcproto: packet length exceeds maximum")
	// ErrMalformedPacket is returned for structurally invalid packets, e.g. a
	// negative declared length. A frame too short to contain its packet ID
	// fails with ErrVarIntEOF instead.
	ErrMalformedPacket = errors.New("mcproto: malformed packet")
)

// MaxPacketLen is the hard ceiling on a packet's declared length, per the
// Minecraft protocol's own VarInt-based framing limit.
const MaxPacketLen = 1<<21 - 1

// Packet is a decoded packet: its numeric ID and payload (the bytes after
// the ID VarInt). Length is implied by len(Data) plus the ID's VarInt width.
type Packet struct {
	ID   int32
	Data []byte
}

// ReadPacket reads one length-prefixed packet frame from r.
//
// The declared length is bounded by MaxPacketLen regardless of what the
// peer claims, so a corrupt or hostile declared length cannot force an
// unbounded read.
func ReadPacket(r io.Reader) (Packet, error) {
	length, _, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, err
	}
	if length < 0 {
		return Packet{}, fmt.Errorf("%w: negative length %d", ErrMalformedPacket, length)
	}
	if int(length) > MaxPacketLen {
		return Packet{}, fmt.Errorf("%w: %d", ErrPacketTooLarge, length)
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, err
	}

	br := bytes.NewReader(payload)
	id, idLen, err := ReadVarInt(br)
	if err != nil {
		return Packet{}, err
	}
	return Packet{ID: id, Data: payload[idLen:]}, nil
}

// ReadPacketRaw behaves like ReadPacket but additionally returns the raw
// wire bytes of the frame (length VarInt + ID VarInt + data) so callers can
// forward them verbatim, as the Router does with the Handshake.
func ReadPacketRaw(r io.Reader) (pkt Packet, raw []byte, err error) {
	length, lenRaw, err := readVarIntRaw(r)
	if err != nil {
		return Packet{}, nil, err
	}
	if length < 0 {
		return Packet{}, nil, fmt.Errorf("%w: negative length %d", ErrMalformedPacket, length)
	}
	if int(length) > MaxPacketLen {
		return Packet{}, nil, fmt.Errorf("%w: %d", ErrPacketTooLarge, length)
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, nil, err
	}

	br := bytes.NewReader(payload)
	id, idLen, err := ReadVarInt(br)
	if err != nil {
		return Packet{}, nil, err
	}

	raw = make([]byte, 0, len(lenRaw)+len(payload))
	raw = append(raw, lenRaw...)
	raw = append(raw, payload...)
	return Packet{ID: id, Data: payload[idLen:]}, raw, nil
}

func readVarIntRaw(r io.Reader) (value int32, raw []byte, err error) {
	var (
		numRead int
		result  int32
		buf     [5]byte
	)

	for {
		if numRead >= 5 {
			return 0, buf[:numRead], ErrVarIntTooLong
		}
		b, rerr := readOneByte(r)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && numRead == 0 {
				return 0, nil, io.EOF
			}
			return 0, buf[:numRead], rerr
		}
		buf[numRead] = b
		result |= int32(b&0x7F) << (7 * numRead)
		numRead++
		if (b & 0x80) == 0 {
			return result, buf[:numRead], nil
		}
	}
}

// WritePacket frames id and data and writes them to w.
func WritePacket(w io.Writer, id int32, data []byte) error {
	return WritePacketVectored(w, id, data)
}

// WritePacketVectored frames id followed by the concatenation of dataParts
// and writes them to w. It must produce byte-identical output to
// WritePacket(w, id, bytes.Join(dataParts, nil)).
func WritePacketVectored(w io.Writer, id int32, dataParts ...[]byte) error {
	idLen := VarIntLen(id)
	total := idLen
	for _, p := range dataParts {
		total += len(p)
	}

	var buf bytes.Buffer
	buf.Grow(VarIntLen(int32(total)) + total)
	if _, err := WriteVarInt(&buf, int32(total)); err != nil {
		return err
	}
	if _, err := WriteVarInt(&buf, id); err != nil {
		return err
	}
	for _, p := range dataParts {
		buf.Write(p)
	}

	_, err := w.Write(buf.Bytes())
	return err
}
