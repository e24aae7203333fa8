// Package protocol implements the typed Minecraft packets the router and
// responder exchange: Handshake, Status Request/Response, Ping/Pong, Login
// Start, and Disconnect, built on top of the pkg/mcproto wire primitives.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"mcrelay/pkg/mcproto"
)

// NextState is the handshake's next-state discriminator. Values beyond the
// three named ones are preserved as-is rather than rejected, so the router
// can log and close rather than panic on a future client revision.
type NextState int32

const (
	NextStatePing     NextState = 1
	NextStateLogin    NextState = 2
	NextStateTransfer NextState = 3
)

func (s NextState) String() string {
	switch s {
	case NextStatePing:
		return "ping"
	case NextStateLogin:
		return "login"
	case NextStateTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("%d", int32(s))
	}
}

var (
	// ErrUnexpectedPacket is returned when a packet's ID does not match the
	// operation being decoded.
	ErrUnexpectedPacket = errors.New("protocol: unexpected packet id")
	// ErrMalformedPacket is returned for fixed-shape packets with the wrong
	// length, e.g. a non-empty Status Request.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrMalformedHandshakeAddress is returned when server_address contains
	// more than two NUL-separated segments.
	ErrMalformedHandshakeAddress = errors.New("protocol: malformed handshake address")
)

// Handshake is the first packet a client sends. Address has already been
// split from any trailing Forge marker/version segments.
type Handshake struct {
	ProtocolVersion int32
	Address         string
	ForgeVersion    string
	Port            uint16
	NextState       NextState
}

// ReadHandshake reads and decodes a Handshake packet (id 0x00) from r,
// returning both the decoded value and the verbatim wire bytes of the frame
// so the router can forward them upstream unchanged.
func ReadHandshake(r io.Reader) (Handshake, []byte, error) {
	pkt, raw, err := mcproto.ReadPacketRaw(r)
	if err != nil {
		return Handshake{}, nil, err
	}
	if pkt.ID != 0x00 {
		return Handshake{}, nil, fmt.Errorf("%w: handshake id 0x00, got 0x%02x", ErrUnexpectedPacket, pkt.ID)
	}

	br := bytes.NewReader(pkt.Data)
	protoVer, _, err := mcproto.ReadVarInt(br)
	if err != nil {
		return Handshake{}, nil, err
	}
	addr, _, err := mcproto.ReadString(br)
	if err != nil {
		return Handshake{}, nil, err
	}
	port, _, err := mcproto.ReadUShort(br)
	if err != nil {
		return Handshake{}, nil, err
	}
	nextState, _, err := mcproto.ReadVarInt(br)
	if err != nil {
		return Handshake{}, nil, err
	}

	host, forge, err := splitServerAddress(addr)
	if err != nil {
		return Handshake{}, nil, err
	}

	return Handshake{
		ProtocolVersion: protoVer,
		Address:         host,
		ForgeVersion:    forge,
		Port:            port,
		NextState:       NextState(nextState),
	}, raw, nil
}

// WriteHandshake encodes and writes a Handshake packet (id 0x00). Used by
// the Prober to synthesize outbound handshakes; the router never re-encodes
// a client handshake, it forwards the raw bytes from ReadHandshake instead.
func WriteHandshake(w io.Writer, h Handshake) error {
	var data bytes.Buffer
	if _, err := mcproto.WriteVarInt(&data, h.ProtocolVersion); err != nil {
		return err
	}
	addr := h.Address
	if h.ForgeVersion != "" {
		addr = h.Address + "\x00" + h.ForgeVersion
	}
	if _, err := mcproto.WriteString(&data, addr); err != nil {
		return err
	}
	if _, err := mcproto.WriteUShort(&data, h.Port); err != nil {
		return err
	}
	if _, err := mcproto.WriteVarInt(&data, int32(h.NextState)); err != nil {
		return err
	}
	return mcproto.WritePacket(w, 0x00, data.Bytes())
}

// splitServerAddress splits the handshake's server_address field on NUL
// bytes. The Forge modded-client convention terminates the address with a
// trailing NUL (e.g. "host\0FML\0"); that single trailing empty segment is
// not itself counted. What remains is the routing hostname and, if
// present, one further segment captured as ForgeVersion. More than two
// segments is a parse error.
func splitServerAddress(addr string) (host, forgeVersion string, err error) {
	parts := strings.Split(addr, "\x00")
	if len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: %d NUL-separated segments", ErrMalformedHandshakeAddress, len(parts))
	}
}
