package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"mcrelay/pkg/mcproto"
)

// LoginStart is the Login Start packet (id 0x00) a client sends after
// choosing NextStateLogin in its Handshake.
type LoginStart struct {
	Name string
	UUID [16]byte
}

// ReadLoginStart reads and decodes a Login Start packet. Protocol
// revisions that omit the uuid field are tolerated: this proxy only
// needs the name to log a session, so a short read of the uuid field
// leaves it zeroed rather than failing the handshake.
func ReadLoginStart(r io.Reader) (LoginStart, error) {
	pkt, err := mcproto.ReadPacket(r)
	if err != nil {
		return LoginStart{}, err
	}
	if pkt.ID != 0x00 {
		return LoginStart{}, fmt.Errorf("%w: login start id 0x00, got 0x%02x", ErrUnexpectedPacket, pkt.ID)
	}

	br := bytes.NewReader(pkt.Data)
	name, _, err := mcproto.ReadString(br)
	if err != nil {
		return LoginStart{}, err
	}

	ls := LoginStart{Name: name}
	if uuid, _, err := mcproto.ReadUUID(br); err == nil {
		ls.UUID = uuid
	}
	return ls, nil
}

// WriteDisconnect encodes reason as JSON and writes it as a Login
// Disconnect packet (id 0x00).
func WriteDisconnect(w io.Writer, reason TextComponent) error {
	body, err := json.Marshal(reason)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := mcproto.WriteString(&buf, string(body)); err != nil {
		return err
	}
	return mcproto.WritePacket(w, 0x00, buf.Bytes())
}
