package protocol

import (
	"bytes"

	"mcrelay/pkg/mcproto"
)

// writeHandshakeBody writes the Handshake packet body (without id/length
// framing) for tests that need to construct malformed or atypical frames.
func writeHandshakeBody(data *bytes.Buffer, protoVer int32, address string, port uint16, nextState int32) {
	_, _ = mcproto.WriteVarInt(data, protoVer)
	_, _ = mcproto.WriteString(data, address)
	_, _ = mcproto.WriteUShort(data, port)
	_, _ = mcproto.WriteVarInt(data, nextState)
}

// writePacketID frames a packet with the given id, with body written by fn.
func writePacketID(w *bytes.Buffer, id int32, fn func(*bytes.Buffer)) error {
	var body bytes.Buffer
	fn(&body)
	return mcproto.WritePacket(w, id, body.Bytes())
}

// writeTestHandshakePacket writes a full Handshake packet (id 0x00) to buf.
func writeTestHandshakePacket(buf *bytes.Buffer, protoVer int32, address string, port uint16, nextState int32) {
	_ = writePacketID(buf, 0x00, func(data *bytes.Buffer) {
		writeHandshakeBody(data, protoVer, address, port, nextState)
	})
}
