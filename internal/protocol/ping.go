package protocol

import (
	"bytes"
	"fmt"
	"io"

	"mcrelay/pkg/mcproto"
)

// ReadPing reads a Ping packet (id 0x01, single i64 payload) and returns
// the opaque payload the client expects echoed back in Pong.
func ReadPing(r io.Reader) (int64, error) {
	pkt, err := mcproto.ReadPacket(r)
	if err != nil {
		return 0, err
	}
	if pkt.ID != 0x01 {
		return 0, fmt.Errorf("%w: ping id 0x01, got 0x%02x", ErrUnexpectedPacket, pkt.ID)
	}
	payload, _, err := mcproto.ReadLong(bytes.NewReader(pkt.Data))
	if err != nil {
		return 0, err
	}
	return payload, nil
}

// WritePong writes a Pong packet (id 0x01) echoing payload back to the
// client unchanged.
func WritePong(w io.Writer, payload int64) error {
	var buf bytes.Buffer
	if _, err := mcproto.WriteLong(&buf, payload); err != nil {
		return err
	}
	return mcproto.WritePacket(w, 0x01, buf.Bytes())
}

// ReadPong reads a Pong packet (id 0x01) and returns its payload. The
// Prober uses it to complete an upstream health check's Ping/Pong round
// trip; it does not compare the returned payload with the nonce it sent.
func ReadPong(r io.Reader) (int64, error) {
	pkt, err := mcproto.ReadPacket(r)
	if err != nil {
		return 0, err
	}
	if pkt.ID != 0x01 {
		return 0, fmt.Errorf("%w: pong id 0x01, got 0x%02x", ErrUnexpectedPacket, pkt.ID)
	}
	payload, _, err := mcproto.ReadLong(bytes.NewReader(pkt.Data))
	if err != nil {
		return 0, err
	}
	return payload, nil
}

// WritePing writes a Ping packet (id 0x01) carrying payload. Used by the
// Prober to probe upstream latency after a Status exchange.
func WritePing(w io.Writer, payload int64) error {
	var buf bytes.Buffer
	if _, err := mcproto.WriteLong(&buf, payload); err != nil {
		return err
	}
	return mcproto.WritePacket(w, 0x01, buf.Bytes())
}
