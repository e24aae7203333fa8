package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	cases := []Handshake{
		{ProtocolVersion: 763, Address: "play.example.com", Port: 25565, NextState: NextStatePing},
		{ProtocolVersion: 763, Address: "play.example.com", Port: 25565, NextState: NextStateLogin},
		{ProtocolVersion: 763, Address: "mc.example", ForgeVersion: "FML", Port: 25565, NextState: NextStateLogin},
	}
	for _, hs := range cases {
		var buf bytes.Buffer
		if err := WriteHandshake(&buf, hs); err != nil {
			t.Fatalf("WriteHandshake: %v", err)
		}
		got, raw, err := ReadHandshake(&buf)
		if err != nil {
			t.Fatalf("ReadHandshake: %v", err)
		}
		if got != hs {
			t.Fatalf("roundtrip: want %+v got %+v", hs, got)
		}
		if len(raw) == 0 {
			t.Fatal("ReadHandshake returned no raw bytes")
		}
	}
}

func TestReadHandshakeForgeAddress(t *testing.T) {
	// Literal worked example: a Forge client terminates server_address
	// with a trailing NUL after the marker/version segment.
	var payload bytes.Buffer
	writeTestHandshakePacket(&payload, 763, "mc.example\x00FML\x00", 25565, 2)

	hs, _, err := ReadHandshake(&payload)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if hs.Address != "mc.example" {
		t.Fatalf("Address: want %q got %q", "mc.example", hs.Address)
	}
	if hs.ForgeVersion != "FML" {
		t.Fatalf("ForgeVersion: want %q got %q", "FML", hs.ForgeVersion)
	}
}

func TestReadHandshakePlainAddress(t *testing.T) {
	var payload bytes.Buffer
	writeTestHandshakePacket(&payload, 763, "play.example.com", 25565, 1)

	hs, _, err := ReadHandshake(&payload)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if hs.Address != "play.example.com" || hs.ForgeVersion != "" {
		t.Fatalf("unexpected split: %+v", hs)
	}
}

func TestReadHandshakeTooManySegments(t *testing.T) {
	var payload bytes.Buffer
	writeTestHandshakePacket(&payload, 763, "host\x00FML\x00extra", 25565, 1)

	_, _, err := ReadHandshake(&payload)
	if !errors.Is(err, ErrMalformedHandshakeAddress) {
		t.Fatalf("want ErrMalformedHandshakeAddress, got %v", err)
	}
}

func TestReadHandshakeWrongPacketID(t *testing.T) {
	var buf bytes.Buffer
	if err := writePacketID(&buf, 0x01, func(data *bytes.Buffer) {
		writeHandshakeBody(data, 763, "host", 25565, 1)
	}); err != nil {
		t.Fatalf("build packet: %v", err)
	}
	_, _, err := ReadHandshake(&buf)
	if !errors.Is(err, ErrUnexpectedPacket) {
		t.Fatalf("want ErrUnexpectedPacket, got %v", err)
	}
}

func TestNextStateString(t *testing.T) {
	cases := map[NextState]string{
		NextStatePing:     "ping",
		NextStateLogin:    "login",
		NextStateTransfer: "transfer",
		NextState(99):     "99",
	}
	for ns, want := range cases {
		if got := ns.String(); got != want {
			t.Fatalf("NextState(%d).String(): want %q got %q", ns, want, got)
		}
	}
}
