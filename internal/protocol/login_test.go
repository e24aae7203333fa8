package protocol

import (
	"bytes"
	"testing"

	"mcrelay/pkg/mcproto"
)

func TestReadLoginStart(t *testing.T) {
	var payload bytes.Buffer
	_, _ = mcproto.WriteString(&payload, "Notch")
	var uuid [16]byte
	for i := range uuid {
		uuid[i] = byte(i)
	}
	_, _ = mcproto.WriteUUID(&payload, uuid)

	var pkt bytes.Buffer
	if err := mcproto.WritePacket(&pkt, 0x00, payload.Bytes()); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	ls, err := ReadLoginStart(&pkt)
	if err != nil {
		t.Fatalf("ReadLoginStart: %v", err)
	}
	if ls.Name != "Notch" {
		t.Fatalf("Name: want %q got %q", "Notch", ls.Name)
	}
	if ls.UUID != uuid {
		t.Fatalf("UUID: want %v got %v", uuid, ls.UUID)
	}
}

func TestReadLoginStartWithoutUUID(t *testing.T) {
	var payload bytes.Buffer
	_, _ = mcproto.WriteString(&payload, "Steve")

	var pkt bytes.Buffer
	if err := mcproto.WritePacket(&pkt, 0x00, payload.Bytes()); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	ls, err := ReadLoginStart(&pkt)
	if err != nil {
		t.Fatalf("ReadLoginStart: %v", err)
	}
	if ls.Name != "Steve" {
		t.Fatalf("Name: want %q got %q", "Steve", ls.Name)
	}
	var zero [16]byte
	if ls.UUID != zero {
		t.Fatalf("UUID: want zero value, got %v", ls.UUID)
	}
}

func TestWriteDisconnect(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDisconnect(&buf, String("server full")); err != nil {
		t.Fatalf("WriteDisconnect: %v", err)
	}
	pkt, err := mcproto.ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.ID != 0x00 {
		t.Fatalf("id: want 0x00 got 0x%02x", pkt.ID)
	}
	body, _, err := mcproto.ReadString(bytes.NewReader(pkt.Data))
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if body == "" {
		t.Fatal("disconnect body is empty")
	}
}
