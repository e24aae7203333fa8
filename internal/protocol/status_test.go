package protocol

import (
	"bytes"
	"errors"
	"testing"

	"mcrelay/pkg/mcproto"
)

func TestStatusRequestResponseRoundTrip(t *testing.T) {
	var reqBuf bytes.Buffer
	if err := mcproto.WritePacket(&reqBuf, 0x00, nil); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := ReadStatusRequest(&reqBuf); err != nil {
		t.Fatalf("ReadStatusRequest: %v", err)
	}

	resp := StatusResponse{
		Version:     StatusVersion{Name: "1.20.4", Protocol: 765},
		Players:     StatusPlayers{Max: 20, Online: 3},
		Description: String("A placeholder server"),
	}
	var respBuf bytes.Buffer
	if err := WriteStatusResponse(&respBuf, resp); err != nil {
		t.Fatalf("WriteStatusResponse: %v", err)
	}
	got, err := ReadStatusResponse(&respBuf)
	if err != nil {
		t.Fatalf("ReadStatusResponse: %v", err)
	}
	if got.Version != resp.Version {
		t.Fatalf("version mismatch: want %+v got %+v", resp.Version, got.Version)
	}
	if got.Players.Max != resp.Players.Max || got.Players.Online != resp.Players.Online {
		t.Fatalf("players mismatch: want %+v got %+v", resp.Players, got.Players)
	}
	if got.Description.Text != resp.Description.Text {
		t.Fatalf("description mismatch: want %q got %q", resp.Description.Text, got.Description.Text)
	}
}

func TestReadStatusRequestRejectsNonEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := mcproto.WritePacket(&buf, 0x00, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := ReadStatusRequest(&buf); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("want ErrMalformedPacket, got %v", err)
	}
}

func TestReadStatusRequestRejectsWrongID(t *testing.T) {
	var buf bytes.Buffer
	if err := mcproto.WritePacket(&buf, 0x05, nil); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := ReadStatusRequest(&buf); !errors.Is(err, ErrUnexpectedPacket) {
		t.Fatalf("want ErrUnexpectedPacket, got %v", err)
	}
}
