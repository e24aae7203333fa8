package router

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"mcrelay/internal/protocol"
	"mcrelay/internal/proxy"
	"mcrelay/internal/registry"
	"mcrelay/pkg/mcproto"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			connCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv := <-connCh
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
	})
	return client, srv
}

type staticResolver map[string]registry.Upstream

func (r staticResolver) Resolve(hostname string) (registry.Upstream, bool) {
	u, ok := r[hostname]
	return u, ok
}

func newTestHandler(resolver UpstreamResolver, placeholders Placeholders, timeout time.Duration) *Handler {
	return NewHandler(HandlerOptions{
		Resolver:     resolver,
		Dialer:       proxy.NewNetDialer(nil),
		Pump:         proxy.NewPump(proxy.PumpOptions{}),
		Responder:    &proxy.Responder{},
		Placeholders: placeholders,
		PingTimeout:  timeout,
	})
}

func encodeHandshake(t *testing.T, hs protocol.Handshake) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.WriteHandshake(&buf, hs); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	return buf.Bytes()
}

// upstreamRecorder accepts one connection, records every byte received,
// and optionally answers the status+ping exchange.
type upstreamRecorder struct {
	addr     registry.Upstream
	received chan []byte
}

func startUpstreamRecorder(t *testing.T, answer bool, status protocol.StatusResponse) *upstreamRecorder {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	rec := &upstreamRecorder{received: make(chan []byte, 1)}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	rec.addr = registry.Upstream{Host: "127.0.0.1", Port: uint16(tcpAddr.Port)}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		var seen bytes.Buffer
		tee := io.TeeReader(conn, &seen)

		if _, _, err := protocol.ReadHandshake(tee); err != nil {
			rec.received <- seen.Bytes()
			return
		}
		if answer {
			if err := protocol.ReadStatusRequest(tee); err == nil {
				_ = protocol.WriteStatusResponse(conn, status)
				if payload, err := protocol.ReadPing(tee); err == nil {
					_ = protocol.WritePong(conn, payload)
				}
			}
		} else {
			// Drain whatever else the client sends.
			_, _ = io.Copy(io.Discard, tee)
		}
		rec.received <- seen.Bytes()
	}()
	return rec
}

func TestHandler_ProxiesKnownHost(t *testing.T) {
	status := protocol.StatusResponse{
		Version:     protocol.StatusVersion{Name: "1.20.2", Protocol: 764},
		Description: protocol.String("real server"),
	}
	upstream := startUpstreamRecorder(t, true, status)

	h := newTestHandler(staticResolver{"mc.example": upstream.addr}, Placeholders{}, 2*time.Second)

	clientSide, serverSide := tcpPair(t)
	go h.Handle(context.Background(), serverSide)

	hsBytes := encodeHandshake(t, protocol.Handshake{
		ProtocolVersion: 764,
		Address:         "mc.example",
		Port:            25565,
		NextState:       protocol.NextStatePing,
	})
	if _, err := clientSide.Write(hsBytes); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if err := mcproto.WritePacket(clientSide, 0x00, nil); err != nil {
		t.Fatalf("write status request: %v", err)
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := protocol.ReadStatusResponse(clientSide)
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}
	if got.Description.Text != "real server" {
		t.Fatalf("description=%q, expected upstream response", got.Description.Text)
	}

	const nonce = int64(0x0123456789ABCDEF)
	if err := protocol.WritePing(clientSide, nonce); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong, err := protocol.ReadPong(clientSide)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong != nonce {
		t.Fatalf("pong=%#x want %#x", pong, nonce)
	}
	_ = clientSide.Close()

	// The upstream's received stream must begin with the original
	// handshake bytes, verbatim.
	select {
	case seen := <-upstream.received:
		if !bytes.HasPrefix(seen, hsBytes) {
			t.Fatalf("upstream stream does not start with the verbatim handshake")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream never reported its received bytes")
	}
}

func TestHandler_NoMappingServesPlaceholder(t *testing.T) {
	noMapping := &protocol.StatusResponse{
		Version:     protocol.StatusVersion{Name: "mcrelay", Protocol: 764},
		Description: protocol.String("unmapped"),
	}
	h := newTestHandler(staticResolver{}, Placeholders{NoMapping: noMapping}, 2*time.Second)

	clientSide, serverSide := tcpPair(t)
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide)
		close(done)
	}()

	if _, err := clientSide.Write(encodeHandshake(t, protocol.Handshake{
		ProtocolVersion: 764,
		Address:         "absent.example",
		Port:            25565,
		NextState:       protocol.NextStatePing,
	})); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if err := mcproto.WritePacket(clientSide, 0x00, nil); err != nil {
		t.Fatalf("write status request: %v", err)
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := protocol.ReadStatusResponse(clientSide)
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}
	if got.Description.Text != "unmapped" {
		t.Fatalf("description=%q want no_mapping placeholder", got.Description.Text)
	}

	if err := protocol.WritePing(clientSide, 7); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong, err := protocol.ReadPong(clientSide)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong != 7 {
		t.Fatalf("pong=%d want 7", pong)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler did not finish")
	}
}

func TestHandler_NoMappingAbsentStillPongs(t *testing.T) {
	h := newTestHandler(staticResolver{}, Placeholders{}, 2*time.Second)

	clientSide, serverSide := tcpPair(t)
	go h.Handle(context.Background(), serverSide)

	if _, err := clientSide.Write(encodeHandshake(t, protocol.Handshake{
		ProtocolVersion: 764,
		Address:         "absent.example",
		Port:            25565,
		NextState:       protocol.NextStatePing,
	})); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if err := mcproto.WritePacket(clientSide, 0x00, nil); err != nil {
		t.Fatalf("write status request: %v", err)
	}
	if err := protocol.WritePing(clientSide, 7); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	// No status body: the very next packet on the wire is the Pong.
	_ = clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	pong, err := protocol.ReadPong(clientSide)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong != 7 {
		t.Fatalf("pong=%d want 7", pong)
	}
}

func TestHandler_LoginOfflinePlaceholderDisconnects(t *testing.T) {
	// A mapped-but-closed port: dial fails immediately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	deadPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	offline := &protocol.StatusResponse{
		Version:     protocol.StatusVersion{Name: "mcrelay", Protocol: 764},
		Description: protocol.String("back soon"),
	}
	h := newTestHandler(
		staticResolver{"mc.example": {Host: "127.0.0.1", Port: deadPort}},
		Placeholders{Offline: offline},
		2*time.Second,
	)

	clientSide, serverSide := tcpPair(t)
	go h.Handle(context.Background(), serverSide)

	if _, err := clientSide.Write(encodeHandshake(t, protocol.Handshake{
		ProtocolVersion: 764,
		Address:         "mc.example",
		Port:            25565,
		NextState:       protocol.NextStateLogin,
	})); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	// Login Start: name "alice", zero uuid.
	var loginData bytes.Buffer
	if _, err := mcproto.WriteString(&loginData, "alice"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	loginData.Write(make([]byte, 16))
	if err := mcproto.WritePacket(clientSide, 0x00, loginData.Bytes()); err != nil {
		t.Fatalf("write login start: %v", err)
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	pkt, err := mcproto.ReadPacket(clientSide)
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	if pkt.ID != 0x00 {
		t.Fatalf("disconnect id=%#x", pkt.ID)
	}
	body, _, err := mcproto.ReadString(bytes.NewReader(pkt.Data))
	if err != nil {
		t.Fatalf("read disconnect body: %v", err)
	}
	if !bytes.Contains([]byte(body), []byte("back soon")) {
		t.Fatalf("disconnect body=%q want offline description", body)
	}
}

func TestHandler_LoginKickMessageWhenPlaceholderLacksDescription(t *testing.T) {
	kick := protocol.String("closed for now")
	h := newTestHandler(staticResolver{}, Placeholders{Kick: &kick}, 2*time.Second)

	clientSide, serverSide := tcpPair(t)
	go h.Handle(context.Background(), serverSide)

	if _, err := clientSide.Write(encodeHandshake(t, protocol.Handshake{
		ProtocolVersion: 764,
		Address:         "absent.example",
		Port:            25565,
		NextState:       protocol.NextStateLogin,
	})); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	var loginData bytes.Buffer
	if _, err := mcproto.WriteString(&loginData, "bob"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	loginData.Write(make([]byte, 16))
	if err := mcproto.WritePacket(clientSide, 0x00, loginData.Bytes()); err != nil {
		t.Fatalf("write login start: %v", err)
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	pkt, err := mcproto.ReadPacket(clientSide)
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	body, _, err := mcproto.ReadString(bytes.NewReader(pkt.Data))
	if err != nil {
		t.Fatalf("read disconnect body: %v", err)
	}
	if !bytes.Contains([]byte(body), []byte("closed for now")) {
		t.Fatalf("disconnect body=%q want kick message", body)
	}
}

func TestHandler_ForgeTailRoutesOnBaseHostname(t *testing.T) {
	noMapping := &protocol.StatusResponse{Description: protocol.String("unmapped")}
	upstream := startUpstreamRecorder(t, true, protocol.StatusResponse{Description: protocol.String("routed")})

	h := newTestHandler(staticResolver{"mc.example": upstream.addr}, Placeholders{NoMapping: noMapping}, 2*time.Second)

	clientSide, serverSide := tcpPair(t)
	go h.Handle(context.Background(), serverSide)

	// Hand-build the handshake so the address carries the Forge tail
	// exactly as a modded client sends it: "mc.example\0FML\0".
	var data bytes.Buffer
	_, _ = mcproto.WriteVarInt(&data, 764)
	_, _ = mcproto.WriteString(&data, "mc.example\x00FML\x00")
	_, _ = mcproto.WriteUShort(&data, 25565)
	_, _ = mcproto.WriteVarInt(&data, 1)
	if err := mcproto.WritePacket(clientSide, 0x00, data.Bytes()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if err := mcproto.WritePacket(clientSide, 0x00, nil); err != nil {
		t.Fatalf("write status request: %v", err)
	}

	_ = clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := protocol.ReadStatusResponse(clientSide)
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}
	// Routed to the real upstream, not the no_mapping placeholder:
	// the lookup used the base hostname.
	if got.Description.Text != "routed" {
		t.Fatalf("description=%q want upstream response", got.Description.Text)
	}
}

func TestHandler_TransferCloses(t *testing.T) {
	h := newTestHandler(staticResolver{}, Placeholders{}, 2*time.Second)

	clientSide, serverSide := tcpPair(t)
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide)
		close(done)
	}()

	if _, err := clientSide.Write(encodeHandshake(t, protocol.Handshake{
		ProtocolVersion: 764,
		Address:         "absent.example",
		Port:            25565,
		NextState:       protocol.NextStateTransfer,
	})); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("transfer connection not closed")
	}
	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected closed connection after transfer")
	}
}

func TestHandler_PartialHandshakeTimesOut(t *testing.T) {
	h := newTestHandler(staticResolver{}, Placeholders{}, 150*time.Millisecond)

	clientSide, serverSide := tcpPair(t)
	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), serverSide)
		close(done)
	}()

	// A length prefix promising more bytes than will ever arrive.
	if _, err := clientSide.Write([]byte{0x10, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}

	start := time.Now()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not give up on partial handshake")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("closed after %v, deadline not enforced", elapsed)
	}

	// No response body was written.
	_ = clientSide.SetReadDeadline(time.Now().Add(time.Second))
	if n, err := clientSide.Read(make([]byte, 1)); err == nil || n != 0 {
		t.Fatalf("expected silent close, got n=%d err=%v", n, err)
	}
}
