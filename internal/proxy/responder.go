package proxy

import (
	"bytes"
	"context"
	"net"
	"time"

	"mcrelay/internal/protocol"
)

// Responder serves the placeholder paths directly, without an upstream.
// A zero Responder is usable; Cache and CacheTTL enable collapsing
// concurrent renders of the same placeholder response into one encode.
type Responder struct {
	Cache    *StatusCache
	CacheTTL time.Duration
}

// PingResponse serves the Status/Ping exchange for a client whose
// Handshake selected the ping state. response may be nil, in which case
// no Status Response is written and the exchange still proceeds straight
// to the Ping/Pong.
//
// The client is expected to send Status Request, optionally wait for a
// Status Response, then send Ping; PingResponse answers with Pong and
// half-closes the connection. The whole exchange is bounded by deadline.
func (r *Responder) PingResponse(client net.Conn, kind string, response *protocol.StatusResponse, protocolVersion int32, deadline time.Duration) error {
	defer client.Close()

	if err := client.SetDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	if err := protocol.ReadStatusRequest(client); err != nil {
		return err
	}

	if response != nil {
		frame, err := r.statusFrame(kind, response, protocolVersion)
		if err != nil {
			return err
		}
		if _, err := client.Write(frame); err != nil {
			return err
		}
	}

	payload, err := protocol.ReadPing(client)
	if err != nil {
		return err
	}
	if err := protocol.WritePong(client, payload); err != nil {
		return err
	}
	halfClose(client)
	return nil
}

// LoginResponse serves the placeholder path for a client whose Handshake
// selected the login state but no upstream was available. It reads the
// client's Login Start (discarding the name/uuid; they have no further
// use once no server will be reached) and, if reason is non-nil, writes a
// Disconnect carrying it before half-closing the connection.
func (r *Responder) LoginResponse(client net.Conn, reason *protocol.TextComponent, deadline time.Duration) error {
	defer client.Close()

	if err := client.SetDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	if _, err := protocol.ReadLoginStart(client); err != nil {
		return err
	}

	if reason != nil {
		if err := protocol.WriteDisconnect(client, *reason); err != nil {
			return err
		}
	}
	halfClose(client)
	return nil
}

// statusFrame renders response as a complete Status Response frame,
// going through the cache when one is configured so concurrent pings for
// the same placeholder do not re-encode the JSON each time.
func (r *Responder) statusFrame(kind string, response *protocol.StatusResponse, protocolVersion int32) ([]byte, error) {
	render := func(context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := protocol.WriteStatusResponse(&buf, *response); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if r == nil || r.Cache == nil || r.CacheTTL <= 0 {
		return render(context.Background())
	}
	key := StatusCacheKey{Source: "placeholder:" + kind, ProtocolVersion: protocolVersion}
	return r.Cache.GetOrLoad(context.Background(), key, r.CacheTTL, render)
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
