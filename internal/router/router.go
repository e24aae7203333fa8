// Package router implements the per-connection routing state machine: it
// reads the client's Handshake, resolves the addressed hostname to an
// upstream, and either splices the two sockets together or serves a
// placeholder response when no upstream is available.
package router

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"mcrelay/internal/protocol"
	"mcrelay/internal/proxy"
	"mcrelay/internal/registry"
)

// UpstreamResolver resolves a routing hostname to an upstream dial target.
// *registry.Resolver satisfies this.
type UpstreamResolver interface {
	Resolve(hostname string) (registry.Upstream, bool)
}

// Metrics receives connection-level counters. All methods must be safe
// for concurrent use.
type Metrics interface {
	IncActive()
	DecActive()
	AddRouteHit(host string)
	AddPlaceholder(kind string)
}

// Placeholders are the synthesized responses served when routing cannot
// reach a real upstream. Any field may be nil.
type Placeholders struct {
	// Offline is served when a mapping exists but the dial failed.
	Offline *protocol.StatusResponse
	// NoMapping is served when no mapping exists for the hostname.
	NoMapping *protocol.StatusResponse
	// Kick is the Disconnect text used on the login path when the
	// selected placeholder carries no description.
	Kick *protocol.TextComponent
}

// HandlerOptions configures a Handler. The whole value is swapped
// atomically on config reload; connections in flight keep the options
// they started with.
type HandlerOptions struct {
	Resolver     UpstreamResolver
	Dialer       proxy.Dialer
	Pump         *proxy.Pump
	Responder    *proxy.Responder
	Placeholders Placeholders

	// PingTimeout bounds the handshake read, the upstream dial, and the
	// whole placeholder exchange. Zero falls back to 300ms.
	PingTimeout time.Duration

	// ProxyProtocolV2 injects a PROXY protocol v2 header toward the
	// upstream ahead of the forwarded handshake.
	ProxyProtocolV2 bool

	Logger   *slog.Logger
	Metrics  Metrics
	Sessions *proxy.SessionRegistry
}

const defaultPingTimeout = 300 * time.Millisecond

// Handler routes one accepted client connection through the state
// machine: read handshake, resolve, dial, then proxy or respond.
type Handler struct {
	v atomic.Value // HandlerOptions
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{}
	h.v.Store(opts)
	return h
}

// Update swaps the options used by subsequently accepted connections.
func (h *Handler) Update(opts HandlerOptions) {
	h.v.Store(opts)
}

func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	opts, _ := h.v.Load().(HandlerOptions)
	if opts.Resolver == nil || opts.Dialer == nil || opts.Pump == nil {
		_ = conn.Close()
		return
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metrics != nil {
		opts.Metrics.IncActive()
		defer opts.Metrics.DecActive()
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	// A client that never completes its handshake must not hold the
	// connection open; the deadline unblocks the read deterministically.
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return
	}
	hs, rawHandshake, err := protocol.ReadHandshake(conn)
	if err != nil {
		logger.Debug("router: handshake read failed", "client", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger = logger.With(
		"client", conn.RemoteAddr().String(),
		"host", hs.Address,
		"next_state", hs.NextState.String(),
	)
	if hs.ForgeVersion != "" {
		logger = logger.With("forge_version", hs.ForgeVersion)
	}

	upstream, ok := opts.Resolver.Resolve(hs.Address)
	if !ok {
		logger.Info("router: no mapping for hostname")
		h.placeholder(conn, hs, opts.Placeholders.NoMapping, "no_mapping", opts, logger, timeout)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	upConn, err := opts.Dialer.DialContext(dialCtx, "tcp", upstream.String())
	cancel()
	if err != nil {
		logger.Info("router: upstream unreachable", "upstream", upstream.String(), "err", err)
		h.placeholder(conn, hs, opts.Placeholders.Offline, "offline", opts, logger, timeout)
		return
	}

	if opts.Metrics != nil {
		opts.Metrics.AddRouteHit(hs.Address)
	}

	if opts.Sessions != nil {
		sid := opts.Sessions.Add(proxy.SessionInfo{
			Client:    conn.RemoteAddr().String(),
			Host:      hs.Address,
			NextState: hs.NextState.String(),
			Upstream:  upstream.String(),
			StartedAt: time.Now(),
		})
		defer opts.Sessions.Remove(sid)
	}

	// The upstream must see a protocol-compliant stream: the verbatim
	// handshake bytes precede any further client bytes.
	initial := io.Reader(bytes.NewReader(rawHandshake))
	if opts.ProxyProtocolV2 {
		if hdr := proxyHeader(conn, upConn); hdr != nil {
			initial = io.MultiReader(bytes.NewReader(hdr), initial)
		}
	}

	logger.Debug("router: proxying", "upstream", upstream.String())
	if err := opts.Pump.Run(conn, upConn, initial); err != nil {
		logger.Debug("router: session ended with error", "err", err)
	}
}

// placeholder serves the synthesized response path selected by the
// client's declared next state. resp may be nil; the exchange still
// consumes the expected client packets.
func (h *Handler) placeholder(conn net.Conn, hs protocol.Handshake, resp *protocol.StatusResponse, kind string, opts HandlerOptions, logger *slog.Logger, timeout time.Duration) {
	if opts.Metrics != nil {
		opts.Metrics.AddPlaceholder(kind)
	}
	responder := opts.Responder
	if responder == nil {
		responder = &proxy.Responder{}
	}

	switch hs.NextState {
	case protocol.NextStatePing:
		if err := responder.PingResponse(conn, kind, resp, hs.ProtocolVersion, timeout); err != nil {
			logger.Debug("router: placeholder status exchange failed", "err", err)
		}
	case protocol.NextStateLogin:
		reason := disconnectReason(resp, opts.Placeholders.Kick)
		if err := responder.LoginResponse(conn, reason, timeout); err != nil {
			logger.Debug("router: placeholder login exchange failed", "err", err)
		}
	case protocol.NextStateTransfer:
		logger.Warn("router: transfer requested, not implemented")
		_ = conn.Close()
	default:
		logger.Warn("router: unknown next state")
		_ = conn.Close()
	}
}

// disconnectReason picks the Disconnect text for a placeholder login:
// the placeholder's own description when it has one, the kick message
// otherwise. nil means nothing is written.
func disconnectReason(resp *protocol.StatusResponse, kick *protocol.TextComponent) *protocol.TextComponent {
	if resp != nil && (resp.Description.Text != "" || len(resp.Description.Extra) > 0) {
		d := resp.Description
		return &d
	}
	return kick
}

func proxyHeader(client, upstream net.Conn) []byte {
	src, ok := client.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	dst, ok := upstream.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	hdr, err := proxy.BuildProxyV2Header(src, dst)
	if err != nil {
		return nil
	}
	return hdr
}

var _ interface {
	Handle(context.Context, net.Conn)
} = (*Handler)(nil)
