// Package prober periodically performs a Server List Ping against every
// known upstream to collect health, latency, and version information for
// telemetry.
package prober

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mcrelay/internal/protocol"
	"mcrelay/internal/registry"
	"mcrelay/pkg/mcproto"
)

// Result is one upstream's outcome for a single collection tick.
type Result struct {
	Upstream        registry.Upstream
	Reachable       bool
	RTT             time.Duration
	ProtocolName    string
	ProtocolVersion int32
	OnlinePlayers   int32
	MaxPlayers      int32
}

// Dialer opens a connection to an upstream. *net.Dialer satisfies this.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober periodically probes a set of upstreams. Probes for the same
// upstream are collapsed via singleflight so a slow probe that outlives
// its tick interval is never run twice concurrently.
type Prober struct {
	Dialer Dialer
	// PingTimeout bounds each individual probe's full round trip.
	PingTimeout time.Duration
	// Limiter bounds the rate at which new probe connections are opened,
	// so a large upstream set does not open hundreds of sockets at once.
	Limiter *rate.Limiter

	sf singleflight.Group
}

// New returns a Prober with sane defaults. limiter may be nil to disable
// rate limiting.
func New(limiter *rate.Limiter) *Prober {
	return &Prober{
		Dialer:      &net.Dialer{},
		PingTimeout: 2 * time.Second,
		Limiter:     limiter,
	}
}

// Collect probes every upstream in upstreams concurrently, bounded by
// ctx's deadline, and returns one Result per upstream in the same order.
// A probe failure never aborts the tick; it is recorded as
// Reachable=false.
func (p *Prober) Collect(ctx context.Context, upstreams []registry.Upstream) []Result {
	results := make([]Result, len(upstreams))
	var wg sync.WaitGroup
	wg.Add(len(upstreams))
	for i, u := range upstreams {
		go func(i int, u registry.Upstream) {
			defer wg.Done()
			results[i] = p.probeOnce(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return results
}

func (p *Prober) probeOnce(ctx context.Context, u registry.Upstream) Result {
	v, err, _ := p.sf.Do(u.String(), func() (any, error) {
		return p.probe(ctx, u), nil
	})
	if err != nil {
		return Result{Upstream: u}
	}
	return v.(Result)
}

func (p *Prober) probe(ctx context.Context, u registry.Upstream) Result {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return Result{Upstream: u}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.PingTimeout)
	defer cancel()

	conn, err := p.Dialer.DialContext(ctx, "tcp", u.String())
	if err != nil {
		return Result{Upstream: u}
	}
	defer conn.Close()

	start := time.Now()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if err := protocol.WriteHandshake(conn, protocol.Handshake{
		ProtocolVersion: 0,
		Address:         u.Host,
		Port:            u.Port,
		NextState:       protocol.NextStatePing,
	}); err != nil {
		return Result{Upstream: u}
	}
	if err := mcproto.WritePacket(conn, 0x00, nil); err != nil {
		return Result{Upstream: u}
	}
	status, err := protocol.ReadStatusResponse(conn)
	if err != nil {
		return Result{Upstream: u}
	}
	if err := protocol.WritePing(conn, start.UnixNano()); err != nil {
		return Result{Upstream: u}
	}
	if _, err := protocol.ReadPong(conn); err != nil {
		return Result{Upstream: u}
	}

	return Result{
		Upstream:        u,
		Reachable:       true,
		RTT:             time.Since(start),
		ProtocolName:    status.Version.Name,
		ProtocolVersion: status.Version.Protocol,
		OnlinePlayers:   status.Players.Online,
		MaxPlayers:      status.Players.Max,
	}
}
