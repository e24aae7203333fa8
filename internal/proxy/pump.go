package proxy

import (
	"errors"
	"io"
	"net"
)

// halfCloser is implemented by every net.Conn this package pumps:
// *net.TCPConn and *tls.Conn both support it.
type halfCloser interface {
	CloseWrite() error
}

// PumpMetrics receives byte counts for each direction of a Pump.
type PumpMetrics interface {
	AddIngress(n int64)
	AddEgress(n int64)
}

// PumpOptions configures a Pump.
type PumpOptions struct {
	BufferPool BufferPool
	Metrics    PumpMetrics
}

// Pump streams bytes bidirectionally between a client and its selected
// upstream for the remainder of a session.
//
// Unlike a bridge that tears down both sockets the instant either
// direction finishes, Pump treats a clean EOF on one direction as a
// half-close: it CloseWrites the opposite socket (signalling "no more
// data this way" to whichever side is still talking) and lets the other
// direction keep running until it finishes on its own. A Minecraft
// client that sends a clean FIN after its last packet but still expects
// a final flush of server->client data (e.g. a Disconnect) would be cut
// off mid-message under the close-both-immediately approach; half-close
// lets that flush complete. Only a genuine error, or both directions
// finishing, tears the whole session down.
type Pump struct {
	opts PumpOptions
}

// NewPump returns a Pump configured with opts.
func NewPump(opts PumpOptions) *Pump {
	return &Pump{opts: opts}
}

func (p *Pump) buffer() []byte {
	if p.opts.BufferPool != nil {
		return p.opts.BufferPool.Get()
	}
	return make([]byte, 32*1024)
}

func (p *Pump) putBuffer(buf []byte) {
	if p.opts.BufferPool != nil {
		p.opts.BufferPool.Put(buf)
	}
}

// Run pumps bytes between client and upstream until both directions have
// finished or an error occurs. initialClientToUpstream, if non-nil, is
// read before client itself (used to forward the already-consumed
// handshake bytes ahead of the live client socket).
func (p *Pump) Run(client, upstream net.Conn, initialClientToUpstream io.Reader) error {
	defer client.Close()
	defer upstream.Close()

	errCh := make(chan error, 2)

	clientToUpstream := io.MultiReader(readerOrEmpty(initialClientToUpstream), client)

	go p.copyHalfClose(upstream, clientToUpstream, p.metricsFn(true), errCh)
	go p.copyHalfClose(client, upstream, p.metricsFn(false), errCh)

	first := <-errCh
	if first != nil {
		// A genuine error ends the session: closing both sockets unblocks
		// the other direction instead of waiting for it to finish.
		_ = client.Close()
		_ = upstream.Close()
	}
	second := <-errCh
	if first != nil {
		return first
	}
	return second
}

func (p *Pump) metricsFn(ingress bool) func(int64) {
	if p.opts.Metrics == nil {
		return nil
	}
	if ingress {
		return p.opts.Metrics.AddIngress
	}
	return p.opts.Metrics.AddEgress
}

// copyHalfClose copies src into dst. On a clean EOF from src, it
// CloseWrites dst (if dst supports it) so the peer observes end-of-stream
// on that direction without forcing the whole connection closed, then
// reports success. Any other error is reported as-is.
func (p *Pump) copyHalfClose(dst net.Conn, src io.Reader, countFn func(int64), errCh chan<- error) {
	buf := p.buffer()
	defer p.putBuffer(buf)

	written, err := io.CopyBuffer(dst, src, buf)
	if countFn != nil && written > 0 {
		countFn(written)
	}

	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		errCh <- err
		return
	}

	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	errCh <- nil
}

func readerOrEmpty(r io.Reader) io.Reader {
	if r == nil {
		return io.LimitReader(nil, 0)
	}
	return r
}
