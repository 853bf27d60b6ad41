// Package socket implements the non-owning socket adapter that the
// bring-up engine is driven through: a callback table delivering
// connected/data/exception events, plus write/flush/close/is_open.
//
// The Data callback is rebindable at runtime -- the orchestrator swaps
// it from a banner reader to a packet dispatcher once the peer's
// banner line has been received (see internal/session).
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ConnectedFunc is invoked once the underlying connection is
// established, or failed to establish, in which case err is non-nil.
type ConnectedFunc func(err error)

// DataFunc is invoked whenever bytes arrive. It must return the number
// of bytes it consumed; 0 means "incomplete, call again once more
// bytes are available". This field is rebound by the orchestrator
// when the connection moves from banner exchange to packet framing.
type DataFunc func(b []byte) (consumed int, err error)

// ExceptionFunc is invoked when the adapter observes a fatal
// condition on the connection (read error, peer reset, and so on).
type ExceptionFunc func(err error)

// Callbacks is the socket adapter's callback table. User is an opaque
// context pointer that every invocation carries unchanged.
type Callbacks struct {
	Connected ConnectedFunc
	Data      DataFunc
	Exception ExceptionFunc
	User      interface{}
}

// Adapter is the non-owning edge between a TCP connection and the
// engine. It never makes protocol decisions; it only shuttles bytes
// and dispatches the callback table above.
type Adapter struct {
	conn net.Conn
	cb   Callbacks

	resolver *dns.Client
	readBuf  []byte
	closed   bool
}

// NewAdapter returns an adapter with no connection attached yet.
func NewAdapter() *Adapter {
	return &Adapter{
		resolver: &dns.Client{Timeout: 5 * time.Second},
		readBuf:  make([]byte, 32*1024),
	}
}

// SetCallbacks installs (or replaces) the callback table. The
// orchestrator calls this once up front, and calls ReplaceData later
// to rebind only the Data entry.
func (a *Adapter) SetCallbacks(cb Callbacks) {
	a.cb = cb
}

// ReplaceData rebinds the Data callback in place, leaving Connected,
// Exception and User untouched. This is the "rebindable data sink"
// the orchestrator uses at the BANNER_RECEIVED transition.
func (a *Adapter) ReplaceData(fn DataFunc) {
	a.cb.Data = fn
}

// SetFD adopts an already-open connection instead of dialing one.
func (a *Adapter) SetFD(conn net.Conn) error {
	if conn == nil {
		return errors.New("socket: nil connection")
	}
	a.conn = conn
	a.closed = false
	return nil
}

// Connect resolves host (via an explicit DNS exchange, falling back
// to the system resolver) and dials host:port, optionally binding the
// local address first. The Connected callback fires with the outcome.
func (a *Adapter) Connect(ctx context.Context, host string, port uint16, bindAddr string) error {
	ip, err := a.resolve(ctx, host)
	if err != nil {
		if a.cb.Connected != nil {
			a.cb.Connected(err)
		}
		return err
	}

	dialer := &net.Dialer{}
	if bindAddr != "" {
		local, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(bindAddr, "0"))
		if err != nil {
			if a.cb.Connected != nil {
				a.cb.Connected(err)
			}
			return fmt.Errorf("socket: resolving bind address %q: %w", bindAddr, err)
		}
		dialer.LocalAddr = local
	}

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if a.cb.Connected != nil {
			a.cb.Connected(err)
		}
		return err
	}

	a.conn = conn
	a.closed = false
	if a.cb.Connected != nil {
		a.cb.Connected(nil)
	}
	return nil
}

// resolve returns a literal IP host unchanged; otherwise it looks host
// up via an explicit DNS A-record exchange first, and if that fails
// for any reason (no resolver reachable, no A record, …) it falls
// back to the stdlib resolver so a
// misconfigured or sandboxed DNS path never blocks a connection that
// a plain net.Dial would have succeeded at.
func (a *Adapter) resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		server := net.JoinHostPort(conf.Servers[0], conf.Port)
		in, _, err := a.resolver.ExchangeContext(ctx, msg, server)
		if err == nil {
			for _, rr := range in.Answer {
				if rec, ok := rr.(*dns.A); ok {
					return rec.A.String(), nil
				}
			}
		}
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("socket: resolving %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("socket: no addresses for %q", host)
	}
	return addrs[0], nil
}

// Pump reads one chunk from the connection and feeds it to the
// current Data callback, looping until the callback reports it
// consumed everything available or an error/EOF occurs. It is the
// engine's single suspension point: one call processes exactly one
// socket event.
func (a *Adapter) Pump() error {
	if a.conn == nil {
		return errors.New("socket: not connected")
	}
	n, err := a.conn.Read(a.readBuf)
	if err != nil {
		if a.cb.Exception != nil {
			a.cb.Exception(err)
		}
		return err
	}

	chunk := a.readBuf[:n]
	for len(chunk) > 0 {
		if a.cb.Data == nil {
			return errors.New("socket: no data callback bound")
		}
		consumed, err := a.cb.Data(chunk)
		if err != nil {
			if a.cb.Exception != nil {
				a.cb.Exception(err)
			}
			return err
		}
		if consumed == 0 {
			// Incomplete: wait for more bytes on the next Pump.
			return nil
		}
		chunk = chunk[consumed:]
	}
	return nil
}

// Write sends bytes to the peer. The adapter writes through
// immediately; it does no buffering or coalescing of its own.
func (a *Adapter) Write(b []byte) (int, error) {
	if a.conn == nil {
		return 0, errors.New("socket: not connected")
	}
	return a.conn.Write(b)
}

// Flush is the adapter's blocking_flush: for a plain net.Conn there is
// nothing to drain beyond the Write call itself, but the method
// exists so callers needn't special-case transports that do buffer.
func (a *Adapter) Flush() error {
	return nil
}

// Close closes the underlying connection. Idempotent.
func (a *Adapter) Close() error {
	if a.conn == nil || a.closed {
		return nil
	}
	a.closed = true
	return a.conn.Close()
}

// IsOpen reports whether the adapter currently owns a live connection.
func (a *Adapter) IsOpen() bool {
	return a.conn != nil && !a.closed
}
