// Package tlspal adapts crypto/tls to the non-blocking, readiness-driven
// style the reactor needs: every operation returns a tagged Status
// instead of blocking, so the caller can re-arm poll() for the right
// direction and retry on the next readiness event.
package tlspal

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// wouldBlockErr is returned by the raw socket adapter when a syscall
// would have blocked. It implements net.Error with Timeout() true:
// crypto/tls has treated timeout-shaped errors as retryable (rather than
// poisoning the connection permanently) since Go 1.16, which is what
// lets this package call Handshake/Read/Write again after WantRead or
// WantWrite instead of the handshake being aborted for good. A plain
// error here would work for a single attempt but break every retry.
type wouldBlockErr struct{}

func (wouldBlockErr) Error() string   { return "tlspal: would block" }
func (wouldBlockErr) Timeout() bool   { return true }
func (wouldBlockErr) Temporary() bool { return true }

var errWouldBlock = wouldBlockErr{}

// StatusKind tags the outcome of a non-blocking TLS operation.
type StatusKind int

const (
	// KindOK means N bytes were processed.
	KindOK StatusKind = iota
	// KindWantRead means the caller must wait for the socket to become
	// readable and retry the same call.
	KindWantRead
	// KindWantWrite means the caller must wait for the socket to become
	// writable and retry the same call.
	KindWantWrite
	// KindFatal means the connection cannot continue.
	KindFatal
)

func (k StatusKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindWantRead:
		return "want_read"
	case KindWantWrite:
		return "want_write"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Status is the non-blocking I/O outcome sum type the engine's service
// routine branches on.
type Status struct {
	N    int
	Kind StatusKind
	Err  error // set only when Kind == KindFatal
}

// rawSocket is the minimal surface tlspal needs from the non-blocking
// socket layer; implemented by sockconn.Socket.
type rawSocket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// netAdapter presents a rawSocket as a net.Conn, the shape crypto/tls
// requires, translating EAGAIN into errWouldBlock and remembering which
// direction blocked so the Conn wrapper can report WantRead vs
// WantWrite correctly regardless of which public method the caller
// invoked (a blocking-shaped tls.Conn.Write may internally need to
// Read, and vice versa, during the handshake).
type netAdapter struct {
	sock      rawSocket
	blockedOn StatusKind
}

func (a *netAdapter) Read(p []byte) (int, error) {
	n, err := a.sock.Read(p)
	if isEAGAIN(err) {
		a.blockedOn = KindWantRead
		return 0, errWouldBlock
	}
	return n, err
}

func (a *netAdapter) Write(p []byte) (int, error) {
	n, err := a.sock.Write(p)
	if isEAGAIN(err) {
		a.blockedOn = KindWantWrite
		return 0, errWouldBlock
	}
	return n, err
}

func (a *netAdapter) Close() error                       { return nil } // socket lifecycle owned by the Client
func (a *netAdapter) LocalAddr() net.Addr                { return nil }
func (a *netAdapter) RemoteAddr() net.Addr               { return nil }
func (a *netAdapter) SetDeadline(t time.Time) error      { return nil }
func (a *netAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a *netAdapter) SetWriteDeadline(t time.Time) error { return nil }

// Conn wraps a crypto/tls.Conn over a non-blocking raw socket.
type Conn struct {
	adapter *netAdapter
	tls     *tls.Conn
}

// New builds a Conn ready to drive a client-side handshake.
func New(sock rawSocket, cfg *tls.Config) *Conn {
	a := &netAdapter{sock: sock}
	return &Conn{adapter: a, tls: tls.Client(a, cfg)}
}

// Handshake advances the TLS handshake by one non-blocking step.
func (c *Conn) Handshake() Status {
	err := c.tls.Handshake()
	if err == nil {
		return Status{Kind: KindOK}
	}
	return c.classify(err)
}

// Read performs one non-blocking decrypted read into p.
func (c *Conn) Read(p []byte) Status {
	n, err := c.tls.Read(p)
	if err == nil {
		return Status{N: n, Kind: KindOK}
	}
	return c.classify(err)
}

// Write performs one non-blocking encrypted write of p.
func (c *Conn) Write(p []byte) Status {
	n, err := c.tls.Write(p)
	if err == nil {
		return Status{N: n, Kind: KindOK}
	}
	return c.classify(err)
}

func (c *Conn) classify(err error) Status {
	if errors.Is(err, errWouldBlock) {
		return Status{Kind: c.adapter.blockedOn}
	}
	return Status{Kind: KindFatal, Err: fmt.Errorf("tlspal: %w", err)}
}

func isEAGAIN(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
