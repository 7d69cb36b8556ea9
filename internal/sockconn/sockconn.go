// Package sockconn provides a non-blocking TCP socket and a self-pipe
// wake-up primitive on top of golang.org/x/sys/unix, plus a thin wrapper
// around poll(2). It is the raw-syscall layer the reactor polls; it does
// not know about TLS, WebSocket framing, or MQTT.
package sockconn

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Socket wraps a single non-blocking TCP socket file descriptor.
type Socket struct {
	fd int
}

// Dial creates a non-blocking TCP socket and starts a connect to addr.
// The connect itself may still be in progress (EINPROGRESS) when Dial
// returns; callers must poll for writability before assuming success,
// mirroring connect() semantics on a non-blocking socket.
func Dial(addr netip.AddrPort) (*Socket, error) {
	domain := unix.AF_INET
	if addr.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("sockconn: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sockconn: set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sockconn: set TCP_NODELAY: %w", err)
	}

	sa := sockaddrFromAddrPort(addr)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("sockconn: connect: %w", err)
	}
	return &Socket{fd: fd}, nil
}

func sockaddrFromAddrPort(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = addr.Addr().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As16()
	return sa
}

// FD returns the raw file descriptor for use in a PollFD set.
func (s *Socket) FD() int { return s.fd }

// ConnectError returns the pending error on a connecting socket, or nil
// once the connect has succeeded. Call after the socket reports
// writable in a poll readiness set.
func (s *Socket) ConnectError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("sockconn: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("sockconn: connect failed: %w", unix.Errno(errno))
	}
	return nil
}

// Read performs a single non-blocking read, returning unix.Read's result
// unchanged: with len(p) > 0, n==0 and a nil error means the peer closed
// the stream (EOF is not reported as io.EOF), and EAGAIN means no data is
// available yet.
func (s *Socket) Read(p []byte) (int, error) {
	return unix.Read(s.fd, p)
}

// Write performs a single non-blocking write.
func (s *Socket) Write(p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

// Close closes the underlying file descriptor.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// WakePipe is a self-pipe used to wake a blocked poll(2) call from any
// goroutine: writers never block (the write end is non-blocking and a
// single pending byte is sufficient signal), and the owning reactor
// drains it completely on every service pass.
type WakePipe struct {
	readFD, writeFD int
}

// NewWakePipe creates a pipe with both ends set non-blocking.
func NewWakePipe() (*WakePipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("sockconn: pipe2: %w", err)
	}
	return &WakePipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// ReadFD returns the descriptor the reactor should poll for POLLIN.
func (w *WakePipe) ReadFD() int { return w.readFD }

// Wake writes a single byte, ignoring EAGAIN (a pending wake-up is
// sufficient; multiple callers racing to wake the reactor need not each
// succeed).
func (w *WakePipe) Wake() error {
	_, err := unix.Write(w.writeFD, []byte{0})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Drain reads and discards all pending bytes.
func (w *WakePipe) Drain() error {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(w.readFD, buf)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Close closes both ends of the pipe.
func (w *WakePipe) Close() error {
	err1 := unix.Close(w.readFD)
	err2 := unix.Close(w.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}

// PollSet is a fixed two-entry poll(2) descriptor set: the socket and
// the wake-up pipe, matching the engine's exactly-two-descriptor
// invariant.
type PollSet struct {
	fds [2]unix.PollFd
}

// NewPollSet builds a PollSet over the given socket and wake-pipe
// read-end descriptors.
func NewPollSet(sockFD, wakeFD int) *PollSet {
	return &PollSet{fds: [2]unix.PollFd{
		{Fd: int32(sockFD)},
		{Fd: int32(wakeFD), Events: unix.POLLIN},
	}}
}

// SetSocketEvents re-arms the socket's poll interest. The caller
// determines readable/writable from the previous pass's TLS/WebSocket
// stage results (WANT_READ/WANT_WRITE/NeedMoreBytes), not
// unconditionally — an idle connection with nothing left to do should
// not keep POLLIN armed merely because data happens to be pending.
func (p *PollSet) SetSocketEvents(readable, writable bool) {
	var ev int16
	if readable {
		ev |= unix.POLLIN
	}
	if writable {
		ev |= unix.POLLOUT
	}
	p.fds[0].Events = ev
}

// SocketEvents reports the socket interest bitmask most recently armed
// by SetSocketEvents, for tests asserting the poll-mask invariant
// without reaching into PollSet's internals.
func (p *PollSet) SocketEvents() int16 { return p.fds[0].Events }

// Wait blocks for up to timeoutMS milliseconds (-1 for indefinite) and
// returns which of the two descriptors became ready.
func (p *PollSet) Wait(timeoutMS int) (socketReady, wakeReady bool, err error) {
	p.fds[0].Revents = 0
	p.fds[1].Revents = 0
	n, err := unix.Poll(p.fds[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return false, false, nil
		}
		return false, false, fmt.Errorf("sockconn: poll: %w", err)
	}
	if n == 0 {
		return false, false, nil
	}
	socketReady = p.fds[0].Revents&(unix.POLLIN|unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0
	wakeReady = p.fds[1].Revents&unix.POLLIN != 0
	return socketReady, wakeReady, nil
}

// SocketRevents exposes the raw revents bitmask from the last Wait, for
// distinguishing POLLERR/POLLHUP from plain readiness.
func (p *PollSet) SocketRevents() int16 { return p.fds[0].Revents }
