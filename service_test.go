package mqttwss

import (
	"crypto/tls"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/edgeo-scada/mqttwss/internal/mqttsession"
	"github.com/edgeo-scada/mqttwss/internal/sockconn"
	"github.com/edgeo-scada/mqttwss/internal/tlspal"
	"github.com/edgeo-scada/mqttwss/internal/wsframe"
)

// dialLoopback wires up a real sockconn.Socket against a real TCP
// listener, returning the client socket and the accepted server end.
func dialLoopback(t *testing.T) (*sockconn.Socket, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sock, err := sockconn.Dial(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(addr.Port)))
	require.NoError(t, err)

	server := <-accepted
	t.Cleanup(func() { server.Close() })
	return sock, server
}

// loopbackTLSConfig clones the client's TLS config and sets ServerName the
// way Connect does from the dial host; crypto/tls refuses to start a
// client handshake without it (or InsecureSkipVerify).
func loopbackTLSConfig(c *Client) *tls.Config {
	cfg := c.opts.TLSConfig.Clone()
	cfg.ServerName = "127.0.0.1"
	return cfg
}

// TestServiceArmsOnlyRequestedPollInterest exercises the poll-mask
// invariant of spec.md §8 ("the socket's polled events are exactly
// those required by (TLS status ∪ WS NeedMoreBytes ∪
// mqtt_didnt_finish_write)") against the real sockconn/tlspal stack. A
// client mid-TLS-handshake that has written its ClientHello and is
// waiting on the server's reply must leave the socket armed for
// POLLIN and nothing else — never an unconditional POLLIN|POLLOUT.
func TestServiceArmsOnlyRequestedPollInterest(t *testing.T) {
	sock, _ := dialLoopback(t)

	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	c.sock = sock
	c.poll = sockconn.NewPollSet(sock.FD(), c.wake.ReadFD())
	c.tls = tlspal.New(sock, loopbackTLSConfig(c))
	c.ws = wsframe.NewClient("127.0.0.1", c.opts.WSPath, c.opts.BufferSize)

	// Drive the handshake once: the ClientHello write succeeds (the
	// kernel buffers it), and since the server end never replies the
	// call blocks wanting the server's response.
	st := c.tls.Handshake()
	require.Equal(t, tlspal.KindWantRead, st.Kind)
	c.pollWantRead = true
	c.pollWantWrite = false

	require.NoError(t, c.Service(50))

	events := c.poll.SocketEvents()
	require.NotZero(t, events&unix.POLLIN, "expected POLLIN armed while TLS handshake wants read")
	require.Zero(t, events&unix.POLLOUT, "POLLOUT must not be armed when nothing asked for it")
}

// TestServiceArmsWriteInterestWhenMqttDidntFinishWrite confirms the
// other half of the invariant: once a write doesn't fully fit,
// mqttDidntFinishWrite alone is sufficient to arm POLLOUT on the next
// pass even with no TLS/WS signal asking for it.
func TestServiceArmsWriteInterestWhenMqttDidntFinishWrite(t *testing.T) {
	sock, _ := dialLoopback(t)

	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	c.sock = sock
	c.poll = sockconn.NewPollSet(sock.FD(), c.wake.ReadFD())
	c.tls = tlspal.New(sock, loopbackTLSConfig(c))
	c.ws = wsframe.NewClient("127.0.0.1", c.opts.WSPath, c.opts.BufferSize)

	c.tls.Handshake()
	c.pollWantRead = false
	c.pollWantWrite = false
	c.mqttDidntFinishWrite = true

	require.NoError(t, c.Service(50))

	events := c.poll.SocketEvents()
	require.NotZero(t, events&unix.POLLOUT, "expected POLLOUT armed to retry the unfinished write")
}

// TestServiceDoesNotForceWriteInterestForPendingSubmits guards against
// folding mqtt_wss_service_all()'s unconditional POLLOUT arming into
// the base Service call: a frame sitting in pendingOut (enqueued by a
// submitter goroutine between two passes) or already-buffered
// ws.BufWrite bytes must not by themselves arm POLLOUT — the wake-pipe
// already guarantees drainPendingOut/stageTLSOut run this pass
// regardless of poll interest, so arming POLLOUT for them too would be
// pure over-arming, not something spec.md §8's invariant calls for.
func TestServiceDoesNotForceWriteInterestForPendingSubmits(t *testing.T) {
	sock, _ := dialLoopback(t)

	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	c.sock = sock
	c.poll = sockconn.NewPollSet(sock.FD(), c.wake.ReadFD())
	c.tls = tlspal.New(sock, loopbackTLSConfig(c))
	c.ws = wsframe.NewClient("127.0.0.1", c.opts.WSPath, c.opts.BufferSize)

	c.pollWantRead = false
	c.pollWantWrite = false
	c.mqttDidntFinishWrite = false
	c.enqueueOut((&mqttsession.PingReqPacket{}).Encode())
	require.True(t, c.hasPendingOut())

	require.NoError(t, c.Service(50))

	events := c.poll.SocketEvents()
	require.Zero(t, events&unix.POLLOUT, "a queued submit alone must not force POLLOUT in the base Service call")
}
