package wsframe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRequestRoundTrip(t *testing.T) {
	c := NewClient("broker.example.com", "/mqtt", 4096)
	require.NoError(t, c.QueueHandshakeRequest())

	req := make([]byte, c.BufWrite.Len())
	c.BufWrite.Read(req)
	require.Contains(t, string(req), "GET /mqtt HTTP/1.1")
	require.Contains(t, string(req), "Sec-WebSocket-Key: "+c.handshakeKey)
}

func TestHandshakeAcceptsValidResponse(t *testing.T) {
	c := NewClient("h", "/p", 4096)
	require.NoError(t, c.QueueHandshakeRequest())
	c.BufWrite.Reset()

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + c.acceptWant + "\r\n\r\n"
	c.BufRead.Write([]byte(resp))

	done, err := c.TryCompleteHandshake()
	require.NoError(t, err)
	require.True(t, done)
	require.True(t, c.HandshakeDone())
	require.Equal(t, 0, c.BufRead.Len())
}

func TestHandshakeWaitsForMoreBytes(t *testing.T) {
	c := NewClient("h", "/p", 4096)
	require.NoError(t, c.QueueHandshakeRequest())
	c.BufRead.Write([]byte("HTTP/1.1 101 Switching"))

	done, err := c.TryCompleteHandshake()
	require.NoError(t, err)
	require.False(t, done)
}

func TestHandshakeRejectsBadAccept(t *testing.T) {
	c := NewClient("h", "/p", 4096)
	require.NoError(t, c.QueueHandshakeRequest())
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Sec-WebSocket-Accept: bogus==\r\n\r\n"
	c.BufRead.Write([]byte(resp))

	_, err := c.TryCompleteHandshake()
	require.Error(t, err)
}

func TestBinaryFrameRoundTripViaServerSide(t *testing.T) {
	c := NewClient("h", "/p", 4096)
	n, err := c.WriteBinary([]byte("hello mqtt"))
	require.NoError(t, err)
	require.Equal(t, 10, n)

	frame := make([]byte, c.BufWrite.Len())
	c.BufWrite.Read(frame)

	// Frame must be masked per RFC 6455 5.1: mask bit set, and payload
	// differs from plaintext (statistically, with overwhelming odds).
	require.NotEqual(t, byte(0), frame[1]&0x80)

	// Feed an unmasked server-style echo of the decoded payload back in,
	// simulating what DecodeFrames should reconstruct.
	unmasked := buildUnmaskedBinaryFrame([]byte("hello mqtt"))
	c.BufRead.Write(unmasked)

	status, err := c.DecodeFrames()
	require.NoError(t, err)
	require.Nil(t, status)

	got := make([]byte, c.BufToMQTT.Len())
	c.BufToMQTT.Read(got)
	require.Equal(t, "hello mqtt", string(got))
}

func TestDecodeFramesHandlesClose(t *testing.T) {
	c := NewClient("h", "/p", 4096)
	frame := []byte{0x88, 0x02, 0x03, 0xe8} // close, len 2, status 1000
	c.BufRead.Write(frame)

	status, err := c.DecodeFrames()
	require.NoError(t, err)
	require.NotNil(t, status)
	require.Equal(t, CloseNormal, *status)
}

func buildUnmaskedBinaryFrame(payload []byte) []byte {
	out := []byte{0x82, byte(len(payload))}
	return append(out, payload...)
}

// TestDecodeFramesHandlesFrameStraddlingRingWrap forces BufRead's head
// and tail near the end of its backing array before writing a frame, so
// the frame's bytes land on both sides of the wraparound point — the
// steady-state situation once head/tail have advanced past the backing
// array once, not a corner case.
func TestDecodeFramesHandlesFrameStraddlingRingWrap(t *testing.T) {
	c := NewClient("h", "/p", 16)

	filler := make([]byte, 12)
	require.Equal(t, 12, c.BufRead.Write(filler))
	discard := make([]byte, 12)
	require.Equal(t, 12, c.BufRead.Read(discard))

	frame := buildUnmaskedBinaryFrame([]byte("abcd")) // 6 bytes, wraps at tail=12/cap=16
	require.Equal(t, len(frame), c.BufRead.Write(frame))

	status, err := c.DecodeFrames()
	require.NoError(t, err)
	require.Nil(t, status)

	got := make([]byte, c.BufToMQTT.Len())
	c.BufToMQTT.Read(got)
	require.Equal(t, "abcd", string(got))
}
