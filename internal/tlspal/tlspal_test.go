package tlspal

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeSocket lets tests drive the adapter without a real file descriptor.
type fakeSocket struct {
	readErr, writeErr error
}

func (f *fakeSocket) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	return 0, nil
}

func (f *fakeSocket) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(p), nil // full write succeeds so Handshake proceeds to the next step
}

func TestHandshakeReportsWantReadOnEAGAIN(t *testing.T) {
	sock := &fakeSocket{readErr: unix.EAGAIN}
	c := New(sock, &tls.Config{ServerName: "example.com"})

	st := c.Handshake()
	require.Equal(t, KindWantRead, st.Kind)
}

func TestHandshakeReportsWantWriteOnEAGAIN(t *testing.T) {
	sock := &fakeSocket{writeErr: unix.EAGAIN}
	c := New(sock, &tls.Config{ServerName: "example.com"})

	st := c.Handshake()
	require.Equal(t, KindWantWrite, st.Kind)
}

func TestIsEAGAINRecognizesBothErrnos(t *testing.T) {
	require.True(t, isEAGAIN(unix.EAGAIN))
	require.True(t, isEAGAIN(unix.EWOULDBLOCK))
	require.False(t, isEAGAIN(nil))
}
