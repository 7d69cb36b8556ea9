package mqttsession

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextPacketIDWrapsPastZero(t *testing.T) {
	s := NewSession(Callbacks{})
	s.nextID = 65535
	require.Equal(t, uint16(65535), s.NextPacketID())
	require.Equal(t, uint16(1), s.NextPacketID())
}

func TestFeedDecodesConnAck(t *testing.T) {
	var got *ConnAckPacket
	s := NewSession(Callbacks{OnConnAck: func(p *ConnAckPacket) { got = p }})

	ack := &ConnAckPacket{SessionPresent: true, ReturnCode: ConnAccepted}
	n, err := s.Feed(ack.Encode())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotNil(t, got)
	require.True(t, got.SessionPresent)
	require.True(t, s.Connected())
}

func TestFeedHandlesPartialFrames(t *testing.T) {
	var got []uint16
	s := NewSession(Callbacks{OnPubAck: func(id uint16) { got = append(got, id) }})

	frame := NewPubAck(42).Encode()
	n, err := s.Feed(frame[:2])
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, got)

	n, err = s.Feed(frame[2:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint16{42}, got)
}

func TestFeedDecodesMultiplePacketsInOneChunk(t *testing.T) {
	var pubacks int
	s := NewSession(Callbacks{OnPubAck: func(uint16) { pubacks++ }})

	var buf []byte
	buf = append(buf, NewPubAck(1).Encode()...)
	buf = append(buf, NewPubAck(2).Encode()...)
	buf = append(buf, NewPubAck(3).Encode()...)

	n, err := s.Feed(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, pubacks)
}

func TestPublishRoundTrip(t *testing.T) {
	var got *PublishPacket
	s := NewSession(Callbacks{OnPublish: func(p *PublishPacket) { got = p }})

	pub := &PublishPacket{QoS: QoS1, Topic: "sensors/temp", PacketID: 7, Payload: []byte("21.5")}
	_, err := s.Feed(pub.Encode())
	require.NoError(t, err)
	require.Equal(t, "sensors/temp", got.Topic)
	require.Equal(t, uint16(7), got.PacketID)
	require.Equal(t, "21.5", string(got.Payload))
}
