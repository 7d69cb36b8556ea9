package mqttsession

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Callbacks are the trampolines the session invokes as packets are
// decoded. None may block; the owning Client dispatches them inline
// during MQTT-sync.
type Callbacks struct {
	OnConnAck  func(*ConnAckPacket)
	OnPublish  func(*PublishPacket)
	OnPubAck   func(packetID uint16)
	OnPubRec   func(packetID uint16)
	OnPubRel   func(packetID uint16)
	OnPubComp  func(packetID uint16)
	OnSubAck   func(*SubAckPacket)
	OnUnsubAck func(packetID uint16)
	OnPingResp func()
}

// Session owns packet-ID allocation and the partial-frame accumulator
// used to turn a stream of bytes arriving from the WebSocket layer back
// into discrete MQTT control packets.
type Session struct {
	mu        sync.Mutex
	nextID    uint16
	pending   bytes.Buffer // accumulates bytes until a full packet is available
	cb        Callbacks
	connected bool

	lastSend time.Time
	lastRecv time.Time
}

// NewSession constructs a Session with the given callback set.
func NewSession(cb Callbacks) *Session {
	return &Session{cb: cb, nextID: 1}
}

// SetCallbacks replaces the callback set, for wiring trampolines that
// need to close over the owning client after construction.
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// NextPacketID returns the next packet identifier, wrapping from 65535
// back to 1 (0 is reserved and never valid).
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return id
}

// Connected reports whether a CONNACK with success has been observed.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// MarkSent records that a frame was just handed to the transport, for
// keep-alive scheduling.
func (s *Session) MarkSent(now time.Time) {
	s.mu.Lock()
	s.lastSend = now
	s.mu.Unlock()
}

// MarkReceived records that a byte arrived from the broker, for
// keep-alive scheduling.
func (s *Session) MarkReceived(now time.Time) {
	s.mu.Lock()
	s.lastRecv = now
	s.mu.Unlock()
}

// LastSent and LastReceived report the most recent activity timestamps.
func (s *Session) LastSent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSend
}

func (s *Session) LastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}

// Feed appends newly-arrived bytes to the accumulator and decodes as
// many complete packets as are present, invoking callbacks for each.
// It returns the number of packets consumed.
func (s *Session) Feed(b []byte) (int, error) {
	s.pending.Write(b)
	count := 0
	for {
		data := s.pending.Bytes()
		r := bytes.NewReader(data)
		h, body, err := ReadFixedHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break // wait for more bytes
			}
			return count, fmt.Errorf("mqttsession: decode fixed header: %w", err)
		}
		consumed := len(data) - r.Len()
		pkt, err := Decode(h, body)
		if err != nil {
			return count, err
		}
		s.dispatch(pkt)
		count++

		remaining := append([]byte(nil), data[consumed:]...)
		s.pending.Reset()
		s.pending.Write(remaining)
	}
	return count, nil
}

func (s *Session) dispatch(pkt Packet) {
	switch p := pkt.(type) {
	case *ConnAckPacket:
		s.mu.Lock()
		s.connected = p.ReturnCode == ConnAccepted
		s.mu.Unlock()
		if s.cb.OnConnAck != nil {
			s.cb.OnConnAck(p)
		}
	case *PublishPacket:
		if s.cb.OnPublish != nil {
			s.cb.OnPublish(p)
		}
	case *PubAckPacket:
		if s.cb.OnPubAck != nil {
			s.cb.OnPubAck(p.PacketID)
		}
	case *PubRecPacket:
		if s.cb.OnPubRec != nil {
			s.cb.OnPubRec(p.PacketID)
		}
	case *PubRelPacket:
		if s.cb.OnPubRel != nil {
			s.cb.OnPubRel(p.PacketID)
		}
	case *PubCompPacket:
		if s.cb.OnPubComp != nil {
			s.cb.OnPubComp(p.PacketID)
		}
	case *SubAckPacket:
		if s.cb.OnSubAck != nil {
			s.cb.OnSubAck(p)
		}
	case *UnsubAckPacket:
		if s.cb.OnUnsubAck != nil {
			s.cb.OnUnsubAck(p.PacketID)
		}
	case *PingRespPacket:
		if s.cb.OnPingResp != nil {
			s.cb.OnPingResp()
		}
	}
}

// Reset clears accumulator and connection state, called at the start of
// every Connect attempt.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Reset()
	s.connected = false
}
