// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqttwss carries MQTT v3.1.1 control traffic over a WebSocket
// connection tunneled inside TLS. The Client is a single-threaded,
// readiness-driven engine: one goroutine owns a Client and drives it by
// calling Service in a loop; other goroutines may call Publish,
// PublishPID and Subscribe concurrently, which only enqueue work and
// wake the service goroutine.
package mqttwss

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/edgeo-scada/mqttwss/internal/mqttsession"
	"github.com/edgeo-scada/mqttwss/internal/sockconn"
	"github.com/edgeo-scada/mqttwss/internal/tlspal"
	"github.com/edgeo-scada/mqttwss/internal/wsframe"
)

// Client is the MQTT-over-WebSocket-over-TLS engine. The zero value is
// not usable; construct with New.
//
// Exactly one goroutine (the "owner") must call Service/Connect/
// Disconnect/Close in a loop. Publish, Subscribe, Unsubscribe and Wake
// may be called from any goroutine; the state they touch that the owner
// goroutine also touches — pendingOut and mqttConnected — is guarded by
// submitMu rather than left to the single-owner assumption.
type Client struct {
	opts   *ClientOptions
	logger *slog.Logger

	host string
	port uint16

	sock *sockconn.Socket
	tls  *tlspal.Conn
	wake *sockconn.WakePipe
	poll *sockconn.PollSet

	ws      *wsframe.Client
	session *mqttsession.Session

	// submitMu guards pendingOut, mqttConnected and mqttDisconnecting,
	// the pieces of state both submitters (Publish/Subscribe/
	// Unsubscribe, any goroutine) and the owner goroutine
	// (drainPendingOut, the CONNACK trampoline, stageWSDecode,
	// Disconnect) touch. Always taken and released within a single
	// helper method below; never held across a call to another helper
	// that also takes it.
	submitMu sync.Mutex
	// pendingOut holds fully-encoded outbound frames, in submission
	// order, until drainPendingOut moves them into ws.BufWrite; a frame
	// that does not fit stays at the front for the next pass.
	pendingOut        [][]byte
	mqttConnected     bool
	mqttDisconnecting bool

	mqttDidntFinishWrite bool

	// pollWantRead and pollWantWrite accumulate the socket poll interest
	// the TLS/WebSocket stages determine is needed for the *next*
	// Service call, owner-thread-only state exactly like the original
	// engine's poll_fds[POLLFD_SOCKET].events: cleared once per pass
	// right after Wait returns, then OR'd in by whichever stage hits
	// WANT_READ/WANT_WRITE/NeedMoreBytes this pass (spec.md §4.3 steps
	// 4-8). pollWantWrite is distinct from mqttDidntFinishWrite: the
	// latter is the MQTT-pal-send-specific "didn't fit" signal, the
	// former is TLS asking for a write while the engine was trying to
	// read (or vice versa) — both feed the same POLLOUT bit but come
	// from different spec-named sources.
	pollWantRead  bool
	pollWantWrite bool

	connectParams   ConnectParams
	everConnected   bool // Connect was already called once; the next call counts as a reconnect
	lastPing        time.Time
	pingOutstanding bool
	tlsHandshakeOK  bool
	connAckErr      error // set by the CONNACK trampoline on a non-accepted return code

	closed bool
}

// New allocates a Client and its fixed-size buffers. It does not connect
// to any broker; call Connect afterward.
func New(opts ...Option) (client *Client, err error) {
	o := NewClientOptions(opts...)

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	wake, err := sockconn.NewWakePipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResource, err)
	}
	cleanup = append(cleanup, func() { wake.Close() })

	session := mqttsession.NewSession(mqttsession.Callbacks{})

	c := &Client{
		opts:    o,
		logger:  o.Logger,
		wake:    wake,
		session: session,
	}
	c.wireCallbacks()
	cleanup = nil
	return c, nil
}

// wireCallbacks installs the session callback trampolines now that c
// exists, forwarding decoded packets to the options-supplied handlers
// and to the engine's own bookkeeping (CONNACK flips mqttConnected,
// PINGRESP clears the outstanding-ping flag), counting every received
// packet type along the way.
func (c *Client) wireCallbacks() {
	recv := func(t mqttsession.PacketType) {
		if c.opts.Metrics != nil {
			c.opts.Metrics.PacketsReceived.WithLabelValues(t.String()).Inc()
		}
	}
	c.session.SetCallbacks(mqttsession.Callbacks{
		OnConnAck: func(p *mqttsession.ConnAckPacket) {
			recv(mqttsession.TypeConnAck)
			accepted := p.ReturnCode == mqttsession.ConnAccepted
			c.setConnected(accepted)
			if !accepted {
				c.connAckErr = &ConnAckError{Code: byte(p.ReturnCode)}
				c.logger.Warn("mqtt connect refused", "code", p.ReturnCode)
			}
			if c.opts.Metrics != nil {
				state := 0.0
				if accepted {
					state = 1.0
				}
				c.opts.Metrics.ConnectionState.WithLabelValues(c.connectParams.ClientID).Set(state)
			}
		},
		OnPublish: func(p *mqttsession.PublishPacket) {
			recv(mqttsession.TypePublish)
			if p.QoS == mqttsession.QoS1 {
				c.enqueueOut(mqttsession.NewPubAck(p.PacketID).Encode())
			} else if p.QoS == mqttsession.QoS2 {
				c.enqueueOut(mqttsession.NewPubRec(p.PacketID).Encode())
			}
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(Message{
					Topic:     p.Topic,
					Payload:   p.Payload,
					QoS:       p.QoS,
					Retain:    p.Retain,
					Duplicate: p.Duplicate,
				})
			}
		},
		OnPubAck: func(id uint16) {
			recv(mqttsession.TypePubAck)
			if c.opts.OnPubAck != nil {
				c.opts.OnPubAck(id)
			}
		},
		OnPubRec: func(id uint16) {
			recv(mqttsession.TypePubRec)
			c.enqueueOut(mqttsession.NewPubRel(id).Encode())
		},
		OnPubRel: func(id uint16) {
			recv(mqttsession.TypePubRel)
			c.enqueueOut(mqttsession.NewPubComp(id).Encode())
		},
		OnPubComp: func(id uint16) {
			recv(mqttsession.TypePubComp)
			if c.opts.OnPubAck != nil {
				c.opts.OnPubAck(id)
			}
		},
		OnSubAck: func(*mqttsession.SubAckPacket) {
			recv(mqttsession.TypeSubAck)
		},
		OnUnsubAck: func(uint16) {
			recv(mqttsession.TypeUnsubAck)
		},
		OnPingResp: func() {
			recv(mqttsession.TypePingResp)
			c.pingOutstanding = false
		},
	})
}

// enqueueOut appends a fully-encoded frame to pendingOut. Safe to call
// from any goroutine; never call it while already holding submitMu.
func (c *Client) enqueueOut(frame []byte) {
	c.submitMu.Lock()
	c.pendingOut = append(c.pendingOut, frame)
	c.submitMu.Unlock()
}

// hasPendingOut reports whether any frame is queued for the write side.
func (c *Client) hasPendingOut() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return len(c.pendingOut) > 0
}

// peekPendingOut returns the frame at the front of pendingOut without
// removing it, for the service goroutine to attempt a write.
func (c *Client) peekPendingOut() ([]byte, bool) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if len(c.pendingOut) == 0 {
		return nil, false
	}
	return c.pendingOut[0], true
}

// popPendingOut removes the frame peekPendingOut last returned.
func (c *Client) popPendingOut() {
	c.submitMu.Lock()
	c.pendingOut = c.pendingOut[1:]
	c.submitMu.Unlock()
}

func (c *Client) resetPendingOut() {
	c.submitMu.Lock()
	c.pendingOut = nil
	c.submitMu.Unlock()
}

// setConnected updates the MQTT-level connection flag read by
// IsConnected and every submitter.
func (c *Client) setConnected(v bool) {
	c.submitMu.Lock()
	c.mqttConnected = v
	c.submitMu.Unlock()
}

func (c *Client) isConnected() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return c.mqttConnected
}

// setDisconnecting updates the flag that blocks new Publish/Subscribe/
// Unsubscribe submits (spec §4.6: rejected while mqttDisconnecting).
func (c *Client) setDisconnecting(v bool) {
	c.submitMu.Lock()
	c.mqttDisconnecting = v
	c.submitMu.Unlock()
}

func (c *Client) isDisconnecting() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return c.mqttDisconnecting
}

// Connect performs the six-step connection sequence: reset ephemeral
// state, resolve the host, open a non-blocking TCP socket, establish
// TLS and the WebSocket upgrade, submit CONNECT, and wait for CONNACK.
// ctx bounds only the wait; once the socket and TLS session exist they
// are torn down on any failure so a retried Connect starts clean.
func (c *Client) Connect(ctx context.Context, host string, port uint16, params ConnectParams) (err error) {
	if c.closed {
		return ErrClosed
	}
	if c.isConnected() {
		return ErrAlreadyConnected
	}

	// The original engine always requests a clean session and refuses
	// to disable keep-alive outright: a zero keep-alive becomes 400s
	// rather than "none" (mqtt_wss_client.c's CONNECT construction).
	if params.KeepAlive == 0 {
		params.KeepAlive = 400
	}
	params.CleanSession = true

	if c.everConnected && c.opts.Metrics != nil {
		c.opts.Metrics.ReconnectAttempt.Inc()
	}
	c.everConnected = true

	c.host = host
	c.port = port
	c.connectParams = params
	c.setDisconnecting(false)
	c.mqttDidntFinishWrite = false
	c.pollWantRead = true // first Wait must arm POLLIN to drive the handshake forward
	c.pollWantWrite = false
	c.tlsHandshakeOK = false
	c.connAckErr = nil
	c.resetPendingOut()
	c.session.Reset()

	addr, err := c.opts.Resolver.ResolveHost(ctx, host)
	if err != nil {
		return err
	}

	sock, err := sockconn.Dial(netip.AddrPortFrom(addr, port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnDropped, err)
	}
	defer func() {
		if err != nil {
			sock.Close()
			if c.sock == sock {
				c.sock = nil
			}
		}
	}()

	if err = c.waitConnectComplete(ctx, sock); err != nil {
		return err
	}

	c.sock = sock
	c.wake.Drain()
	c.poll = sockconn.NewPollSet(sock.FD(), c.wake.ReadFD())

	tlsCfg := c.opts.TLSConfig.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}
	c.tls = tlspal.New(sock, tlsCfg)

	c.ws = wsframe.NewClient(host, c.opts.WSPath, c.opts.BufferSize)

	if err = c.runUntil(ctx, func() bool { return c.tlsHandshakeDone() }); err != nil {
		return err
	}

	if err = c.ws.QueueHandshakeRequest(); err != nil {
		return fmt.Errorf("%w: %v", ErrResource, err)
	}
	if err = c.runUntil(ctx, func() bool { return c.ws.HandshakeDone() }); err != nil {
		return err
	}

	connect := &mqttsession.ConnectPacket{
		ClientID:     params.ClientID,
		CleanSession: params.CleanSession,
		KeepAlive:    params.KeepAlive,
		Username:     params.Username,
		Password:     params.Password,
		HasUsername:  params.Username != "",
		HasPassword:  len(params.Password) > 0,
	}
	if params.Will != nil {
		connect.Will = &mqttsession.Will{
			Topic:   params.Will.Topic,
			Payload: params.Will.Payload,
			QoS:     params.Will.QoS,
			Retain:  params.Will.Retain,
		}
	}
	c.enqueueOut(connect.Encode())
	c.session.MarkSent(time.Now())
	c.lastPing = time.Now()

	if err = c.runUntil(ctx, func() bool { return c.isConnected() }); err != nil {
		return err
	}
	return nil
}

// waitConnectComplete polls the connecting socket for writability and
// checks SO_ERROR, the standard non-blocking connect(2) idiom.
func (c *Client) waitConnectComplete(ctx context.Context, sock *sockconn.Socket) error {
	ps := sockconn.NewPollSet(sock.FD(), -1)
	ps.SetSocketEvents(false, true)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTimedOut, err)
		}
		ready, _, err := ps.Wait(connectWaitPollMS)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnDropped, err)
		}
		if !ready {
			continue
		}
		if err := sock.ConnectError(); err != nil {
			return fmt.Errorf("%w: %v", ErrConnDropped, err)
		}
		return nil
	}
}

func (c *Client) tlsHandshakeDone() bool {
	if c.tlsHandshakeOK {
		return true
	}
	st := c.tls.Handshake()
	switch st.Kind {
	case tlspal.KindOK:
		c.tlsHandshakeOK = true
		return true
	case tlspal.KindWantRead, tlspal.KindWantWrite:
		return false
	default:
		return false
	}
}

// runUntil calls Service repeatedly until cond reports true, ctx is
// cancelled, Service returns a fatal error, or the CONNACK trampoline
// recorded a non-accepted return code (checked here rather than only
// at the Connect call site so a refusal short-circuits the wait
// immediately instead of running out the clock).
func (c *Client) runUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		if c.connAckErr != nil {
			return c.connAckErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTimedOut, err)
		}
		if err := c.Service(connectWaitPollMS); err != nil {
			return err
		}
	}
	return nil
}

// Publish encodes and submits a PUBLISH packet. For QoS 0 it returns
// packet ID 0 (meaningless at that QoS); for QoS 1/2 the returned ID is
// later echoed back through the OnPubAck callback once acknowledged.
// Safe to call from any goroutine.
func (c *Client) Publish(topic string, payload []byte, flags PublishFlag) (uint16, error) {
	if topic == "" {
		return 0, fmt.Errorf("%w: empty topic", ErrParam)
	}
	if c.isDisconnecting() {
		return 0, ErrDisconnecting
	}
	if !c.isConnected() {
		return 0, ErrNotConnected
	}

	qos := flags.QoS()
	var id uint16
	if qos != QoS0 {
		id = c.session.NextPacketID()
	}
	pkt := &mqttsession.PublishPacket{
		QoS:      qos,
		Retain:   flags.Retain(),
		Topic:    topic,
		PacketID: id,
		Payload:  payload,
	}
	c.enqueueOut(pkt.Encode())
	if c.opts.Metrics != nil {
		c.opts.Metrics.PublishTotal.WithLabelValues(qosLabel(qos)).Inc()
	}
	c.wake.Wake()
	return id, nil
}

// PublishPID is the packet-ID-returning entry point named separately in
// the original engine (publish_pid vs. the convenience publish wrapper
// that discards the ID). Publish already returns the allocated packet
// ID, so PublishPID is exactly Publish under another name, kept for
// callers that port code written against the publish_pid naming.
func (c *Client) PublishPID(topic string, payload []byte, flags PublishFlag) (uint16, error) {
	return c.Publish(topic, payload, flags)
}

func qosLabel(q QoS) string {
	switch q {
	case QoS1:
		return "1"
	case QoS2:
		return "2"
	default:
		return "0"
	}
}

// Subscribe submits a SUBSCRIBE for one or more topic filters and
// returns the packet ID the broker will echo in its SUBACK. Safe to
// call from any goroutine.
func (c *Client) Subscribe(subs ...Subscription) (uint16, error) {
	if len(subs) == 0 {
		return 0, fmt.Errorf("%w: no subscriptions given", ErrParam)
	}
	if c.isDisconnecting() {
		return 0, ErrDisconnecting
	}
	if !c.isConnected() {
		return 0, ErrNotConnected
	}
	id := c.session.NextPacketID()
	pkt := &mqttsession.SubscribePacket{PacketID: id, Subscriptions: subs}
	c.enqueueOut(pkt.Encode())
	c.wake.Wake()
	return id, nil
}

// Unsubscribe submits an UNSUBSCRIBE for one or more topic filters.
func (c *Client) Unsubscribe(topics ...string) (uint16, error) {
	if len(topics) == 0 {
		return 0, fmt.Errorf("%w: no topics given", ErrParam)
	}
	if c.isDisconnecting() {
		return 0, ErrDisconnecting
	}
	if !c.isConnected() {
		return 0, ErrNotConnected
	}
	id := c.session.NextPacketID()
	pkt := &mqttsession.UnsubscribePacket{PacketID: id, Topics: topics}
	c.enqueueOut(pkt.Encode())
	c.wake.Wake()
	return id, nil
}

// Wake signals the service goroutine to wake from a blocked poll(2)
// call, for callers that need to submit work without waiting for the
// next natural readiness event (e.g. an application-level shutdown
// request). Publish/Subscribe/Unsubscribe already call this internally.
func (c *Client) Wake() error {
	return c.wake.Wake()
}

// IsConnected reports whether the engine currently believes it has an
// accepted MQTT session. Safe to call from any goroutine.
func (c *Client) IsConnected() bool { return c.isConnected() }

// Close releases the wake pipe and any open socket/TLS state
// unconditionally, without attempting a graceful MQTT disconnect. Use
// Disconnect first for a clean shutdown.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	return c.wake.Close()
}
