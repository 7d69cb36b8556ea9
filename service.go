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

package mqttwss

import (
	"fmt"
	"time"

	"github.com/edgeo-scada/mqttwss/internal/mqttsession"
	"github.com/edgeo-scada/mqttwss/internal/tlspal"
	"golang.org/x/sys/unix"
)

// Service performs one forward pass across the engine: it arms poll
// interest, blocks for up to timeoutMS milliseconds (-1 to block
// indefinitely, bounded by whatever keep-alive deadline is next due)
// waiting for the socket or the wake-up pipe to become ready, and then
// runs the four pipeline stages in order — TLS-in, WebSocket decode,
// MQTT sync, TLS-out — moving exactly as much data as is currently
// available at each stage without re-polling. Callers drive the engine
// by invoking Service in a loop from a single owning goroutine.
func (c *Client) Service(timeoutMS int) error {
	return c.serviceOnce(timeoutMS, false)
}

// serviceOnce is the shared implementation behind Service and
// serviceAll (disconnect.go). forceWrite mirrors the original engine's
// split between mqtt_wss_service(), whose poll mask is governed purely
// by TLS status / WS NeedMoreBytes / mqtt_didnt_finish_write, and
// mqtt_wss_service_all(), which ORs in POLLOUT unconditionally before
// every Wait because its job is to drain buf_write down to empty on a
// deadline regardless of what the stages themselves are currently
// asking for. Folding that forcing into every Service call would arm
// POLLOUT merely because a submitter goroutine enqueued a frame between
// passes, even though the wake-pipe alone already guarantees
// drainPendingOut/stageTLSOut run this pass — spec.md §8's invariant
// names only TLS status, WS NeedMoreBytes, and mqtt_didnt_finish_write.
func (c *Client) serviceOnce(timeoutMS int, forceWrite bool) error {
	wantWrite := forceWrite || c.pollWantWrite || c.mqttDidntFinishWrite
	c.poll.SetSocketEvents(c.pollWantRead, wantWrite)

	_, wakeReady, err := c.poll.Wait(c.boundByKeepAlive(timeoutMS))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnDropped, err)
	}
	if wakeReady {
		c.wake.Drain()
	}

	if c.poll.SocketRevents()&(unix.POLLERR|unix.POLLHUP) != 0 {
		return fmt.Errorf("%w: socket error/hangup", ErrConnDropped)
	}

	// Reset the interest mask (spec.md §4.3 step 4): the stages below
	// re-arm exactly what this pass determined is needed for the next
	// Wait, mirroring the original engine's
	// poll_fds[POLLFD_SOCKET].events = 0 followed by conditional |=.
	c.pollWantRead = false
	c.pollWantWrite = false

	// TLS-in and WS-decode run every pass regardless of socket
	// readiness, exactly like mqtt_wss_service(): SSL_read is attempted
	// whenever buf_read has space (EAGAIN is cheap and self-reports via
	// WantRead), and ws_client_process always drains whatever is
	// already buffered in buf_read even if no new bytes arrived this
	// pass. Gating either stage on last Wait's socket revents would
	// starve WS-decode of a chance to free buf_read under backpressure,
	// since freeing it is what actually lets TLS-in make progress, not
	// a fresh readiness event.
	if err := c.stageTLSIn(); err != nil {
		return err
	}
	if err := c.stageWSDecode(); err != nil {
		return err
	}

	if err := c.stageMQTTSync(); err != nil {
		return err
	}

	c.drainPendingOut()

	if err := c.stageTLSOut(); err != nil {
		return err
	}

	c.observeBufferOccupancy()
	return nil
}

// stageTLSIn reads as many decrypted bytes as are currently available
// from the socket into ws.BufRead, stopping at WantRead/WantWrite
// (arming the matching poll interest for the next Wait) or a fatal
// error. Attempted unconditionally every pass whenever buf_read has
// space — a non-blocking read with nothing pending is cheap and
// self-reports via WantRead, matching SSL_read's unconditional call
// site in the original engine.
func (c *Client) stageTLSIn() error {
	for {
		dst := c.ws.BufRead.LinearInsertRange()
		if len(dst) == 0 {
			return nil // backpressure: let WS-decode and MQTT-sync catch up first
		}
		st := c.tls.Read(dst)
		switch st.Kind {
		case tlspal.KindOK:
			if st.N == 0 {
				return fmt.Errorf("%w: peer closed connection", ErrConnDropped)
			}
			c.ws.BufRead.CommitWrite(st.N)
			c.session.MarkReceived(time.Now())
		case tlspal.KindWantRead:
			c.pollWantRead = true
			return nil
		case tlspal.KindWantWrite:
			c.pollWantWrite = true
			return nil
		case tlspal.KindFatal:
			return fmt.Errorf("%w: %v", ErrConnDropped, st.Err)
		}
	}
}

// stageWSDecode drains complete WebSocket frames out of ws.BufRead,
// appending BINARY payloads to ws.BufToMQTT. Runs every pass regardless
// of whether new bytes arrived this pass, since its job is to make
// progress on whatever is already buffered.
func (c *Client) stageWSDecode() error {
	if !c.ws.HandshakeDone() {
		done, err := c.ws.TryCompleteHandshake()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWsProto, err)
		}
		if !done {
			c.pollWantRead = true
			return nil
		}
	}
	closeStatus, err := c.ws.DecodeFrames()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWsProto, err)
	}
	if closeStatus != nil {
		c.setDisconnecting(true)
		return nil
	}
	// DecodeFrames only returns cleanly once it cannot complete another
	// frame from what is buffered — the NeedMoreBytes case spec.md §4.3
	// step 6 says arms socket-read interest.
	c.pollWantRead = true
	return nil
}

// stageMQTTSync feeds decoded payload bytes into the MQTT session
// decoder (which invokes the installed callbacks) and checks whether a
// keep-alive PINGREQ is due.
func (c *Client) stageMQTTSync() error {
	if n := c.ws.BufToMQTT.Len(); n > 0 {
		buf := make([]byte, n)
		c.ws.BufToMQTT.Read(buf)
		if _, err := c.session.Feed(buf); err != nil {
			return fmt.Errorf("%w: %v", ErrMqttProto, err)
		}
	}
	c.checkKeepAlive()
	return nil
}

// keepAliveDeadline reports when the next PINGREQ is due and whether
// keep-alive applies at all. The deadline is pushed out by any send —
// PUBLISH, SUBSCRIBE, a prior PING — via session.LastSent(), not just by
// a previously sent ping, matching the "any traffic resets the clock"
// rule for keep-alive. lastPing additionally guards against re-enqueuing
// a PING every pass while one is already queued but not yet on the wire.
func (c *Client) keepAliveDeadline() (deadline time.Time, active bool) {
	if c.connectParams.KeepAlive == 0 || !c.isConnected() {
		return time.Time{}, false
	}
	interval := time.Duration(c.connectParams.KeepAlive) * time.Second
	threshold := time.Duration(float64(interval) * defaultKeepAliveFactor)
	lastActivity := c.session.LastSent()
	if c.lastPing.After(lastActivity) {
		lastActivity = c.lastPing
	}
	return lastActivity.Add(threshold), true
}

// boundByKeepAlive shortens timeoutMS (-1 meaning "block indefinitely")
// to whatever time remains until the next keep-alive deadline, so an
// idle Service(-1) caller still wakes up in time to send a PINGREQ
// instead of blocking in poll(2) forever.
func (c *Client) boundByKeepAlive(timeoutMS int) int {
	deadline, active := c.keepAliveDeadline()
	if !active {
		return timeoutMS
	}
	till := int(time.Until(deadline) / time.Millisecond)
	if till < 0 {
		till = 0
	}
	if timeoutMS < 0 || till < timeoutMS {
		return till
	}
	return timeoutMS
}

// checkKeepAlive sends a PINGREQ once the keep-alive deadline has
// passed.
func (c *Client) checkKeepAlive() {
	deadline, active := c.keepAliveDeadline()
	if !active || time.Now().Before(deadline) {
		return
	}
	c.enqueueOut((&mqttsession.PingReqPacket{}).Encode())
	c.lastPing = time.Now()
	c.pingOutstanding = true
	if c.opts.Metrics != nil {
		c.opts.Metrics.KeepAlivePings.Inc()
	}
}

// drainPendingOut pushes as many fully-encoded MQTT frames as currently
// fit into ws.BufWrite. A frame that does not fit is left at the front
// of pendingOut and mqttDidntFinishWrite is set so Service re-arms
// POLLOUT and retries on the next pass.
func (c *Client) drainPendingOut() {
	for {
		frame, ok := c.peekPendingOut()
		if !ok {
			break
		}
		n, err := c.ws.WriteBinary(frame)
		if err != nil {
			// buffer sized too small for this frame; drop it rather
			// than spin forever.
			c.popPendingOut()
			continue
		}
		if n == 0 {
			c.mqttDidntFinishWrite = true
			return
		}
		c.session.MarkSent(time.Now())
		if c.opts.Metrics != nil {
			t := mqttsession.PacketType(frame[0] >> 4)
			c.opts.Metrics.PacketsSent.WithLabelValues(t.String()).Inc()
		}
		c.popPendingOut()
	}
	c.mqttDidntFinishWrite = false
}

// stageTLSOut flushes as much of ws.BufWrite over the socket as the
// kernel will currently accept, arming read or write poll interest per
// TLS status exactly as stageTLSIn does (spec.md §4.3 step 8: "arm
// interest per TLS status as in step 5").
func (c *Client) stageTLSOut() error {
	for {
		src := c.ws.BufWrite.LinearReadRange()
		if len(src) == 0 {
			return nil
		}
		st := c.tls.Write(src)
		switch st.Kind {
		case tlspal.KindOK:
			c.ws.BufWrite.CommitRead(st.N)
			if st.N < len(src) {
				c.mqttDidntFinishWrite = true
				return nil
			}
		case tlspal.KindWantWrite:
			c.pollWantWrite = true
			return nil
		case tlspal.KindWantRead:
			c.pollWantRead = true
			return nil
		case tlspal.KindFatal:
			return fmt.Errorf("%w: %v", ErrConnDropped, st.Err)
		}
	}
}
