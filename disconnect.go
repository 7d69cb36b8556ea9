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
	"context"
	"time"

	"github.com/edgeo-scada/mqttwss/internal/mqttsession"
	"github.com/edgeo-scada/mqttwss/internal/wsframe"
)

// Disconnect performs a graceful shutdown within the given timeout,
// split into four quarters: flush anything already queued, send
// DISCONNECT and flush it, send a WebSocket close frame and flush it,
// then close the socket. Each quarter gives up and moves on if its
// share of the budget expires, so a wedged peer can never make
// Disconnect exceed the caller's timeout by more than one Service
// granularity.
func (c *Client) Disconnect(ctx context.Context, timeout time.Duration) error {
	if c.closed {
		return nil
	}
	if c.ws == nil || c.sock == nil {
		return c.Close() // never connected, or already torn down
	}
	c.setDisconnecting(true)
	quarter := timeout / 4

	c.serviceAll(ctx, quarter, func() bool {
		return !c.hasPendingOut() && c.ws.BufWrite.Len() == 0 && !c.mqttDidntFinishWrite
	})

	c.enqueueOut((&mqttsession.DisconnectPacket{}).Encode())
	c.serviceAll(ctx, quarter, func() bool {
		return !c.hasPendingOut() && c.ws.BufWrite.Len() == 0 && !c.mqttDidntFinishWrite
	})

	if c.ws != nil {
		c.ws.WriteClose(wsframe.CloseNormal)
	}
	c.serviceAll(ctx, quarter, func() bool {
		return c.ws == nil || c.ws.BufWrite.Len() == 0
	})

	// Fourth quarter: give the peer a last chance to finish its own
	// close handshake, then tear down unconditionally.
	deadline := time.Now().Add(quarter)
	for time.Now().Before(deadline) {
		if err := c.Service(10); err != nil {
			break
		}
	}

	c.setConnected(false)
	if c.opts.Metrics != nil {
		c.opts.Metrics.ConnectionState.WithLabelValues(c.connectParams.ClientID).Set(0)
	}
	return c.Close()
}

// serviceAll calls serviceOnce repeatedly, forcing POLLOUT every pass,
// until cond reports true, the budget expires, or Service returns an
// error (at which point the connection is already gone and there is
// nothing left to flush). Mirrors mqtt_wss_service_all() in the
// original engine, which exists precisely for this draining use: unlike
// Service/mqtt_wss_service(), its job is to empty buf_write on a
// deadline, not just react to whatever the TLS/WS stages ask for.
func (c *Client) serviceAll(ctx context.Context, budget time.Duration, cond func() bool) {
	deadline := time.Now().Add(budget)
	for !cond() && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if err := c.serviceOnce(10, true); err != nil {
			return
		}
	}
}
