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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a Client reports through,
// registered once and shared across every Client an embedder builds
// with the same Registerer.
type Metrics struct {
	ConnectionState    *prometheus.GaugeVec
	PacketsSent        *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	ReconnectAttempt   prometheus.Counter
	KeepAlivePings     prometheus.Counter
	BufferOccupancy    *prometheus.GaugeVec
	PublishTotal       *prometheus.CounterVec
	PoolMembersHealthy prometheus.Gauge
}

// NewMetrics registers the mqttwss collector set against reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a dedicated
// *prometheus.Registry in tests to avoid collector-already-registered
// panics across test cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mqttwss",
			Name:      "connection_state",
			Help:      "Current connection state (1 = connected, 0 = disconnected) per client_id.",
		}, []string{"client_id"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttwss",
			Name:      "packets_sent_total",
			Help:      "Total MQTT control packets sent, by packet type.",
		}, []string{"type"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttwss",
			Name:      "packets_received_total",
			Help:      "Total MQTT control packets received, by packet type.",
		}, []string{"type"}),
		ReconnectAttempt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttwss",
			Name:      "reconnect_attempts_total",
			Help:      "Total Connect calls made after an initial connection was lost.",
		}),
		KeepAlivePings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mqttwss",
			Name:      "keepalive_pings_total",
			Help:      "Total PINGREQ packets sent.",
		}),
		BufferOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mqttwss",
			Name:      "buffer_occupancy_bytes",
			Help:      "Bytes currently held in each named ring buffer.",
		}, []string{"buffer"}),
		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttwss",
			Name:      "publish_total",
			Help:      "Total PUBLISH packets submitted, by QoS level.",
		}, []string{"qos"}),
		PoolMembersHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttwss",
			Name:      "pool_members_healthy",
			Help:      "Number of Pool members currently reporting connected.",
		}),
	}
}

// observeBufferOccupancy records the current occupancy of the engine's
// three ring buffers, called opportunistically from Service.
func (c *Client) observeBufferOccupancy() {
	if c.opts.Metrics == nil || c.ws == nil {
		return
	}
	m := c.opts.Metrics
	m.BufferOccupancy.WithLabelValues("buf_read").Set(float64(c.ws.BufRead.Len()))
	m.BufferOccupancy.WithLabelValues("buf_write").Set(float64(c.ws.BufWrite.Len()))
	m.BufferOccupancy.WithLabelValues("buf_to_mqtt").Set(float64(c.ws.BufToMQTT.Len()))
}
