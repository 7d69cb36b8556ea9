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
	"crypto/tls"
	"log/slog"
)

const defaultBufferSize = 3 * 1024 * 1024 // matches the original engine's 3 MiB send/recv buffers

// ClientOptions configures a Client at construction. Use NewClientOptions
// with functional Option values rather than constructing this directly.
type ClientOptions struct {
	TLSConfig  *tls.Config
	Logger     *slog.Logger
	Resolver   Resolver
	Metrics    *Metrics
	BufferSize int

	// WSPath is the HTTP path used in the WebSocket upgrade request.
	WSPath string

	OnMessage func(Message)
	OnPubAck  func(packetID uint16)
}

// Option mutates a ClientOptions during construction.
type Option func(*ClientOptions)

// NewClientOptions returns a ClientOptions populated with defaults,
// then applies opts in order.
func NewClientOptions(opts ...Option) *ClientOptions {
	o := &ClientOptions{
		TLSConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		Logger:     slog.Default(),
		Resolver:   defaultResolver{},
		BufferSize: defaultBufferSize,
		WSPath:     "/mqtt",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTLSConfig sets the TLS configuration used for the handshake.
// Verification is on by default (the zero-value tls.Config already
// verifies); to disable it for a lab broker with a self-signed
// certificate, set InsecureSkipVerify on the supplied config or use
// WithInsecureSkipVerify.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *ClientOptions) { o.TLSConfig = cfg }
}

// WithInsecureSkipVerify is an explicit, named opt-out of server
// certificate verification, so the choice is never accidental.
func WithInsecureSkipVerify() Option {
	return func(o *ClientOptions) {
		if o.TLSConfig == nil {
			o.TLSConfig = &tls.Config{}
		}
		o.TLSConfig.InsecureSkipVerify = true
	}
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *ClientOptions) { o.Logger = l }
}

// WithResolver overrides the address resolution strategy.
func WithResolver(r Resolver) Option {
	return func(o *ClientOptions) { o.Resolver = r }
}

// WithMetrics wires a Metrics recorder into the client.
func WithMetrics(m *Metrics) Option {
	return func(o *ClientOptions) { o.Metrics = m }
}

// WithBufferSize overrides the fixed send/receive/WebSocket buffer
// size, in bytes, applied identically to every ring buffer the client
// allocates.
func WithBufferSize(n int) Option {
	return func(o *ClientOptions) { o.BufferSize = n }
}

// WithWSPath overrides the HTTP path used in the WebSocket upgrade
// request (default "/mqtt").
func WithWSPath(path string) Option {
	return func(o *ClientOptions) { o.WSPath = path }
}

// WithOnMessage installs the callback invoked for every decoded
// PUBLISH.
func WithOnMessage(cb func(Message)) Option {
	return func(o *ClientOptions) { o.OnMessage = cb }
}

// WithOnPubAck installs the callback invoked for every decoded PUBACK,
// delivering the packet ID the original Publish call returned.
func WithOnPubAck(cb func(packetID uint16)) Option {
	return func(o *ClientOptions) { o.OnPubAck = cb }
}

// connectWaitPollMS is the poll(2) timeout, in milliseconds, used while
// Connect waits for the TCP connect, the TLS and WebSocket handshakes and
// the CONNACK; short enough that context cancellation is noticed promptly.
const connectWaitPollMS = 200

// defaultKeepAliveFactor is the fraction of the negotiated keep-alive
// interval after which the engine proactively sends a PINGREQ.
const defaultKeepAliveFactor = 0.75
