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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size          int
	ConnectParams ConnectParams
	ClientOpts    []Option
	HealthPeriod  time.Duration
	Metrics       *Metrics
}

// PoolOption mutates a PoolOptions during construction.
type PoolOption func(*PoolOptions)

// WithPoolSize sets the number of independent Clients the Pool keeps.
func WithPoolSize(n int) PoolOption {
	return func(o *PoolOptions) { o.Size = n }
}

// WithPoolClientOptions supplies the Options every Client in the Pool
// is constructed with.
func WithPoolClientOptions(opts ...Option) PoolOption {
	return func(o *PoolOptions) { o.ClientOpts = opts }
}

// WithPoolHealthPeriod sets how often the Pool checks each Client's
// connection state.
func WithPoolHealthPeriod(d time.Duration) PoolOption {
	return func(o *PoolOptions) { o.HealthPeriod = d }
}

// WithPoolMetrics attaches a Metrics set the Pool records member
// health transitions against, separately from whatever Metrics the
// individual Clients were given via WithPoolClientOptions.
func WithPoolMetrics(m *Metrics) PoolOption {
	return func(o *PoolOptions) { o.Metrics = m }
}

// poolMember is one Client plus the goroutine loop driving its Service
// calls and a liveness flag the health checker maintains.
type poolMember struct {
	client  *Client
	healthy atomic.Bool
	cancel  context.CancelFunc
}

// Pool fans a single logical publisher out across several independent
// Client connections, useful for spreading load across brokers or
// across several sessions to the same broker. It does not retry a
// Client that disconnects — see the package Non-goals — it only stops
// routing to it and reports it unhealthy.
type Pool struct {
	mu        sync.Mutex
	members   []*poolMember
	next      atomic.Uint64
	metrics   *Metrics
	done      chan struct{}
	closeOnce sync.Once
}

// NewPool constructs and connects Size independent Clients against the
// given host/port, each with its own ConnectParams.ClientID suffix so
// the broker sees distinct sessions.
func NewPool(ctx context.Context, host string, port uint16, opts ...PoolOption) (*Pool, error) {
	o := &PoolOptions{Size: 1, HealthPeriod: 10 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	if o.Size < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrParam)
	}

	p := &Pool{done: make(chan struct{}), metrics: o.Metrics}
	for i := 0; i < o.Size; i++ {
		c, err := New(o.ClientOpts...)
		if err != nil {
			p.Close()
			return nil, err
		}
		params := o.ConnectParams
		if params.ClientID != "" {
			params.ClientID = fmt.Sprintf("%s-%d", params.ClientID, i)
		}
		if err := c.Connect(ctx, host, port, params); err != nil {
			c.Close()
			p.Close()
			return nil, err
		}

		memberCtx, cancel := context.WithCancel(context.Background())
		m := &poolMember{client: c, cancel: cancel}
		m.healthy.Store(true)
		p.members = append(p.members, m)

		go p.driveMember(memberCtx, m)
	}

	go p.healthChecker(o.HealthPeriod)
	return p, nil
}

// driveMember runs the owning Service loop for a single pool member
// until its context is cancelled or Service reports a fatal error.
func (p *Pool) driveMember(ctx context.Context, m *poolMember) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := m.client.Service(1000); err != nil {
			m.healthy.Store(false)
			if p.metrics != nil {
				p.metrics.PoolMembersHealthy.Set(float64(p.countHealthy()))
			}
			return
		}
	}
}

// countHealthy reports how many members are currently marked healthy.
func (p *Pool) countHealthy() int {
	p.mu.Lock()
	members := p.members
	p.mu.Unlock()
	n := 0
	for _, m := range members {
		if m.healthy.Load() {
			n++
		}
	}
	return n
}

func (p *Pool) healthChecker(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			members := append([]*poolMember(nil), p.members...)
			p.mu.Unlock()
			for _, m := range members {
				m.healthy.Store(m.client.IsConnected())
			}
			if p.metrics != nil {
				p.metrics.PoolMembersHealthy.Set(float64(p.countHealthy()))
			}
		}
	}
}

// Get returns a healthy Client using round-robin selection, or nil if
// every member is currently unhealthy.
func (p *Pool) Get() *Client {
	p.mu.Lock()
	members := p.members
	p.mu.Unlock()
	if len(members) == 0 {
		return nil
	}
	start := p.next.Add(1)
	for i := uint64(0); i < uint64(len(members)); i++ {
		m := members[(start+i)%uint64(len(members))]
		if m.healthy.Load() {
			return m.client
		}
	}
	return nil
}

// Close closes every member with Client.Close (no graceful MQTT
// DISCONNECT is sent) and stops the health checker. Safe to call more
// than once.
func (p *Pool) Close() error {
	var firstErr error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		members := p.members
		p.members = nil
		p.mu.Unlock()

		for _, m := range members {
			m.cancel()
			if err := m.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
