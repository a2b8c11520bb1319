// Package pool implements the per-host connection pool: idle/active
// partitioning keyed by (host, port, tls), LIFO idle reuse, keep-alive
// accounting, and stale-connection eviction. Unlike the richer
// pipelining pool this package is descended from, reuse is strictly
// sequential — a Connection is in the active list for exactly one
// in-flight exchange — and exhaustion fails the caller immediately
// instead of enqueueing a waiter.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"httpstack/conn"
	"httpstack/herr"
)

// Key identifies a per-host connection list. Distinct schemes never
// share connections even at the same host:port.
type Key struct {
	Host string
	Port uint16
	TLS  bool
}

// Options configures pool policy limits.
type Options struct {
	MaxPerHost           int
	MaxIdleTime          time.Duration
	MaxKeepaliveRequests uint
}

// Stats is the observability snapshot returned by GetStats.
type Stats struct {
	TotalIdle   int
	TotalActive int
	TotalPools  int
}

type hostList struct {
	idle   []*conn.Conn
	active map[*conn.Conn]struct{}
}

// Pool is a mapping from pool keys to connection lists, safe for
// concurrent use from multiple goroutines (the spec's cooperative
// single-threaded model is the minimum bar; this implementation
// protects list mutations with a mutex so it is also safe under real
// concurrency).
type Pool struct {
	mu     sync.Mutex
	lists  map[Key]*hostList
	opts   Options
	clock  clock.Clock
	dialer conn.Dialer
}

// New returns a Pool governed by opts. dialer is used to open new
// connections; clk defaults to the real wall clock.
func New(opts Options, dialer conn.Dialer, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	return &Pool{
		lists:  make(map[Key]*hostList),
		opts:   opts,
		clock:  clk,
		dialer: dialer,
	}
}

func (p *Pool) listFor(key Key) *hostList {
	l, ok := p.lists[key]
	if !ok {
		l = &hostList{active: make(map[*conn.Conn]struct{})}
		p.lists[key] = l
	}
	return l
}

// GetConnection implements the acquire algorithm: pop the most
// recently used idle connection (LIFO), validate it, retry on an
// invalid pop, run stale cleanup if at capacity, and finally dial a
// fresh connection if there's room. It fails with
// herr.ErrConnectionPoolExhausted (no blocking) if the host is at
// max_per_host with no idle connections to reclaim.
func (p *Pool) GetConnection(ctx context.Context, key Key) (*conn.Conn, error) {
	p.mu.Lock()
	list := p.listFor(key)

	for len(list.idle) > 0 {
		c := list.idle[len(list.idle)-1]
		list.idle = list.idle[:len(list.idle)-1]

		if c.IsAlive() && c.KeepaliveCount() < p.opts.MaxKeepaliveRequests {
			c.SetState(conn.Active)
			c.MarkReused()
			list.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}
		// Invalid: destroy and keep scanning for a usable idle conn.
		_ = c.Close()
	}

	if len(list.idle)+len(list.active) >= p.opts.MaxPerHost {
		p.evictStaleLocked(list, 0)
	}

	if len(list.active) >= p.opts.MaxPerHost {
		p.mu.Unlock()
		return nil, errors.Wrapf(herr.ErrConnectionPoolExhausted, "host %s:%d", key.Host, key.Port)
	}
	p.mu.Unlock()

	c := conn.New(conn.Endpoint{Host: key.Host, Port: key.Port, TLS: key.TLS}, p.clock)
	if err := c.Connect(ctx, p.dialer); err != nil {
		return nil, err
	}
	c.SetState(conn.Active)

	p.mu.Lock()
	list = p.listFor(key)
	list.active[c] = struct{}{}
	p.mu.Unlock()

	return c, nil
}

// ReturnConnection decides reuse based on the exchange's outcome: if
// shouldClose is true, or the connection is no longer alive, or
// keep-alive is exhausted, the connection is destroyed; otherwise it
// moves active -> idle.
func (p *Pool) ReturnConnection(key Key, c *conn.Conn, shouldClose bool) {
	p.mu.Lock()
	list := p.listFor(key)
	delete(list.active, c)

	destroy := shouldClose || !c.IsAlive() || c.KeepaliveCount() >= p.opts.MaxKeepaliveRequests
	if !destroy {
		c.SetState(conn.Idle)
		list.idle = append(list.idle, c)
	}
	p.mu.Unlock()

	if destroy {
		_ = c.Close()
	}
}

// Discard removes c from the pool without returning it to idle,
// for use when a transport error makes c unusable mid-exchange.
func (p *Pool) Discard(key Key, c *conn.Conn) {
	p.mu.Lock()
	list := p.listFor(key)
	delete(list.active, c)
	for i, idleConn := range list.idle {
		if idleConn == c {
			list.idle = append(list.idle[:i], list.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	_ = c.Close()
}

// CleanupIdle walks every list and destroys idle connections that have
// exceeded MaxIdleTime or are no longer alive.
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.lists {
		p.evictStaleLocked(list, p.opts.MaxIdleTime)
	}
}

// evictStaleLocked removes idle connections older than threshold (0
// meaning "evict all idle"), closing each one. Caller holds p.mu.
func (p *Pool) evictStaleLocked(list *hostList, threshold time.Duration) {
	now := p.clock.Now()
	kept := list.idle[:0]
	var toClose []*conn.Conn
	for _, c := range list.idle {
		stale := threshold == 0 || now.Sub(c.LastUsed()) > threshold
		if stale || !c.IsAlive() {
			toClose = append(toClose, c)
			continue
		}
		kept = append(kept, c)
	}
	list.idle = kept

	p.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
	p.mu.Lock()
}

// GetStats returns a point-in-time observability snapshot.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	s.TotalPools = len(p.lists)
	for _, list := range p.lists {
		s.TotalIdle += len(list.idle)
		s.TotalActive += len(list.active)
	}
	return s
}
