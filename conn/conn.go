// Package conn implements the client connection lifecycle: dialing a
// plain TCP or TLS socket to a single endpoint, tracking the state
// lattice a pooled connection moves through, and the send/recv
// primitives the higher-level request/response and streaming layers
// build on.
//
// The plain and TLS paths share every bit of surrounding logic because
// both crypto/tls.Conn and net.Conn satisfy the same net.Conn
// interface — there is no need for a hand-rolled sum type over socket
// kinds the way a language without that structural typing would need.
package conn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"httpstack/herr"
)

// State is a point in the connection lifecycle lattice:
// disconnected -> connecting -> connected <-> active <-> idle -> closing -> closed.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Active
	Idle
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is the (host, port, tls) triple a Connection dials.
type Endpoint struct {
	Host string
	Port uint16
	TLS  bool
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Conn is a single client connection to one Endpoint. It is safe for
// concurrent use; callers driving a request/response exchange hold it
// exclusively while active, so the locking here only needs to protect
// bookkeeping fields (state, timestamps, keep-alive counter) against
// concurrent pool introspection (e.g. stats).
type Conn struct {
	endpoint Endpoint
	clock    clock.Clock
	resolver Resolver

	mu             sync.Mutex
	state          State
	socket         net.Conn
	lastUsed       time.Time
	keepaliveCount uint
}

// New initializes a Connection for endpoint without performing any I/O.
func New(endpoint Endpoint, clk clock.Clock) *Conn {
	if clk == nil {
		clk = clock.New()
	}
	return &Conn{
		endpoint: endpoint,
		clock:    clk,
		state:    Disconnected,
	}
}

// Endpoint returns the endpoint this Connection was initialized with.
func (c *Conn) Endpoint() Endpoint {
	return c.endpoint
}

// Dialer resolves and opens the underlying socket. The default is
// net.Dialer; tests substitute a fake to avoid real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver resolves a hostname to an ordered list of IP address
// literals. The zero value (nil) defers entirely to the Dialer's own
// resolution, exactly as if no Resolver existed; set one via
// SetResolver to opt into the address-list, first-success dial policy
// below.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// SetResolver installs the Resolver Connect uses to turn the
// endpoint's host into a candidate address list. Must be called
// before Connect; it is not safe to change mid-dial.
func (c *Conn) SetResolver(r Resolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// resolveAddresses returns the "host:port" candidates Connect should
// try in order. An IP literal host, or no resolver installed, yields
// the single endpoint address unchanged (the prior behavior, left
// intact so callers that never touch SetResolver never do DNS work
// here at all). Otherwise it resolves host through c.resolver and
// fails with herr.ErrNoAddressFound, distinct from a dial failure,
// when resolution errors or returns nothing.
func (c *Conn) resolveAddresses(ctx context.Context) ([]string, error) {
	host := c.endpoint.Host
	if c.resolver == nil || net.ParseIP(strings.Trim(host, "[]")) != nil {
		return []string{c.endpoint.String()}, nil
	}

	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(herr.ErrNoAddressFound, "resolving %s: %v", host, err)
	}
	if len(ips) == 0 {
		return nil, errors.Wrapf(herr.ErrNoAddressFound, "resolving %s: no addresses", host)
	}

	port := strconv.Itoa(int(c.endpoint.Port))
	addresses := make([]string, len(ips))
	for i, ip := range ips {
		addresses[i] = net.JoinHostPort(ip, port)
	}
	return addresses, nil
}

// dialFirst tries each address in order, returning the first socket
// that dials successfully. All addresses failing is reported as a
// single herr.ErrDialFailed carrying the last attempt's error.
func (c *Conn) dialFirst(ctx context.Context, dialer Dialer, addresses []string) (net.Conn, error) {
	var lastErr error
	for _, address := range addresses {
		socket, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return socket, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(herr.ErrDialFailed, "dialing %s: %v", c.endpoint.String(), lastErr)
}

// Connect resolves the endpoint's host (accepting IPv4/IPv6 literals
// without DNS; otherwise, when a Resolver has been installed via
// SetResolver, an address-list resolution with first-address dial
// policy — falling back to the dialer's own resolution when none has
// been installed), opens a TCP socket via dialer, performs a TLS
// handshake if the endpoint requires it, and transitions to Connected.
func (c *Conn) Connect(ctx context.Context, dialer Dialer) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return errors.Wrapf(herr.ErrAlreadyConnected, "connect called in state %s", c.state)
	}
	c.state = Connecting
	c.mu.Unlock()

	addresses, err := c.resolveAddresses(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}

	socket, err := c.dialFirst(ctx, dialer, addresses)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}

	if c.endpoint.TLS {
		tlsConn := tls.Client(socket, &tls.Config{ServerName: c.endpoint.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = socket.Close()
			c.mu.Lock()
			c.state = Disconnected
			c.mu.Unlock()
			return errors.Wrap(herr.ErrTLSHandshake, err.Error())
		}
		socket = tlsConn
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.socket = socket
	c.state = Connected
	c.lastUsed = now
	// A freshly dialed connection is immediately put to work by its
	// caller; keepalive_count counts uses, so this first one counts.
	c.keepaliveCount = 1
	c.mu.Unlock()
	return nil
}

// IsAlive reports whether the connection is in a state that permits
// reuse (connected, active, or idle).
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Connected, Active, Idle:
		return true
	default:
		return false
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection's bookkeeping state. It does not
// itself move the connection between a pool's idle/active lists —
// that is the pool's responsibility — but records the transition so
// that IsAlive/KeepaliveCount reflect it.
func (c *Conn) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// MarkReused stamps last_used_ms and increments keepalive_count,
// called by the pool when it hands a connection back out of idle.
func (c *Conn) MarkReused() {
	c.mu.Lock()
	c.keepaliveCount++
	c.lastUsed = c.clock.Now()
	c.mu.Unlock()
}

func (c *Conn) KeepaliveCount() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepaliveCount
}

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) readyForIO() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected && c.state != Active {
		return nil, errors.Wrapf(herr.ErrNotConnected, "io attempted in state %s", c.state)
	}
	return c.socket, nil
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsed = c.clock.Now()
	c.mu.Unlock()
}

// SendAll writes all of data, looping until every byte is written. A
// zero-length write with no error (or io.ErrClosedPipe-style failure)
// is treated as the peer having closed the connection.
func (c *Conn) SendAll(data []byte) error {
	socket, err := c.readyForIO()
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n, err := socket.Write(data)
		if err != nil {
			c.transitionClosed()
			return errors.Wrap(herr.ErrConnectionClosed, err.Error())
		}
		if n == 0 {
			c.transitionClosed()
			return errors.Wrap(herr.ErrConnectionClosed, "zero-length write")
		}
		data = data[n:]
	}

	c.touch()
	return nil
}

// RecvSome reads whatever is immediately available into buf, the
// variant used by streaming consumers. It returns (0, herr.ErrConnectionClosed)
// when the peer has closed the connection.
func (c *Conn) RecvSome(buf []byte) (int, error) {
	socket, err := c.readyForIO()
	if err != nil {
		return 0, err
	}

	n, err := socket.Read(buf)
	if n == 0 && err != nil {
		c.transitionClosed()
		return 0, errors.Wrap(herr.ErrConnectionClosed, err.Error())
	}
	if n > 0 {
		c.touch()
	}
	return n, nil
}

// RecvAll is the same operation as RecvSome; both deliver at least one
// byte when the peer has any and signal herr.ErrConnectionClosed on a
// zero-length read. It exists as a distinct name to mirror the
// request/response code path's terminology.
func (c *Conn) RecvAll(buf []byte) (int, error) {
	return c.RecvSome(buf)
}

func (c *Conn) transitionClosed() {
	c.mu.Lock()
	c.state = Closed
	socket := c.socket
	c.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
}

// Close is idempotent and safe to call from a defer/finalizer path.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	socket := c.socket
	c.mu.Unlock()

	var err error
	if socket != nil {
		err = socket.Close()
	}

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "closing connection")
	}
	return nil
}
