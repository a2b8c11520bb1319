// Package client composes URL resolution, the connection pool (or
// direct dialing), request serialization, the incremental header
// reader, body framing, and the redirect controller into the single
// entry point applications use: Client.Send and its streaming
// counterparts.
package client

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"httpstack/chunked"
	"httpstack/conn"
	"httpstack/herr"
	"httpstack/message"
	"httpstack/pool"
	"httpstack/redirect"
	"httpstack/sse"
	"httpstack/stream"
	"httpstack/url"
)

// maxHeaderBytes bounds the incremental header read; exceeding it is a
// herr.ErrHeadersTooLarge policy failure rather than letting a
// misbehaving or hostile peer grow an unbounded buffer.
const maxHeaderBytes = 64 * 1024

// Options configures a Client. The zero value is not meaningful; use
// DefaultOptions and override what you need.
type Options struct {
	DefaultTimeout        time.Duration
	DefaultHeaders        map[string]string
	FollowRedirects       bool
	MaxRedirects          int
	UseConnectionPool     bool
	MaxConnectionsPerHost int
	MaxIdleTime           time.Duration
	MaxKeepaliveRequests  uint
	ChunkBufferSize       int
	ParseSSE              bool
	SSEArenaSize          int
	OverflowPolicy        stream.OverflowPolicy
	Allocator             stream.Allocator
}

// DefaultOptions matches the configuration surface's documented
// defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:        30 * time.Second,
		FollowRedirects:       true,
		MaxRedirects:          10,
		UseConnectionPool:     true,
		MaxConnectionsPerHost: 10,
		MaxIdleTime:           60 * time.Second,
		MaxKeepaliveRequests:  100,
		ChunkBufferSize:       8192,
		ParseSSE:              true,
		SSEArenaSize:          4096,
		OverflowPolicy:        stream.ReturnError,
	}
}

// Client is the HTTP client orchestrator: it holds the pool (when
// enabled) and dispatch policy, and exposes Send plus the streaming
// entry points.
type Client struct {
	opts       Options
	pool       *pool.Pool
	dialer     conn.Dialer
	clock      clock.Clock
	logger     *slog.Logger
	redirector *redirect.Controller
}

// New constructs a Client. dialer defaults to &net.Dialer{} when nil;
// logger defaults to slog.Default() when nil.
func New(opts Options, dialer conn.Dialer, logger *slog.Logger) *Client {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		opts:       opts,
		dialer:     dialer,
		clock:      clock.New(),
		logger:     logger,
		redirector: redirect.New(opts.MaxRedirects),
	}

	if opts.UseConnectionPool {
		c.pool = pool.New(pool.Options{
			MaxPerHost:           opts.MaxConnectionsPerHost,
			MaxIdleTime:          opts.MaxIdleTime,
			MaxKeepaliveRequests: opts.MaxKeepaliveRequests,
		}, dialer, c.clock)
	}

	return c
}

// SetMaxConnectionsPerHost, SetMaxIdleTime, CleanupIdleConnections, and
// GetPoolStats are the client's pool-configuration surface.
// CleanupIdleConnections and GetPoolStats act on the pool and are
// no-ops when pooling is disabled. SetMaxConnectionsPerHost and
// SetMaxIdleTime only update the client's Options: the pool copies its
// limits once, in New, and does not see later changes.
func (c *Client) SetMaxConnectionsPerHost(n int) {
	c.opts.MaxConnectionsPerHost = n
}

func (c *Client) SetMaxIdleTime(d time.Duration) {
	c.opts.MaxIdleTime = d
}

func (c *Client) CleanupIdleConnections() {
	if c.pool != nil {
		c.pool.CleanupIdle()
	}
}

func (c *Client) GetPoolStats() pool.Stats {
	if c.pool == nil {
		return pool.Stats{}
	}
	return c.pool.GetStats()
}

// Send dispatches req, following redirects when enabled, and returns
// the final Response. Non-streaming: the body is fully materialized
// and the Connection returns to the pool (or is destroyed, in direct
// mode) before Send returns.
func (c *Client) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	redirectsSoFar := 0
	current := req

	for {
		resp, err := c.sendOnce(ctx, current)
		if err != nil {
			return nil, err
		}

		follow := c.opts.FollowRedirects
		if current.FollowRedirects != nil {
			follow = *current.FollowRedirects
		}
		if !follow || !resp.IsRedirect() {
			return resp, nil
		}

		next, err := c.redirector.NextRequest(current, resp, redirectsSoFar)
		if err != nil {
			return nil, err
		}
		redirectsSoFar++
		current = next
	}
}

func (c *Client) applyDefaultHeaders(req *message.Request) {
	for k, v := range c.opts.DefaultHeaders {
		if !req.Headers.Has(k) {
			req.Headers.Set(k, v)
		}
	}
}

func (c *Client) sendOnce(ctx context.Context, req *message.Request) (*message.Response, error) {
	c.applyDefaultHeaders(req)

	key, err := poolKeyFor(req.URL)
	if err != nil {
		return nil, err
	}

	conn, err := c.acquireConnection(ctx, key)
	if err != nil {
		return nil, err
	}

	resp, leftover, err := c.roundtrip(req, conn)
	if err != nil {
		c.logger.Error("roundtrip failed", "host", key.Host, "error", err)
		c.release(key, conn, true)
		return nil, err
	}

	if req.Method == message.HEAD {
		resp.Body = nil
	} else {
		if err := c.materializeBody(conn, resp, leftover); err != nil {
			c.logger.Error("reading response body failed", "host", key.Host, "error", err)
			c.release(key, conn, true)
			return nil, err
		}
	}

	c.release(key, conn, resp.ShouldClose())
	return resp, nil
}

func (c *Client) acquireConnection(ctx context.Context, key pool.Key) (*conn.Conn, error) {
	if c.pool != nil {
		return c.pool.GetConnection(ctx, key)
	}
	newConn := conn.New(conn.Endpoint{Host: key.Host, Port: key.Port, TLS: key.TLS}, c.clock)
	if err := newConn.Connect(ctx, c.dialer); err != nil {
		return nil, err
	}
	newConn.SetState(conn.Active)
	return newConn, nil
}

func (c *Client) release(key pool.Key, con *conn.Conn, shouldClose bool) {
	if c.pool != nil {
		c.logger.Debug("returning connection to pool", "host", key.Host, "should_close", shouldClose)
		c.pool.ReturnConnection(key, con, shouldClose)
		return
	}
	c.logger.Debug("closing direct connection", "host", key.Host, "should_close", shouldClose)
	_ = con.Close()
}

// SendStreaming dials a direct (non-pooled) Connection, performs only
// the header phase, and hands off to a Streaming Response configured
// for the detected transfer mode. Streaming entry points never follow
// redirects: a 3xx response is returned as-is for the caller to
// inspect and re-dispatch.
func (c *Client) SendStreaming(ctx context.Context, req *message.Request) (*stream.Response, error) {
	c.applyDefaultHeaders(req)

	key, err := poolKeyFor(req.URL)
	if err != nil {
		return nil, err
	}

	con := conn.New(conn.Endpoint{Host: key.Host, Port: key.Port, TLS: key.TLS}, c.clock)
	if err := con.Connect(ctx, c.dialer); err != nil {
		return nil, err
	}
	con.SetState(conn.Active)

	resp, leftover, err := c.roundtrip(req, con)
	if err != nil {
		_ = con.Close()
		return nil, err
	}

	return stream.New(con, resp, leftover, stream.Options{
		ChunkBufferSize: c.opts.ChunkBufferSize,
		ParseSSE:        c.opts.ParseSSE,
		SSEArenaSize:    c.opts.SSEArenaSize,
		OverflowPolicy:  c.opts.OverflowPolicy,
		Allocator:       c.opts.Allocator,
	}), nil
}

// SendStreamingSSE is SendStreaming followed by StreamSSE(cb); it
// returns the parsed response headers once the peer closes the
// connection or cb halts the stream by returning an error.
func (c *Client) SendStreamingSSE(ctx context.Context, req *message.Request, cb func(sse.Event) error) (*message.Response, error) {
	s, err := c.SendStreaming(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.StreamSSE(cb); err != nil {
		return s.Header, err
	}
	return s.Header, nil
}

// SendStreamingIter is SendStreaming followed by Iter(); the caller
// drives consumption and owns closing the Connection via the
// iterator's natural end-of-stream or its Close method.
func (c *Client) SendStreamingIter(ctx context.Context, req *message.Request) (*stream.Iterator, *message.Response, error) {
	s, err := c.SendStreaming(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return s.Iter(), s.Header, nil
}

func poolKeyFor(u url.URL) (pool.Key, error) {
	port, err := u.ResolvedPort(url.DefaultForKnownSchemes)
	if err != nil {
		return pool.Key{}, err
	}
	return pool.Key{Host: u.Host, Port: port, TLS: u.IsSecure()}, nil
}

// roundtrip serializes req, performs the incremental header read
// (capped at maxHeaderBytes), and returns the parsed headers plus any
// already-read body bytes.
func (c *Client) roundtrip(req *message.Request, con *conn.Conn) (*message.Response, []byte, error) {
	wire, err := req.Bytes()
	if err != nil {
		return nil, nil, err
	}
	if err := con.SendAll(wire); err != nil {
		return nil, nil, err
	}

	buf := make([]byte, 0, 4096)
	recvBuf := make([]byte, 4096)
	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			resp, offset, err := message.ParseHeaders(buf)
			if err != nil {
				return nil, nil, err
			}
			return resp, buf[offset:], nil
		}

		if len(buf) >= maxHeaderBytes {
			return nil, nil, herr.ErrHeadersTooLarge
		}

		n, err := con.RecvSome(recvBuf)
		if err != nil {
			if len(buf) == 0 {
				return nil, nil, errors.Wrap(herr.ErrEmptyResponse, "reading response headers")
			}
			return nil, nil, errors.Wrap(herr.ErrUnexpectedEOF, "reading response headers")
		}
		buf = append(buf, recvBuf[:n]...)
	}
}

// materializeBody reads the full body according to resp's transfer
// mode, replacing any prior body on resp.
func (c *Client) materializeBody(con *conn.Conn, resp *message.Response, leftover []byte) error {
	switch resp.TransferMode {
	case message.Chunked:
		return c.materializeChunkedBody(con, resp, leftover)
	case message.FixedLength:
		return c.materializeFixedLengthBody(con, resp, leftover)
	default: // ReadUntilClose (SSE is only meaningful on streaming paths)
		return c.materializeReadUntilCloseBody(con, resp, leftover)
	}
}

// materializeChunkedBody decodes a chunked body directly against con,
// leaving the Connection open: sendOnce still owns it and hands it
// back to release afterward. The stream package is reserved for the
// genuinely streaming entry points, which always destroy their
// Connection on completion.
func (c *Client) materializeChunkedBody(con *conn.Conn, resp *message.Response, leftover []byte) error {
	decoder := chunked.New()
	var body []byte

	out, _, err := decoder.Parse(leftover, nil)
	if err != nil {
		return err
	}
	body = append(body, out...)

	buf := make([]byte, c.opts.ChunkBufferSize)
	for !decoder.IsComplete() {
		n, err := con.RecvSome(buf)
		if err != nil {
			return errors.Wrap(herr.ErrUnexpectedEndOfStream, "reading chunked body")
		}
		out, _, err := decoder.Parse(buf[:n], nil)
		if err != nil {
			return err
		}
		body = append(body, out...)
	}

	resp.ParseBody(body)
	return nil
}

func (c *Client) materializeFixedLengthBody(con *conn.Conn, resp *message.Response, leftover []byte) error {
	n := resp.ContentLength
	body := make([]byte, 0, n)
	if int64(len(leftover)) >= n {
		resp.ParseBody(leftover[:n])
		return nil
	}
	body = append(body, leftover...)
	remaining := n - int64(len(leftover))

	buf := make([]byte, 4096)
	for remaining > 0 {
		readSize := int64(len(buf))
		if remaining < readSize {
			readSize = remaining
		}
		read, err := con.RecvSome(buf[:readSize])
		if err != nil {
			return errors.Wrap(herr.ErrUnexpectedEndOfStream, "reading fixed-length body")
		}
		body = append(body, buf[:read]...)
		remaining -= int64(read)
	}
	resp.ParseBody(body)
	return nil
}

func (c *Client) materializeReadUntilCloseBody(con *conn.Conn, resp *message.Response, leftover []byte) error {
	body := append([]byte(nil), leftover...)
	buf := make([]byte, 4096)
	for {
		n, err := con.RecvSome(buf)
		if err != nil {
			if errors.Is(err, herr.ErrConnectionClosed) {
				break
			}
			return err
		}
		body = append(body, buf[:n]...)
	}
	resp.ParseBody(body)
	return nil
}
