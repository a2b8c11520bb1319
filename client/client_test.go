package client

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"httpstack/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// queueDialer hands out one pre-wired net.Conn per DialContext call, in
// the order they were queued, so a test can script what each simulated
// connection writes back.
type queueDialer struct {
	conns []net.Conn
	next  int
}

func (d *queueDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c := d.conns[d.next]
	d.next++
	return c, nil
}

func newScriptedServer(t *testing.T, script func(server net.Conn)) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		script(server)
		server.Close()
	}()
	return client
}

func TestSendPerformsGETRoundTrip(t *testing.T) {
	client := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		assert.Contains(t, string(buf[:n]), "GET /hello HTTP/1.1")

		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req, err := message.Get("http://example.com/hello")
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestSendFollowsRedirect(t *testing.T) {
	first := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("HTTP/1.1 302 Found\r\nLocation: http://example.com/b\r\nContent-Length: 0\r\n\r\n"))
	})
	second := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		assert.Contains(t, string(buf[:n]), "GET /b HTTP/1.1")
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{first, second}}, nil)

	req, err := message.Get("http://example.com/a")
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestSendReusesPooledConnection(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for i := 0; i < 2; i++ {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			assert.Contains(t, string(buf[:n]), "GET / HTTP/1.1")
			_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	}()
	defer server.Close()

	opts := DefaultOptions()
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req1, err := message.Get("http://example.com/")
	require.NoError(t, err)
	resp1, err := c.Send(context.Background(), req1)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp1.Body))

	req2, err := message.Get("http://example.com/")
	require.NoError(t, err)
	resp2, err := c.Send(context.Background(), req2)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp2.Body))

	stats := c.GetPoolStats()
	assert.Equal(t, 1, stats.TotalIdle)
}

func TestSendMaterializesChunkedBody(t *testing.T) {
	client := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte(
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHello\r\n6\r\n World\r\n0\r\n\r\n"))
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req, err := message.Get("http://example.com/stream")
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(resp.Body))
}

func TestSendHeadHasNoBody(t *testing.T) {
	client := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req, err := message.Head("http://example.com/x")
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, resp.Body)
}

func TestSendReadUntilCloseBody(t *testing.T) {
	client := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\n\r\nraw body"))
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req, err := message.Get("http://example.com/raw")
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "raw body", string(resp.Body))
}

func TestSendStreamingDoesNotFollowRedirect(t *testing.T) {
	client := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte("HTTP/1.1 302 Found\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n"))
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req, err := message.Get("http://example.com/a")
	require.NoError(t, err)

	s, err := c.SendStreaming(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 302, s.Header.StatusCode)
	_ = s.Close()
}

func TestSendHeadersTooLargeIsRejected(t *testing.T) {
	client := newScriptedServer(t, func(server net.Conn) {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		huge := make([]byte, maxHeaderBytes+1)
		for i := range huge {
			huge[i] = 'a'
		}
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nX-Huge: ")
		_, _ = server.Write(huge)
	})

	opts := DefaultOptions()
	opts.UseConnectionPool = false
	c := New(opts, &queueDialer{conns: []net.Conn{client}}, nil)

	req, err := message.Get("http://example.com/huge")
	require.NoError(t, err)

	_, err = c.Send(context.Background(), req)
	assert.Error(t, err)
}
