package conn

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"httpstack/herr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConnectTransitionsToConnected(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &stubDialer{conn: client}

	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	err := c.Connect(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Connected, c.State())
	assert.True(t, c.IsAlive())
}

func TestSendAllRequiresConnectedState(t *testing.T) {
	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	err := c.SendAll([]byte("hello"))
	assert.ErrorIs(t, err, herr.ErrNotConnected)
}

func TestSendAllAndRecvSomeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &stubDialer{conn: client}

	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	require.NoError(t, c.Connect(context.Background(), d))

	go func() {
		buf := make([]byte, 5)
		_, _ = server.Read(buf)
		_, _ = server.Write(buf)
	}()

	require.NoError(t, c.SendAll([]byte("hello")))

	buf := make([]byte, 5)
	n, err := c.RecvSome(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &stubDialer{conn: client}

	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	require.NoError(t, c.Connect(context.Background(), d))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
}

func TestMarkReusedIncrementsKeepalive(t *testing.T) {
	mockClock := clock.NewMock()
	c := New(Endpoint{Host: "example.com", Port: 80}, mockClock)
	assert.EqualValues(t, 0, c.KeepaliveCount())
	c.MarkReused()
	c.MarkReused()
	assert.EqualValues(t, 2, c.KeepaliveCount())
}

func TestConnectNoResolverDialsHostVerbatim(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &recordingDialer{conn: client}

	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	require.NoError(t, c.Connect(context.Background(), d))
	assert.Equal(t, []string{"example.com:80"}, d.addresses)
}

func TestConnectResolverReturningNoAddressesFails(t *testing.T) {
	d := &recordingDialer{}
	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	c.SetResolver(fakeResolver{})

	err := c.Connect(context.Background(), d)
	assert.ErrorIs(t, err, herr.ErrNoAddressFound)
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectResolverFallsBackToSecondAddress(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &failFirstDialer{succeedOn: "10.0.0.2:80", conn: client}

	c := New(Endpoint{Host: "example.com", Port: 80}, clock.NewMock())
	c.SetResolver(fakeResolver{ips: []string{"10.0.0.1", "10.0.0.2"}})

	require.NoError(t, c.Connect(context.Background(), d))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, d.attempted)
}

func TestConnectIPLiteralHostSkipsResolver(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &recordingDialer{conn: client}

	c := New(Endpoint{Host: "192.0.2.1", Port: 80}, clock.NewMock())
	c.SetResolver(fakeResolver{ips: []string{"198.51.100.1"}})

	require.NoError(t, c.Connect(context.Background(), d))
	assert.Equal(t, []string{"192.0.2.1:80"}, d.addresses)
}

// stubDialer hands back a fixed net.Conn regardless of address,
// avoiding a real socket in unit tests.
type stubDialer struct {
	conn net.Conn
}

func (d *stubDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.conn, nil
}

// recordingDialer succeeds on every address and records what it was asked to dial.
type recordingDialer struct {
	conn      net.Conn
	addresses []string
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.addresses = append(d.addresses, address)
	return d.conn, nil
}

// failFirstDialer fails every address except succeedOn, recording every attempt.
type failFirstDialer struct {
	succeedOn string
	conn      net.Conn
	attempted []string
}

func (d *failFirstDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.attempted = append(d.attempted, address)
	if address == d.succeedOn {
		return d.conn, nil
	}
	return nil, errors.New("connection refused")
}

// fakeResolver hands back a fixed address list without touching DNS.
type fakeResolver struct {
	ips []string
	err error
}

func (r fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return r.ips, r.err
}
