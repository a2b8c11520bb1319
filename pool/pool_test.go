package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"httpstack/herr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDialer struct{}

func (fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, _ := net.Pipe()
	return client, nil
}

func testKey() Key {
	return Key{Host: "example.com", Port: 80}
}

func TestGetConnectionDialsFresh(t *testing.T) {
	p := New(Options{MaxPerHost: 10, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, clock.NewMock())

	c, err := p.GetConnection(context.Background(), testKey())
	require.NoError(t, err)
	assert.NotNil(t, c)

	stats := p.GetStats()
	assert.Equal(t, 0, stats.TotalIdle)
	assert.Equal(t, 1, stats.TotalActive)
	assert.Equal(t, 1, stats.TotalPools)
}

func TestReturnConnectionMovesToIdle(t *testing.T) {
	p := New(Options{MaxPerHost: 10, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, clock.NewMock())
	key := testKey()

	c, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)

	p.ReturnConnection(key, c, false)
	stats := p.GetStats()
	assert.Equal(t, 1, stats.TotalIdle)
	assert.Equal(t, 0, stats.TotalActive)
}

func TestReturnConnectionDestroysOnClose(t *testing.T) {
	p := New(Options{MaxPerHost: 10, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, clock.NewMock())
	key := testKey()

	c, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)

	p.ReturnConnection(key, c, true)
	stats := p.GetStats()
	assert.Equal(t, 0, stats.TotalIdle)
	assert.Equal(t, 0, stats.TotalActive)
}

func TestGetConnectionReusesIdleAndIncrementsKeepalive(t *testing.T) {
	p := New(Options{MaxPerHost: 10, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, clock.NewMock())
	key := testKey()

	c1, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	p.ReturnConnection(key, c1, false)

	c2, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.EqualValues(t, 2, c2.KeepaliveCount(), "keepalive_count counts uses, including the dial")

	stats := p.GetStats()
	assert.Equal(t, 0, stats.TotalIdle)
	assert.Equal(t, 1, stats.TotalActive)
}

func TestGetConnectionExhaustedWithNoIdleToReclaim(t *testing.T) {
	p := New(Options{MaxPerHost: 1, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, clock.NewMock())
	key := testKey()

	_, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), key)
	assert.ErrorIs(t, err, herr.ErrConnectionPoolExhausted)
}

func TestCleanupIdleEvictsStaleConnections(t *testing.T) {
	mockClock := clock.NewMock()
	p := New(Options{MaxPerHost: 10, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, mockClock)
	key := testKey()

	c, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	p.ReturnConnection(key, c, false)

	mockClock.Add(2 * time.Minute)
	p.CleanupIdle()

	stats := p.GetStats()
	assert.Equal(t, 0, stats.TotalIdle)
}

func TestGetConnectionAtCapacityReusesStaleIdleConn(t *testing.T) {
	mockClock := clock.NewMock()
	p := New(Options{MaxPerHost: 1, MaxKeepaliveRequests: 100, MaxIdleTime: time.Minute}, fakeDialer{}, mockClock)
	key := testKey()

	c, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	p.ReturnConnection(key, c, false)

	mockClock.Add(2 * time.Minute)

	// The one idle connection is past MaxIdleTime but still alive and
	// under its keep-alive cap, which is all get_connection validates;
	// it is reused rather than reporting exhaustion. Evicting stale idle
	// connections is CleanupIdle's job.
	c2, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, c, c2)
}

func TestGetConnectionInvalidatesDeadKeepaliveExhaustedIdleConn(t *testing.T) {
	p := New(Options{MaxPerHost: 10, MaxKeepaliveRequests: 1, MaxIdleTime: time.Minute}, fakeDialer{}, clock.NewMock())
	key := testKey()

	c1, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	p.ReturnConnection(key, c1, false)

	// c1's keepalive_count is already 1 from the initial dial;
	// MaxKeepaliveRequests=1 means ReturnConnection destroys it instead
	// of parking it idle, so the next get_connection dials fresh.
	c2, err := p.GetConnection(context.Background(), key)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
}
