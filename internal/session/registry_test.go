package session_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/gateway/internal/auth"
	"github.com/playforge/gateway/internal/session"
)

// fakePresence records directory calls.
type fakePresence struct {
	mu        sync.Mutex
	published []string // "user/gateway/conn"
	cleared   []string
}

func (f *fakePresence) Publish(_ context.Context, userID, gatewayID, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, userID+"/"+gatewayID+"/"+connID)
	return nil
}

func (f *fakePresence) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakePresence) clearedUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

func newRegistry(t *testing.T, maxPerIP int) (*session.Registry, *fakePresence) {
	t.Helper()
	presence := &fakePresence{}
	return session.New("gw-test", maxPerIP, 8, presence, zerolog.Nop()), presence
}

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server
}

func TestAddEnforcesPerAddressCeiling(t *testing.T) {
	reg, _ := newRegistry(t, 2)
	ctx := context.Background()

	c1, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)
	_, err = reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)

	// Third connection from the same address is refused.
	_, err = reg.Add(pipeConn(t), "10.0.0.1")
	require.ErrorIs(t, err, session.ErrAdmissionDenied)

	// A different address is unaffected.
	_, err = reg.Add(pipeConn(t), "10.0.0.2")
	require.NoError(t, err)

	// Removing one frees a slot for the throttled address.
	reg.Remove(ctx, c1.ID())
	_, err = reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, 2, reg.CountByIP("10.0.0.1"))
	assert.Equal(t, 3, reg.Len())
}

func TestBindPublishesPresence(t *testing.T) {
	reg, presence := newRegistry(t, 10)
	ctx := context.Background()

	c, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, reg.Bind(ctx, c.ID(), auth.Identity{UserID: "u1", DisplayName: "Ann"}))

	id, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ann", id.DisplayName)

	connID, held := reg.LocalUser("u1")
	require.True(t, held)
	assert.Equal(t, c.ID(), connID)

	presence.mu.Lock()
	assert.Equal(t, []string{"u1/gw-test/" + c.ID()}, presence.published)
	presence.mu.Unlock()
}

func TestBindMissingConnection(t *testing.T) {
	reg, _ := newRegistry(t, 10)
	err := reg.Bind(context.Background(), "nope", auth.Identity{UserID: "u1"})
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestRepeatBindIgnored(t *testing.T) {
	reg, _ := newRegistry(t, 10)
	ctx := context.Background()

	c, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, reg.Bind(ctx, c.ID(), auth.Identity{UserID: "u1"}))
	require.NoError(t, reg.Bind(ctx, c.ID(), auth.Identity{UserID: "u2"}))

	id, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
}

func TestBindLastWriterWins(t *testing.T) {
	reg, presence := newRegistry(t, 10)
	ctx := context.Background()

	older, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)
	newer, err := reg.Add(pipeConn(t), "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, reg.Bind(ctx, older.ID(), auth.Identity{UserID: "u1"}))
	require.NoError(t, reg.Bind(ctx, newer.ID(), auth.Identity{UserID: "u1"}))

	// The reverse index follows the most recent bind; the older connection
	// stays registered.
	connID, held := reg.LocalUser("u1")
	require.True(t, held)
	assert.Equal(t, newer.ID(), connID)
	assert.True(t, reg.LocalConn(older.ID()))

	// Removing the superseded connection must not clear the directory entry
	// the newer connection owns.
	reg.Remove(ctx, older.ID())
	assert.Empty(t, presence.clearedUsers())

	reg.Remove(ctx, newer.ID())
	assert.Equal(t, []string{"u1"}, presence.clearedUsers())
}

func TestSend(t *testing.T) {
	presence := &fakePresence{}
	reg := session.New("gw-test", 10, 1, presence, zerolog.Nop())
	ctx := context.Background()

	c, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)

	t.Run("buffered send succeeds", func(t *testing.T) {
		assert.True(t, reg.Send(c.ID(), []byte("one")))
	})

	t.Run("full buffer drops", func(t *testing.T) {
		assert.False(t, reg.Send(c.ID(), []byte("two")))
	})

	t.Run("drained buffer accepts again", func(t *testing.T) {
		<-c.Outbound()
		assert.True(t, reg.Send(c.ID(), []byte("three")))
	})

	t.Run("send after remove fails", func(t *testing.T) {
		reg.Remove(ctx, c.ID())
		assert.False(t, reg.Send(c.ID(), []byte("four")))
	})
}

func TestSendToUser(t *testing.T) {
	reg, _ := newRegistry(t, 10)
	ctx := context.Background()

	c, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)

	assert.False(t, reg.SendToUser("u1", []byte("x")))

	require.NoError(t, reg.Bind(ctx, c.ID(), auth.Identity{UserID: "u1"}))
	assert.True(t, reg.SendToUser("u1", []byte("x")))
	assert.Equal(t, []byte("x"), <-c.Outbound())
}

func TestBroadcast(t *testing.T) {
	reg, _ := newRegistry(t, 10)

	var conns []*session.Conn
	for i := 0; i < 3; i++ {
		c, err := reg.Add(pipeConn(t), "10.0.0.1")
		require.NoError(t, err)
		conns = append(conns, c)
	}

	assert.Equal(t, 3, reg.Broadcast([]byte("hello")))
	for _, c := range conns {
		assert.Equal(t, []byte("hello"), <-c.Outbound())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	reg, presence := newRegistry(t, 10)
	ctx := context.Background()

	c, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, reg.Bind(ctx, c.ID(), auth.Identity{UserID: "u1"}))

	reg.Remove(ctx, c.ID())
	reg.Remove(ctx, c.ID())

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, []string{"u1"}, presence.clearedUsers())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed after remove")
	}
}

func TestSweepEvictsQuietConnections(t *testing.T) {
	reg, _ := newRegistry(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quiet, err := reg.Add(pipeConn(t), "10.0.0.1")
	require.NoError(t, err)
	active, err := reg.Add(pipeConn(t), "10.0.0.2")
	require.NoError(t, err)

	go reg.Sweep(ctx, 10*time.Millisecond, 40*time.Millisecond)

	require.Eventually(t, func() bool {
		reg.Touch(active.ID())
		return !reg.LocalConn(quiet.ID())
	}, time.Second, 5*time.Millisecond, "quiet connection should be evicted")

	assert.True(t, reg.LocalConn(active.ID()))

	select {
	case <-quiet.Done():
	default:
		t.Fatal("evicted connection not closed")
	}
}
