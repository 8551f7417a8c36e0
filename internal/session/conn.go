package session

import (
	"net"
	"sync"
	"time"

	"github.com/playforge/gateway/internal/auth"
)

// Conn is one registered client connection. The registry exclusively owns the
// transport: no other component closes or writes to it directly. Outbound
// traffic goes through the buffered send channel and is written by a single
// write pump; teardown is signaled through done.
type Conn struct {
	id          string
	transport   net.Conn
	ip          string
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time
	closeOnce   sync.Once

	mu           sync.Mutex
	userID       string
	displayName  string
	lastActivity time.Time
}

// ID returns the connection identifier generated at accept time.
func (c *Conn) ID() string { return c.id }

// IP returns the originating network address.
func (c *Conn) IP() string { return c.ip }

// Transport exposes the underlying connection to the transport pumps. Pumps
// read and write frames; lifecycle (close) stays with the registry.
func (c *Conn) Transport() net.Conn { return c.transport }

// Outbound is the channel the write pump drains.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the registry removes the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Identity returns the bound principal, if any.
func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return auth.Identity{}, false
	}
	return auth.Identity{UserID: c.userID, DisplayName: c.displayName}, true
}

// LastActivity returns the most recent activity timestamp.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// bind records the identity. Only the first bind takes effect; the bool
// reports whether this call bound it.
func (c *Conn) bind(id auth.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return false
	}
	c.userID = id.UserID
	c.displayName = id.DisplayName
	c.lastActivity = time.Now()
	return true
}

func (c *Conn) boundUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.transport != nil {
			c.transport.Close()
		}
	})
}
