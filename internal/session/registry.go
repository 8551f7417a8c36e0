// Package session holds the per-instance connection registry: the only
// shared-mutable structure inside a gateway instance. All of its public
// operations are the synchronization boundary between per-connection handlers
// and the liveness sweep.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/playforge/gateway/internal/auth"
	"github.com/playforge/gateway/internal/monitoring"
)

var (
	// ErrAdmissionDenied rejects a connection whose source address already
	// holds the configured number of connections. Fatal to that attempt only.
	ErrAdmissionDenied = errors.New("session: connection limit exceeded for address")
	// ErrNotFound marks an operation against a connection that no longer
	// exists.
	ErrNotFound = errors.New("session: connection not found")
)

// Presence publishes and clears cross-instance reachability for bound users.
// Satisfied by *directory.Directory.
type Presence interface {
	Publish(ctx context.Context, userID, gatewayID, connID string) error
	Clear(ctx context.Context, userID string) error
}

// Registry is the per-instance connection table with an IP-keyed admission
// index and a reverse user index for local delivery.
type Registry struct {
	instanceID string
	maxPerIP   int
	sendBuffer int
	presence   Presence
	logger     zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	byIP   map[string]map[string]struct{}
	byUser map[string]string // user id -> current connection id
}

// New creates an empty registry for this instance.
func New(instanceID string, maxPerIP, sendBuffer int, presence Presence, logger zerolog.Logger) *Registry {
	return &Registry{
		instanceID: instanceID,
		maxPerIP:   maxPerIP,
		sendBuffer: sendBuffer,
		presence:   presence,
		logger:     logger.With().Str("component", "registry").Logger(),
		conns:      make(map[string]*Conn),
		byIP:       make(map[string]map[string]struct{}),
		byUser:     make(map[string]string),
	}
}

// Add registers a freshly accepted transport. The per-address ceiling is
// checked and the index updated under one lock, so the (ceiling+1)-th
// concurrent attempt from an address fails before any identity is bound.
func (r *Registry) Add(transport net.Conn, ip string) (*Conn, error) {
	c := &Conn{
		id:           uuid.NewString(),
		transport:    transport,
		ip:           ip,
		send:         make(chan []byte, r.sendBuffer),
		done:         make(chan struct{}),
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
	}

	r.mu.Lock()
	if len(r.byIP[ip]) >= r.maxPerIP {
		r.mu.Unlock()
		monitoring.ConnectionsRejected.WithLabelValues("admission").Inc()
		return nil, ErrAdmissionDenied
	}
	r.conns[c.id] = c
	set := r.byIP[ip]
	if set == nil {
		set = make(map[string]struct{})
		r.byIP[ip] = set
	}
	set[c.id] = struct{}{}
	total := len(r.conns)
	r.mu.Unlock()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Set(float64(total))

	r.logger.Info().
		Str("conn_id", c.id).
		Str("ip", ip).
		Int("current_connections", total).
		Msg("Connection added")
	return c, nil
}

// Bind records a verified identity on the connection and publishes the
// directory entry. Identity is bound at most once per connection; a repeat
// bind is ignored. Binding a user already bound elsewhere steals the reverse
// index (last-writer-wins) without closing the older connection.
func (r *Registry) Bind(ctx context.Context, connID string, id auth.Identity) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	bound := c.bind(id)
	if bound {
		r.byUser[id.UserID] = connID
	}
	r.mu.Unlock()

	if !bound {
		r.logger.Debug().
			Str("conn_id", connID).
			Str("user_id", id.UserID).
			Msg("Repeat identity bind ignored")
		return nil
	}

	if err := r.presence.Publish(ctx, id.UserID, r.instanceID, connID); err != nil {
		r.logger.Error().
			Str("conn_id", connID).
			Str("user_id", id.UserID).
			Err(err).
			Msg("Failed to publish directory entry")
		return err
	}

	r.logger.Info().
		Str("conn_id", connID).
		Str("user_id", id.UserID).
		Msg("Connection authenticated")
	return nil
}

// Touch refreshes the connection's last-activity timestamp. No-op when the
// connection is gone.
func (r *Registry) Touch(connID string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if ok {
		c.touch()
	}
}

// Send enqueues a payload for the connection's write pump. Returns false when
// the connection is gone or its buffer is full (slow client); the payload is
// dropped, never blocked on.
func (r *Registry) Send(connID string, payload []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case <-c.done:
		return false
	case c.send <- payload:
		c.touch()
		return true
	default:
		monitoring.MessagesDropped.Inc()
		r.logger.Warn().
			Str("conn_id", connID).
			Int("buffer_cap", cap(c.send)).
			Msg("Send buffer full, message dropped")
		return false
	}
}

// SendToUser delivers to the user's current local connection via the reverse
// index. Returns false when the user is not held by this instance.
func (r *Registry) SendToUser(userID string, payload []byte) bool {
	r.mu.RLock()
	connID, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.Send(connID, payload)
}

// LocalConn reports whether the connection id is held by this instance.
func (r *Registry) LocalConn(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// LocalUser returns the connection id currently bound to the user on this
// instance.
func (r *Registry) LocalUser(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// Get returns the connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Broadcast enqueues the payload to every live connection and returns the
// number of successful enqueues.
func (r *Registry) Broadcast(payload []byte) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if r.Send(c.id, payload) {
			sent++
		}
	}
	return sent
}

// Remove tears down a connection: idempotent, clears the IP index, clears the
// directory entry iff this connection is still the user's current one, and
// closes the transport.
func (r *Registry) Remove(ctx context.Context, connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	if set := r.byIP[c.ip]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIP, c.ip)
		}
	}

	clearUser := ""
	if user := c.boundUser(); user != "" && r.byUser[user] == connID {
		delete(r.byUser, user)
		clearUser = user
	}
	total := len(r.conns)
	r.mu.Unlock()

	c.close()
	monitoring.ConnectionsCurrent.Set(float64(total))

	if clearUser != "" {
		if err := r.presence.Clear(ctx, clearUser); err != nil {
			r.logger.Error().
				Str("user_id", clearUser).
				Err(err).
				Msg("Failed to clear directory entry")
		}
	}

	r.logger.Info().
		Str("conn_id", connID).
		Str("ip", c.ip).
		Int("current_connections", total).
		Msg("Connection removed")
}

// ConnIDs snapshots the ids of all registered connections.
func (r *Registry) ConnIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByIP returns the number of connections currently held from an address.
func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP[ip])
}

// Sweep evicts connections whose last activity exceeds timeout, checking
// every interval. It guards against clients that vanish without a clean
// close. Blocks until ctx is cancelled; run it on its own goroutine.
func (r *Registry) Sweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx, timeout)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var expired []string
	for id, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.logger.Warn().Str("conn_id", id).Msg("Connection timed out, evicting")
		monitoring.SweepEvictions.Inc()
		r.Remove(ctx, id)
	}
}
