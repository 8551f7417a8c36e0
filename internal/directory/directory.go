// Package directory maintains the fleet-wide mapping from a user identity to
// the gateway instance and connection currently holding their transport.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/playforge/gateway/internal/envelope"
	"github.com/playforge/gateway/internal/store"
)

// Entry is one user's presence record. Absence means the user is not
// reachable from any instance.
type Entry struct {
	GatewayID    string    `json:"gatewayId"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Directory persists entries in the coordination store with a bounded TTL.
// One entry per user: publishing for an already-present user overwrites it
// (last-writer-wins), and the previous connection is not proactively closed.
type Directory struct {
	store  store.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a directory over the given store. ttl bounds entry lifetime;
// it is refreshed on every publish.
func New(st store.Store, ttl time.Duration, logger zerolog.Logger) *Directory {
	return &Directory{
		store:  st,
		ttl:    ttl,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// Publish upserts the user's entry with the configured TTL.
func (d *Directory) Publish(ctx context.Context, userID, gatewayID, connID string) error {
	entry := Entry{
		GatewayID:    gatewayID,
		ConnectionID: connID,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("directory: marshal entry: %w", err)
	}
	if err := d.store.Set(ctx, envelope.UserConnectionKey(userID), string(data), d.ttl); err != nil {
		return fmt.Errorf("directory: publish %q: %w", userID, err)
	}

	d.logger.Debug().
		Str("user_id", userID).
		Str("gateway_id", gatewayID).
		Str("conn_id", connID).
		Msg("Directory entry published")
	return nil
}

// Resolve looks up the user's current entry. The second return is false when
// the user is unreachable.
func (d *Directory) Resolve(ctx context.Context, userID string) (Entry, bool, error) {
	raw, ok, err := d.store.Get(ctx, envelope.UserConnectionKey(userID))
	if err != nil {
		return Entry{}, false, fmt.Errorf("directory: resolve %q: %w", userID, err)
	}
	if !ok {
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A corrupt entry is as good as absent; log and treat as offline.
		d.logger.Warn().Str("user_id", userID).Err(err).Msg("Corrupt directory entry")
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Clear removes the user's entry.
func (d *Directory) Clear(ctx context.Context, userID string) error {
	if err := d.store.Del(ctx, envelope.UserConnectionKey(userID)); err != nil {
		return fmt.Errorf("directory: clear %q: %w", userID, err)
	}
	return nil
}
