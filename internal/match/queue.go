// Package match implements the party-size matchmaking queues held in the
// coordination store. Queues are shared across the fleet: any instance can
// enqueue, and whichever instance completes a party commits the match.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/playforge/gateway/internal/envelope"
	"github.com/playforge/gateway/internal/monitoring"
	"github.com/playforge/gateway/internal/store"
)

const (
	minPartySize = 1
	maxPartySize = 8

	// matchTTL bounds how long a committed match record outlives its creation.
	matchTTL = time.Hour
	// lockTTL caps how long a crashed holder can stall a queue.
	lockTTL = 5 * time.Second
)

// ErrInvalidParty rejects a requested party size outside [1, 8].
var ErrInvalidParty = fmt.Errorf("match: party size must be between %d and %d", minPartySize, maxPartySize)

// Entry is one waiting player as stored in a queue set.
type Entry struct {
	UserID     string `json:"userId"`
	SkillLevel int    `json:"skillLevel"`
	EnqueuedAt int64  `json:"timestamp"` // unix milliseconds
}

// Match is a committed pairing.
type Match struct {
	ID        string    `json:"id"`
	GameMode  string    `json:"gameMode"`
	Players   []string  `json:"players"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Queue coordinates enqueue, match selection, and cancellation over the
// store-held waiting sets.
type Queue struct {
	store  store.Store
	logger zerolog.Logger
}

// New creates the matchmaking component.
func New(st store.Store, logger zerolog.Logger) *Queue {
	return &Queue{
		store:  st,
		logger: logger.With().Str("component", "match").Logger(),
	}
}

// Enqueue adds a player to the (mode, partySize) queue and immediately
// attempts to complete a party. Returns the committed match when this call
// completed one, nil when the player is left waiting.
func (q *Queue) Enqueue(ctx context.Context, userID, gameMode string, partySize, skillLevel int) (*Match, error) {
	if partySize < minPartySize || partySize > maxPartySize {
		return nil, ErrInvalidParty
	}
	if skillLevel <= 0 {
		skillLevel = 1000
	}

	entry := Entry{
		UserID:     userID,
		SkillLevel: skillLevel,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("match: marshal entry: %w", err)
	}

	key := envelope.QueueKey(gameMode, partySize)
	if err := q.store.SetAdd(ctx, key, string(raw)); err != nil {
		return nil, fmt.Errorf("match: enqueue: %w", err)
	}

	q.logger.Info().
		Str("user_id", userID).
		Str("game_mode", gameMode).
		Int("party_size", partySize).
		Msg("Player queued")

	return q.tryMatch(ctx, key, gameMode, partySize)
}

// Cancel removes the player from every queue they appear in. Cancelling a
// player who is not queued is a no-op.
func (q *Queue) Cancel(ctx context.Context, userID string) error {
	keys, err := q.store.ScanKeys(ctx, envelope.QueueKeyPattern)
	if err != nil {
		return fmt.Errorf("match: scan queues: %w", err)
	}

	for _, key := range keys {
		if err := q.cancelFromQueue(ctx, key, userID); err != nil {
			return err
		}
	}

	q.logger.Info().Str("user_id", userID).Msg("Player dequeued")
	return nil
}

// cancelFromQueue removes the user's raw members from one queue under that
// queue's lock, so a concurrent match attempt never selects a player who has
// already cancelled.
func (q *Queue) cancelFromQueue(ctx context.Context, key, userID string) error {
	release, err := q.store.Lock(ctx, envelope.QueueLockKey(key), lockTTL)
	if errors.Is(err, store.ErrLockHeld) {
		// The holder is mid-selection; the entry is either consumed into a
		// match already or will be removed on the next cancel sweep.
		return nil
	}
	if err != nil {
		return fmt.Errorf("match: lock %q: %w", key, err)
	}
	defer release(ctx)

	members, err := q.store.SetMembers(ctx, key)
	if err != nil {
		return fmt.Errorf("match: read queue %q: %w", key, err)
	}

	var remove []string
	for _, m := range members {
		var e Entry
		if json.Unmarshal([]byte(m), &e) == nil && e.UserID == userID {
			remove = append(remove, m)
		}
	}
	if len(remove) == 0 {
		return nil
	}
	if err := q.store.SetRemove(ctx, key, remove...); err != nil {
		return fmt.Errorf("match: remove from %q: %w", key, err)
	}
	return nil
}

// tryMatch selects and commits a full party if the queue holds one. Selection
// runs under a store-side lock per queue key so two instances reading the
// same queue concurrently cannot commit overlapping parties. A contended lock
// means the holder will run the same selection; skipping is safe.
func (q *Queue) tryMatch(ctx context.Context, key, gameMode string, partySize int) (*Match, error) {
	release, err := q.store.Lock(ctx, envelope.QueueLockKey(key), lockTTL)
	if errors.Is(err, store.ErrLockHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match: lock %q: %w", key, err)
	}
	defer release(ctx)

	members, err := q.store.SetMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("match: read queue %q: %w", key, err)
	}
	monitoring.MatchQueueDepth.WithLabelValues(key).Set(float64(len(members)))
	if len(members) < partySize {
		return nil, nil
	}

	type queued struct {
		entry Entry
		raw   string
	}
	waiting := make([]queued, 0, len(members))
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			q.logger.Warn().Str("queue", key).Err(err).Msg("Dropping corrupt queue entry")
			if err := q.store.SetRemove(ctx, key, m); err != nil {
				return nil, fmt.Errorf("match: drop corrupt entry: %w", err)
			}
			continue
		}
		waiting = append(waiting, queued{entry: e, raw: m})
	}
	if len(waiting) < partySize {
		return nil, nil
	}

	// Longest-waiting first; user id breaks enqueue-time ties so selection is
	// deterministic.
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].entry.EnqueuedAt != waiting[j].entry.EnqueuedAt {
			return waiting[i].entry.EnqueuedAt < waiting[j].entry.EnqueuedAt
		}
		return waiting[i].entry.UserID < waiting[j].entry.UserID
	})

	party := waiting[:partySize]
	players := make([]string, partySize)
	rawMembers := make([]string, partySize)
	for i, p := range party {
		players[i] = p.entry.UserID
		rawMembers[i] = p.raw
	}

	if err := q.store.SetRemove(ctx, key, rawMembers...); err != nil {
		return nil, fmt.Errorf("match: consume party: %w", err)
	}

	m := &Match{
		ID:        uuid.NewString(),
		GameMode:  gameMode,
		Players:   players,
		Status:    "waiting",
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("match: marshal match: %w", err)
	}
	if err := q.store.Set(ctx, envelope.MatchKey(m.ID), string(data), matchTTL); err != nil {
		return nil, fmt.Errorf("match: persist match: %w", err)
	}

	monitoring.MatchesCreated.Inc()
	monitoring.MatchQueueDepth.WithLabelValues(key).Set(float64(len(waiting) - partySize))
	q.logger.Info().
		Str("match_id", m.ID).
		Str("game_mode", gameMode).
		Strs("players", players).
		Msg("Match created")

	q.notify(ctx, m)
	return m, nil
}

// notify publishes a match_found system envelope to each player's user
// channel. Delivery rides the normal routing path, so players on other
// instances hear about the match the same way.
func (q *Queue) notify(ctx context.Context, m *Match) {
	env, err := envelope.New(envelope.TypeSystem, map[string]any{
		"type":      "match_found",
		"matchId":   m.ID,
		"players":   m.Players,
		"timestamp": m.CreatedAt.UnixMilli(),
	})
	if err != nil {
		q.logger.Error().Str("match_id", m.ID).Err(err).Msg("Failed to build match notification")
		return
	}
	data, err := env.Encode()
	if err != nil {
		q.logger.Error().Str("match_id", m.ID).Err(err).Msg("Failed to encode match notification")
		return
	}

	for _, userID := range m.Players {
		if err := q.store.Publish(ctx, envelope.UserChannel(userID), data); err != nil {
			monitoring.StorePublishFailures.Inc()
			q.logger.Error().
				Str("match_id", m.ID).
				Str("user_id", userID).
				Err(err).
				Msg("Failed to notify matched player")
		}
	}
}
