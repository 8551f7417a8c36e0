// Package chat validates, rate-limits, and republishes chat traffic to the
// global and user-targeted delivery channels on the coordination store.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/playforge/gateway/internal/auth"
	"github.com/playforge/gateway/internal/directory"
	"github.com/playforge/gateway/internal/envelope"
	"github.com/playforge/gateway/internal/monitoring"
	"github.com/playforge/gateway/internal/store"
)

var (
	ErrEmptyContent   = errors.New("chat: message content cannot be empty")
	ErrContentTooLong = errors.New("chat: message content too long")
	ErrRateLimited    = errors.New("chat: rate limit exceeded")
	ErrTargetOffline  = errors.New("chat: target user is not online")
	ErrInvalidScope   = errors.New("chat: invalid scope or missing target user")
)

// Scope selects global fan-out or a single target user.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopePrivate Scope = "private"
)

// Message is a sanitized chat message as published to the relay channels.
type Message struct {
	ID           string    `json:"id"`
	FromUserID   string    `json:"fromUserId"`
	FromUsername string    `json:"fromUsername"`
	Content      string    `json:"content"`
	Scope        Scope     `json:"type"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Relay is the chat component. It has no delivery logic of its own: accepted
// messages are published to the store channels and fan out through the
// router of whichever instances hold the recipients.
type Relay struct {
	store      store.Store
	directory  *directory.Directory
	window     time.Duration
	rateLimit  int
	maxContent int
	logger     zerolog.Logger
}

// Config holds relay tunables. Defaults: 60s window, 10 messages, 500 runes.
type Config struct {
	RateWindow time.Duration
	RateLimit  int
	MaxContent int
}

// New creates the relay.
func New(st store.Store, dir *directory.Directory, cfg Config, logger zerolog.Logger) *Relay {
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.MaxContent == 0 {
		cfg.MaxContent = 500
	}
	return &Relay{
		store:      st,
		directory:  dir,
		window:     cfg.RateWindow,
		rateLimit:  cfg.RateLimit,
		maxContent: cfg.MaxContent,
		logger:     logger.With().Str("component", "chat").Logger(),
	}
}

// Submit validates and publishes one chat message from a bound sender.
// All validation failures happen before any side effect.
func (r *Relay) Submit(ctx context.Context, from auth.Identity, scope Scope, content, targetUserID string) (*Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		monitoring.ChatRejected.WithLabelValues("empty").Inc()
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > r.maxContent {
		monitoring.ChatRejected.WithLabelValues("too_long").Inc()
		return nil, fmt.Errorf("%w (max %d characters)", ErrContentTooLong, r.maxContent)
	}

	switch scope {
	case ScopeGlobal:
	case ScopePrivate:
		if targetUserID == "" {
			monitoring.ChatRejected.WithLabelValues("invalid_scope").Inc()
			return nil, ErrInvalidScope
		}
	default:
		monitoring.ChatRejected.WithLabelValues("invalid_scope").Inc()
		return nil, ErrInvalidScope
	}

	msg := &Message{
		ID:           uuid.NewString(),
		FromUserID:   from.UserID,
		FromUsername: from.DisplayName,
		Content:      sanitize(trimmed, r.maxContent),
		Scope:        scope,
		Timestamp:    time.Now().UTC(),
	}

	switch scope {
	case ScopeGlobal:
		if err := r.submitGlobal(ctx, msg); err != nil {
			return nil, err
		}
	case ScopePrivate:
		msg.TargetUserID = targetUserID
		if err := r.submitPrivate(ctx, msg); err != nil {
			return nil, err
		}
	}

	monitoring.ChatPublished.WithLabelValues(string(scope)).Inc()
	r.logger.Debug().
		Str("msg_id", msg.ID).
		Str("from", msg.FromUserID).
		Str("scope", string(scope)).
		Msg("Chat message published")
	return msg, nil
}

// submitGlobal enforces the per-sender fixed-window limiter before
// publishing. The counter increment is atomic in the store, so concurrent
// sends through different instances share one window.
func (r *Relay) submitGlobal(ctx context.Context, msg *Message) error {
	count, err := r.store.IncrWindow(ctx, envelope.ChatRateKey(msg.FromUserID), r.window)
	if err != nil {
		return fmt.Errorf("chat: rate check: %w", err)
	}
	if count > int64(r.rateLimit) {
		monitoring.ChatRejected.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w (%d per %s)", ErrRateLimited, r.rateLimit, r.window)
	}

	return r.publish(ctx, envelope.GlobalChatChannel, msg)
}

// submitPrivate confirms target reachability through the session directory
// before publishing to the private relay channel.
func (r *Relay) submitPrivate(ctx context.Context, msg *Message) error {
	_, online, err := r.directory.Resolve(ctx, msg.TargetUserID)
	if err != nil {
		return fmt.Errorf("chat: resolve target: %w", err)
	}
	if !online {
		monitoring.ChatRejected.WithLabelValues("target_offline").Inc()
		return ErrTargetOffline
	}

	return r.publish(ctx, envelope.PrivateChatChannel, msg)
}

func (r *Relay) publish(ctx context.Context, channel string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chat: marshal message: %w", err)
	}
	if err := r.store.Publish(ctx, channel, data); err != nil {
		monitoring.StorePublishFailures.Inc()
		return fmt.Errorf("chat: publish: %w", err)
	}
	return nil
}

// sanitize strips markup brackets and control characters and caps length.
func sanitize(s string, maxRunes int) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if r == '<' || r == '>' || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
		if n == maxRunes {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
