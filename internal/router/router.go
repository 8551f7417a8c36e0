// Package router classifies inbound client envelopes, dispatches them to the
// session, chat, and match components, and fans store-published traffic out
// to the local connections that should receive it.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/playforge/gateway/internal/auth"
	"github.com/playforge/gateway/internal/chat"
	"github.com/playforge/gateway/internal/directory"
	"github.com/playforge/gateway/internal/envelope"
	"github.com/playforge/gateway/internal/match"
	"github.com/playforge/gateway/internal/monitoring"
	"github.com/playforge/gateway/internal/session"
	"github.com/playforge/gateway/internal/store"
)

// logicService is the downstream collaborator that receives game actions the
// gateway does not handle itself.
const logicService = "logic"

// Router wires the inbound and outbound message paths of one instance.
type Router struct {
	instanceID string
	store      store.Store
	registry   *session.Registry
	directory  *directory.Directory
	relay      *chat.Relay
	queue      *match.Queue
	verifier   auth.Verifier
	codec      *envelope.Codec
	logger     zerolog.Logger
}

// New creates the router.
func New(
	instanceID string,
	st store.Store,
	registry *session.Registry,
	dir *directory.Directory,
	relay *chat.Relay,
	queue *match.Queue,
	verifier auth.Verifier,
	codec *envelope.Codec,
	logger zerolog.Logger,
) *Router {
	return &Router{
		instanceID: instanceID,
		store:      st,
		registry:   registry,
		directory:  dir,
		relay:      relay,
		queue:      queue,
		verifier:   verifier,
		codec:      codec,
		logger:     logger.With().Str("component", "router").Logger(),
	}
}

// HandleInbound processes one raw frame read from a client socket. Failures
// are reported back on the same connection as system error envelopes; the
// connection stays open in every case.
func (r *Router) HandleInbound(ctx context.Context, connID string, frame []byte) {
	defer monitoring.RecoverPanic(r.logger, "handleInbound", map[string]any{
		"conn_id": connID,
	})

	plain, _ := r.codec.Decode(frame)
	env, err := envelope.Parse(plain)
	if err != nil {
		monitoring.EnvelopesRejected.WithLabelValues("bad_envelope").Inc()
		r.replyError(connID, envelope.CodeBadEnvelope, "malformed message")
		return
	}
	monitoring.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case envelope.TypeAuth:
		r.handleAuth(ctx, connID, env)
	case envelope.TypeHeartbeat:
		r.handleHeartbeat(connID)
	case envelope.TypeChat:
		r.handleChat(ctx, connID, env)
	case envelope.TypeGameAction:
		r.handleGameAction(ctx, connID, env)
	case envelope.TypeSystem:
		// system is server-originated only.
		monitoring.EnvelopesRejected.WithLabelValues("client_system").Inc()
		r.replyError(connID, envelope.CodeBadEnvelope, "system messages cannot originate from clients")
	default:
		monitoring.EnvelopesRejected.WithLabelValues("unknown_type").Inc()
		r.logger.Warn().
			Str("conn_id", connID).
			Str("type", string(env.Type)).
			Msg("Unknown envelope type dropped")
	}
}

func (r *Router) handleAuth(ctx context.Context, connID string, env *envelope.Envelope) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Token == "" {
		r.replyError(connID, envelope.CodeAuthFailed, "missing token")
		return
	}

	id, err := r.verifier.Verify(ctx, payload.Token)
	if err != nil {
		r.logger.Warn().Str("conn_id", connID).Err(err).Msg("Authentication failed")
		r.replyError(connID, envelope.CodeAuthFailed, "authentication failed")
		return
	}

	if err := r.registry.Bind(ctx, connID, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return
		}
		r.replyError(connID, envelope.CodeInternal, "failed to register session")
		return
	}

	r.reply(connID, envelope.TypeSystem, map[string]string{
		"status": "authenticated",
		"userId": id.UserID,
	})
}

// handleHeartbeat answers locally; the activity refresh already happened when
// the frame was read.
func (r *Router) handleHeartbeat(connID string) {
	r.reply(connID, envelope.TypeHeartbeat, map[string]any{
		"serverTime": nowMilli(),
	})
}

func (r *Router) handleChat(ctx context.Context, connID string, env *envelope.Envelope) {
	id, ok := r.identity(connID)
	if !ok {
		r.replyError(connID, envelope.CodeAuthFailed, "authentication required")
		return
	}

	var payload struct {
		Scope        chat.Scope `json:"type"`
		Content      string     `json:"content"`
		TargetUserID string     `json:"targetUserId"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.replyError(connID, envelope.CodeBadEnvelope, "malformed chat payload")
		return
	}
	if payload.Scope == "" {
		payload.Scope = chat.ScopeGlobal
	}

	if _, err := r.relay.Submit(ctx, id, payload.Scope, payload.Content, payload.TargetUserID); err != nil {
		r.replyError(connID, chatErrorCode(err), err.Error())
	}
}

func (r *Router) handleGameAction(ctx context.Context, connID string, env *envelope.Envelope) {
	id, ok := r.identity(connID)
	if !ok {
		r.replyError(connID, envelope.CodeAuthFailed, "authentication required")
		return
	}

	var payload struct {
		Kind       string `json:"type"`
		GameMode   string `json:"gameMode"`
		PartySize  int    `json:"partySize"`
		SkillLevel int    `json:"skillLevel"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.replyError(connID, envelope.CodeBadEnvelope, "malformed game action")
		return
	}

	switch payload.Kind {
	case "match_request":
		mode := payload.GameMode
		if mode == "" {
			mode = "default"
		}
		size := payload.PartySize
		if size == 0 {
			size = 2
		}
		if _, err := r.queue.Enqueue(ctx, id.UserID, mode, size, payload.SkillLevel); err != nil {
			if errors.Is(err, match.ErrInvalidParty) {
				r.replyError(connID, envelope.CodeInvalidParty, err.Error())
				return
			}
			r.logger.Error().Str("conn_id", connID).Err(err).Msg("Matchmaking enqueue failed")
			r.replyError(connID, envelope.CodeInternal, "matchmaking unavailable")
		}
	case "match_cancel":
		if err := r.queue.Cancel(ctx, id.UserID); err != nil {
			r.logger.Error().Str("conn_id", connID).Err(err).Msg("Matchmaking cancel failed")
			r.replyError(connID, envelope.CodeInternal, "matchmaking unavailable")
		}
	default:
		r.forwardToService(ctx, connID, id.UserID, env)
	}
}

// forwardToService hands an unrecognized game action to the logic service
// with the sender's routing coordinates attached.
func (r *Router) forwardToService(ctx context.Context, connID, userID string, env *envelope.Envelope) {
	req, err := json.Marshal(map[string]any{
		"action":   "game_action",
		"clientId": connID,
		"userId":   userID,
		"payload":  env.Payload,
	})
	if err != nil {
		r.replyError(connID, envelope.CodeInternal, "failed to forward action")
		return
	}
	if err := r.store.Publish(ctx, envelope.ServiceChannel(logicService), req); err != nil {
		monitoring.StorePublishFailures.Inc()
		r.logger.Error().Str("conn_id", connID).Err(err).Msg("Service forward failed")
		r.replyError(connID, envelope.CodeInternal, "failed to forward action")
	}
}

// Run establishes the instance's store subscriptions and returns once they
// are live. Handlers keep firing until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	if err := r.store.Subscribe(ctx, r.onInstanceMessage, envelope.InstanceChannel(r.instanceID)); err != nil {
		return fmt.Errorf("router: subscribe instance channel: %w", err)
	}
	if err := r.store.Subscribe(ctx, r.onBroadcast,
		envelope.BroadcastChannel, envelope.SystemBroadcastChannel); err != nil {
		return fmt.Errorf("router: subscribe broadcast: %w", err)
	}
	if err := r.store.Subscribe(ctx, r.onGlobalChat, envelope.GlobalChatChannel); err != nil {
		return fmt.Errorf("router: subscribe global chat: %w", err)
	}
	if err := r.store.Subscribe(ctx, r.onPrivateChat, envelope.PrivateChatChannel); err != nil {
		return fmt.Errorf("router: subscribe private chat: %w", err)
	}
	if err := r.store.PSubscribe(ctx, r.onUserMessage, envelope.UserChannelPattern); err != nil {
		return fmt.Errorf("router: subscribe user pattern: %w", err)
	}
	if err := r.store.PSubscribe(ctx, r.onClientMessage, envelope.ClientChannelPattern); err != nil {
		return fmt.Errorf("router: subscribe client pattern: %w", err)
	}

	r.logger.Info().Str("instance_id", r.instanceID).Msg("Router subscriptions established")
	return nil
}

// onInstanceMessage delivers a frame forwarded by another instance to one of
// our connections.
func (r *Router) onInstanceMessage(_ string, payload []byte) {
	var fwd struct {
		ConnectionID string          `json:"connectionId"`
		Message      json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(payload, &fwd); err != nil || fwd.ConnectionID == "" {
		r.logger.Warn().Err(err).Msg("Malformed instance forward dropped")
		return
	}
	r.deliver(fwd.ConnectionID, fwd.Message)
}

// onBroadcast fans a published frame out to every local connection.
func (r *Router) onBroadcast(_ string, payload []byte) {
	out, err := r.codec.Encode(payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("Broadcast encode failed")
		return
	}
	r.registry.Broadcast(out)
}

// onGlobalChat wraps a relayed chat message in a chat envelope and republishes
// it on the broadcast channel. Publishing instances all hear chat:global, but
// only the wrap-and-rebroadcast needs to happen once per message per
// instance; the broadcast handler does the local fan-out.
func (r *Router) onGlobalChat(_ string, payload []byte) {
	env, err := envelope.New(envelope.TypeChat, json.RawMessage(payload))
	if err != nil {
		r.logger.Error().Err(err).Msg("Global chat wrap failed")
		return
	}
	data, err := env.Encode()
	if err != nil {
		r.logger.Error().Err(err).Msg("Global chat encode failed")
		return
	}
	out, err := r.codec.Encode(data)
	if err != nil {
		r.logger.Error().Err(err).Msg("Global chat encode failed")
		return
	}
	r.registry.Broadcast(out)
}

// onPrivateChat routes a private message to its target: delivered locally
// when this instance holds the user, otherwise forwarded to the owning
// instance's channel. Every instance hears chat:private; only the holder (per
// the session directory) acts on it.
func (r *Router) onPrivateChat(_ string, payload []byte) {
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.TargetUserID == "" {
		r.logger.Warn().Err(err).Msg("Malformed private chat dropped")
		return
	}

	target := msg.TargetUserID
	msg.TargetUserID = ""

	env, err := envelope.New(envelope.TypeChat, &msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("Private chat wrap failed")
		return
	}
	data, err := env.Encode()
	if err != nil {
		r.logger.Error().Err(err).Msg("Private chat encode failed")
		return
	}

	if _, ok := r.registry.LocalUser(target); ok {
		r.deliverToUser(target, data)
	}
}

// onUserMessage delivers a frame published to user:<id>:message when this
// instance holds that user.
func (r *Router) onUserMessage(channel string, payload []byte) {
	userID, ok := envelope.UserFromChannel(channel)
	if !ok {
		return
	}
	if _, held := r.registry.LocalUser(userID); !held {
		return
	}
	r.deliverToUser(userID, payload)
}

// onClientMessage delivers a frame published to client:<id>:message when this
// instance holds that connection.
func (r *Router) onClientMessage(channel string, payload []byte) {
	connID, ok := envelope.ConnFromChannel(channel)
	if !ok {
		return
	}
	if !r.registry.LocalConn(connID) {
		return
	}
	r.deliver(connID, payload)
}

func (r *Router) deliver(connID string, frame []byte) {
	out, err := r.codec.Encode(frame)
	if err != nil {
		r.logger.Error().Str("conn_id", connID).Err(err).Msg("Frame encode failed")
		return
	}
	r.registry.Send(connID, out)
}

func (r *Router) deliverToUser(userID string, frame []byte) {
	out, err := r.codec.Encode(frame)
	if err != nil {
		r.logger.Error().Str("user_id", userID).Err(err).Msg("Frame encode failed")
		return
	}
	r.registry.SendToUser(userID, out)
}

func (r *Router) identity(connID string) (auth.Identity, bool) {
	c, ok := r.registry.Get(connID)
	if !ok {
		return auth.Identity{}, false
	}
	return c.Identity()
}

func (r *Router) reply(connID string, t envelope.Type, v any) {
	env, err := envelope.New(t, v)
	if err != nil {
		r.logger.Error().Str("conn_id", connID).Err(err).Msg("Reply build failed")
		return
	}
	data, err := env.Encode()
	if err != nil {
		r.logger.Error().Str("conn_id", connID).Err(err).Msg("Reply encode failed")
		return
	}
	r.deliver(connID, data)
}

func (r *Router) replyError(connID, code, message string) {
	env := envelope.SystemError(code, message)
	data, err := env.Encode()
	if err != nil {
		r.logger.Error().Str("conn_id", connID).Err(err).Msg("Error reply encode failed")
		return
	}
	r.deliver(connID, data)
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// chatErrorCode maps relay errors onto wire error codes.
func chatErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		return envelope.CodeEmptyContent
	case errors.Is(err, chat.ErrContentTooLong):
		return envelope.CodeContentTooLong
	case errors.Is(err, chat.ErrRateLimited):
		return envelope.CodeRateLimited
	case errors.Is(err, chat.ErrTargetOffline):
		return envelope.CodeTargetOffline
	case errors.Is(err, chat.ErrInvalidScope):
		return envelope.CodeBadEnvelope
	default:
		return envelope.CodeInternal
	}
}
