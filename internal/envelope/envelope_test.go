package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/gateway/internal/envelope"
)

func TestParse(t *testing.T) {
	t.Run("rejects non-JSON frames", func(t *testing.T) {
		_, err := envelope.Parse([]byte("not json at all"))
		require.ErrorIs(t, err, envelope.ErrBadEnvelope)
	})

	t.Run("rejects missing type", func(t *testing.T) {
		_, err := envelope.Parse([]byte(`{"payload":{"a":1}}`))
		require.ErrorIs(t, err, envelope.ErrBadEnvelope)
	})

	t.Run("rejects missing payload", func(t *testing.T) {
		_, err := envelope.Parse([]byte(`{"type":"chat"}`))
		require.ErrorIs(t, err, envelope.ErrBadEnvelope)
	})

	t.Run("rejects null payload", func(t *testing.T) {
		_, err := envelope.Parse([]byte(`{"type":"chat","payload":null}`))
		require.ErrorIs(t, err, envelope.ErrBadEnvelope)
	})

	t.Run("generates id and timestamp when absent", func(t *testing.T) {
		env, err := envelope.Parse([]byte(`{"type":"heartbeat","payload":{}}`))
		require.NoError(t, err)
		assert.NotEmpty(t, env.ID)
		assert.False(t, env.Timestamp.IsZero())
	})

	t.Run("preserves supplied id and timestamp", func(t *testing.T) {
		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		raw, err := json.Marshal(map[string]any{
			"id":        "msg-1",
			"type":      "chat",
			"payload":   map[string]string{"content": "hi"},
			"timestamp": ts,
		})
		require.NoError(t, err)

		env, err := envelope.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "msg-1", env.ID)
		assert.True(t, ts.Equal(env.Timestamp))
	})

	t.Run("does not reject unknown types", func(t *testing.T) {
		env, err := envelope.Parse([]byte(`{"type":"bogus","payload":{}}`))
		require.NoError(t, err)
		assert.Equal(t, envelope.Type("bogus"), env.Type)
		assert.False(t, env.Type.Valid())
	})
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []envelope.Type{
		envelope.TypeAuth,
		envelope.TypeChat,
		envelope.TypeGameAction,
		envelope.TypeHeartbeat,
		envelope.TypeSystem,
	} {
		assert.True(t, typ.Valid(), "type %q", typ)
	}
	assert.False(t, envelope.Type("").Valid())
	assert.False(t, envelope.Type("subscribe").Valid())
}

func TestEncodeRoundTrip(t *testing.T) {
	env, err := envelope.New(envelope.TypeChat, map[string]string{"content": "hello"})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	parsed, err := envelope.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, parsed.ID)
	assert.Equal(t, envelope.TypeChat, parsed.Type)
}

func TestSystemError(t *testing.T) {
	env := envelope.SystemError(envelope.CodeRateLimited, "slow down")
	require.Equal(t, envelope.TypeSystem, env.Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, envelope.CodeRateLimited, payload["code"])
	assert.Equal(t, "slow down", payload["error"])
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "client:c1:message", envelope.ClientChannel("c1"))
	assert.Equal(t, "user:u1:message", envelope.UserChannel("u1"))
	assert.Equal(t, "gateway:g1:message", envelope.InstanceChannel("g1"))
	assert.Equal(t, "service:logic:request", envelope.ServiceChannel("logic"))
	assert.Equal(t, "user:u1:connection", envelope.UserConnectionKey("u1"))
	assert.Equal(t, "chat_rate_limit:u1", envelope.ChatRateKey("u1"))
	assert.Equal(t, "match_queue:ranked:4", envelope.QueueKey("ranked", 4))
	assert.Equal(t, "lock:match_queue:ranked:4", envelope.QueueLockKey(envelope.QueueKey("ranked", 4)))
	assert.Equal(t, "match:m1", envelope.MatchKey("m1"))
}

func TestChannelParsing(t *testing.T) {
	user, ok := envelope.UserFromChannel("user:u42:message")
	require.True(t, ok)
	assert.Equal(t, "u42", user)

	conn, ok := envelope.ConnFromChannel("client:c42:message")
	require.True(t, ok)
	assert.Equal(t, "c42", conn)

	_, ok = envelope.UserFromChannel("client:c42:message")
	assert.False(t, ok)

	_, ok = envelope.ConnFromChannel("client::message")
	assert.False(t, ok)

	_, ok = envelope.UserFromChannel("user:u42:request")
	assert.False(t, ok)
}
