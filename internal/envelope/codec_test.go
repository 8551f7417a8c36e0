package envelope_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/gateway/internal/envelope"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestCodecDisabled(t *testing.T) {
	codec, err := envelope.NewCodec(nil)
	require.NoError(t, err)
	assert.False(t, codec.Enabled())

	frame := []byte(`{"type":"chat"}`)
	out, err := codec.Encode(frame)
	require.NoError(t, err)
	assert.Equal(t, frame, out)

	plain, wasEncrypted := codec.Decode(frame)
	assert.Equal(t, frame, plain)
	assert.False(t, wasEncrypted)
}

func TestCodecRejectsBadKeyLength(t *testing.T) {
	_, err := envelope.NewCodec([]byte("short"))
	require.Error(t, err)
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := envelope.NewCodec(testKey)
	require.NoError(t, err)
	require.True(t, codec.Enabled())

	plain := []byte(`{"type":"chat","payload":{"content":"hello"}}`)
	frame, err := codec.Encode(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, frame)
	assert.True(t, bytes.ContainsRune(frame, ':'))

	decoded, wasEncrypted := codec.Decode(frame)
	assert.True(t, wasEncrypted)
	assert.Equal(t, plain, decoded)
}

func TestCodecPlaintextFallback(t *testing.T) {
	codec, err := envelope.NewCodec(testKey)
	require.NoError(t, err)

	t.Run("frame without separator passes through", func(t *testing.T) {
		frame := []byte(`{"type"-"heartbeat"}`)
		plain, wasEncrypted := codec.Decode(frame)
		assert.False(t, wasEncrypted)
		assert.Equal(t, frame, plain)
	})

	t.Run("JSON containing colons is returned as-is", func(t *testing.T) {
		frame := []byte(`{"type":"heartbeat","payload":{}}`)
		plain, wasEncrypted := codec.Decode(frame)
		assert.False(t, wasEncrypted)
		assert.Equal(t, frame, plain)
	})

	t.Run("garbage cipher frame is returned as-is", func(t *testing.T) {
		frame := []byte("AAAA:" + strings.Repeat("B", 24))
		plain, wasEncrypted := codec.Decode(frame)
		assert.False(t, wasEncrypted)
		assert.Equal(t, frame, plain)
	})
}
