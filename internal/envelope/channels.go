package envelope

import (
	"fmt"
	"strings"
)

// Coordination-store channel and key naming. Every component goes through
// these helpers so the convention has a single source of truth.
const (
	BroadcastChannel       = "gateway:broadcast"
	GlobalChatChannel      = "chat:global"
	PrivateChatChannel     = "chat:private"
	SystemBroadcastChannel = "system:broadcast"

	UserChannelPattern   = "user:*:message"
	ClientChannelPattern = "client:*:message"

	QueueKeyPattern = "match_queue:*"
)

// ClientChannel routes to one connection on whichever instance holds it.
func ClientChannel(connID string) string {
	return fmt.Sprintf("client:%s:message", connID)
}

// UserChannel routes to one user, on any instance.
func UserChannel(userID string) string {
	return fmt.Sprintf("user:%s:message", userID)
}

// InstanceChannel is an instance's inbound delivery channel, used when the
// session directory says another instance owns the target connection.
func InstanceChannel(instanceID string) string {
	return fmt.Sprintf("gateway:%s:message", instanceID)
}

// ServiceChannel forwards to a non-gateway collaborator.
func ServiceChannel(name string) string {
	return fmt.Sprintf("service:%s:request", name)
}

// UserFromChannel extracts the user id from a user:<id>:message channel name.
func UserFromChannel(channel string) (string, bool) {
	return fromChannel(channel, "user:")
}

// ConnFromChannel extracts the connection id from a client:<id>:message
// channel name.
func ConnFromChannel(channel string) (string, bool) {
	return fromChannel(channel, "client:")
}

func fromChannel(channel, prefix string) (string, bool) {
	if !strings.HasPrefix(channel, prefix) || !strings.HasSuffix(channel, ":message") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(channel, prefix), ":message")
	if id == "" {
		return "", false
	}
	return id, true
}

// UserConnectionKey is the session directory entry for a user.
func UserConnectionKey(userID string) string {
	return fmt.Sprintf("user:%s:connection", userID)
}

// ChatRateKey is the fixed-window global-chat counter for a sender.
func ChatRateKey(userID string) string {
	return fmt.Sprintf("chat_rate_limit:%s", userID)
}

// QueueKey is the waiting collection for one (mode, party size) pairing.
func QueueKey(mode string, partySize int) string {
	return fmt.Sprintf("match_queue:%s:%d", mode, partySize)
}

// QueueLockKey serializes match attempts per queue key.
func QueueLockKey(queueKey string) string {
	return "lock:" + queueKey
}

// MatchKey is the committed match record.
func MatchKey(matchID string) string {
	return fmt.Sprintf("match:%s", matchID)
}
