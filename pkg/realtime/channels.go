// Package realtime is the transport boundary: channel naming, the closed
// event union, and a redis pub/sub bus. Everything crossing it is either
// ciphertext or metadata; plaintext never enters this package.
package realtime

import "strings"

const (
	chatPrefix = "chat:"
	userPrefix = "user:"
)

// ChatChannel names the per-conversation broadcast channel.
func ChatChannel(conversationID string) string { return chatPrefix + conversationID }

// UserChannel names a user's notification fan-out channel.
func UserChannel(userID string) string { return userPrefix + userID }

// ConversationFromChannel extracts the conversation id from a chat channel
// name, or "" for other channels.
func ConversationFromChannel(channel string) string {
	if rest, ok := strings.CutPrefix(channel, chatPrefix); ok {
		return rest
	}
	return ""
}
