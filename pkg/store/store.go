// Package store persists conversations, participants, messages, and identity
// key material. The store only ever sees ciphertext message bodies.
package store

import (
	"context"
	"strings"

	"cipherchat/pkg/domain"
)

// DefaultPageSize bounds message pagination when the caller passes no limit.
const DefaultPageSize = 20

// DirectKey returns the canonical key for a direct conversation between two
// users: dm:<min>_<max> over the unordered id pair. A partial unique index
// scoped to type='direct' enforces at most one such conversation.
func DirectKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return "dm:" + a + "_" + b
}

// Store defines the durable operations of the messaging core.
type Store interface {
	// users and identity keys
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByName(ctx context.Context, name string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	SaveUserKeys(ctx context.Context, userID, publicKey string, wrapped domain.WrappedPrivateKey) error
	GetUserKeys(ctx context.Context, userID string) (domain.UserKeys, bool, error)

	// conversations
	CreateDirect(ctx context.Context, requesterID, targetName string) (domain.Conversation, error)
	CreateGroup(ctx context.Context, requesterID, title string) (domain.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]domain.ConversationEntry, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	Participants(ctx context.Context, conversationID string) ([]domain.Participant, error)
	DeleteConversation(ctx context.Context, conversationID, requesterID string) error

	// messages
	GetPage(ctx context.Context, conversationID, requesterID string, limit int, cursorID string) ([]domain.Message, error)
	Send(ctx context.Context, msg domain.Message) (domain.Message, error)
	Edit(ctx context.Context, messageID, requesterID, content, iv string) (domain.Message, error)
	SoftDelete(ctx context.Context, messageIDs []string, requesterID string) error
	MarkRead(ctx context.Context, conversationID, messageID, userID string) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
}
