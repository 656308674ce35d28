package domain

import "time"

// ConversationType distinguishes one-to-one chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// MessageType classifies message bodies. All non-system bodies are ciphertext.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Role is a participant's role inside a conversation.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User is the slice of the account record this core reads: identity and the
// public half of the identity key pair. Account lifecycle is owned elsewhere.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName,omitempty"`
	PublicKey   string    `json:"publicKey"` // base64 raw X25519 public key
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WrappedPrivateKey is the password-encrypted serialization of a private key.
// All fields are base64. The server stores it as an opaque blob.
type WrappedPrivateKey struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	KDFSalt    string `json:"kdfSalt"`
}

// UserKeys bundles a user's public key with their wrapped private key.
type UserKeys struct {
	UserID    string            `json:"userId"`
	PublicKey string            `json:"publicKey"`
	Wrapped   WrappedPrivateKey `json:"wrapped"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Conversation is a chat thread. DirectKey is set only for direct
// conversations and is unique among them: dm:<min(idA,idB)>_<max(idA,idB)>.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Title         string           `json:"title,omitempty"`
	DirectKey     string           `json:"-"`
	LastMessageID string           `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Participant is one user's membership row in a conversation. UpdatedAt is
// bumped on every new message so sidebars can order by recent activity.
// LastReadMessageID is the participant's own read cursor.
type Participant struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	UserID            string    `json:"userId"`
	Role              Role      `json:"role"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
	JoinedAt          time.Time `json:"joinedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Attachment describes a blob stored in object storage. The blob itself is
// client-encrypted; this metadata is the only part the store can read.
type Attachment struct {
	StorageKey  string `json:"storageKey"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Message is a stored envelope. Content and IV are base64 and cleared when
// the message is soft-deleted; DeletedAt marks the tombstone.
type Message struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversationId"`
	SenderID         string       `json:"senderId"`
	Type             MessageType  `json:"type"`
	Content          string       `json:"content"`
	IV               string       `json:"iv"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	EditedAt         *time.Time   `json:"editedAt,omitempty"`
	DeletedAt        *time.Time   `json:"deletedAt,omitempty"`
}

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// ConversationEntry is one sidebar row for a particular viewer: the viewer's
// own participant row, the conversation, everyone in it, and the most recent
// non-deleted message as a preview. The preview is a cache pointer for UI
// hints, not a source of truth.
type ConversationEntry struct {
	Participant  Participant   `json:"participant"`
	Conversation Conversation  `json:"conversation"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
}

// Other returns the participants excluding the viewer.
func (e ConversationEntry) Other() []Participant {
	out := make([]Participant, 0, len(e.Participants))
	for _, p := range e.Participants {
		if p.UserID != e.Participant.UserID {
			out = append(out, p)
		}
	}
	return out
}
