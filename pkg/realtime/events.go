package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName enumerates every event kind crossing the transport.
type EventName string

const (
	// EventMessage carries a freshly persisted message envelope on a chat channel.
	EventMessage EventName = "message"
	// EventMessageEdit carries a re-sealed body replacing an existing message.
	EventMessageEdit EventName = "message:edit"
	// EventMessageDelete carries a plain list of tombstoned message ids.
	EventMessageDelete EventName = "message:delete"
	// EventConversationDelete signals the whole conversation was removed.
	EventConversationDelete EventName = "conversation:delete"
	// EventNotification is the per-user sidebar fan-out after a send.
	EventNotification EventName = "notification"
	// EventConversationRemoved is the per-user fan-out after a conversation delete.
	EventConversationRemoved EventName = "delete-conversation"
)

// MessagePayload is the wire form of a sent message. Ciphertext and IV are
// base64; the transport never sees plaintext.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Ciphertext     string `json:"ciphertext"`
	IV             string `json:"iv"`
}

// EditPayload replaces a message body in place.
type EditPayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Ciphertext     string    `json:"ciphertext"`
	IV             string    `json:"iv"`
	EditedAt       time.Time `json:"editedAt"`
}

// ConversationRef identifies a conversation in delete fan-outs.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// NotificationPayload is sidebar metadata: never message content.
type NotificationPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Event is the decoded union. Exactly the field matching Name is set;
// consumers switch on Name and never inspect raw wire data.
type Event struct {
	Name               EventName
	Message            *MessagePayload
	Edit               *EditPayload
	DeletedMessageIDs  []string
	ConversationDelete *ConversationRef
	Notification       *NotificationPayload
}

type wireEvent struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes an event for publishing.
func Encode(e Event) ([]byte, error) {
	var data any
	switch e.Name {
	case EventMessage:
		data = e.Message
	case EventMessageEdit:
		data = e.Edit
	case EventMessageDelete:
		data = e.DeletedMessageIDs
	case EventConversationDelete, EventConversationRemoved:
		data = e.ConversationDelete
	case EventNotification:
		data = e.Notification
	default:
		return nil, fmt.Errorf("encode event: unknown name %q", e.Name)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Name, err)
	}
	return json.Marshal(wireEvent{Name: string(e.Name), Data: raw})
}

// Decode parses a wire payload into the closed union. Unknown names and
// malformed payloads are errors so they can be dropped at the boundary.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	e := Event{Name: EventName(w.Name)}
	var err error
	switch e.Name {
	case EventMessage:
		e.Message = &MessagePayload{}
		err = json.Unmarshal(w.Data, e.Message)
	case EventMessageEdit:
		e.Edit = &EditPayload{}
		err = json.Unmarshal(w.Data, e.Edit)
	case EventMessageDelete:
		err = json.Unmarshal(w.Data, &e.DeletedMessageIDs)
	case EventConversationDelete, EventConversationRemoved:
		e.ConversationDelete = &ConversationRef{}
		err = json.Unmarshal(w.Data, e.ConversationDelete)
	case EventNotification:
		e.Notification = &NotificationPayload{}
		err = json.Unmarshal(w.Data, e.Notification)
	default:
		return Event{}, fmt.Errorf("decode event: unknown name %q", w.Name)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode event %s: %w", w.Name, err)
	}
	return e, nil
}
