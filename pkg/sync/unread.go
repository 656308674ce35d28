package sync

import (
	"cipherchat/pkg/domain"
)

// Unread applies the sidebar unread rules to one conversation entry:
//  1. the conversation on screen is never unread;
//  2. no last message means nothing to read;
//  3. the viewer's own last message is never unread;
//  4. no read cursor yet means unread;
//  5. a cursor on the conversation's newest write means everything was read,
//     even when that write was tombstoned afterwards;
//  6. otherwise unread iff the last message moved past the cursor.
//
// The last message here is the latest non-deleted one, matching the store's
// sidebar preview. Rule 5 keeps the outcome stable when the newest message is
// deleted after being read: the preview falls back to an older message whose
// id no longer matches the cursor, but nothing new arrived.
func Unread(entry domain.ConversationEntry, viewerID, activeConversationID string) bool {
	if activeConversationID == entry.Conversation.ID {
		return false
	}
	if entry.LastMessage == nil {
		return false
	}
	if entry.LastMessage.SenderID == viewerID {
		return false
	}
	cursor := entry.Participant.LastReadMessageID
	if cursor == "" {
		return true
	}
	if cursor == entry.Conversation.LastMessageID {
		return false
	}
	return entry.LastMessage.ID != cursor
}

// HasUnread evaluates the rules against the engine's viewer and active
// conversation.
func (e *Engine) HasUnread(entry domain.ConversationEntry) bool {
	return Unread(entry, e.userID, e.activeID())
}

// HasUnreadCached answers from the session cache when the conversation has a
// buffered tail, falling back to the store-provided snapshot otherwise.
// The cached tail skips tombstones and failed local sends, mirroring the
// store preview, so for any consistent state the two paths agree.
func (e *Engine) HasUnreadCached(entry domain.ConversationEntry) bool {
	conversationID := entry.Conversation.ID
	last, ok := e.cache.LastVisible(conversationID)
	if !ok {
		return Unread(entry, e.userID, e.activeID())
	}
	if e.activeID() == conversationID {
		return false
	}
	if last.SenderID == e.userID {
		return false
	}
	cursor := entry.Participant.LastReadMessageID
	if cursor == "" {
		return true
	}
	if cursor == entry.Conversation.LastMessageID {
		return false
	}
	return last.ID != cursor
}
