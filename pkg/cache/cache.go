// Package cache holds one session's optimistic, immediately-consistent view
// of message history: a per-conversation ordered buffer the UI reads from.
// It is owned by a single sync context and mutated only through merge
// functions; it never holds ciphertext.
package cache

import (
	"sync"
	"time"
)

// Status tracks the optimistic write lifecycle of a locally sent message.
type Status string

const (
	// StatusPending marks a local insert not yet confirmed by the store.
	StatusPending Status = "pending"
	// StatusSent marks a store-confirmed message.
	StatusSent Status = "sent"
	// StatusFailed marks a local insert whose persistence failed. It stays
	// visible so the UI can offer a retry instead of showing a phantom success.
	StatusFailed Status = "failed"
)

// Entry is one decrypted message in the buffer.
type Entry struct {
	ID        string
	SenderID  string
	Content   string
	CreatedAt time.Time
	EditedAt  *time.Time
	Deleted   bool
	Status    Status
}

// Cache is a per-conversation keyed map of ordered entries.
type Cache struct {
	mu     sync.RWMutex
	byConv map[string][]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{byConv: make(map[string][]Entry)}
}

// Set replaces a conversation's buffer, e.g. after an initial page load.
func (c *Cache) Set(conversationID string, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byConv[conversationID] = append([]Entry(nil), entries...)
}

// Append adds an entry at the end unless its id is already present.
// Duplicate delivery is a no-op; reports whether the entry was added.
func (c *Cache) Append(conversationID string, e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range c.byConv[conversationID] {
		if cur.ID == e.ID {
			return false
		}
	}
	c.byConv[conversationID] = append(c.byConv[conversationID], e)
	return true
}

// Prepend inserts an older page at the front, skipping ids already present.
// Returns how many entries were added.
func (c *Cache) Prepend(conversationID string, entries []Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.byConv[conversationID]
	seen := make(map[string]struct{}, len(existing))
	for _, cur := range existing {
		seen[cur.ID] = struct{}{}
	}
	fresh := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.ID]; !dup {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) > 0 {
		c.byConv[conversationID] = append(fresh, existing...)
	}
	return len(fresh)
}

// ReplaceByID swaps an entry's content and editedAt in place. Unknown ids
// report false so callers can drop stray edit events silently. Tombstoned
// entries are terminal: an edit arriving after the delete is dropped too,
// so a deleted entry never regains content.
func (c *Cache) ReplaceByID(conversationID, id, content string, editedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byConv[conversationID]
	for i := range entries {
		if entries[i].ID == id {
			if entries[i].Deleted {
				return false
			}
			entries[i].Content = content
			at := editedAt
			entries[i].EditedAt = &at
			return true
		}
	}
	return false
}

// Confirm marks a pending entry as store-confirmed and adopts the
// server-assigned timestamp, which is the authoritative ordering key.
func (c *Cache) Confirm(conversationID, id string, createdAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byConv[conversationID]
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Status = StatusSent
			entries[i].CreatedAt = createdAt
			return true
		}
	}
	return false
}

// MarkStatus transitions a local entry's optimistic status.
func (c *Cache) MarkStatus(conversationID, id string, status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byConv[conversationID]
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Status = status
			return true
		}
	}
	return false
}

// Tombstone clears content and flags the given ids as deleted.
func (c *Cache) Tombstone(conversationID string, ids ...string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byConv[conversationID]
	for i := range entries {
		if _, ok := set[entries[i].ID]; ok {
			entries[i].Deleted = true
			entries[i].Content = ""
			entries[i].EditedAt = nil
		}
	}
}

// Purge drops a conversation's buffer entirely.
func (c *Cache) Purge(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byConv, conversationID)
}

// Last returns the newest entry, if any.
func (c *Cache) Last(conversationID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.byConv[conversationID]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// LastVisible returns the newest entry that would render as a message:
// tombstones and failed local sends are skipped.
func (c *Cache) LastVisible(conversationID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.byConv[conversationID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Deleted || entries[i].Status == StatusFailed {
			continue
		}
		return entries[i], true
	}
	return Entry{}, false
}

// Oldest returns the oldest entry, used as the pagination cursor.
func (c *Cache) Oldest(conversationID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.byConv[conversationID]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

// List returns a copy of the buffer in chronological order.
func (c *Cache) List(conversationID string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.byConv[conversationID]...)
}
