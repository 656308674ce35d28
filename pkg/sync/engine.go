// Package sync keeps one client session's local view consistent with the
// durable store and with events broadcast by other participants. It owns the
// session's message cache and is the only place ciphertext is opened.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"cipherchat/pkg/cache"
	"cipherchat/pkg/domain"
	"cipherchat/pkg/envelope"
	"cipherchat/pkg/keyvault"
	"cipherchat/pkg/realtime"
	"cipherchat/pkg/store"
)

// ErrSessionLocked is returned when an operation needs the private key but
// the vault session has not been unlocked.
var ErrSessionLocked = errors.New("session is locked")

const defaultTimeout = 10 * time.Second

// Config wires an engine for one authenticated session.
type Config struct {
	UserID  string
	Session *keyvault.Session
	Store   store.Store
	Bus     realtime.Bus
	Cache   *cache.Cache

	// Timeout bounds every store call. Exceeding it surfaces as ErrTimeout.
	Timeout time.Duration

	// OnConversationDeleted fires when a conversation is removed remotely,
	// so the UI can navigate away and refresh its sidebar.
	OnConversationDeleted func(conversationID string)
	// OnNotification fires on sidebar fan-out events for other conversations.
	OnNotification func(n realtime.NotificationPayload)
}

// Engine is the per-session realtime sync core.
type Engine struct {
	userID  string
	session *keyvault.Session
	store   store.Store
	bus     realtime.Bus
	cache   *cache.Cache
	timeout time.Duration

	onConversationDeleted func(string)
	onNotification        func(realtime.NotificationPayload)

	flight singleflight.Group

	mu     sync.Mutex
	keys   map[string][]byte // conversationID -> derived message key
	active string            // conversation currently on screen
}

// New validates the wiring and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("sync: user id required")
	}
	if cfg.Session == nil || cfg.Store == nil || cfg.Bus == nil {
		return nil, errors.New("sync: session, store, and bus are required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Engine{
		userID:                cfg.UserID,
		session:               cfg.Session,
		store:                 cfg.Store,
		bus:                   cfg.Bus,
		cache:                 cfg.Cache,
		timeout:               cfg.Timeout,
		onConversationDeleted: cfg.OnConversationDeleted,
		onNotification:        cfg.OnNotification,
		keys:                  make(map[string][]byte),
	}, nil
}

// Cache exposes the session's message buffer for consumers (the UI layer).
func (e *Engine) Cache() *cache.Cache { return e.cache }

// SetActive records which conversation the viewer is looking at; the active
// conversation is never considered unread.
func (e *Engine) SetActive(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = conversationID
}

func (e *Engine) activeID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// mapErr folds deadline errors into the Timeout category, distinct from
// authorization and content failures.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("store call: %w", domain.ErrTimeout)
	}
	return err
}

// conversationKey derives (and caches) the symmetric key shared with the
// peer of a direct conversation.
func (e *Engine) conversationKey(ctx context.Context, conversationID string) ([]byte, error) {
	e.mu.Lock()
	if key, ok := e.keys[conversationID]; ok {
		e.mu.Unlock()
		return key, nil
	}
	e.mu.Unlock()

	priv, ok := e.session.PrivateKey()
	if !ok {
		return nil, ErrSessionLocked
	}
	participants, err := e.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, mapErr(err)
	}
	var peerID string
	for _, p := range participants {
		if p.UserID != e.userID {
			if peerID != "" {
				return nil, fmt.Errorf("conversation %s has more than one peer: %w", conversationID, domain.ErrValidation)
			}
			peerID = p.UserID
		}
	}
	if peerID == "" {
		return nil, fmt.Errorf("conversation %s has no peer: %w", conversationID, domain.ErrValidation)
	}
	peer, ok, err := e.store.GetUserByID(ctx, peerID)
	if err != nil {
		return nil, mapErr(err)
	}
	if !ok || peer.PublicKey == "" {
		return nil, fmt.Errorf("peer public key for %s: %w", peerID, domain.ErrNotFound)
	}
	key, err := envelope.DeriveShared(priv, peer.PublicKey)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.keys[conversationID] = key
	e.mu.Unlock()
	return key, nil
}

func (e *Engine) forgetKey(conversationID string) {
	e.mu.Lock()
	delete(e.keys, conversationID)
	e.mu.Unlock()
}

// Send seals plaintext and walks it through the optimistic write lifecycle:
// local pending insert, durable persist, then broadcast. A persistence
// failure leaves the entry marked failed and suppresses the publish.
func (e *Engine) Send(ctx context.Context, conversationID, plaintext string) (domain.Message, error) {
	key, err := e.conversationKey(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}

	id := uuid.NewString()
	e.cache.Append(conversationID, cache.Entry{
		ID:        id,
		SenderID:  e.userID,
		Content:   plaintext,
		CreatedAt: time.Now().UTC(),
		Status:    cache.StatusPending,
	})

	env, err := envelope.Seal([]byte(plaintext), key)
	if err != nil {
		e.cache.MarkStatus(conversationID, id, cache.StatusFailed)
		return domain.Message{}, err
	}
	ciphertext, iv := env.Encode()

	sctx, cancel := e.withTimeout(ctx)
	stored, err := e.store.Send(sctx, domain.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       e.userID,
		Type:           domain.MessageText,
		Content:        ciphertext,
		IV:             iv,
	})
	cancel()
	if err != nil {
		e.cache.MarkStatus(conversationID, id, cache.StatusFailed)
		return domain.Message{}, mapErr(err)
	}
	e.cache.Confirm(conversationID, stored.ID, stored.CreatedAt)

	e.publish(ctx, realtime.ChatChannel(conversationID), realtime.Event{
		Name: realtime.EventMessage,
		Message: &realtime.MessagePayload{
			ID:             stored.ID,
			ConversationID: conversationID,
			SenderID:       e.userID,
			Ciphertext:     ciphertext,
			IV:             iv,
		},
	})
	e.notifyPeers(ctx, conversationID, realtime.Event{
		Name: realtime.EventNotification,
		Notification: &realtime.NotificationPayload{
			ConversationID: conversationID,
			MessageID:      stored.ID,
			SenderID:       e.userID,
			Timestamp:      stored.CreatedAt,
		},
	})
	return stored, nil
}

// Edit re-seals the new body under a fresh nonce, persists it, updates the
// cache in place, and broadcasts the replacement.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, plaintext string) error {
	key, err := e.conversationKey(ctx, conversationID)
	if err != nil {
		return err
	}
	env, err := envelope.Seal([]byte(plaintext), key)
	if err != nil {
		return err
	}
	ciphertext, iv := env.Encode()

	sctx, cancel := e.withTimeout(ctx)
	stored, err := e.store.Edit(sctx, messageID, e.userID, ciphertext, iv)
	cancel()
	if err != nil {
		return mapErr(err)
	}
	editedAt := time.Now().UTC()
	if stored.EditedAt != nil {
		editedAt = *stored.EditedAt
	}
	e.cache.ReplaceByID(conversationID, messageID, plaintext, editedAt)

	e.publish(ctx, realtime.ChatChannel(conversationID), realtime.Event{
		Name: realtime.EventMessageEdit,
		Edit: &realtime.EditPayload{
			ID:             messageID,
			ConversationID: conversationID,
			SenderID:       e.userID,
			Ciphertext:     ciphertext,
			IV:             iv,
			EditedAt:       editedAt,
		},
	})
	return nil
}

// Delete tombstones the caller's own messages and broadcasts the id list.
func (e *Engine) Delete(ctx context.Context, conversationID string, messageIDs []string) error {
	sctx, cancel := e.withTimeout(ctx)
	err := e.store.SoftDelete(sctx, messageIDs, e.userID)
	cancel()
	if err != nil {
		return mapErr(err)
	}
	e.cache.Tombstone(conversationID, messageIDs...)
	e.publish(ctx, realtime.ChatChannel(conversationID), realtime.Event{
		Name:              realtime.EventMessageDelete,
		DeletedMessageIDs: messageIDs,
	})
	e.notifyPeers(ctx, conversationID, realtime.Event{
		Name: realtime.EventNotification,
		Notification: &realtime.NotificationPayload{
			ConversationID: conversationID,
			SenderID:       e.userID,
			Timestamp:      time.Now().UTC(),
		},
	})
	return nil
}

// DeleteConversation removes the conversation for everyone and fans the
// removal out on both the chat channel and each peer's user channel.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	// Participant list is needed for fan-out after the rows are gone.
	participants, err := e.store.Participants(ctx, conversationID)
	if err != nil {
		return mapErr(err)
	}

	sctx, cancel := e.withTimeout(ctx)
	err = e.store.DeleteConversation(sctx, conversationID, e.userID)
	cancel()
	if err != nil {
		return mapErr(err)
	}

	ref := &realtime.ConversationRef{ConversationID: conversationID}
	e.publish(ctx, realtime.ChatChannel(conversationID), realtime.Event{
		Name:               realtime.EventConversationDelete,
		ConversationDelete: ref,
	})
	for _, p := range participants {
		if p.UserID == e.userID {
			continue
		}
		e.publish(ctx, realtime.UserChannel(p.UserID), realtime.Event{
			Name:               realtime.EventConversationRemoved,
			ConversationDelete: ref,
		})
	}
	e.cache.Purge(conversationID)
	e.forgetKey(conversationID)
	return nil
}

// MarkRead advances the caller's read cursor.
func (e *Engine) MarkRead(ctx context.Context, conversationID, messageID string) error {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return mapErr(e.store.MarkRead(sctx, conversationID, messageID, e.userID))
}

// LoadOlder pages older history into the front of the cache, using the
// oldest cached entry as cursor. Concurrent calls for the same conversation
// collapse into one in-flight request. Returns how many entries were added.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string, limit int) (int, error) {
	n, err, _ := e.flight.Do(conversationID, func() (any, error) {
		cursor := ""
		if oldest, ok := e.cache.Oldest(conversationID); ok {
			cursor = oldest.ID
		}
		sctx, cancel := e.withTimeout(ctx)
		page, err := e.store.GetPage(sctx, conversationID, e.userID, limit, cursor)
		cancel()
		if err != nil {
			return 0, mapErr(err)
		}
		if len(page) == 0 {
			return 0, nil
		}
		key, err := e.conversationKey(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		entries := make([]cache.Entry, 0, len(page))
		for _, msg := range page {
			entry, ok := decryptMessage(msg, key)
			if !ok {
				// One undecryptable message never fails the page.
				slog.Debug("skipping undecryptable message", "message_id", msg.ID)
				continue
			}
			entries = append(entries, entry)
		}
		return e.cache.Prepend(conversationID, entries), nil
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}

func decryptMessage(msg domain.Message, key []byte) (cache.Entry, bool) {
	entry := cache.Entry{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
		EditedAt:  msg.EditedAt,
		Status:    cache.StatusSent,
	}
	if msg.Deleted() {
		entry.Deleted = true
		return entry, true
	}
	plaintext := envelope.Open(envelope.FromB64(msg.Content), key, envelope.FromB64(msg.IV))
	if plaintext == nil {
		return cache.Entry{}, false
	}
	entry.Content = string(plaintext)
	return entry, true
}

// Apply merges one delivered event into local state. Duplicate and stale
// deliveries are no-ops; undecryptable payloads are dropped.
func (e *Engine) Apply(ctx context.Context, in realtime.Incoming) {
	switch in.Event.Name {
	case realtime.EventMessage:
		p := in.Event.Message
		if p.SenderID == e.userID {
			return // own echo; the optimistic entry is already present
		}
		key, err := e.conversationKey(ctx, p.ConversationID)
		if err != nil {
			slog.Warn("cannot derive key for incoming message", "conversation_id", p.ConversationID, "err", err)
			return
		}
		plaintext := envelope.Open(envelope.FromB64(p.Ciphertext), key, envelope.FromB64(p.IV))
		if plaintext == nil {
			slog.Debug("dropping undecryptable message event", "message_id", p.ID)
			return
		}
		e.cache.Append(p.ConversationID, cache.Entry{
			ID:        p.ID,
			SenderID:  p.SenderID,
			Content:   string(plaintext),
			CreatedAt: time.Now().UTC(),
			Status:    cache.StatusSent,
		})

	case realtime.EventMessageEdit:
		p := in.Event.Edit
		key, err := e.conversationKey(ctx, p.ConversationID)
		if err != nil {
			return
		}
		plaintext := envelope.Open(envelope.FromB64(p.Ciphertext), key, envelope.FromB64(p.IV))
		if plaintext == nil {
			return
		}
		// Unknown ids are dropped; pagination will deliver the message later.
		e.cache.ReplaceByID(p.ConversationID, p.ID, string(plaintext), p.EditedAt)

	case realtime.EventMessageDelete:
		conversationID := realtime.ConversationFromChannel(in.Channel)
		if conversationID == "" {
			return
		}
		e.cache.Tombstone(conversationID, in.Event.DeletedMessageIDs...)

	case realtime.EventConversationDelete, realtime.EventConversationRemoved:
		p := in.Event.ConversationDelete
		e.cache.Purge(p.ConversationID)
		e.forgetKey(p.ConversationID)
		if e.onConversationDeleted != nil {
			e.onConversationDeleted(p.ConversationID)
		}

	case realtime.EventNotification:
		if e.onNotification != nil {
			e.onNotification(*in.Event.Notification)
		}
	}
}

// Run subscribes the session's channels (its user channel plus every
// conversation it participates in) and applies events until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	lctx, cancel := e.withTimeout(ctx)
	entries, err := e.store.ListForUser(lctx, e.userID)
	cancel()
	if err != nil {
		return mapErr(err)
	}
	channels := make([]string, 0, len(entries)+1)
	channels = append(channels, realtime.UserChannel(e.userID))
	for _, entry := range entries {
		channels = append(channels, realtime.ChatChannel(entry.Conversation.ID))
	}

	sub, err := e.bus.Subscribe(ctx, channels...)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-sub.C:
			if !ok {
				return nil
			}
			e.Apply(ctx, in)
		}
	}
}

func (e *Engine) publish(ctx context.Context, channel string, ev realtime.Event) {
	if err := e.bus.Publish(ctx, channel, ev); err != nil {
		// The write is already durable; peers will catch up via pagination.
		slog.Warn("publish failed", "channel", channel, "event", string(ev.Name), "err", err)
	}
}

func (e *Engine) notifyPeers(ctx context.Context, conversationID string, ev realtime.Event) {
	participants, err := e.store.Participants(ctx, conversationID)
	if err != nil {
		slog.Warn("notify peers: list participants", "conversation_id", conversationID, "err", err)
		return
	}
	for _, p := range participants {
		if p.UserID == e.userID {
			continue
		}
		e.publish(ctx, realtime.UserChannel(p.UserID), ev)
	}
}
