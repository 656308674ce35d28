// Package app is the messenger core: it orchestrates the durable store, the
// realtime bus, and attachment storage on behalf of authenticated users. All
// message bodies crossing this layer are ciphertext.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cipherchat/pkg/domain"
	"cipherchat/pkg/realtime"
	"cipherchat/pkg/storage"
	"cipherchat/pkg/store"
	"cipherchat/pkg/sync"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store

	RedisAddr     string
	RedisPassword string
	Bus           realtime.Bus

	Attachments storage.AttachmentStore
}

// App wires storage, broadcast, and attachments together.
type App struct {
	store       store.Store
	bus         realtime.Bus
	attachments storage.AttachmentStore
}

// New constructs the application. A prewired Store or Bus (used by tests)
// takes precedence over connection settings.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	bus := cfg.Bus
	if bus == nil {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis addr required")
		}
		var err error
		bus, err = realtime.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
	}
	return &App{
		store:       dataStore,
		bus:         bus,
		attachments: cfg.Attachments,
	}, nil
}

// Store exposes the underlying store for server-side subscriptions.
func (a *App) Store() store.Store { return a.store }

// Bus exposes the event bus for server-side subscriptions.
func (a *App) Bus() realtime.Bus { return a.bus }

// SetupKeys registers or refreshes a user's profile and identity key
// material. The wrapped private key is opaque to the server.
func (a *App) SetupKeys(ctx context.Context, userID, name, displayName, publicKey string, wrapped domain.WrappedPrivateKey) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name required: %w", domain.ErrValidation)
	}
	if publicKey == "" || wrapped.Ciphertext == "" || wrapped.Nonce == "" || wrapped.KDFSalt == "" {
		return fmt.Errorf("key material incomplete: %w", domain.ErrValidation)
	}
	if err := a.store.SaveUser(ctx, domain.User{
		ID:          userID,
		Name:        name,
		DisplayName: strings.TrimSpace(displayName),
		PublicKey:   publicKey,
	}); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if err := a.store.SaveUserKeys(ctx, userID, publicKey, wrapped); err != nil {
		return fmt.Errorf("save user keys: %w", err)
	}
	return nil
}

// Keys returns the caller's own key bundle for vault unlock.
func (a *App) Keys(ctx context.Context, userID string) (domain.UserKeys, error) {
	keys, ok, err := a.store.GetUserKeys(ctx, userID)
	if err != nil {
		return domain.UserKeys{}, fmt.Errorf("load user keys: %w", err)
	}
	if !ok {
		return domain.UserKeys{}, fmt.Errorf("user keys: %w", domain.ErrNotFound)
	}
	return keys, nil
}

// PeerProfile returns the public part of another user's identity.
func (a *App) PeerProfile(ctx context.Context, name string) (domain.User, error) {
	user, ok, err := a.store.GetUserByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("user %q: %w", name, domain.ErrNotFound)
	}
	// Never expose wrapped key material through profile lookup.
	return domain.User{
		ID:          user.ID,
		Name:        user.Name,
		DisplayName: user.DisplayName,
		PublicKey:   user.PublicKey,
		CreatedAt:   user.CreatedAt,
	}, nil
}

// CreateDirect opens (or returns) the one direct conversation with the named
// peer.
func (a *App) CreateDirect(ctx context.Context, userID, targetName string) (domain.Conversation, error) {
	return a.store.CreateDirect(ctx, userID, strings.TrimSpace(targetName))
}

// CreateGroup opens a titled group with the caller as admin.
func (a *App) CreateGroup(ctx context.Context, userID, title string) (domain.Conversation, error) {
	return a.store.CreateGroup(ctx, userID, strings.TrimSpace(title))
}

// ConversationView is a sidebar row with the unread flag resolved
// server-side.
type ConversationView struct {
	domain.ConversationEntry
	Unread bool `json:"unread"`
}

// ListConversations returns the caller's sidebar, most recently active first.
func (a *App) ListConversations(ctx context.Context, userID, activeConversationID string) ([]ConversationView, error) {
	entries, err := a.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	views := make([]ConversationView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, ConversationView{
			ConversationEntry: entry,
			Unread:            sync.Unread(entry, userID, activeConversationID),
		})
	}
	return views, nil
}

// DeleteConversation removes a conversation for everyone, fans the removal
// out, and clears its attachment blobs.
func (a *App) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	participants, err := a.store.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	ref := &realtime.ConversationRef{ConversationID: conversationID}
	a.publish(ctx, realtime.ChatChannel(conversationID), realtime.Event{
		Name:               realtime.EventConversationDelete,
		ConversationDelete: ref,
	})
	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		a.publish(ctx, realtime.UserChannel(p.UserID), realtime.Event{
			Name:               realtime.EventConversationRemoved,
			ConversationDelete: ref,
		})
	}
	if a.attachments != nil {
		if err := a.attachments.RemoveConversation(ctx, conversationID); err != nil {
			// Rows are gone; leaked blobs are unreferenced and harmless.
			return nil
		}
	}
	return nil
}

// Messages returns one page of history, oldest first, strictly older than
// the cursor message when one is given.
func (a *App) Messages(ctx context.Context, userID, conversationID string, limit int, cursorID string) ([]domain.Message, error) {
	return a.store.GetPage(ctx, conversationID, userID, limit, cursorID)
}

// Send persists a sealed message and broadcasts it.
func (a *App) Send(ctx context.Context, userID string, msg domain.Message) (domain.Message, error) {
	if msg.ConversationID == "" || msg.Content == "" || msg.IV == "" {
		return domain.Message{}, fmt.Errorf("conversation id, ciphertext, and iv required: %w", domain.ErrValidation)
	}
	msg.SenderID = userID
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	stored, err := a.store.Send(ctx, msg)
	if err != nil {
		return domain.Message{}, err
	}
	a.publish(ctx, realtime.ChatChannel(stored.ConversationID), realtime.Event{
		Name: realtime.EventMessage,
		Message: &realtime.MessagePayload{
			ID:             stored.ID,
			ConversationID: stored.ConversationID,
			SenderID:       userID,
			Ciphertext:     stored.Content,
			IV:             stored.IV,
		},
	})
	a.notifyPeers(ctx, stored.ConversationID, userID, realtime.Event{
		Name: realtime.EventNotification,
		Notification: &realtime.NotificationPayload{
			ConversationID: stored.ConversationID,
			MessageID:      stored.ID,
			SenderID:       userID,
			Timestamp:      stored.CreatedAt,
		},
	})
	return stored, nil
}

// Edit replaces a message body (sender only) and broadcasts the replacement.
func (a *App) Edit(ctx context.Context, userID, messageID, ciphertext, iv string) (domain.Message, error) {
	if ciphertext == "" || iv == "" {
		return domain.Message{}, fmt.Errorf("ciphertext and iv required: %w", domain.ErrValidation)
	}
	stored, err := a.store.Edit(ctx, messageID, userID, ciphertext, iv)
	if err != nil {
		return domain.Message{}, err
	}
	editedAt := time.Now().UTC()
	if stored.EditedAt != nil {
		editedAt = *stored.EditedAt
	}
	a.publish(ctx, realtime.ChatChannel(stored.ConversationID), realtime.Event{
		Name: realtime.EventMessageEdit,
		Edit: &realtime.EditPayload{
			ID:             stored.ID,
			ConversationID: stored.ConversationID,
			SenderID:       userID,
			Ciphertext:     ciphertext,
			IV:             iv,
			EditedAt:       editedAt,
		},
	})
	return stored, nil
}

// Delete tombstones the caller's own messages and broadcasts the id list.
func (a *App) Delete(ctx context.Context, userID, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return fmt.Errorf("message ids required: %w", domain.ErrValidation)
	}
	if err := a.store.SoftDelete(ctx, messageIDs, userID); err != nil {
		return err
	}
	a.publish(ctx, realtime.ChatChannel(conversationID), realtime.Event{
		Name:              realtime.EventMessageDelete,
		DeletedMessageIDs: messageIDs,
	})
	a.notifyPeers(ctx, conversationID, userID, realtime.Event{
		Name: realtime.EventNotification,
		Notification: &realtime.NotificationPayload{
			ConversationID: conversationID,
			SenderID:       userID,
			Timestamp:      time.Now().UTC(),
		},
	})
	return nil
}

// MarkRead advances the caller's read cursor.
func (a *App) MarkRead(ctx context.Context, userID, conversationID, messageID string) error {
	return a.store.MarkRead(ctx, conversationID, messageID, userID)
}

// UploadAttachment stores a sealed blob for a conversation the caller
// belongs to.
func (a *App) UploadAttachment(ctx context.Context, userID, conversationID, contentType string, r io.Reader, size int64) (domain.Attachment, error) {
	if a.attachments == nil {
		return domain.Attachment{}, fmt.Errorf("attachments not configured: %w", domain.ErrValidation)
	}
	if err := a.requireParticipant(ctx, userID, conversationID); err != nil {
		return domain.Attachment{}, err
	}
	return a.attachments.Upload(ctx, conversationID, contentType, r, size)
}

// AttachmentURL returns a short-lived download URL for a blob in a
// conversation the caller belongs to.
func (a *App) AttachmentURL(ctx context.Context, userID, storageKey string) (string, error) {
	if a.attachments == nil {
		return "", fmt.Errorf("attachments not configured: %w", domain.ErrValidation)
	}
	conversationID, _, ok := strings.Cut(storageKey, "/")
	if !ok || conversationID == "" {
		return "", fmt.Errorf("malformed storage key: %w", domain.ErrValidation)
	}
	if err := a.requireParticipant(ctx, userID, conversationID); err != nil {
		return "", err
	}
	return a.attachments.PresignGet(ctx, storageKey, 15*time.Minute)
}

func (a *App) requireParticipant(ctx context.Context, userID, conversationID string) error {
	participants, err := a.store.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return nil
		}
	}
	return fmt.Errorf("not a participant: %w", domain.ErrUnauthorized)
}

func (a *App) publish(ctx context.Context, channel string, ev realtime.Event) {
	// Persistence already succeeded; a lost broadcast is recovered by
	// pagination on the receiving side.
	_ = a.bus.Publish(ctx, channel, ev)
}

func (a *App) notifyPeers(ctx context.Context, conversationID, userID string, ev realtime.Event) {
	participants, err := a.store.Participants(ctx, conversationID)
	if err != nil {
		return
	}
	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		a.publish(ctx, realtime.UserChannel(p.UserID), ev)
	}
}
