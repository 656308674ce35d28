package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cipherchat/pkg/domain"
)

// MemoryStore keeps everything in-process. It honors the same contracts as
// GormStore and backs the test suite and single-node development.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]domain.User
	byName        map[string]string
	keys          map[string]domain.UserKeys
	conversations map[string]domain.Conversation
	byDirectKey   map[string]string
	participants  map[string][]domain.Participant // conversationID -> rows
	messages      map[string][]domain.Message     // conversationID -> chronological
	msgConv       map[string]string               // messageID -> conversationID
	lastStamp     time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		byName:        make(map[string]string),
		keys:          make(map[string]domain.UserKeys),
		conversations: make(map[string]domain.Conversation),
		byDirectKey:   make(map[string]string),
		participants:  make(map[string][]domain.Participant),
		messages:      make(map[string][]domain.Message),
		msgConv:       make(map[string]string),
	}
}

// now returns a strictly increasing UTC timestamp so createdAt ordering is
// total even for back-to-back writes.
func (m *MemoryStore) now() time.Time {
	t := time.Now().UTC()
	if !t.After(m.lastStamp) {
		t = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = t
	return t
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Name = strings.ToLower(strings.TrimSpace(u.Name))
	if prev, ok := m.users[u.ID]; ok {
		delete(m.byName, prev.Name)
	}
	m.users[u.ID] = u
	m.byName[u.Name] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByName(_ context.Context, name string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SaveUserKeys(_ context.Context, userID, publicKey string, wrapped domain.WrappedPrivateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.PublicKey = publicKey
	u.UpdatedAt = m.now()
	m.users[userID] = u
	m.keys[userID] = domain.UserKeys{
		UserID:    userID,
		PublicKey: publicKey,
		Wrapped:   wrapped,
		UpdatedAt: u.UpdatedAt,
	}
	return nil
}

func (m *MemoryStore) GetUserKeys(_ context.Context, userID string) (domain.UserKeys, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[userID]
	return k, ok, nil
}

func (m *MemoryStore) CreateDirect(ctx context.Context, requesterID, targetName string) (domain.Conversation, error) {
	target, ok, err := m.GetUserByName(ctx, targetName)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !ok {
		return domain.Conversation{}, fmt.Errorf("target user %q: %w", targetName, domain.ErrNotFound)
	}
	if target.ID == requesterID {
		return domain.Conversation{}, domain.ErrSelfChat
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := DirectKey(requesterID, target.ID)
	if id, ok := m.byDirectKey[key]; ok {
		return m.conversations[id], nil
	}
	now := m.now()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		Type:      domain.ConversationDirect,
		DirectKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	m.byDirectKey[key] = conv.ID
	m.participants[conv.ID] = []domain.Participant{
		{ID: uuid.NewString(), ConversationID: conv.ID, UserID: requesterID, Role: domain.RoleMember, JoinedAt: now, UpdatedAt: now},
		{ID: uuid.NewString(), ConversationID: conv.ID, UserID: target.ID, Role: domain.RoleMember, JoinedAt: now, UpdatedAt: now},
	}
	return conv, nil
}

func (m *MemoryStore) CreateGroup(_ context.Context, requesterID, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, fmt.Errorf("group title is required: %w", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		Type:      domain.ConversationGroup,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	m.participants[conv.ID] = []domain.Participant{
		{ID: uuid.NewString(), ConversationID: conv.ID, UserID: requesterID, Role: domain.RoleAdmin, JoinedAt: now, UpdatedAt: now},
	}
	return conv, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string) ([]domain.ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]domain.ConversationEntry, 0)
	for convID, rows := range m.participants {
		for _, row := range rows {
			if row.UserID != userID {
				continue
			}
			entry := domain.ConversationEntry{
				Participant:  row,
				Conversation: m.conversations[convID],
				Participants: append([]domain.Participant(nil), rows...),
			}
			msgs := m.messages[convID]
			for i := len(msgs) - 1; i >= 0; i-- {
				if !msgs[i].Deleted() {
					msg := msgs[i]
					entry.LastMessage = &msg
					break
				}
			}
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Participant.UpdatedAt.After(entries[j].Participant.UpdatedAt)
	})
	return entries, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	return conv, ok, nil
}

func (m *MemoryStore) Participants(_ context.Context, conversationID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Participant(nil), m.participants[conversationID]...), nil
}

func (m *MemoryStore) isParticipant(conversationID, userID string) bool {
	for _, p := range m.participants[conversationID] {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetPage(_ context.Context, conversationID, requesterID string, limit int, cursorID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isParticipant(conversationID, requesterID) {
		return nil, domain.ErrUnauthorized
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	msgs := m.messages[conversationID]
	if cursorID != "" {
		convID, ok := m.msgConv[cursorID]
		if !ok {
			return nil, fmt.Errorf("cursor message %q: %w", cursorID, domain.ErrNotFound)
		}
		var cursor domain.Message
		for _, msg := range m.messages[convID] {
			if msg.ID == cursorID {
				cursor = msg
				break
			}
		}
		older := make([]domain.Message, 0, len(msgs))
		for _, msg := range msgs {
			if msg.CreatedAt.Before(cursor.CreatedAt) {
				older = append(older, msg)
			}
		}
		msgs = older
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (m *MemoryStore) Send(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isParticipant(msg.ConversationID, msg.SenderID) {
		return domain.Message{}, domain.ErrUnauthorized
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	now := m.now()
	msg.CreatedAt = now
	msg.EditedAt = nil
	msg.DeletedAt = nil

	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.msgConv[msg.ID] = msg.ConversationID

	conv := m.conversations[msg.ConversationID]
	conv.LastMessageID = msg.ID
	conv.UpdatedAt = now
	m.conversations[msg.ConversationID] = conv

	rows := m.participants[msg.ConversationID]
	for i := range rows {
		rows[i].UpdatedAt = now
	}
	return msg, nil
}

func (m *MemoryStore) Edit(_ context.Context, messageID, requesterID, content, iv string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	convID, ok := m.msgConv[messageID]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %q: %w", messageID, domain.ErrNotFound)
	}
	msgs := m.messages[convID]
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		if msgs[i].Deleted() {
			return domain.Message{}, fmt.Errorf("message %q: %w", messageID, domain.ErrNotFound)
		}
		if msgs[i].SenderID != requesterID {
			return domain.Message{}, domain.ErrUnauthorized
		}
		now := m.now()
		msgs[i].Content = content
		msgs[i].IV = iv
		msgs[i].EditedAt = &now
		return msgs[i], nil
	}
	return domain.Message{}, fmt.Errorf("message %q: %w", messageID, domain.ErrNotFound)
}

func (m *MemoryStore) SoftDelete(_ context.Context, messageIDs []string, requesterID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type ref struct {
		convID string
		idx    int
	}
	targets := make([]ref, 0, len(messageIDs))
	for _, id := range messageIDs {
		convID, ok := m.msgConv[id]
		if !ok {
			return domain.ErrUnauthorized
		}
		msgs := m.messages[convID]
		found := false
		for i := range msgs {
			if msgs[i].ID == id {
				if msgs[i].SenderID != requesterID || msgs[i].Deleted() {
					return domain.ErrUnauthorized
				}
				targets = append(targets, ref{convID, i})
				found = true
				break
			}
		}
		if !found {
			return domain.ErrUnauthorized
		}
	}
	now := m.now()
	for _, t := range targets {
		msg := &m.messages[t.convID][t.idx]
		msg.DeletedAt = &now
		msg.Content = ""
		msg.IV = ""
	}
	return nil
}

func (m *MemoryStore) MarkRead(_ context.Context, conversationID, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.participants[conversationID]
	for i := range rows {
		if rows[i].UserID == userID {
			rows[i].LastReadMessageID = messageID
			return nil
		}
	}
	return domain.ErrUnauthorized
}

func (m *MemoryStore) DeleteConversation(_ context.Context, conversationID, requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	var requester *domain.Participant
	for i, p := range m.participants[conversationID] {
		if p.UserID == requesterID {
			requester = &m.participants[conversationID][i]
			break
		}
	}
	if requester == nil {
		return domain.ErrUnauthorized
	}
	if conv.Type == domain.ConversationGroup && requester.Role != domain.RoleAdmin {
		return domain.ErrUnauthorized
	}
	for _, msg := range m.messages[conversationID] {
		delete(m.msgConv, msg.ID)
	}
	delete(m.messages, conversationID)
	delete(m.participants, conversationID)
	if conv.DirectKey != "" {
		delete(m.byDirectKey, conv.DirectKey)
	}
	delete(m.conversations, conversationID)
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	convID, ok := m.msgConv[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	for _, msg := range m.messages[convID] {
		if msg.ID == id {
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}
