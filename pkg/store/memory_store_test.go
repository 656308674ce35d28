package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cipherchat/pkg/domain"
)

func seedUsers(t *testing.T, s Store, names ...string) map[string]domain.User {
	t.Helper()
	ctx := context.Background()
	users := make(map[string]domain.User, len(names))
	for i, name := range names {
		u := domain.User{
			ID:        "user-" + name,
			Name:      name,
			PublicKey: "pk-" + name,
		}
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatalf("save user %d: %v", i, err)
		}
		users[name] = u
	}
	return users
}

func sendText(t *testing.T, s Store, convID, senderID, body string) domain.Message {
	t.Helper()
	msg, err := s.Send(context.Background(), domain.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        "ct-" + body,
		IV:             "iv-" + body,
	})
	if err != nil {
		t.Fatalf("send %q: %v", body, err)
	}
	return msg
}

func TestDirectKeyCanonical(t *testing.T) {
	if DirectKey("b", "a") != DirectKey("a", "b") {
		t.Fatalf("direct key must not depend on argument order")
	}
	if got := DirectKey("u1", "u2"); got != "dm:u1_u2" {
		t.Fatalf("direct key = %q", got)
	}
}

func TestCreateDirectIdempotent(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()

	first, err := s.CreateDirect(ctx, users["alice"].ID, "bob")
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if first.Type != domain.ConversationDirect {
		t.Fatalf("type = %q", first.Type)
	}
	second, err := s.CreateDirect(ctx, users["bob"].ID, "alice")
	if err != nil {
		t.Fatalf("create direct again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same conversation, got %s and %s", first.ID, second.ID)
	}
}

func TestCreateDirectConcurrent(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()

	const workers = 16
	start := make(chan struct{})
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			requester, target := users["alice"].ID, "bob"
			if i%2 == 1 {
				requester, target = users["bob"].ID, "alice"
			}
			conv, err := s.CreateDirect(ctx, requester, target)
			if err != nil {
				t.Errorf("create direct %d: %v", i, err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing creates produced distinct conversations: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestCreateDirectRejectsSelfAndUnknown(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice")
	ctx := context.Background()

	if _, err := s.CreateDirect(ctx, users["alice"].ID, "alice"); !errors.Is(err, domain.ErrSelfChat) {
		t.Fatalf("self chat: got %v", err)
	}
	if _, err := s.CreateDirect(ctx, users["alice"].ID, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown target: got %v", err)
	}
}

func TestCreateGroup(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice")
	ctx := context.Background()

	if _, err := s.CreateGroup(ctx, users["alice"].ID, "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank title: got %v", err)
	}
	conv, err := s.CreateGroup(ctx, users["alice"].ID, "team")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	rows, err := s.Participants(ctx, conv.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(rows) != 1 || rows[0].Role != domain.RoleAdmin {
		t.Fatalf("creator must be the sole admin, got %+v", rows)
	}
}

func TestSendUpdatesConversationAndParticipants(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")

	before, _ := s.Participants(ctx, conv.ID)
	msg := sendText(t, s, conv.ID, users["alice"].ID, "m1")

	got, ok, err := s.GetConversation(ctx, conv.ID)
	if err != nil || !ok {
		t.Fatalf("get conversation: ok=%v err=%v", ok, err)
	}
	if got.LastMessageID != msg.ID {
		t.Fatalf("lastMessageID = %q, want %q", got.LastMessageID, msg.ID)
	}
	after, _ := s.Participants(ctx, conv.ID)
	for i := range after {
		if !after[i].UpdatedAt.After(before[i].UpdatedAt) {
			t.Fatalf("participant %s activity not bumped", after[i].UserID)
		}
	}
}

func TestSendRejectsNonParticipant(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob", "mallory")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")

	_, err := s.Send(ctx, domain.Message{
		ConversationID: conv.ID,
		SenderID:       users["mallory"].ID,
		Content:        "ct",
		IV:             "iv",
	})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("outsider send: got %v", err)
	}
}

func TestGetPageCursorWalksFullHistory(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")

	const total = 25
	sent := make([]string, 0, total)
	for i := 0; i < total; i++ {
		sender := users["alice"].ID
		if i%2 == 1 {
			sender = users["bob"].ID
		}
		msg := sendText(t, s, conv.ID, sender, string(rune('a'+i%26)))
		sent = append(sent, msg.ID)
	}

	collected := make([]string, 0, total)
	cursor := ""
	for {
		page, err := s.GetPage(ctx, conv.ID, users["alice"].ID, 7, cursor)
		if err != nil {
			t.Fatalf("get page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for i := 1; i < len(page); i++ {
			if !page[i].CreatedAt.After(page[i-1].CreatedAt) {
				t.Fatalf("page not in chronological order")
			}
		}
		ids := make([]string, len(page))
		for i, msg := range page {
			ids[i] = msg.ID
		}
		collected = append(ids, collected...)
		cursor = page[0].ID
	}

	if len(collected) != total {
		t.Fatalf("walked %d messages, want %d", len(collected), total)
	}
	for i := range sent {
		if collected[i] != sent[i] {
			t.Fatalf("message %d out of order: got %s want %s", i, collected[i], sent[i])
		}
	}
}

func TestGetPageRequiresMembership(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob", "mallory")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")

	if _, err := s.GetPage(ctx, conv.ID, users["mallory"].ID, 10, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("outsider page: got %v", err)
	}
}

func TestEditSenderOnly(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")
	msg := sendText(t, s, conv.ID, users["alice"].ID, "m1")

	if _, err := s.Edit(ctx, msg.ID, users["bob"].ID, "ct2", "iv2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("peer edit: got %v", err)
	}
	edited, err := s.Edit(ctx, msg.ID, users["alice"].ID, "ct2", "iv2")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "ct2" || edited.IV != "iv2" || edited.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", edited)
	}
	if _, err := s.Edit(ctx, "missing", users["alice"].ID, "ct", "iv"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing edit: got %v", err)
	}
}

func TestEditTombstoneIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")
	msg := sendText(t, s, conv.ID, users["alice"].ID, "m1")

	if err := s.SoftDelete(ctx, []string{msg.ID}, users["alice"].ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.Edit(ctx, msg.ID, users["alice"].ID, "ct", "iv"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("editing a tombstone: got %v", err)
	}
}

func TestSoftDeleteAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")
	mine := sendText(t, s, conv.ID, users["alice"].ID, "m1")
	theirs := sendText(t, s, conv.ID, users["bob"].ID, "m2")

	err := s.SoftDelete(ctx, []string{mine.ID, theirs.ID}, users["alice"].ID)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("mixed batch: got %v", err)
	}
	got, ok, _ := s.GetMessage(ctx, mine.ID)
	if !ok || got.Deleted() {
		t.Fatalf("mixed batch must not delete anything")
	}

	if err := s.SoftDelete(ctx, []string{mine.ID}, users["alice"].ID); err != nil {
		t.Fatalf("soft delete own: %v", err)
	}
	got, ok, _ = s.GetMessage(ctx, mine.ID)
	if !ok || !got.Deleted() {
		t.Fatalf("message not tombstoned")
	}
	if got.Content != "" || got.IV != "" {
		t.Fatalf("tombstone must clear ciphertext and iv: %+v", got)
	}
}

func TestMarkReadOwnRowOnly(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob", "mallory")
	ctx := context.Background()
	conv, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")
	msg := sendText(t, s, conv.ID, users["alice"].ID, "m1")

	if err := s.MarkRead(ctx, conv.ID, msg.ID, users["bob"].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	rows, _ := s.Participants(ctx, conv.ID)
	for _, p := range rows {
		want := ""
		if p.UserID == users["bob"].ID {
			want = msg.ID
		}
		if p.LastReadMessageID != want {
			t.Fatalf("participant %s cursor = %q, want %q", p.UserID, p.LastReadMessageID, want)
		}
	}
	if err := s.MarkRead(ctx, conv.ID, msg.ID, users["mallory"].ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("outsider mark read: got %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob", "carol")
	ctx := context.Background()

	direct, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")
	msg := sendText(t, s, direct.ID, users["alice"].ID, "m1")
	if err := s.DeleteConversation(ctx, direct.ID, users["bob"].ID); err != nil {
		t.Fatalf("direct delete by participant: %v", err)
	}
	if _, ok, _ := s.GetConversation(ctx, direct.ID); ok {
		t.Fatalf("conversation survived deletion")
	}
	if _, ok, _ := s.GetMessage(ctx, msg.ID); ok {
		t.Fatalf("messages survived deletion")
	}
	// The direct slot is free again.
	again, err := s.CreateDirect(ctx, users["alice"].ID, "bob")
	if err != nil {
		t.Fatalf("recreate direct: %v", err)
	}
	if again.ID == direct.ID {
		t.Fatalf("expected a fresh conversation after delete")
	}

	group, _ := s.CreateGroup(ctx, users["alice"].ID, "team")
	if err := s.DeleteConversation(ctx, group.ID, users["carol"].ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("outsider group delete: got %v", err)
	}
	if err := s.DeleteConversation(ctx, group.ID, users["alice"].ID); err != nil {
		t.Fatalf("admin group delete: %v", err)
	}
	if err := s.DeleteConversation(ctx, group.ID, users["alice"].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("double delete: got %v", err)
	}
}

func TestListForUserOrdersByActivityAndSkipsTombstonePreview(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice", "bob", "carol")
	ctx := context.Background()

	withBob, _ := s.CreateDirect(ctx, users["alice"].ID, "bob")
	withCarol, _ := s.CreateDirect(ctx, users["alice"].ID, "carol")

	sendText(t, s, withBob.ID, users["bob"].ID, "m1")
	kept := sendText(t, s, withCarol.ID, users["carol"].ID, "m2")
	dropped := sendText(t, s, withCarol.ID, users["carol"].ID, "m3")
	if err := s.SoftDelete(ctx, []string{dropped.ID}, users["carol"].ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	entries, err := s.ListForUser(ctx, users["alice"].ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Conversation.ID != withCarol.ID {
		t.Fatalf("most recently active conversation must sort first")
	}
	if entries[0].LastMessage == nil || entries[0].LastMessage.ID != kept.ID {
		t.Fatalf("preview must skip tombstones, got %+v", entries[0].LastMessage)
	}
	if len(entries[0].Other()) != 1 || entries[0].Other()[0].UserID != users["carol"].ID {
		t.Fatalf("Other() must exclude the viewer")
	}
}

func TestSaveUserKeysRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	users := seedUsers(t, s, "alice")
	ctx := context.Background()

	wrapped := domain.WrappedPrivateKey{Ciphertext: "c", Nonce: "n", KDFSalt: "s"}
	if err := s.SaveUserKeys(ctx, users["alice"].ID, "pk-new", wrapped); err != nil {
		t.Fatalf("save keys: %v", err)
	}
	keys, ok, err := s.GetUserKeys(ctx, users["alice"].ID)
	if err != nil || !ok {
		t.Fatalf("get keys: ok=%v err=%v", ok, err)
	}
	if keys.PublicKey != "pk-new" || keys.Wrapped != wrapped {
		t.Fatalf("keys round trip: %+v", keys)
	}
	u, _, _ := s.GetUserByID(ctx, users["alice"].ID)
	if u.PublicKey != "pk-new" {
		t.Fatalf("public key not refreshed on user row")
	}
	if err := s.SaveUserKeys(ctx, "ghost", "pk", wrapped); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("keys for unknown user: got %v", err)
	}
}
