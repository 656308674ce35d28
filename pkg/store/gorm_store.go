package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"cipherchat/pkg/domain"
)

const migrateLockID int64 = 52415241

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &ParticipantModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_key_idx
			ON conversation_models (direct_key)
			WHERE type = 'direct'
		`).Error; err != nil {
			return fmt.Errorf("create direct key index: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'participant_models'
					AND constraint_name = 'participant_models_conversation_id_fkey'
				) THEN
					ALTER TABLE participant_models
					ADD CONSTRAINT participant_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure conversation foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	model.Name = strings.ToLower(strings.TrimSpace(model.Name))
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "display_name", "public_key", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByName looks up a user by (case-insensitive) username.
func (s *GormStore) GetUserByName(ctx context.Context, name string) (domain.User, bool, error) {
	var model UserModel
	name = strings.ToLower(strings.TrimSpace(name))
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveUserKeys stores the public key and the wrapped private key blob.
// Written at signup and rewritten on password change.
func (s *GormStore) SaveUserKeys(ctx context.Context, userID, publicKey string, wrapped domain.WrappedPrivateKey) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"public_key":            publicKey,
			"encrypted_private_key": wrapped.Ciphertext,
			"key_nonce":             wrapped.Nonce,
			"kdf_salt":              wrapped.KDFSalt,
			"updated_at":            time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetUserKeys reads the key material back; the wrapped blob stays opaque here.
func (s *GormStore) GetUserKeys(ctx context.Context, userID string) (domain.UserKeys, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserKeys{}, false, nil
		}
		return domain.UserKeys{}, false, err
	}
	return domain.UserKeys{
		UserID:    model.ID,
		PublicKey: model.PublicKey,
		Wrapped: domain.WrappedPrivateKey{
			Ciphertext: model.EncryptedPrivateKey,
			Nonce:      model.KeyNonce,
			KDFSalt:    model.KDFSalt,
		},
		UpdatedAt: model.UpdatedAt,
	}, true, nil
}

// CreateDirect resolves the target user and creates (or returns) the single
// direct conversation for the pair. The existence check and insert run in one
// transaction; a racer losing on the unique index re-reads the winner's row.
func (s *GormStore) CreateDirect(ctx context.Context, requesterID, targetName string) (domain.Conversation, error) {
	target, ok, err := s.GetUserByName(ctx, targetName)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !ok {
		return domain.Conversation{}, fmt.Errorf("target user %q: %w", targetName, domain.ErrNotFound)
	}
	if target.ID == requesterID {
		return domain.Conversation{}, domain.ErrSelfChat
	}

	key := DirectKey(requesterID, target.ID)
	var out domain.Conversation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ConversationModel
		err := tx.Where("direct_key = ? AND type = ?", key, string(domain.ConversationDirect)).First(&existing).Error
		if err == nil {
			out = conversationFromModel(existing)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		conv := ConversationModel{
			ID:        uuid.NewString(),
			Type:      string(domain.ConversationDirect),
			DirectKey: &key,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		parts := []ParticipantModel{
			{ID: uuid.NewString(), ConversationID: conv.ID, UserID: requesterID, Role: string(domain.RoleMember), JoinedAt: now, UpdatedAt: now},
			{ID: uuid.NewString(), ConversationID: conv.ID, UserID: target.ID, Role: string(domain.RoleMember), JoinedAt: now, UpdatedAt: now},
		}
		if err := tx.Create(&parts).Error; err != nil {
			return err
		}
		out = conversationFromModel(conv)
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the creation race; the winner's row is committed now.
		var existing ConversationModel
		if err := s.db.WithContext(ctx).
			Where("direct_key = ? AND type = ?", key, string(domain.ConversationDirect)).
			First(&existing).Error; err != nil {
			return domain.Conversation{}, err
		}
		return conversationFromModel(existing), nil
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// CreateGroup creates a group conversation with the requester as admin.
func (s *GormStore) CreateGroup(ctx context.Context, requesterID, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, fmt.Errorf("group title is required: %w", domain.ErrValidation)
	}
	now := time.Now().UTC()
	conv := ConversationModel{
		ID:        uuid.NewString(),
		Type:      string(domain.ConversationGroup),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		admin := ParticipantModel{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			UserID:         requesterID,
			Role:           string(domain.RoleAdmin),
			JoinedAt:       now,
			UpdatedAt:      now,
		}
		return tx.Create(&admin).Error
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conversationFromModel(conv), nil
}

// ListForUser returns the viewer's sidebar: every conversation they
// participate in, most recently active first, with all participants and the
// latest non-deleted message as preview.
func (s *GormStore) ListForUser(ctx context.Context, userID string) ([]domain.ConversationEntry, error) {
	var rows []ParticipantModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.ConversationEntry, 0, len(rows))
	for _, row := range rows {
		var conv ConversationModel
		if err := s.db.WithContext(ctx).First(&conv, "id = ?", row.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		participants, err := s.Participants(ctx, row.ConversationID)
		if err != nil {
			return nil, err
		}
		entry := domain.ConversationEntry{
			Participant:  participantFromModel(row),
			Conversation: conversationFromModel(conv),
			Participants: participants,
		}
		var last MessageModel
		err = s.db.WithContext(ctx).
			Where("conversation_id = ? AND deleted_at IS NULL", row.ConversationID).
			Order("created_at DESC").Order("id DESC").
			First(&last).Error
		if err == nil {
			msg := messageFromModel(last)
			entry.LastMessage = &msg
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// Participants returns all membership rows of a conversation.
func (s *GormStore) Participants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	var models []ParticipantModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(models))
	for _, m := range models {
		out = append(out, participantFromModel(m))
	}
	return out, nil
}

func (s *GormStore) participant(ctx context.Context, conversationID, userID string) (ParticipantModel, bool, error) {
	var model ParticipantModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ParticipantModel{}, false, nil
	}
	if err != nil {
		return ParticipantModel{}, false, err
	}
	return model, true, nil
}

// GetPage returns up to limit messages strictly older than the cursor message
// (or the newest page when no cursor is given), in chronological order.
func (s *GormStore) GetPage(ctx context.Context, conversationID, requesterID string, limit int, cursorID string) ([]domain.Message, error) {
	if _, ok, err := s.participant(ctx, conversationID, requesterID); err != nil {
		return nil, err
	} else if !ok {
		return nil, domain.ErrUnauthorized
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if cursorID != "" {
		var cursor MessageModel
		if err := s.db.WithContext(ctx).First(&cursor, "id = ?", cursorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("cursor message %q: %w", cursorID, domain.ErrNotFound)
			}
			return nil, err
		}
		query = query.Where("created_at < ?", cursor.CreatedAt)
	}

	var models []MessageModel
	if err := query.
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// Send inserts the message, points the conversation at it, and bumps every
// participant's activity timestamp in one transaction. CreatedAt is assigned
// here: server time is the authoritative ordering key.
func (s *GormStore) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if _, ok, err := s.participant(ctx, msg.ConversationID, msg.SenderID); err != nil {
		return domain.Message{}, err
	} else if !ok {
		return domain.Message{}, domain.ErrUnauthorized
	}

	model := messageToModel(msg)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	if model.Type == "" {
		model.Type = string(domain.MessageText)
	}
	now := time.Now().UTC()
	model.CreatedAt = now
	model.UpdatedAt = now
	model.EditedAt = nil
	model.DeletedAt = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&ConversationModel{}).
			Where("id = ?", model.ConversationID).
			Updates(map[string]any{"last_message_id": model.ID, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&ParticipantModel{}).
			Where("conversation_id = ?", model.ConversationID).
			Update("updated_at", now).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(model), nil
}

// Edit replaces content and iv on the sender's own message and stamps
// editedAt. Tombstoned messages cannot be edited.
func (s *GormStore) Edit(ctx context.Context, messageID, requesterID, content, iv string) (domain.Message, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, fmt.Errorf("message %q: %w", messageID, domain.ErrNotFound)
		}
		return domain.Message{}, err
	}
	if model.DeletedAt != nil {
		return domain.Message{}, fmt.Errorf("message %q: %w", messageID, domain.ErrNotFound)
	}
	if model.SenderID != requesterID {
		return domain.Message{}, domain.ErrUnauthorized
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ?", messageID).
		Updates(map[string]any{"content": content, "iv": iv, "edited_at": now, "updated_at": now}).Error; err != nil {
		return domain.Message{}, err
	}
	model.Content = &content
	model.IV = &iv
	model.EditedAt = &now
	return messageFromModel(model), nil
}

// SoftDelete tombstones the given messages: deletedAt set, content and iv
// cleared. All targets must belong to the requester and still be live; any
// mismatch aborts the whole batch.
func (s *GormStore) SoftDelete(ctx context.Context, messageIDs []string, requesterID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&MessageModel{}).
			Where("id IN ? AND sender_id = ? AND deleted_at IS NULL", messageIDs, requesterID).
			Count(&count).Error; err != nil {
			return err
		}
		if count != int64(len(messageIDs)) {
			return domain.ErrUnauthorized
		}
		now := time.Now().UTC()
		return tx.Model(&MessageModel{}).
			Where("id IN ?", messageIDs).
			Updates(map[string]any{"deleted_at": now, "content": nil, "iv": nil, "updated_at": now}).Error
	})
}

// MarkRead moves the caller's own read cursor. Idempotent.
func (s *GormStore) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	res := s.db.WithContext(ctx).Model(&ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_message_id", messageID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUnauthorized
	}
	return nil
}

// DeleteConversation hard-deletes a conversation with its participants and
// messages. Direct chats may be deleted by either participant; group chats
// only by an admin.
func (s *GormStore) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	var conv ConversationModel
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("conversation %q: %w", conversationID, domain.ErrNotFound)
		}
		return err
	}
	part, ok, err := s.participant(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrUnauthorized
	}
	if conv.Type == string(domain.ConversationGroup) && part.Role != string(domain.RoleAdmin) {
		return domain.ErrUnauthorized
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", conversationID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ParticipantModel{}, "conversation_id = ?", conversationID).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", conversationID).Error
	})
}

// GetMessage returns a message by ID, tombstones included.
func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}
