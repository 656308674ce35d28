package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"cipherchat/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID                  string `gorm:"primaryKey"`
	Name                string `gorm:"uniqueIndex;not null"`
	DisplayName         string
	PublicKey           string
	EncryptedPrivateKey string
	KeyNonce            string
	KDFSalt             string
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time
}

type ConversationModel struct {
	ID            string `gorm:"primaryKey"`
	Type          string `gorm:"not null;index"`
	Title         string
	DirectKey     *string
	LastMessageID *string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type ParticipantModel struct {
	ID                string `gorm:"primaryKey"`
	ConversationID    string `gorm:"not null;index"`
	UserID            string `gorm:"not null;index"`
	Role              string `gorm:"not null;default:member"`
	LastReadMessageID *string
	JoinedAt          time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID               string `gorm:"primaryKey"`
	ConversationID   string `gorm:"not null;index"`
	SenderID         string `gorm:"not null;index"`
	Type             string `gorm:"not null"`
	Content          *string
	IV               *string
	ReplyToMessageID *string
	Attachments      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null;index"`
	UpdatedAt        time.Time      `gorm:"not null"`
	EditedAt         *time.Time
	DeletedAt        *time.Time
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		Type:          domain.ConversationType(m.Type),
		Title:         m.Title,
		DirectKey:     strVal(m.DirectKey),
		LastMessageID: strVal(m.LastMessageID),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func participantFromModel(m ParticipantModel) domain.Participant {
	return domain.Participant{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		UserID:            m.UserID,
		Role:              domain.Role(m.Role),
		LastReadMessageID: strVal(m.LastReadMessageID),
		JoinedAt:          m.JoinedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var attachments datatypes.JSON
	if len(msg.Attachments) > 0 {
		raw, _ := json.Marshal(msg.Attachments)
		attachments = raw
	}
	return MessageModel{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		SenderID:         msg.SenderID,
		Type:             string(msg.Type),
		Content:          strPtr(msg.Content),
		IV:               strPtr(msg.IV),
		ReplyToMessageID: strPtr(msg.ReplyToMessageID),
		Attachments:      attachments,
		CreatedAt:        msg.CreatedAt,
		UpdatedAt:        msg.CreatedAt,
		EditedAt:         msg.EditedAt,
		DeletedAt:        msg.DeletedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var attachments []domain.Attachment
	if len(m.Attachments) > 0 {
		_ = json.Unmarshal(m.Attachments, &attachments)
	}
	return domain.Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Type:             domain.MessageType(m.Type),
		Content:          strVal(m.Content),
		IV:               strVal(m.IV),
		ReplyToMessageID: strVal(m.ReplyToMessageID),
		Attachments:      attachments,
		CreatedAt:        m.CreatedAt,
		EditedAt:         m.EditedAt,
		DeletedAt:        m.DeletedAt,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:          u.ID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		PublicKey:   u.PublicKey,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:          m.ID,
		Name:        m.Name,
		DisplayName: m.DisplayName,
		PublicKey:   m.PublicKey,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
