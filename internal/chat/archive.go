package chat

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/pkg/conn"
)

// Archive persists chat messages so joined conversations can page
// history after a restart.
type Archive interface {
	Save(ctx context.Context, msg Message) error
	Recent(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

type archivedMessage struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"index:idx_conversation_sent,priority:1;size:64"`
	SenderID       string `gorm:"size:64"`
	Kind           string `gorm:"size:16"`
	Body           string
	SentAt         int64 `gorm:"index:idx_conversation_sent,priority:2"`
}

func (archivedMessage) TableName() string { return "chat_messages" }

// PostgresArchive stores messages in PostgreSQL through the shared pool.
type PostgresArchive struct {
	db *gorm.DB
}

// NewPostgresArchive migrates the message table and returns the archive.
func NewPostgresArchive(client *conn.Client) (*PostgresArchive, error) {
	db := client.DB()
	if err := db.AutoMigrate(&archivedMessage{}); err != nil {
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

// Save upserts a message. Redelivered messages overwrite their earlier
// copy so the archive stays idempotent under replay.
func (a *PostgresArchive) Save(ctx context.Context, msg Message) error {
	row := archivedMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Kind:           string(msg.Kind),
		Body:           msg.Body,
		SentAt:         msg.SentAt,
	}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Recent returns the newest messages for a conversation, oldest first.
func (a *PostgresArchive) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []archivedMessage
	err := a.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = Message{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			Kind:           MessageKind(row.Kind),
			Body:           row.Body,
			SentAt:         row.SentAt,
		}
	}
	return out, nil
}
