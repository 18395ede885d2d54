package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/streamchat/model"
)

// ChatLog is the durable chat message log. It implements chat.Recorder.
// Moderation is applied as an UPDATE so exported transcripts reflect
// deletions without losing the rows.
type ChatLog struct {
	db *sql.DB
}

func NewChatLog(db *sql.DB) *ChatLog {
	return &ChatLog{db: db}
}

// Record inserts a message. Redeliveries of the same (platform, channel,
// message id) are ignored; the first write wins.
func (l *ChatLog) Record(ctx context.Context, msg *model.Message) error {
	var sentAt any
	if !msg.Timestamp.IsZero() {
		sentAt = msg.Timestamp.UTC()
	}
	var notice any
	if msg.Notice != "" {
		notice = string(msg.Notice)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO chat_messages (platform, channel_id, message_id, author_id, author_name, author_display, body, kind, notice, sent_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (platform, channel_id, message_id) DO NOTHING
	`, string(msg.Channel.Platform), msg.Channel.ChannelID, msg.ID,
		msg.Author.ID, msg.Author.Name, msg.Author.DisplayName,
		msg.Text, int(msg.Kind), notice, sentAt, msg.Deleted)
	if err != nil {
		return fmt.Errorf("record message %s in %s: %w", msg.ID, msg.Channel, err)
	}
	return nil
}

// MarkDeleted flags one message as deleted.
func (l *ChatLog) MarkDeleted(ctx context.Context, key model.ChannelKey, messageID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE chat_messages SET deleted = TRUE
		WHERE platform = $1 AND channel_id = $2 AND message_id = $3
	`, string(key.Platform), key.ChannelID, messageID)
	if err != nil {
		return fmt.Errorf("mark message %s deleted in %s: %w", messageID, key, err)
	}
	return nil
}

// MarkUserDeleted flags every message by a user as deleted (timeout or ban).
func (l *ChatLog) MarkUserDeleted(ctx context.Context, key model.ChannelKey, userID string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE chat_messages SET deleted = TRUE
		WHERE platform = $1 AND channel_id = $2 AND author_id = $3
	`, string(key.Platform), key.ChannelID, userID)
	if err != nil {
		return fmt.Errorf("mark user %s deleted in %s: %w", userID, key, err)
	}
	return nil
}

// MarkAllDeleted flags every message in a channel as deleted (chat clear).
func (l *ChatLog) MarkAllDeleted(ctx context.Context, key model.ChannelKey) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE chat_messages SET deleted = TRUE
		WHERE platform = $1 AND channel_id = $2
	`, string(key.Platform), key.ChannelID)
	if err != nil {
		return fmt.Errorf("mark channel %s cleared: %w", key, err)
	}
	return nil
}
