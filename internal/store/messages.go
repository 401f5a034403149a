package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/chat"
)

// Append persists a message from senderID. The id comes from the database
// sequence and the timestamp from the store clock.
func (s *Store) Append(ctx context.Context, senderID string, text *string, attachment *chat.Attachment) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg := chat.Message{
		Text:       text,
		Attachment: attachment,
		CreatedAt:  s.now().UTC(),
	}
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT id, username FROM users WHERE id = ?`), senderID,
	).Scan(&msg.Sender.ID, &msg.Sender.DisplayName)
	if isNoRows(err) {
		return chat.Message{}, fmt.Errorf("%w: unknown sender %s", chat.ErrBadCredentials, senderID)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("querying sender: %w", err)
	}

	var (
		fileURL, fileType sql.NullString
		fileSize          sql.NullInt64
	)
	if attachment != nil {
		fileURL = sql.NullString{String: attachment.URL, Valid: true}
		fileType = sql.NullString{String: attachment.ContentType, Valid: true}
		fileSize = sql.NullInt64{Int64: attachment.Size, Valid: true}
	}

	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO messages (sender_id, content, file_url, file_type, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		senderID, nullString(text), fileURL, fileType, fileSize, msg.CreatedAt.UnixNano(),
	).Scan(&msg.ID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// Recent returns the newest limit messages after skipping offset, oldest first.
func (s *Store) Recent(ctx context.Context, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT m.id, m.content, m.file_url, m.file_type, m.file_size, m.created_at,
		       u.id, u.username
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		ORDER BY m.id DESC
		LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			msg              chat.Message
			content, fileURL sql.NullString
			fileType         sql.NullString
			fileSize         sql.NullInt64
			createdAt        int64
		)
		if err := rows.Scan(&msg.ID, &content, &fileURL, &fileType, &fileSize, &createdAt,
			&msg.Sender.ID, &msg.Sender.DisplayName); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if content.Valid {
			msg.Text = lo.ToPtr(content.String)
		}
		if fileURL.Valid {
			msg.Attachment = &chat.Attachment{
				URL:         fileURL.String,
				ContentType: fileType.String,
				Size:        fileSize.Int64,
			}
		}
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}
