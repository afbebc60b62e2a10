package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Append persists a message at the tail of the conversation's log. Seq
// is assigned from the conversation row inside the same transaction, so
// two sends in the same millisecond still replay in send order.
func (db *DB) Append(ctx context.Context, convID, senderID, receiverID, body, msgType string) (*Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := appendTx(ctx, tx, convID, senderID, receiverID, body, msgType)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// RecordMessage appends a message and applies the conversation update
// (preview + unread increments) in one transaction. Either both land or
// neither does; the dispatcher only acks after this returns.
func (db *DB) RecordMessage(ctx context.Context, convID, senderID, receiverID, body, msgType, preview string) (*Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := appendTx(ctx, tx, convID, senderID, receiverID, body, msgType)
	if err != nil {
		return nil, err
	}
	if err := applyNewMessageTx(ctx, tx, convID, senderID, preview, msg.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

func appendTx(ctx context.Context, tx *sql.Tx, convID, senderID, receiverID, body, msgType string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ValidationError{Reason: "message text is empty"}
	}
	if msgType == "" {
		msgType = "text"
	}

	var kind Kind
	if err := tx.QueryRowContext(ctx, `SELECT kind FROM conversations WHERE id = ?`, convID).Scan(&kind); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	var senderIsMember bool
	resolved := ""
	rows, err := tx.QueryContext(ctx, `
		SELECT identity FROM conversation_members WHERE conversation_id = ?`, convID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if identity == senderID {
			senderIsMember = true
		} else if kind == KindDirect {
			resolved = identity
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !senderIsMember {
		return nil, ErrNotAParticipant
	}

	switch kind {
	case KindDirect:
		if receiverID != "" && receiverID != resolved {
			return nil, &ValidationError{Reason: "receiver is not the other participant"}
		}
		receiverID = resolved
	case KindGroup:
		// Group messages address the conversation, not one member.
		receiverID = ""
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET next_seq = next_seq + 1 WHERE id = ?`, convID); err != nil {
		return nil, fmt.Errorf("bump seq: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_seq FROM conversations WHERE id = ?`, convID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("read seq: %w", err)
	}

	now := time.Now().UnixMilli()
	var receiver any
	if receiverID != "" {
		receiver = receiverID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, receiver_id, body, message_type, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		convID, seq, senderID, receiver, body, msgType, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()

	return &Message{
		ID:             id,
		ConversationID: convID,
		Seq:            seq,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		MessageType:    msgType,
		CreatedAt:      now,
	}, nil
}

// History returns messages newest-first using keyset pagination.
// beforeSeq is an exclusive cursor; pass 0 for the newest page.
// Concurrent inserts during pagination cannot duplicate or skip entries
// relative to the cursor.
func (db *DB) History(ctx context.Context, convID string, limit int, beforeSeq int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{convID}
	q := `
		SELECT id, conversation_id, seq, sender_id, COALESCE(receiver_id, ''), body, message_type, is_read, created_at
		FROM messages
		WHERE conversation_id = ?`
	if beforeSeq > 0 {
		q += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.ReceiverID, &m.Body, &m.MessageType, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead transitions the reader's unread messages to read and returns
// how many changed. Direct conversations flip per-message is_read flags;
// group conversations advance the reader's last_read_seq cursor.
// Idempotent: a second call reports zero.
func (db *DB) MarkRead(ctx context.Context, convID, readerID string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kind Kind
	if err := tx.QueryRowContext(ctx, `SELECT kind FROM conversations WHERE id = ?`, convID).Scan(&kind); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrConversationNotFound
		}
		return 0, fmt.Errorf("load conversation: %w", err)
	}

	var lastReadSeq int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_read_seq FROM conversation_members
		WHERE conversation_id = ? AND identity = ?`,
		convID, readerID).Scan(&lastReadSeq)
	if err == sql.ErrNoRows {
		return 0, ErrNotAParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("load member: %w", err)
	}

	var changed int64
	switch kind {
	case KindDirect:
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0`,
			convID, readerID)
		if err != nil {
			return 0, fmt.Errorf("mark read: %w", err)
		}
		changed, _ = res.RowsAffected()
	case KindGroup:
		var maxSeq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`,
			convID).Scan(&maxSeq); err != nil {
			return 0, fmt.Errorf("max seq: %w", err)
		}
		if maxSeq > lastReadSeq {
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM messages
				WHERE conversation_id = ? AND seq > ? AND sender_id != ?`,
				convID, lastReadSeq, readerID).Scan(&changed); err != nil {
				return 0, fmt.Errorf("count unread: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversation_members SET last_read_seq = ?
				WHERE conversation_id = ? AND identity = ?`,
				maxSeq, convID, readerID); err != nil {
				return 0, fmt.Errorf("advance cursor: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return changed, nil
}
