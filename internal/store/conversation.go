package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// PairKey returns the canonical unordered key for a direct conversation
// between two identities, independent of argument order.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// GetOrCreateDirect finds or creates the direct conversation between a
// and b. Two concurrent calls for the same pair converge on one row:
// the insert targets the unique pair_key index and the loser re-reads
// instead of erroring.
func (db *DB) GetOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, &ValidationError{Reason: "participant identity required"}
	}
	if a == b {
		return nil, &ValidationError{Reason: "cannot open a conversation with yourself"}
	}

	key := PairKey(a, b)
	now := time.Now().UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := ulid.Make().String()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, pair_key, created_at)
		VALUES (?, 'direct', ?, ?)
		ON CONFLICT(pair_key) DO NOTHING`,
		id, key, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		for _, identity := range []string{a, b} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_members (conversation_id, identity, role, joined_at)
				VALUES (?, ?, 'member', ?)`,
				id, identity, now); err != nil {
				return nil, fmt.Errorf("insert member: %w", err)
			}
		}
	}

	// Winner or loser, read back the surviving row.
	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, kind, title, last_message_preview, last_message_at, created_at
		FROM conversations WHERE pair_key = ?`, key))
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

// CreateGroup creates a group conversation with the creator as admin and
// the given identities as members.
func (db *DB) CreateGroup(ctx context.Context, title, creator string, members []string) (*Conversation, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return nil, &ValidationError{Reason: "creator identity required"}
	}
	if strings.TrimSpace(title) == "" {
		return nil, &ValidationError{Reason: "group title required"}
	}

	now := time.Now().UnixMilli()
	id := ulid.Make().String()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, title, created_at)
		VALUES (?, 'group', ?, ?)`,
		id, title, now); err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, identity, role, joined_at)
		VALUES (?, ?, 'admin', ?)`,
		id, creator, now); err != nil {
		return nil, fmt.Errorf("insert admin: %w", err)
	}

	seen := map[string]bool{creator: true}
	for _, identity := range members {
		identity = strings.TrimSpace(identity)
		if identity == "" || seen[identity] {
			continue
		}
		seen[identity] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, identity, role, joined_at)
			VALUES (?, ?, 'member', ?)`,
			id, identity, now); err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Conversation{ID: id, Kind: KindGroup, Title: title, CreatedAt: now}, nil
}

// AddGroupMember adds identity to a group conversation. Only admins may
// mutate the member set. Re-adding an existing member is a no-op.
func (db *DB) AddGroupMember(ctx context.Context, convID, actor, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return &ValidationError{Reason: "member identity required"}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireGroupAdmin(ctx, tx, convID, actor); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, identity, role, joined_at)
		VALUES (?, ?, 'member', ?)
		ON CONFLICT(conversation_id, identity) DO NOTHING`,
		convID, identity, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return tx.Commit()
}

// RemoveGroupMember removes identity from a group conversation. The
// conversation row itself is never deleted.
func (db *DB) RemoveGroupMember(ctx context.Context, convID, actor, identity string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireGroupAdmin(ctx, tx, convID, actor); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_members WHERE conversation_id = ? AND identity = ?`,
		convID, identity); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return tx.Commit()
}

// ListForParticipant returns the identity's conversations ordered by
// most recent activity, each carrying that participant's unread count
// and, for direct threads, the other participant's identity.
func (db *DB) ListForParticipant(ctx context.Context, identity string) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.title, c.last_message_preview, c.last_message_at, c.created_at,
			m.unread_count,
			COALESCE((
				SELECT o.identity FROM conversation_members o
				WHERE o.conversation_id = c.id AND o.identity != m.identity AND c.kind = 'direct'
				LIMIT 1
			), '') AS peer
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.identity = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`,
		identity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var lastAt sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.Preview, &lastAt, &c.CreatedAt, &c.UnreadCount, &c.Peer); err != nil {
			return nil, err
		}
		c.LastMessageAt = lastAt.Int64
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a conversation by id, without per-viewer fields.
func (db *DB) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	conv, err := scanConversation(db.QueryRowContext(ctx, `
		SELECT id, kind, title, last_message_preview, last_message_at, created_at
		FROM conversations WHERE id = ?`, convID))
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	return conv, err
}

// Members returns all participants of a conversation.
func (db *DB) Members(ctx context.Context, convID string) ([]Member, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, identity, role, unread_count, last_read_seq, joined_at
		FROM conversation_members
		WHERE conversation_id = ?
		ORDER BY joined_at, identity`,
		convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ConversationID, &m.Identity, &m.Role, &m.UnreadCount, &m.LastReadSeq, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// IsParticipant reports whether identity is a member of the conversation.
func (db *DB) IsParticipant(ctx context.Context, convID, identity string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_members
		WHERE conversation_id = ? AND identity = ?`,
		convID, identity).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ApplyNewMessage updates the conversation preview and bumps the unread
// counter for every participant except the sender. The increments are
// single SQL statements, so concurrent sends never lose an update.
func (db *DB) ApplyNewMessage(ctx context.Context, convID, senderID, preview string, at int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyNewMessageTx(ctx, tx, convID, senderID, preview, at); err != nil {
		return err
	}
	return tx.Commit()
}

func applyNewMessageTx(ctx context.Context, tx *sql.Tx, convID, senderID, preview string, at int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_preview = ?, last_message_at = ?
		WHERE id = ?`,
		preview, at, convID)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_members SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND identity != ?`,
		convID, senderID); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// ResetUnread sets the participant's unread counter to zero. Already
// zero is a no-op, not an error.
func (db *DB) ResetUnread(ctx context.Context, convID, identity string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversation_members SET unread_count = 0
		WHERE conversation_id = ? AND identity = ? AND unread_count != 0`,
		convID, identity)
	return err
}

func requireGroupAdmin(ctx context.Context, tx *sql.Tx, convID, actor string) error {
	var kind Kind
	if err := tx.QueryRowContext(ctx, `SELECT kind FROM conversations WHERE id = ?`, convID).Scan(&kind); err != nil {
		if err == sql.ErrNoRows {
			return ErrConversationNotFound
		}
		return err
	}
	if kind != KindGroup {
		return &ValidationError{Reason: "not a group conversation"}
	}

	var role string
	err := tx.QueryRowContext(ctx, `
		SELECT role FROM conversation_members
		WHERE conversation_id = ? AND identity = ?`,
		convID, actor).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrNotAParticipant
	}
	if err != nil {
		return err
	}
	if role != RoleAdmin {
		return &ValidationError{Reason: "only group admins can modify membership"}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var lastAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.Kind, &c.Title, &c.Preview, &lastAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = lastAt.Int64
	return &c, nil
}
