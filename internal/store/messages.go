package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/domain"
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, type, content, attachment_ref, reply_to_message_id, created_at`

// InsertMessage durably stores msg, assigning its ID and CreatedAt.
func (db *DB) InsertMessage(ctx context.Context, msg *domain.Message) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating message id: %w", err)
	}
	msg.ID = id.String()
	msg.CreatedAt = db.timestamp()
	if msg.Reactions == nil {
		msg.Reactions = []domain.Reaction{}
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, string(msg.Type),
		nullString(msg.Content), nullString(msg.AttachmentRef), nullString(msg.ReplyToMessageID),
		msg.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage returns a message with its reactions.
func (db *DB) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, domain.NotFoundf("message %s not found", id)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("loading message %s: %w", id, err)
	}

	msg.Reactions, err = db.Reactions(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a conversation that follow the
// message with id after, ordered by (created_at, id). An empty after starts
// from the beginning; limit <= 0 returns everything. more reports whether
// further rows exist past the returned page.
func (db *DB) ListMessages(ctx context.Context, conversationID, after string, limit int) (msgs []domain.Message, more bool, err error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}

	if after != "" {
		var cursorAt int64
		err := db.sql.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?`, after, conversationID,
		).Scan(&cursorAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, domain.Validationf("unknown cursor %q", after)
		}
		if err != nil {
			return nil, false, fmt.Errorf("resolving cursor: %w", err)
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, cursorAt, cursorAt, after)
	}

	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("listing messages: %w", err)
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
		more = true
	}

	if err := db.attachReactions(ctx, msgs); err != nil {
		return nil, false, err
	}
	return msgs, more, nil
}

// UpsertReaction sets the user's reaction on a message, replacing any prior one.
func (db *DB) UpsertReaction(ctx context.Context, r domain.Reaction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = db.timestamp()
	}
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO reactions (message_id, user_id, kind, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET kind = excluded.kind, created_at = excluded.created_at`,
		r.MessageID, r.UserID, string(r.Kind), r.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("upserting reaction: %w", err)
	}
	return nil
}

// DeleteReaction clears the user's reaction. It reports whether a row existed.
func (db *DB) DeleteReaction(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ?`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("deleting reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting reaction: %w", err)
	}
	return n > 0, nil
}

// Reactions returns the reactions on a message, oldest first.
func (db *DB) Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT message_id, user_id, kind, created_at FROM reactions
		 WHERE message_id = ? ORDER BY created_at, user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing reactions: %w", err)
	}
	defer rows.Close()

	out := []domain.Reaction{}
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// attachReactions loads reactions for a page of messages in one query.
func (db *DB) attachReactions(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	index := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i := range msgs {
		msgs[i].Reactions = []domain.Reaction{}
		index[msgs[i].ID] = i
		args[i] = msgs[i].ID
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")
	rows, err := db.sql.QueryContext(ctx,
		`SELECT message_id, user_id, kind, created_at FROM reactions
		 WHERE message_id IN (`+placeholders+`) ORDER BY created_at, user_id`, args...)
	if err != nil {
		return fmt.Errorf("loading reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return err
		}
		i := index[r.MessageID]
		msgs[i].Reactions = append(msgs[i].Reactions, r)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (domain.Message, error) {
	var (
		msg                          domain.Message
		typ                          string
		content, attachment, replyTo sql.NullString
		createdAt                    int64
	)
	err := s.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &typ,
		&content, &attachment, &replyTo, &createdAt)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Type = domain.MessageType(typ)
	msg.Content = content.String
	msg.AttachmentRef = attachment.String
	msg.ReplyToMessageID = replyTo.String
	msg.CreatedAt = fromMicros(createdAt)
	msg.Reactions = []domain.Reaction{}
	return msg, nil
}

func scanReaction(s scanner) (domain.Reaction, error) {
	var (
		r         domain.Reaction
		kind      string
		createdAt int64
	)
	if err := s.Scan(&r.MessageID, &r.UserID, &kind, &createdAt); err != nil {
		return domain.Reaction{}, fmt.Errorf("scanning reaction: %w", err)
	}
	r.Kind = domain.ReactionKind(kind)
	r.CreatedAt = fromMicros(createdAt)
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
