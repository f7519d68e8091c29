package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/parley/internal/domain"
)

const callColumns = `id, initiator_id, participant_ids, kind, topology, status, end_reason, started_at, answered_at, ended_at, duration_seconds`

// UpsertCall writes the full persisted state of a call session.
func (db *DB) UpsertCall(ctx context.Context, s domain.CallSession) error {
	participants, err := json.Marshal(s.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin call upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO call_sessions (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			end_reason = excluded.end_reason,
			answered_at = excluded.answered_at,
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds`,
		s.ID, s.InitiatorID, string(participants), string(s.Kind), string(s.Topology),
		string(s.Status), string(s.EndReason), s.StartedAt.UTC().UnixMicro(),
		nullMicros(s.AnsweredAt), nullMicros(s.EndedAt), s.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("upserting call %s: %w", s.ID, err)
	}

	for _, p := range s.ParticipantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO call_participants (session_id, user_id) VALUES (?, ?)`, s.ID, p,
		); err != nil {
			return fmt.Errorf("recording participant %s: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit call %s: %w", s.ID, err)
	}
	return nil
}

// GetCall returns a call session by id.
func (db *DB) GetCall(ctx context.Context, id string) (domain.CallSession, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = ?`, id)
	s, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallSession{}, domain.NotFoundf("call %s not found", id)
	}
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("loading call %s: %w", id, err)
	}
	return s, nil
}

// LatestCallBetween returns the most recently started non-terminal session in
// which both users take part, falling back to the most recent session of any
// status.
func (db *DB) LatestCallBetween(ctx context.Context, userA, userB string) (domain.CallSession, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM call_sessions s
		 WHERE EXISTS (SELECT 1 FROM call_participants p WHERE p.session_id = s.id AND p.user_id = ?)
		   AND EXISTS (SELECT 1 FROM call_participants p WHERE p.session_id = s.id AND p.user_id = ?)
		 ORDER BY (s.status IN ('ended', 'rejected', 'failed')), s.started_at DESC, s.rowid DESC
		 LIMIT 1`, userA, userB)
	s, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallSession{}, domain.NotFoundf("no call between %s and %s", userA, userB)
	}
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("loading latest call: %w", err)
	}
	return s, nil
}

// ListCalls returns the sessions a user took part in, newest first. A non-empty
// peer restricts the result to sessions shared with that peer.
func (db *DB) ListCalls(ctx context.Context, userID, peerID string, limit int) ([]domain.CallSession, error) {
	query := `SELECT ` + callColumns + ` FROM call_sessions s
		WHERE EXISTS (SELECT 1 FROM call_participants p WHERE p.session_id = s.id AND p.user_id = ?)`
	args := []any{userID}
	if peerID != "" {
		query += ` AND EXISTS (SELECT 1 FROM call_participants p WHERE p.session_id = s.id AND p.user_id = ?)`
		args = append(args, peerID)
	}
	query += ` ORDER BY s.started_at DESC, s.rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	out := []domain.CallSession{}
	for rows.Next() {
		s, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanCall(s scanner) (domain.CallSession, error) {
	var (
		c                   domain.CallSession
		participants        string
		kind, topology      string
		status, reason      string
		startedAt           int64
		answeredAt, endedAt sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.InitiatorID, &participants, &kind, &topology, &status, &reason,
		&startedAt, &answeredAt, &endedAt, &c.DurationSeconds)
	if err != nil {
		return domain.CallSession{}, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return domain.CallSession{}, fmt.Errorf("decoding participants of %s: %w", c.ID, err)
	}
	c.Kind = domain.CallKind(kind)
	c.Topology = domain.Topology(topology)
	c.Status = domain.CallStatus(status)
	c.EndReason = domain.EndReason(reason)
	c.StartedAt = fromMicros(startedAt)
	c.AnsweredAt = timePtr(answeredAt)
	c.EndedAt = timePtr(endedAt)
	return c, nil
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMicro(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
