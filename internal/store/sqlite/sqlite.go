package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// SQLiteStore implements store.Store for SQLite. Change notifications are
// delivered in-process, so every participant must share this process.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes with subscription snapshots
	notify *store.Notifier
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; ":memory:" requires it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, notify: store.NewNotifier()}, nil
}

// Close terminates subscriptions and closes the database connection.
func (s *SQLiteStore) Close() error {
	s.notify.Close()
	return s.db.Close()
}

// ==== SessionStore implementation ====

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *store.CallSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := sess.Clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Version = 1

	row, err := encode(rec)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO call_sessions (id, chat_id, group_id, initiator_id, participants, type, status, started_at, ended_at, offer, answer, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ChatID, rec.GroupID, rec.InitiatorID, row.participants, string(rec.Type), string(rec.Status),
		rec.StartedAt.UnixNano(), row.endedAt, row.offer, row.answer, rec.Version,
	); err != nil {
		return "", store.WrapTransport("create session", fmt.Errorf("insert session: %w", err))
	}

	s.publishLocked(ctx, rec)
	return rec.ID, nil
}

// GetSession retrieves a session by call ID.
func (s *SQLiteStore) GetSession(ctx context.Context, callID string) (*store.CallSession, error) {
	sess, err := s.getSession(ctx, s.db, callID)
	if err != nil {
		return nil, store.WrapTransport("get session", err)
	}
	return sess, nil
}

// UpdateSession applies a partial update inside a transaction.
func (s *SQLiteStore) UpdateSession(ctx context.Context, callID string, patch store.SessionPatch) (*store.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.WrapTransport("update session", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rec, err := s.getSession(ctx, tx, callID)
	if err != nil {
		return nil, store.WrapTransport("update session", err)
	}
	if patch.ExpectVersion != 0 && patch.ExpectVersion != rec.Version {
		return nil, store.ErrVersionConflict
	}
	prevVersion := rec.Version
	patch.Apply(rec)

	row, err := encode(rec)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE call_sessions
		SET participants = ?, status = ?, ended_at = ?, offer = ?, answer = ?, version = ?
		WHERE id = ? AND version = ?
	`
	result, err := tx.ExecContext(ctx, query,
		row.participants, string(rec.Status), row.endedAt, row.offer, row.answer, rec.Version,
		callID, prevVersion,
	)
	if err != nil {
		return nil, store.WrapTransport("update session", fmt.Errorf("update session: %w", err))
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, store.ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, store.WrapTransport("update session", fmt.Errorf("commit: %w", err))
	}

	s.publishLocked(ctx, rec)
	return rec.Clone(), nil
}

// DeleteSession removes a session and its candidates.
func (s *SQLiteStore) DeleteSession(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getSession(ctx, s.db, callID)
	if err != nil {
		return store.WrapTransport("delete session", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_candidates WHERE call_id = ?`, callID); err != nil {
		return store.WrapTransport("delete session", fmt.Errorf("delete candidates: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE id = ?`, callID); err != nil {
		return store.WrapTransport("delete session", fmt.Errorf("delete session: %w", err))
	}

	s.notify.PublishSession(callID, nil)
	s.publishChatLocked(ctx, rec.ChatID)
	return nil
}

// SubscribeSession delivers the current snapshot followed by every change.
func (s *SQLiteStore) SubscribeSession(ctx context.Context, callID string) (<-chan store.SessionChange, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSession(ctx, s.db, callID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, store.WrapTransport("subscribe session", err)
	}
	ch, cancel := s.notify.WatchSession(ctx, callID, store.SessionChange{Session: sess})
	return ch, cancel, nil
}

// SubscribeActiveSessionForChat delivers the chat's active session on every change.
func (s *SQLiteStore) SubscribeActiveSessionForChat(ctx context.Context, chatID string) (<-chan store.SessionChange, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.activeForChat(ctx, chatID)
	if err != nil {
		return nil, nil, store.WrapTransport("subscribe chat", err)
	}
	ch, cancel := s.notify.WatchChat(ctx, chatID, store.SessionChange{Session: active})
	return ch, cancel, nil
}

// ==== CandidateChannel implementation ====

// PublishCandidate appends a candidate row.
func (s *SQLiteStore) PublishCandidate(ctx context.Context, callID string, dir store.Direction, c store.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM call_sessions WHERE id = ?`, callID).Scan(&exists); err != nil {
		return store.WrapTransport("publish candidate", fmt.Errorf("check session: %w", err))
	}
	if exists == 0 {
		return store.ErrNotFound
	}

	query := `
		INSERT INTO call_candidates (call_id, direction, user_id, candidate)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, callID, string(dir), c.UserID, c.Candidate); err != nil {
		return store.WrapTransport("publish candidate", fmt.Errorf("insert candidate: %w", err))
	}

	s.notify.PublishCandidate(callID, dir, c)
	return nil
}

// SubscribeCandidates replays stored candidates and then delivers new ones.
func (s *SQLiteStore) SubscribeCandidates(ctx context.Context, callID string, dir store.Direction) (<-chan store.Candidate, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT user_id, candidate
		FROM call_candidates
		WHERE call_id = ? AND direction = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, callID, string(dir))
	if err != nil {
		return nil, nil, store.WrapTransport("subscribe candidates", fmt.Errorf("query candidates: %w", err))
	}
	defer rows.Close()

	var backlog []store.Candidate
	for rows.Next() {
		var c store.Candidate
		if err := rows.Scan(&c.UserID, &c.Candidate); err != nil {
			return nil, nil, store.WrapTransport("subscribe candidates", fmt.Errorf("scan candidate: %w", err))
		}
		backlog = append(backlog, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, store.WrapTransport("subscribe candidates", fmt.Errorf("iterate candidates: %w", err))
	}

	ch, cancel := s.notify.WatchCandidates(ctx, callID, dir, backlog)
	return ch, cancel, nil
}

// ==== helpers ====

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type encodedRow struct {
	participants string
	endedAt      sql.NullInt64
	offer        sql.NullString
	answer       sql.NullString
}

func encode(sess *store.CallSession) (encodedRow, error) {
	var row encodedRow

	participants := sess.Participants
	if participants == nil {
		participants = []store.Participant{}
	}
	data, err := json.Marshal(participants)
	if err != nil {
		return row, fmt.Errorf("marshal participants: %w", err)
	}
	row.participants = string(data)

	if sess.EndedAt != nil {
		row.endedAt = sql.NullInt64{Int64: sess.EndedAt.UnixNano(), Valid: true}
	}
	if row.offer, err = encodeDescription(sess.Offer); err != nil {
		return row, err
	}
	if row.answer, err = encodeDescription(sess.Answer); err != nil {
		return row, err
	}
	return row, nil
}

func encodeDescription(d *store.Description) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal description: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeDescription(v sql.NullString) (*store.Description, error) {
	if !v.Valid {
		return nil, nil
	}
	var d store.Description
	if err := json.Unmarshal([]byte(v.String), &d); err != nil {
		return nil, fmt.Errorf("unmarshal description: %w", err)
	}
	return &d, nil
}

const sessionColumns = `id, chat_id, group_id, initiator_id, participants, type, status, started_at, ended_at, offer, answer, version`

func scanSession(row *sql.Row) (*store.CallSession, error) {
	var (
		sess         store.CallSession
		participants string
		callType     string
		status       string
		startedAt    int64
		endedAt      sql.NullInt64
		offer        sql.NullString
		answer       sql.NullString
	)
	err := row.Scan(
		&sess.ID,
		&sess.ChatID,
		&sess.GroupID,
		&sess.InitiatorID,
		&participants,
		&callType,
		&status,
		&startedAt,
		&endedAt,
		&offer,
		&answer,
		&sess.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	if err := json.Unmarshal([]byte(participants), &sess.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	sess.Type = store.CallType(callType)
	sess.Status = store.Status(status)
	sess.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		sess.EndedAt = &t
	}
	if sess.Offer, err = decodeDescription(offer); err != nil {
		return nil, err
	}
	if sess.Answer, err = decodeDescription(answer); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) getSession(ctx context.Context, q queryer, callID string) (*store.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = ?`
	return scanSession(q.QueryRowContext(ctx, query, callID))
}

func (s *SQLiteStore) activeForChat(ctx context.Context, chatID string) (*store.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM call_sessions
		WHERE chat_id = ? AND status IN ('ringing', 'connected')
		ORDER BY started_at DESC
		LIMIT 1
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, chatID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// publishLocked notifies session and chat subscribers. Must hold s.mu.
func (s *SQLiteStore) publishLocked(ctx context.Context, rec *store.CallSession) {
	s.notify.PublishSession(rec.ID, rec)
	s.publishChatLocked(ctx, rec.ChatID)
}

func (s *SQLiteStore) publishChatLocked(ctx context.Context, chatID string) {
	active, err := s.activeForChat(ctx, chatID)
	if err != nil {
		// The write already committed; chat watchers catch up on the next change.
		return
	}
	s.notify.PublishChat(chatID, active)
}

var _ store.Store = (*SQLiteStore)(nil)
