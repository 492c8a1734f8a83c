// Package pgstore keeps the chat collections in PostgreSQL. The schema lives
// in migrations/ and is applied with golang-migrate on startup. Posts carry a
// BIGSERIAL column that fixes their insertion order.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/chatroom/internal/chat"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store implements chat.Store on PostgreSQL.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return NewStore(db, log), nil
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, log *slog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// InsertParticipant stores p, failing with chat.ErrConflict when the name is taken.
func (s *Store) InsertParticipant(ctx context.Context, p chat.Participant) (chat.Participant, error) {
	p.ID = uuid.NewString()

	const query = `
		INSERT INTO participants (id, name, last_status)
		VALUES ($1, $2, $3)`

	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.LastStatus)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return chat.Participant{}, chat.ErrConflict
	}
	if err != nil {
		return chat.Participant{}, fmt.Errorf("pgstore: insert participant: %w", err)
	}
	return p, nil
}

// FindParticipant returns the participant called name.
func (s *Store) FindParticipant(ctx context.Context, name string) (chat.Participant, error) {
	const query = `
		SELECT id, name, last_status
		FROM participants
		WHERE name = $1`

	var p chat.Participant
	err := s.db.QueryRowContext(ctx, query, name).Scan(&p.ID, &p.Name, &p.LastStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Participant{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Participant{}, fmt.Errorf("pgstore: find participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns all participants ordered by name.
func (s *Store) ListParticipants(ctx context.Context) ([]chat.Participant, error) {
	const query = `
		SELECT id, name, last_status
		FROM participants
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list participants: %w", err)
	}
	defer rows.Close()

	participants := []chat.Participant{}
	for rows.Next() {
		var p chat.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.LastStatus); err != nil {
			return nil, fmt.Errorf("pgstore: scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list participants: %w", err)
	}
	return participants, nil
}

func (s *Store) CountParticipants(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM participants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count participants: %w", err)
	}
	return n, nil
}

// TouchParticipant sets the participant's last status to at.
func (s *Store) TouchParticipant(ctx context.Context, name string, at time.Time) error {
	const query = `UPDATE participants SET last_status = $2 WHERE name = $1`
	res, err := s.db.ExecContext(ctx, query, name, at)
	if err != nil {
		return fmt.Errorf("pgstore: touch participant: %w", err)
	}
	return affectedOne(res)
}

// ExpireParticipant deletes the participant if its last status is still
// before cutoff.
func (s *Store) ExpireParticipant(ctx context.Context, name string, cutoff time.Time) error {
	const query = `DELETE FROM participants WHERE name = $1 AND last_status < $2`
	res, err := s.db.ExecContext(ctx, query, name, cutoff)
	if err != nil {
		return fmt.Errorf("pgstore: expire participant: %w", err)
	}
	return affectedOne(res)
}

// InsertMessage stores m after every message stored so far.
func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	m.ID = uuid.NewString()

	const query = `
		INSERT INTO posts (id, sender, recipient, text, type, time)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query, m.ID, m.From, m.To, m.Text, m.Type, m.Time)
	if err != nil {
		return chat.Message{}, fmt.Errorf("pgstore: insert message: %w", err)
	}
	return m, nil
}

// FindMessage returns the message with the given id.
func (s *Store) FindMessage(ctx context.Context, id string) (chat.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return chat.Message{}, chat.ErrNotFound
	}

	const query = `
		SELECT id, sender, recipient, text, type, time
		FROM posts
		WHERE id = $1`

	var m chat.Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.From, &m.To, &m.Text, &m.Type, &m.Time)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("pgstore: find message: %w", err)
	}
	return m, nil
}

// ListMessages returns every message in insertion order.
func (s *Store) ListMessages(ctx context.Context) ([]chat.Message, error) {
	const query = `
		SELECT id, sender, recipient, text, type, time
		FROM posts
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list messages: %w", err)
	}
	defer rows.Close()

	messages := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Text, &m.Type, &m.Time); err != nil {
			return nil, fmt.Errorf("pgstore: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list messages: %w", err)
	}
	return messages, nil
}

// UpdateMessage overwrites to, text and type of the message with the given id.
func (s *Store) UpdateMessage(ctx context.Context, id string, u chat.MessageUpdate) error {
	if _, err := uuid.Parse(id); err != nil {
		return chat.ErrNotFound
	}
	const query = `UPDATE posts SET recipient = $2, text = $3, type = $4 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, u.To, u.Text, u.Type)
	if err != nil {
		return fmt.Errorf("pgstore: update message: %w", err)
	}
	return affectedOne(res)
}

// DeleteMessage removes the message with the given id.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return chat.ErrNotFound
	}
	const query = `DELETE FROM posts WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete message: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: rows affected: %w", err)
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}
