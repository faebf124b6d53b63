package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Store persists messages and the participant directory in PostgreSQL.
// Each message is a single row; no multi-row transactions are needed.
type Store struct {
	db *sql.DB
}

// NewStore opens a PostgreSQL connection pool and verifies it.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chat: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("chat: postgres ping: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle (used by the migration runner).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append inserts a message, assigning the next sequence number in the
// room and a server-side creation time. The caller must hold the
// relay's per-room lock: the MAX(sequence)+1 subquery is only safe when
// appends to one room are serialized.
func (s *Store) Append(ctx context.Context, roomKey, senderID string, senderRole Role, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (id, room_key, sender_id, sender_role, content, sequence, created_at)
		SELECT $1, $2, $3, $4, $5, COALESCE(MAX(sequence), 0) + 1, NOW()
		FROM messages WHERE room_key = $2
		RETURNING sequence, created_at`

	msg := &Message{
		ID:         uuid.New().String(),
		RoomKey:    roomKey,
		SenderID:   senderID,
		SenderRole: senderRole,
		Content:    content,
		State:      StatePersisted,
	}

	err := s.db.QueryRowContext(ctx, query,
		msg.ID, roomKey, senderID, string(senderRole), content,
	).Scan(&msg.Sequence, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("chat: append message: %w", err)
	}
	return msg, nil
}

// History returns a room's messages with sequence > since, ascending by
// sequence. Pass since=0 for a full replay.
func (s *Store) History(ctx context.Context, roomKey string, since int64) ([]Message, error) {
	const query = `
		SELECT id, room_key, sender_id, sender_role, content, sequence, created_at
		FROM messages
		WHERE room_key = $1 AND sequence > $2
		ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, roomKey, since)
	if err != nil {
		return nil, fmt.Errorf("chat: history query: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.RoomKey, &m.SenderID, &role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: history scan: %w", err)
		}
		m.SenderRole = Role(role)
		m.State = StatePersisted
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: history rows: %w", err)
	}
	return msgs, nil
}

// Participant returns one directory entry, or nil if the id is unknown.
func (s *Store) Participant(ctx context.Context, id string) (*Participant, error) {
	const query = `
		SELECT id, role, display_name, contact_info
		FROM participants WHERE id = $1`

	var p Participant
	var role string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &role, &p.DisplayName, &p.ContactInfo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: participant lookup: %w", err)
	}
	p.Role = Role(role)
	return &p, nil
}

// Participants lists the directory entries with the given role,
// ordered by display name. Admins list users and users list admins.
func (s *Store) Participants(ctx context.Context, role Role) ([]Participant, error) {
	const query = `
		SELECT id, role, display_name, contact_info
		FROM participants WHERE role = $1
		ORDER BY display_name ASC`

	rows, err := s.db.QueryContext(ctx, query, string(role))
	if err != nil {
		return nil, fmt.Errorf("chat: participants query: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		var r string
		if err := rows.Scan(&p.ID, &r, &p.DisplayName, &p.ContactInfo); err != nil {
			return nil, fmt.Errorf("chat: participants scan: %w", err)
		}
		p.Role = Role(r)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: participants rows: %w", err)
	}
	return out, nil
}

// Close closes the database pool.
func (s *Store) Close() error {
	return s.db.Close()
}
