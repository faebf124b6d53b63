// Package session stores per-connection session records in Redis:
// which participant holds the connection, their role, the room they
// joined, and which server instance owns the socket. Records carry a
// TTL so crashed instances do not leak sessions.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "conn:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents one connection's state stored in Redis.
type Session struct {
	ID            string `redis:"id"`
	ParticipantID string `redis:"participant_id"`
	Role          string `redis:"role"`
	RoomKey       string `redis:"room_key"` // empty until joined
	Server        string `redis:"server"`   // which server instance
	ConnectedAt   int64  `redis:"connected_at"`
	LastActive    int64  `redis:"last_active"`
}

// Store manages connection session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session for an authenticated connection.
func (s *Store) Create(ctx context.Context, connID, participantID, role string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":             connID,
		"participant_id": participantID,
		"role":           role,
		"room_key":       "",
		"server":         s.serverName,
		"connected_at":   now,
		"last_active":    now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetRoom records the joined room and refreshes the TTL.
func (s *Store) SetRoom(ctx context.Context, connID, roomKey string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room_key", roomKey, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearRoom resets the joined room.
func (s *Store) ClearRoom(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "room_key", "", "last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Expire(ctx, key, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
