package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"herald/app/core/db"
)

// Turn is one utterance in a conversation window.
type Turn struct {
	Role    string
	Content string
	At      time.Time
}

// ContextStore keeps a bounded, expiring conversation window per chat.
// It is deliberately in-memory: losing it on restart only costs
// conversational continuity, never queued work.
type ContextStore struct {
	mu       sync.Mutex
	chats    map[string][]Turn
	maxTurns int
	ttl      time.Duration
	now      func() time.Time
}

func NewContextStore(maxTurns int, ttl time.Duration) *ContextStore {
	return &ContextStore{
		chats:    make(map[string][]Turn),
		maxTurns: maxTurns,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *ContextStore) Append(chatID string, role string, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.prune(s.chats[chatID])
	turns = append(turns, Turn{Role: role, Content: content, At: s.now()})
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.chats[chatID] = turns
}

// Context returns the live window for a chat, oldest first.
func (s *ContextStore) Context(chatID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.prune(s.chats[chatID])
	s.chats[chatID] = turns
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

func (s *ContextStore) Clear(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}

// prune drops turns older than the TTL. Caller holds the lock.
func (s *ContextStore) prune(turns []Turn) []Turn {
	if s.ttl <= 0 || len(turns) == 0 {
		return turns
	}
	cutoff := s.now().Add(-s.ttl)
	idx := 0
	for idx < len(turns) && turns[idx].At.Before(cutoff) {
		idx++
	}
	return turns[idx:]
}

// FormatForPrompt renders the window as transcript lines for an LLM prompt.
func FormatForPrompt(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Facts is the durable key/value store behind /remember and /recall.
type Facts struct {
	db  *db.DB
	now func() time.Time
}

func NewFacts(database *db.DB) *Facts {
	return &Facts{db: database, now: time.Now}
}

func (f *Facts) Remember(ctx context.Context, key string, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("facts: empty key")
	}
	_, err := f.db.Conn().ExecContext(ctx, `
INSERT INTO facts (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, f.now().Unix())
	if err != nil {
		return fmt.Errorf("remember %s: %w", key, err)
	}
	return nil
}

func (f *Facts) Recall(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := f.db.Conn().QueryRowContext(ctx, `SELECT value FROM facts WHERE key = ?`, strings.TrimSpace(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("recall %s: %w", key, err)
	}
	return value, true, nil
}

// RecallAll lists every stored fact, newest first.
func (f *Facts) RecallAll(ctx context.Context) (map[string]string, error) {
	rows, err := f.db.Conn().QueryContext(ctx, `SELECT key, value FROM facts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("recall all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
