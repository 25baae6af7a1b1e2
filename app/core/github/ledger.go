package github

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"herald/app/core/db"
)

// Ledger records which (pr, head_sha, event_type) triples have already been
// acted on. The unique index makes replays after a crash harmless.
type Ledger struct {
	db *db.DB

	mu      sync.Mutex
	entropy *rand.Rand
	now     func() time.Time
}

func NewLedger(database *db.DB) *Ledger {
	return &Ledger{
		db:      database,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (l *Ledger) newID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(l.now()), l.entropy).String()
}

func (l *Ledger) Processed(ctx context.Context, prNumber int, headSHA string, eventType string) (bool, error) {
	var n int
	err := l.db.Conn().QueryRowContext(ctx, `
SELECT COUNT(*) FROM github_events WHERE pr_number = ? AND head_sha = ? AND event_type = ?`,
		prNumber, headSHA, eventType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return n > 0, nil
}

// Record stores one handled event. A duplicate triple is an error; check
// Processed first.
func (l *Ledger) Record(ctx context.Context, prNumber int, headSHA string, eventType string, action string) error {
	_, err := l.db.Conn().ExecContext(ctx, `
INSERT INTO github_events (id, pr_number, head_sha, event_type, action_taken, processed_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		l.newID(), prNumber, headSHA, eventType, action, l.now().Unix())
	if err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	return nil
}

// FixAttempts counts how many fix diagnoses have been posted on a PR
// across all head SHAs. The circuit breaker reads this; alert and breaker
// rows are excluded so they never inflate the count.
func (l *Ledger) FixAttempts(ctx context.Context, prNumber int) (int, error) {
	var n int
	err := l.db.Conn().QueryRowContext(ctx, `
SELECT COUNT(*) FROM github_events WHERE pr_number = ? AND event_type = ? AND action_taken = ?`,
		prNumber, EventCIFailed, ActionFixSuggested).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger fix attempts: %w", err)
	}
	return n, nil
}
