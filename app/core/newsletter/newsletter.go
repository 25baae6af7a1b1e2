// Package newsletter assembles and publishes the periodic digest. Sources
// and publishers are plug-in interfaces; the orchestrator owns dedup,
// the minimum-item gate and the send record.
package newsletter

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"herald/app/core/db"
	"herald/app/core/llm"
)

// Item is one piece of content from a source.
type Item struct {
	Title   string
	URL     string
	Summary string
	Source  string
}

// Source provides candidate items for one digest.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Item, error)
}

// Digest is a composed edition, ready to publish.
type Digest struct {
	Date     string
	Items    []Item
	Markdown string
}

// Publisher delivers one digest edition to one platform.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, digest Digest) error
}

// Outcome reports what one cycle did.
type Outcome struct {
	Sent       bool
	SkipReason string
	ItemCount  int
	Platforms  []string
}

// State is the durable side of the newsletter: what was sent when, and
// which content has already appeared.
type State struct {
	db *db.DB

	mu      sync.Mutex
	entropy *rand.Rand
	now     func() time.Time
}

func NewState(database *db.DB) *State {
	return &State{
		db:      database,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (s *State) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// MinutesSinceLast returns minutes since the last sent edition, or -1 when
// none was ever sent. Skipped cycles do not count as sent.
func (s *State) MinutesSinceLast(ctx context.Context) (int, error) {
	var createdAt int64
	err := s.db.Conn().QueryRowContext(ctx, `
SELECT created_at FROM newsletters WHERE skip_reason IS NULL ORDER BY created_at DESC LIMIT 1`).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last newsletter: %w", err)
	}
	return int(s.now().Sub(time.Unix(createdAt, 0)).Minutes()), nil
}

func (s *State) record(ctx context.Context, itemCount int, platforms string, skipReason string, cost float64) error {
	now := s.now()
	// One row per edition; the date column keys human lookups and carries
	// the time to make hourly editions unique.
	date := now.UTC().Format("2006-01-02 15:04")
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO newsletters (id, date, item_count, platforms, skip_reason, cost, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET
	item_count = excluded.item_count,
	platforms = excluded.platforms,
	skip_reason = excluded.skip_reason,
	cost = excluded.cost`,
		s.newID(), date, itemCount, nullableText(platforms), nullableText(skipReason), cost, now.Unix())
	if err != nil {
		return fmt.Errorf("record newsletter: %w", err)
	}
	return nil
}

func nullableText(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// seen reports whether an item's fingerprint is already recorded.
func (s *State) seen(ctx context.Context, item Item) (bool, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_fingerprints WHERE hash = ?`, fingerprint(item)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return n > 0, nil
}

// markSeen records items' fingerprints. Called only after a successful
// send so unsent content stays eligible for the next edition.
func (s *State) markSeen(ctx context.Context, items []Item) error {
	for _, item := range items {
		_, err := s.db.Conn().ExecContext(ctx, `
INSERT OR IGNORE INTO content_fingerprints (hash, source, first_seen) VALUES (?, ?, ?)`,
			fingerprint(item), item.Source, s.now().Unix())
		if err != nil {
			return fmt.Errorf("fingerprint: %w", err)
		}
	}
	return nil
}

func fingerprint(item Item) string {
	key := strings.ToLower(strings.TrimSpace(item.URL))
	if key == "" {
		key = strings.ToLower(strings.TrimSpace(item.Title))
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

const composeSystem = `You edit a short AI-news digest. Given raw items,
write a markdown digest: a one-line intro, then one bullet per item with
the title as a link and a one-sentence takeaway. Keep the items' order.
No closing remarks.`

// Orchestrator runs one edition end to end.
type Orchestrator struct {
	sources    []Source
	publishers []Publisher
	state      *State
	completer  llm.Completer
	minItems   int
	now        func() time.Time
}

func NewOrchestrator(sources []Source, publishers []Publisher, state *State, completer llm.Completer, minItems int) *Orchestrator {
	if minItems <= 0 {
		minItems = 3
	}
	return &Orchestrator{
		sources:    sources,
		publishers: publishers,
		state:      state,
		completer:  completer,
		minItems:   minItems,
		now:        time.Now,
	}
}

// RunCycle gathers, dedups, composes and publishes one edition. A cycle
// with too little fresh content records a skip instead of sending thin
// editions. Source failures are partial: the rest still contribute.
func (o *Orchestrator) RunCycle(ctx context.Context) (Outcome, error) {
	var fresh []Item
	for _, source := range o.sources {
		items, err := source.Fetch(ctx)
		if err != nil {
			log.Printf("[Newsletter] source %s failed: %v", source.Name(), err)
			continue
		}
		for _, item := range items {
			if item.Source == "" {
				item.Source = source.Name()
			}
			dup, err := o.state.seen(ctx, item)
			if err != nil {
				return Outcome{}, err
			}
			if !dup {
				fresh = append(fresh, item)
			}
		}
	}

	if len(fresh) < o.minItems {
		reason := fmt.Sprintf("only %d fresh items, need %d", len(fresh), o.minItems)
		if len(o.sources) == 0 {
			reason = "no sources configured"
		}
		if err := o.state.record(ctx, len(fresh), "", reason, 0); err != nil {
			return Outcome{}, err
		}
		log.Printf("[Newsletter] skipped: %s", reason)
		return Outcome{SkipReason: reason, ItemCount: len(fresh)}, nil
	}

	markdown, err := o.compose(ctx, fresh)
	if err != nil {
		return Outcome{}, err
	}
	digest := Digest{
		Date:     o.now().UTC().Format("2006-01-02 15:04"),
		Items:    fresh,
		Markdown: markdown,
	}

	var published []string
	for _, pub := range o.publishers {
		if err := pub.Publish(ctx, digest); err != nil {
			log.Printf("[Newsletter] publish to %s failed: %v", pub.Name(), err)
			continue
		}
		published = append(published, pub.Name())
	}
	if len(published) == 0 {
		return Outcome{}, fmt.Errorf("every publisher failed")
	}

	if err := o.state.markSeen(ctx, fresh); err != nil {
		return Outcome{}, err
	}
	if err := o.state.record(ctx, len(fresh), strings.Join(published, ","), "", 0); err != nil {
		return Outcome{}, err
	}
	log.Printf("[Newsletter] sent %d items to %s", len(fresh), strings.Join(published, ","))
	return Outcome{Sent: true, ItemCount: len(fresh), Platforms: published}, nil
}

func (o *Orchestrator) compose(ctx context.Context, items []Item) (string, error) {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s (%s) [%s]\n", item.Title, item.URL, item.Source)
		if item.Summary != "" {
			b.WriteString("  " + item.Summary + "\n")
		}
	}
	markdown, err := o.completer.Complete(ctx, llm.TierFast, composeSystem, b.String())
	if err != nil {
		return "", fmt.Errorf("compose digest: %w", err)
	}
	return markdown, nil
}
