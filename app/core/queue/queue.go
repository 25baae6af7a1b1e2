package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"herald/app/core/db"
)

const (
	StatusPending        = "pending"
	StatusClaimed        = "claimed"
	StatusWaitingClarify = "waiting_clarification"
	StatusDone           = "done"
	StatusFailed         = "failed"

	KindCode       = "code"
	KindNewsletter = "newsletter"
	KindStatus     = "status"
)

const (
	clarifyDeadlineKey = "_clarify_deadline"
	clarifyAnswerKey   = "clarify_answer"
)

var validKinds = map[string]struct{}{
	KindCode:       {},
	KindNewsletter: {},
	KindStatus:     {},
}

var (
	ErrInvalidKind = errors.New("queue: unknown task kind")
	ErrNotClaimed  = errors.New("queue: task is not claimed")
	ErrNotWaiting  = errors.New("queue: task is not waiting for clarification")
)

// Task is one unit of deferred work. Payload is opaque JSON owned by the
// handler for the task's kind.
type Task struct {
	ID             string
	Kind           string
	Payload        string
	Status         string
	Priority       int
	ChatID         string
	Result         string
	Error          string
	LeaseExpiresAt int64
	CreatedAt      int64
	UpdatedAt      int64
}

// Expired identifies a clarification that timed out, so the caller can tell
// the originating conversation.
type Expired struct {
	TaskID string
	ChatID string
}

// Queue is the durable priority task store. Claiming is a single conditional
// UPDATE so concurrent workers can never double-claim; a claimed task whose
// lease has lapsed becomes claimable again.
type Queue struct {
	db *db.DB

	mu      sync.Mutex
	entropy *rand.Rand
	now     func() time.Time
}

func New(database *db.DB) *Queue {
	return &Queue{
		db:      database,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (q *Queue) newID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(q.now()), q.entropy).String()
}

func (q *Queue) Enqueue(ctx context.Context, kind string, payload string, chatID string, priority int) (string, error) {
	if _, ok := validKinds[kind]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	id := q.newID()
	now := q.now().Unix()
	_, err := q.db.Conn().ExecContext(ctx, `
INSERT INTO task_queue (id, kind, payload, status, priority, chat_id, lease_expires_at, created_at, updated_at)
VALUES (?, ?, ?, 'pending', ?, ?, 0, ?, ?)`,
		id, kind, payload, priority, chatID, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the highest-priority oldest runnable task and
// returns it, or nil when the queue has nothing runnable. Runnable means
// pending, or claimed with an expired lease. Handlers must tolerate
// at-least-once delivery because an expired lease re-delivers the task.
func (q *Queue) ClaimNext(ctx context.Context, lease time.Duration) (*Task, error) {
	now := q.now().Unix()
	leaseExpiry := q.now().Add(lease).Unix()

	row := q.db.Conn().QueryRowContext(ctx, `
UPDATE task_queue
SET status = 'claimed', lease_expires_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM task_queue
	WHERE status = 'pending' OR (status = 'claimed' AND lease_expires_at < ?)
	ORDER BY priority ASC, created_at ASC, id ASC
	LIMIT 1
)
AND (status = 'pending' OR (status = 'claimed' AND lease_expires_at < ?))
RETURNING id, kind, payload, status, priority, COALESCE(chat_id, ''), COALESCE(result, ''), COALESCE(error, ''), lease_expires_at, created_at, updated_at`,
		leaseExpiry, now, now, now)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return &task, nil
}

// Complete moves a claimed task to done. Result must be JSON or empty.
func (q *Queue) Complete(ctx context.Context, taskID string, result string) error {
	return q.finish(ctx, taskID, StatusDone, result, "")
}

// Fail moves a claimed task to failed, recording the reason.
func (q *Queue) Fail(ctx context.Context, taskID string, errMsg string) error {
	return q.finish(ctx, taskID, StatusFailed, "", errMsg)
}

func (q *Queue) finish(ctx context.Context, taskID string, status string, result string, errMsg string) error {
	res, err := q.db.Conn().ExecContext(ctx, `
UPDATE task_queue SET status = ?, result = ?, error = ?, updated_at = ?
WHERE id = ? AND status = 'claimed'`,
		status, nullable(result), nullable(errMsg), q.now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, taskID)
	}
	return nil
}

// MarkWaiting pauses a claimed task until the operator answers the given
// clarification questions. A deadline is stamped into the payload so
// ExpireStaleClarifications can time the task out.
func (q *Queue) MarkWaiting(ctx context.Context, taskID string, questions string, timeout time.Duration) error {
	tx, err := q.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var payload string
	var status string
	err = tx.QueryRowContext(ctx, `SELECT payload, status FROM task_queue WHERE id = ?`, taskID).Scan(&payload, &status)
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	if status != StatusClaimed {
		return fmt.Errorf("%w: %s", ErrNotClaimed, taskID)
	}

	deadline := q.now().Add(timeout).UTC().Format(time.RFC3339)
	payload, err = sjson.Set(payload, clarifyDeadlineKey, deadline)
	if err != nil {
		return fmt.Errorf("stamp deadline: %w", err)
	}
	payload, err = sjson.Set(payload, "clarify_questions", questions)
	if err != nil {
		return fmt.Errorf("stamp questions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE task_queue SET status = 'waiting_clarification', payload = ?, updated_at = ? WHERE id = ?`,
		payload, q.now().Unix(), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// Resume merges the operator's answer into the payload and re-queues the
// task as pending. The handler reads clarify_answer and skips the
// clarification phase when it finds one.
func (q *Queue) Resume(ctx context.Context, taskID string, answer string) error {
	tx, err := q.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var payload string
	var status string
	err = tx.QueryRowContext(ctx, `SELECT payload, status FROM task_queue WHERE id = ?`, taskID).Scan(&payload, &status)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if status != StatusWaitingClarify {
		return fmt.Errorf("%w: %s", ErrNotWaiting, taskID)
	}

	payload, err = sjson.Set(payload, clarifyAnswerKey, answer)
	if err != nil {
		return fmt.Errorf("merge answer: %w", err)
	}
	payload, err = sjson.Delete(payload, clarifyDeadlineKey)
	if err != nil {
		return fmt.Errorf("clear deadline: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE task_queue SET status = 'pending', payload = ?, updated_at = ? WHERE id = ?`,
		payload, q.now().Unix(), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// ExpireStaleClarifications fails every waiting task whose deadline has
// passed and returns their (task, chat) pairs so the worker can notify the
// operator. Called at the top of every worker poll cycle.
func (q *Queue) ExpireStaleClarifications(ctx context.Context) ([]Expired, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `
SELECT id, COALESCE(chat_id, ''), payload FROM task_queue WHERE status = 'waiting_clarification'`)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	defer rows.Close()

	nowISO := q.now().UTC().Format(time.RFC3339)
	var expired []Expired
	for rows.Next() {
		var id, chatID, payload string
		if err := rows.Scan(&id, &chatID, &payload); err != nil {
			return nil, err
		}
		deadline := gjson.Get(payload, clarifyDeadlineKey).String()
		if deadline != "" && deadline < nowISO {
			expired = append(expired, Expired{TaskID: id, ChatID: chatID})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		if _, err := q.db.Conn().ExecContext(ctx, `
UPDATE task_queue SET status = 'failed', error = 'no response to clarification within timeout', updated_at = ?
WHERE id = ? AND status = 'waiting_clarification'`,
			q.now().Unix(), e.TaskID); err != nil {
			return nil, fmt.Errorf("expire task %s: %w", e.TaskID, err)
		}
	}
	return expired, nil
}

// FindWaitingForChat returns the most recent waiting_clarification task for
// a conversation, or nil.
func (q *Queue) FindWaitingForChat(ctx context.Context, chatID string) (*Task, error) {
	row := q.db.Conn().QueryRowContext(ctx, `
SELECT id, kind, payload, status, priority, COALESCE(chat_id, ''), COALESCE(result, ''), COALESCE(error, ''), lease_expires_at, created_at, updated_at
FROM task_queue
WHERE status = 'waiting_clarification' AND chat_id = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`, chatID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find waiting: %w", err)
	}
	return &task, nil
}

// Get fetches one task by ID, or nil when absent.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	row := q.db.Conn().QueryRowContext(ctx, `
SELECT id, kind, payload, status, priority, COALESCE(chat_id, ''), COALESCE(result, ''), COALESCE(error, ''), lease_expires_at, created_at, updated_at
FROM task_queue WHERE id = ?`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// InFlightOfKind counts tasks of one kind that are pending or claimed.
// Agents use it to avoid enqueueing duplicate triggers.
func (q *Queue) InFlightOfKind(ctx context.Context, kind string) (int, error) {
	var n int
	err := q.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_queue WHERE kind = ? AND status IN ('pending', 'claimed')`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("in flight of kind: %w", err)
	}
	return n, nil
}

// Depth counts tasks in the given status.
func (q *Queue) Depth(ctx context.Context, status string) (int, error) {
	var n int
	err := q.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.Kind,
		&t.Payload,
		&t.Status,
		&t.Priority,
		&t.ChatID,
		&t.Result,
		&t.Error,
		&t.LeaseExpiresAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func nullable(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
