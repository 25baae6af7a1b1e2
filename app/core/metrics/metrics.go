package metrics

import (
	"context"
	"fmt"
	"time"

	"herald/app/core/db"
)

// Recorder accumulates per-day API usage so spend is visible in /status.
type Recorder struct {
	db  *db.DB
	now func() time.Time
}

func NewRecorder(database *db.DB) *Recorder {
	return &Recorder{db: database, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, apiName string, tokens int, cost float64) error {
	date := r.now().UTC().Format("2006-01-02")
	_, err := r.db.Conn().ExecContext(ctx, `
INSERT INTO api_metrics (date, api_name, request_count, token_count, estimated_cost)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(date, api_name) DO UPDATE SET
	request_count = request_count + 1,
	token_count = token_count + excluded.token_count,
	estimated_cost = estimated_cost + excluded.estimated_cost`,
		date, apiName, tokens, cost)
	if err != nil {
		return fmt.Errorf("record metric %s: %w", apiName, err)
	}
	return nil
}

// TodayCost sums estimated spend across all APIs for the current UTC day.
func (r *Recorder) TodayCost(ctx context.Context) (float64, error) {
	date := r.now().UTC().Format("2006-01-02")
	var cost float64
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_cost), 0) FROM api_metrics WHERE date = ?`, date).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("today cost: %w", err)
	}
	return cost, nil
}

// Usage is one day's accumulated counters for a single API.
type Usage struct {
	Date     string
	APIName  string
	Requests int
	Tokens   int
	Cost     float64
}

// TodayUsage lists per-API counters for the current UTC day.
func (r *Recorder) TodayUsage(ctx context.Context) ([]Usage, error) {
	date := r.now().UTC().Format("2006-01-02")
	rows, err := r.db.Conn().QueryContext(ctx, `
SELECT date, api_name, request_count, token_count, estimated_cost
FROM api_metrics WHERE date = ? ORDER BY api_name`, date)
	if err != nil {
		return nil, fmt.Errorf("today usage: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.Date, &u.APIName, &u.Requests, &u.Tokens, &u.Cost); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
