// Package agentloop is the shared poll/triage/act/record skeleton every
// long-running agent in the process is built on. Agents implement Loop;
// the Runner owns pacing, failure accounting and degradation.
package agentloop

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Loop is one agent's behavior, split into four phases. Poll gathers raw
// signals, Triage decides which deserve action, Act performs the work and
// Record persists outcomes. Phases with nothing to do return empty slices.
type Loop[S any, E any, R any] interface {
	Poll(ctx context.Context) ([]S, error)
	Triage(ctx context.Context, signals []S) ([]E, error)
	Act(ctx context.Context, events []E) ([]R, error)
	Record(ctx context.Context, results []R) error
}

// Cycle runs the four phases once, short-circuiting when a phase errors or
// produces nothing for the next one.
func Cycle[S any, E any, R any](ctx context.Context, loop Loop[S, E, R]) error {
	signals, err := loop.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}
	events, err := loop.Triage(ctx, signals)
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	results, err := loop.Act(ctx, events)
	if err != nil {
		return fmt.Errorf("act: %w", err)
	}
	if len(results) == 0 {
		return nil
	}
	if err := loop.Record(ctx, results); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}

// degradedThreshold is how many consecutive cycle failures flip a runner
// into the degraded state and start stretching its interval.
const degradedThreshold = 3

// Status is a point-in-time snapshot of a runner, safe to copy.
type Status struct {
	Name                string
	Cycles              int64
	ConsecutiveFailures int
	Degraded            bool
	LastError           string
	LastCycleAt         time.Time
}

// Runner paces one agent's cycles. A cycle error never stops the runner;
// repeated errors stretch the interval (doubling, capped at 10x) until a
// cycle succeeds again.
type Runner struct {
	name       string
	interval   time.Duration
	cycle      func(ctx context.Context) error
	onDegraded func(name string, err error)

	mu     sync.Mutex
	status Status
}

func NewRunner(name string, interval time.Duration, cycle func(ctx context.Context) error) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		cycle:    cycle,
		status:   Status{Name: name},
	}
}

// OnDegraded registers a hook fired once each time the runner crosses into
// the degraded state. Set before Run.
func (r *Runner) OnDegraded(fn func(name string, err error)) {
	r.onDegraded = fn
}

func (r *Runner) Name() string {
	return r.name
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run blocks, cycling until ctx is cancelled. It always returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("[AgentLoop] %s started (interval %s)", r.name, r.interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[AgentLoop] %s stopped", r.name)
			return ctx.Err()
		case <-timer.C:
		}

		err := r.cycle(ctx)
		if ctx.Err() != nil {
			log.Printf("[AgentLoop] %s stopped", r.name)
			return ctx.Err()
		}
		wait := r.recordCycle(err)
		timer.Reset(wait)
	}
}

// recordCycle updates the status from one cycle outcome and returns how
// long to wait before the next one.
func (r *Runner) recordCycle(err error) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Cycles++
	r.status.LastCycleAt = time.Now()

	if err == nil {
		if r.status.Degraded {
			log.Printf("[AgentLoop] %s recovered after %d failures", r.name, r.status.ConsecutiveFailures)
		}
		r.status.ConsecutiveFailures = 0
		r.status.Degraded = false
		r.status.LastError = ""
		return r.interval
	}

	r.status.ConsecutiveFailures++
	r.status.LastError = err.Error()
	log.Printf("[AgentLoop] %s cycle failed (%d consecutive): %v", r.name, r.status.ConsecutiveFailures, err)

	if r.status.ConsecutiveFailures < degradedThreshold {
		return r.interval
	}

	if !r.status.Degraded {
		r.status.Degraded = true
		if r.onDegraded != nil {
			go r.onDegraded(r.name, err)
		}
	}

	// Stretch the interval by the failure overshoot, doubling each time.
	backoff := r.interval
	for i := degradedThreshold; i <= r.status.ConsecutiveFailures; i++ {
		backoff *= 2
		if backoff >= 10*r.interval {
			backoff = 10 * r.interval
			break
		}
	}
	return backoff
}
