// Package supervisor runs the process's agents as one errgroup: if any
// member returns a real error the whole group winds down, and context
// cancellation stops everyone cleanly.
package supervisor

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"herald/app/core/agentloop"
)

type Supervisor struct {
	runners []*agentloop.Runner
	extras  []extra
}

type extra struct {
	name string
	run  func(ctx context.Context) error
}

func New() *Supervisor {
	return &Supervisor{}
}

// Add registers an agent loop runner.
func (s *Supervisor) Add(r *agentloop.Runner) {
	s.runners = append(s.runners, r)
}

// AddFunc registers a blocking run function that is not an agent loop,
// like a channel's poll loop.
func (s *Supervisor) AddFunc(name string, run func(ctx context.Context) error) {
	s.extras = append(s.extras, extra{name: name, run: run})
}

// Statuses snapshots every registered runner, in registration order.
func (s *Supervisor) Statuses() []agentloop.Status {
	out := make([]agentloop.Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	return out
}

// Run blocks until ctx is cancelled or a member fails. Context
// cancellation is a clean shutdown, not an error. Runners absorb their
// cycle errors and only ever return the context error, so the only real
// failure that can wind down the group is an extra: a dead channel leaves
// no way to reach the operator, and the process restarts instead.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, r := range s.runners {
		r := r
		g.Go(func() error {
			return ignoreCancel(r.Run(gctx))
		})
	}
	for _, e := range s.extras {
		e := e
		g.Go(func() error {
			log.Printf("[Supervisor] %s started", e.name)
			err := ignoreCancel(e.run(gctx))
			log.Printf("[Supervisor] %s stopped", e.name)
			return err
		})
	}
	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
