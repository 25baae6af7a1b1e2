package agents

import (
	"context"
	"fmt"
	"strings"

	"herald/app/core/agentloop"
	"herald/app/core/memory"
	"herald/app/core/metrics"
	"herald/app/core/newsletter"
	"herald/app/core/queue"
)

// StatusBuilder assembles the /status reply from the live parts of the
// process. Runners is a getter so the supervisor can hand over whatever
// set is actually running.
type StatusBuilder struct {
	queue   *queue.Queue
	state   *newsletter.State
	metrics *metrics.Recorder
	facts   *memory.Facts
	runners func() []agentloop.Status
}

func NewStatusBuilder(
	q *queue.Queue,
	state *newsletter.State,
	recorder *metrics.Recorder,
	facts *memory.Facts,
	runners func() []agentloop.Status,
) *StatusBuilder {
	return &StatusBuilder{queue: q, state: state, metrics: recorder, facts: facts, runners: runners}
}

func (s *StatusBuilder) Build(ctx context.Context) (string, error) {
	var b strings.Builder
	b.WriteString("Herald status\n\n")

	minutes, err := s.state.MinutesSinceLast(ctx)
	if err != nil {
		return "", err
	}
	if minutes == -1 {
		b.WriteString("Newsletter: never sent\n")
	} else {
		fmt.Fprintf(&b, "Newsletter: last sent %d min ago\n", minutes)
	}

	pending, err := s.queue.Depth(ctx, queue.StatusPending)
	if err != nil {
		return "", err
	}
	claimed, err := s.queue.Depth(ctx, queue.StatusClaimed)
	if err != nil {
		return "", err
	}
	waiting, err := s.queue.Depth(ctx, queue.StatusWaitingClarify)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "Queue: %d pending, %d running, %d waiting on you\n", pending, claimed, waiting)

	cost, err := s.metrics.TodayCost(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "Spend today: $%.4f\n", cost)

	facts, err := s.facts.RecallAll(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "Stored facts: %d\n", len(facts))

	if s.runners != nil {
		b.WriteString("\nAgents:\n")
		for _, st := range s.runners() {
			line := fmt.Sprintf("- %s: %d cycles", st.Name, st.Cycles)
			if st.Degraded {
				line += fmt.Sprintf(", DEGRADED (%s)", st.LastError)
			}
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
