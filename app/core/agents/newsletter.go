package agents

import (
	"context"
	"log"

	"herald/app/core/newsletter"
	"herald/app/core/queue"
)

// NewsletterTrigger enqueues a digest task once the configured interval
// has passed since the last sent edition. The worker does the actual
// sending, so a slow digest never blocks the trigger loop.
type NewsletterTrigger struct {
	queue           *queue.Queue
	state           *newsletter.State
	intervalMinutes int
	priority        int
}

func NewNewsletterTrigger(q *queue.Queue, state *newsletter.State, intervalMinutes int, priority int) *NewsletterTrigger {
	if intervalMinutes <= 0 {
		intervalMinutes = 55
	}
	if priority <= 0 {
		priority = 1
	}
	return &NewsletterTrigger{queue: q, state: state, intervalMinutes: intervalMinutes, priority: priority}
}

// Cycle checks the clock and enqueues at most one digest task. Suitable
// as an agentloop cycle function.
func (n *NewsletterTrigger) Cycle(ctx context.Context) error {
	minutes, err := n.state.MinutesSinceLast(ctx)
	if err != nil {
		return err
	}
	if minutes != -1 && minutes < n.intervalMinutes {
		return nil
	}

	inFlight, err := n.queue.InFlightOfKind(ctx, queue.KindNewsletter)
	if err != nil {
		return err
	}
	if inFlight > 0 {
		return nil
	}

	id, err := n.queue.Enqueue(ctx, queue.KindNewsletter, "{}", "", n.priority)
	if err != nil {
		return err
	}
	log.Printf("[Newsletter] triggered digest task %s (%d minutes since last)", id, minutes)
	return nil
}
