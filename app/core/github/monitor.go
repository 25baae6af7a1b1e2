// Package github watches one repository's pull requests and reacts:
// describing PRs that lack a body, triaging CI failures and reviewing
// changes once checks pass. Every action is written to a ledger keyed by
// (pr, head_sha, event_type) so restarts never repeat work.
package github

import (
	"context"
	"fmt"
	"log"

	"herald/app/pkg/types"
)

type lister interface {
	ListOpenPRs(ctx context.Context) ([]PRSnapshot, error)
	CheckState(ctx context.Context, headSHA string) (string, []CheckFailure, error)
}

type handler interface {
	Handle(ctx context.Context, ev PREvent) (Outcome, error)
}

// Monitor implements the poll/triage/act/record loop over one repository.
type Monitor struct {
	client    lister
	ledger    *Ledger
	handlers  map[string]handler
	notifier  types.Notifier
	ownerChat string
}

func NewMonitor(client lister, ledger *Ledger, describer handler, fixer handler, reviewer handler, notifier types.Notifier, ownerChat string) *Monitor {
	return &Monitor{
		client: client,
		ledger: ledger,
		handlers: map[string]handler{
			EventNeedsDescription: describer,
			EventCIFailed:         fixer,
			EventReadyForReview:   reviewer,
		},
		notifier:  notifier,
		ownerChat: ownerChat,
	}
}

// Poll lists open PRs and resolves each head's CI state. Draft PRs are
// skipped entirely.
func (m *Monitor) Poll(ctx context.Context) ([]PRSnapshot, error) {
	prs, err := m.client.ListOpenPRs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PRSnapshot, 0, len(prs))
	for _, pr := range prs {
		if pr.Draft {
			continue
		}
		state, failures, err := m.client.CheckState(ctx, pr.HeadSHA)
		if err != nil {
			log.Printf("[GitHub] check state for PR #%d: %v", pr.Number, err)
			continue
		}
		pr.CIState = state
		pr.Failures = failures
		out = append(out, pr)
	}
	return out, nil
}

// Triage turns snapshots into events not yet present in the ledger.
func (m *Monitor) Triage(ctx context.Context, snapshots []PRSnapshot) ([]PREvent, error) {
	var events []PREvent
	for _, pr := range snapshots {
		var candidates []string
		if pr.NeedsDescription() {
			candidates = append(candidates, EventNeedsDescription)
		}
		switch pr.CIState {
		case CIStateFailure:
			candidates = append(candidates, EventCIFailed)
		case CIStateSuccess:
			candidates = append(candidates, EventReadyForReview)
		}
		for _, eventType := range candidates {
			done, err := m.ledger.Processed(ctx, pr.Number, pr.HeadSHA, eventType)
			if err != nil {
				return nil, err
			}
			if !done {
				events = append(events, PREvent{Type: eventType, PR: pr})
			}
		}
	}
	return events, nil
}

// Act dispatches each event to its worker. One event failing never blocks
// the others; failed events are simply retried on a later cycle because
// they were never recorded.
func (m *Monitor) Act(ctx context.Context, events []PREvent) ([]Outcome, error) {
	var outcomes []Outcome
	for _, ev := range events {
		h, ok := m.handlers[ev.Type]
		if !ok || h == nil {
			continue
		}
		outcome, err := h.Handle(ctx, ev)
		if err != nil {
			log.Printf("[GitHub] %s on PR #%d: %v", ev.Type, ev.PR.Number, err)
			continue
		}
		log.Printf("[GitHub] PR #%d: %s", ev.PR.Number, outcome.Action)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Record writes outcomes to the ledger and forwards urgent notes to the
// operator.
func (m *Monitor) Record(ctx context.Context, outcomes []Outcome) error {
	for _, outcome := range outcomes {
		ev := outcome.Event
		if err := m.ledger.Record(ctx, ev.PR.Number, ev.PR.HeadSHA, ev.Type, outcome.Action); err != nil {
			return fmt.Errorf("record %s for PR #%d: %w", ev.Type, ev.PR.Number, err)
		}
		if outcome.Notify != "" && m.notifier != nil {
			if err := m.notifier.Send(ctx, m.ownerChat, outcome.Notify); err != nil {
				log.Printf("[GitHub] notify: %v", err)
			}
		}
	}
	return nil
}
