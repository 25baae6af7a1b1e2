// Package agents holds the process's long-running actors: the chat agent
// that fronts the operator, the newsletter trigger and the task worker
// that drains the queue.
package agents

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"herald/app/core/llm"
	"herald/app/core/memory"
	"herald/app/core/queue"
	"herald/app/pkg/types"
)

const helpText = `I'm Herald, your always-on agent.

/status - what I'm doing and what it costs
/newsletter - send a digest now
/code <instruction> - make a code change and open a PR
/new_chat - forget the current conversation
/remember <key> <value> - store a fact
/recall [key] - retrieve facts
/help - this message

Anything else is either a coding request or conversation; I'll figure
out which.`

const chatSystem = `You are Herald, a personal assistant agent. You run
continuously for one operator: you publish news digests, make code
changes on request and watch their GitHub repository. Be concise and
direct. Use the stored facts when they are relevant.`

const classifySystem = `Classify the operator's message as CODE or CHAT.
CODE means they want a change made to a code repository (fix, add,
refactor, implement, rename, delete code). CHAT is everything else:
questions, opinions, smalltalk. Reply with exactly one word: CODE or CHAT.`

// ChatOptions bundle the knobs the chat agent needs. ContextTurns caps
// how much recent conversation rides along in a code task's payload.
type ChatOptions struct {
	OwnerID            string
	CodePriority       int
	NewsletterPriority int
	ContextTurns       int
	ClarifyTimeout     time.Duration
}

// ChatAgent turns inbound chat messages into replies, queued work and
// memory updates. Only the configured owner is answered; everyone else is
// dropped without a response.
type ChatAgent struct {
	queue    *queue.Queue
	facts    *memory.Facts
	contexts *memory.ContextStore
	complete llm.Completer
	notifier types.Notifier
	status   func(ctx context.Context) (string, error)
	opts     ChatOptions
}

func NewChatAgent(
	q *queue.Queue,
	facts *memory.Facts,
	contexts *memory.ContextStore,
	completer llm.Completer,
	notifier types.Notifier,
	status func(ctx context.Context) (string, error),
	opts ChatOptions,
) *ChatAgent {
	if opts.CodePriority <= 0 {
		opts.CodePriority = 5
	}
	if opts.NewsletterPriority <= 0 {
		opts.NewsletterPriority = 1
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 10
	}
	if opts.ClarifyTimeout <= 0 {
		opts.ClarifyTimeout = 10 * time.Minute
	}
	return &ChatAgent{
		queue:    q,
		facts:    facts,
		contexts: contexts,
		complete: completer,
		notifier: notifier,
		status:   status,
		opts:     opts,
	}
}

// HandleMessage processes one inbound message end to end and sends the
// reply itself. Errors are reported to the operator, not returned.
func (a *ChatAgent) HandleMessage(ctx context.Context, msg types.Message) {
	if msg.SenderID != a.opts.OwnerID {
		log.Printf("[Chat] dropped message from unknown sender %s", msg.SenderID)
		return
	}

	reply, err := a.respond(ctx, msg)
	if err != nil {
		log.Printf("[Chat] handling %q: %v", msg.Content, err)
		reply = "Something went wrong: " + err.Error()
	}
	if reply == "" {
		return
	}
	if err := a.notifier.Send(ctx, msg.ChatID, reply); err != nil {
		log.Printf("[Chat] send reply: %v", err)
	}
}

func (a *ChatAgent) respond(ctx context.Context, msg types.Message) (string, error) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", nil
	}
	if strings.HasPrefix(text, "/") {
		return a.handleCommand(ctx, msg.ChatID, text)
	}
	return a.handleFreeText(ctx, msg.ChatID, text)
}

func (a *ChatAgent) handleCommand(ctx context.Context, chatID string, text string) (string, error) {
	command, rest := splitCommand(text)
	switch command {
	case "/start", "/help":
		return helpText, nil

	case "/status":
		return a.status(ctx)

	case "/newsletter":
		inFlight, err := a.queue.InFlightOfKind(ctx, queue.KindNewsletter)
		if err != nil {
			return "", err
		}
		if inFlight > 0 {
			return "A digest is already on its way.", nil
		}
		if _, err := a.queue.Enqueue(ctx, queue.KindNewsletter, "{}", chatID, a.opts.NewsletterPriority); err != nil {
			return "", err
		}
		return "On it. The digest will arrive shortly.", nil

	case "/code":
		if rest == "" {
			return "Tell me what to change: /code <instruction>", nil
		}
		return a.enqueueCode(ctx, chatID, rest)

	case "/new_chat":
		a.contexts.Clear(chatID)
		return "Fresh start. Previous conversation forgotten.", nil

	case "/remember":
		key, value := splitFirstWord(rest)
		if key == "" || value == "" {
			return "Usage: /remember <key> <value>", nil
		}
		if err := a.facts.Remember(ctx, key, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("Remembered %s.", key), nil

	case "/recall":
		if rest != "" {
			value, ok, err := a.facts.Recall(ctx, rest)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("Nothing stored under %q.", rest), nil
			}
			return fmt.Sprintf("%s: %s", rest, value), nil
		}
		all, err := a.facts.RecallAll(ctx)
		if err != nil {
			return "", err
		}
		if len(all) == 0 {
			return "I have no stored facts.", nil
		}
		keys := make([]string, 0, len(all))
		for key := range all {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, key := range keys {
			fmt.Fprintf(&b, "%s: %s\n", key, all[key])
		}
		return strings.TrimRight(b.String(), "\n"), nil

	default:
		return "Unknown command. /help lists what I can do.", nil
	}
}

func (a *ChatAgent) handleFreeText(ctx context.Context, chatID string, text string) (string, error) {
	// An answer to an open clarification resumes that task instead of
	// starting anything new.
	waiting, err := a.queue.FindWaitingForChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if waiting != nil {
		if err := a.queue.Resume(ctx, waiting.ID, text); err != nil {
			return "", err
		}
		reply := "Got it, resuming the task."
		a.contexts.Append(chatID, types.MessageRoleUser, text)
		a.contexts.Append(chatID, types.MessageRoleAssistant, reply)
		return reply, nil
	}

	if a.classifyAsCode(ctx, text) {
		return a.enqueueCode(ctx, chatID, text)
	}
	return a.converse(ctx, chatID, text)
}

// classifyAsCode asks the fast model whether the message is a coding
// request. On any model failure it says yes: misrouting chatter into the
// clarification flow is recoverable, silently dropping a work request is
// not.
func (a *ChatAgent) classifyAsCode(ctx context.Context, text string) bool {
	reply, err := a.complete.Complete(ctx, llm.TierFast, classifySystem, text)
	if err != nil {
		log.Printf("[Chat] classify failed, assuming code: %v", err)
		return true
	}
	return strings.Contains(strings.ToUpper(reply), "CODE")
}

func (a *ChatAgent) enqueueCode(ctx context.Context, chatID string, instruction string) (string, error) {
	payload, err := sjson.Set("{}", "instruction", instruction)
	if err != nil {
		return "", fmt.Errorf("build payload: %w", err)
	}
	// A snapshot of the conversation rides along so the worker can ground
	// its plan even after the in-memory context has expired.
	if turns := a.contexts.Context(chatID); len(turns) > 0 {
		if len(turns) > a.opts.ContextTurns {
			turns = turns[len(turns)-a.opts.ContextTurns:]
		}
		payload, err = sjson.Set(payload, "context", memory.FormatForPrompt(turns))
		if err != nil {
			return "", fmt.Errorf("build payload: %w", err)
		}
	}
	id, err := a.queue.Enqueue(ctx, queue.KindCode, payload, chatID, a.opts.CodePriority)
	if err != nil {
		return "", err
	}
	log.Printf("[Chat] queued code task %s", id)
	// The request enters the rolling context so follow-up conversation and
	// later task snapshots still see it.
	reply := "Queued. I'll report back when the change is ready."
	a.contexts.Append(chatID, types.MessageRoleUser, instruction)
	a.contexts.Append(chatID, types.MessageRoleAssistant, reply)
	return reply, nil
}

func (a *ChatAgent) converse(ctx context.Context, chatID string, text string) (string, error) {
	history := toLLMHistory(a.contexts.Context(chatID))
	system := chatSystem
	if facts, err := a.facts.RecallAll(ctx); err == nil && len(facts) > 0 {
		var b strings.Builder
		b.WriteString(system + "\n\nStored facts:\n")
		keys := make([]string, 0, len(facts))
		for key := range facts {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", key, facts[key])
		}
		system = b.String()
	}

	reply, err := a.complete.Chat(ctx, llm.TierDeep, system, history, text)
	if err != nil {
		return "", fmt.Errorf("conversation: %w", err)
	}
	a.contexts.Append(chatID, types.MessageRoleUser, text)
	a.contexts.Append(chatID, types.MessageRoleAssistant, reply)
	return reply, nil
}

func toLLMHistory(turns []memory.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		out = append(out, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return out
}

func splitCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	command := parts[0]
	// Telegram appends @botname to commands in some clients.
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	if len(parts) == 1 {
		return command, ""
	}
	return command, strings.TrimSpace(parts[1])
}

func splitFirstWord(text string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}
