package agents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"herald/app/core/db"
	"herald/app/core/llm"
	"herald/app/core/memory"
	"herald/app/core/queue"
	"herald/app/pkg/types"
)

type fakeCompleter struct {
	completeReply string
	completeErr   error
	chatReply     string
	chatTier      llm.Tier
	chatHistory   []llm.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, tier llm.Tier, system string, prompt string) (string, error) {
	return f.completeReply, f.completeErr
}

func (f *fakeCompleter) Chat(ctx context.Context, tier llm.Tier, system string, history []llm.Message, user string) (string, error) {
	f.chatTier = tier
	f.chatHistory = history
	return f.chatReply, nil
}

func (f *fakeCompleter) Step(ctx context.Context, tier llm.Tier, messages []llm.Message, tools []llm.ToolDef) (llm.Message, error) {
	return llm.Message{Role: llm.RoleAssistant, Content: f.completeReply}, f.completeErr
}

type sentMessage struct {
	chatID string
	text   string
}

type fakeNotifier struct {
	sent []sentMessage
}

func (n *fakeNotifier) Send(ctx context.Context, chatID string, text string) error {
	n.sent = append(n.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (n *fakeNotifier) last(t *testing.T) sentMessage {
	t.Helper()
	if len(n.sent) == 0 {
		t.Fatal("no message was sent")
	}
	return n.sent[len(n.sent)-1]
}

type chatFixture struct {
	agent     *ChatAgent
	queue     *queue.Queue
	facts     *memory.Facts
	contexts  *memory.ContextStore
	completer *fakeCompleter
	notifier  *fakeNotifier
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	database, err := db.NewSQLiteDB(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	q := queue.New(database)
	facts := memory.NewFacts(database)
	contexts := memory.NewContextStore(20, time.Hour)
	completer := &fakeCompleter{}
	notifier := &fakeNotifier{}
	status := func(ctx context.Context) (string, error) { return "status text", nil }

	agent := NewChatAgent(q, facts, contexts, completer, notifier, status, ChatOptions{
		OwnerID:        "owner-1",
		CodePriority:   5,
		ClarifyTimeout: 10 * time.Minute,
	})
	return &chatFixture{
		agent:     agent,
		queue:     q,
		facts:     facts,
		contexts:  contexts,
		completer: completer,
		notifier:  notifier,
	}
}

func ownerMsg(text string) types.Message {
	return types.Message{ChatID: "chat-1", SenderID: "owner-1", Role: types.MessageRoleUser, Content: text}
}

func TestChatAgentDropsStrangers(t *testing.T) {
	f := newChatFixture(t)
	f.agent.HandleMessage(context.Background(), types.Message{
		ChatID: "chat-x", SenderID: "stranger", Content: "/status",
	})
	if len(f.notifier.sent) != 0 {
		t.Fatalf("stranger got a reply: %v", f.notifier.sent)
	}
}

func TestHelpAndStatusCommands(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.agent.HandleMessage(ctx, ownerMsg("/help"))
	if !strings.Contains(f.notifier.last(t).text, "/code") {
		t.Fatalf("help = %q", f.notifier.last(t).text)
	}

	f.agent.HandleMessage(ctx, ownerMsg("/status"))
	if f.notifier.last(t).text != "status text" {
		t.Fatalf("status = %q", f.notifier.last(t).text)
	}
}

func TestCodeCommandEnqueues(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.agent.HandleMessage(ctx, ownerMsg("/code add a healthcheck endpoint"))
	if !strings.Contains(f.notifier.last(t).text, "Queued") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}

	task, err := f.queue.ClaimNext(ctx, time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if task.Kind != queue.KindCode || task.ChatID != "chat-1" {
		t.Fatalf("task = %+v", task)
	}
	if got := gjson.Get(task.Payload, "instruction").String(); got != "add a healthcheck endpoint" {
		t.Fatalf("instruction = %q", got)
	}
}

func TestCodeCommandCarriesConversationContext(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.completer.completeReply = "CHAT"
	f.completer.chatReply = "the client retries three times"
	f.agent.HandleMessage(ctx, ownerMsg("how does the http client handle failures?"))

	f.agent.HandleMessage(ctx, ownerMsg("/code make that retry count configurable"))

	task, err := f.queue.ClaimNext(ctx, time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	embedded := gjson.Get(task.Payload, "context").String()
	if !strings.Contains(embedded, "the client retries three times") {
		t.Fatalf("payload context = %q, want recent conversation", embedded)
	}
}

func TestNewsletterCommandDedupsInFlight(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.agent.HandleMessage(ctx, ownerMsg("/newsletter"))
	f.agent.HandleMessage(ctx, ownerMsg("/newsletter"))
	if !strings.Contains(f.notifier.last(t).text, "already") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}

	n, err := f.queue.InFlightOfKind(ctx, queue.KindNewsletter)
	if err != nil || n != 1 {
		t.Fatalf("in flight = %d err=%v, want 1", n, err)
	}
}

func TestRememberAndRecall(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.agent.HandleMessage(ctx, ownerMsg("/remember deploy_day friday after standup"))
	f.agent.HandleMessage(ctx, ownerMsg("/recall deploy_day"))
	if got := f.notifier.last(t).text; got != "deploy_day: friday after standup" {
		t.Fatalf("recall = %q", got)
	}

	f.agent.HandleMessage(ctx, ownerMsg("/recall missing_key"))
	if !strings.Contains(f.notifier.last(t).text, "Nothing stored") {
		t.Fatalf("recall missing = %q", f.notifier.last(t).text)
	}

	f.agent.HandleMessage(ctx, ownerMsg("/recall"))
	if !strings.Contains(f.notifier.last(t).text, "deploy_day") {
		t.Fatalf("recall all = %q", f.notifier.last(t).text)
	}
}

func TestNewChatClearsContext(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.completer.completeReply = "CHAT"
	f.completer.chatReply = "hello there"
	f.agent.HandleMessage(ctx, ownerMsg("good morning"))
	if len(f.contexts.Context("chat-1")) != 2 {
		t.Fatalf("context turns = %d, want 2", len(f.contexts.Context("chat-1")))
	}

	f.agent.HandleMessage(ctx, ownerMsg("/new_chat"))
	if len(f.contexts.Context("chat-1")) != 0 {
		t.Fatal("context should be cleared")
	}
}

func TestConversationUsesDeepTier(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.completer.completeReply = "CHAT"
	f.completer.chatReply = "a considered answer"
	f.agent.HandleMessage(ctx, ownerMsg("what should I read about schedulers?"))

	if f.completer.chatTier != llm.TierDeep {
		t.Fatalf("conversation tier = %v, want deep", f.completer.chatTier)
	}
}

func TestCodeAndResumeEnterRollingContext(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.agent.HandleMessage(ctx, ownerMsg("/code add a healthcheck endpoint"))
	turns := f.contexts.Context("chat-1")
	if len(turns) != 2 {
		t.Fatalf("turns after /code = %d, want 2", len(turns))
	}
	if !strings.Contains(turns[0].Content, "healthcheck") {
		t.Fatalf("first turn = %q, want the instruction", turns[0].Content)
	}

	// Drain the queued task, park it on a clarification, answer it: the
	// answer lands in the context too.
	task, err := f.queue.ClaimNext(ctx, time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := f.queue.MarkWaiting(ctx, task.ID, "which port?", 10*time.Minute); err != nil {
		t.Fatalf("mark waiting: %v", err)
	}
	f.agent.HandleMessage(ctx, ownerMsg("port 8080"))

	turns = f.contexts.Context("chat-1")
	if len(turns) != 4 {
		t.Fatalf("turns after resume = %d, want 4", len(turns))
	}
	if turns[2].Content != "port 8080" {
		t.Fatalf("resume turn = %q", turns[2].Content)
	}
}

func TestFreeTextConversationCarriesHistory(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.completer.completeReply = "CHAT"
	f.completer.chatReply = "first reply"
	f.agent.HandleMessage(ctx, ownerMsg("tell me something"))

	f.completer.chatReply = "second reply"
	f.agent.HandleMessage(ctx, ownerMsg("go on"))

	if len(f.completer.chatHistory) != 2 {
		t.Fatalf("history len = %d, want 2", len(f.completer.chatHistory))
	}
	if f.completer.chatHistory[1].Content != "first reply" {
		t.Fatalf("history = %+v", f.completer.chatHistory)
	}
}

func TestFreeTextClassifiedAsCodeEnqueues(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.completer.completeReply = "CODE"
	f.agent.HandleMessage(ctx, ownerMsg("rename the util package to helpers"))

	task, err := f.queue.ClaimNext(ctx, time.Minute)
	if err != nil || task == nil || task.Kind != queue.KindCode {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
}

func TestClassifierFailureFallsBackToCode(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	f.completer.completeErr = errors.New("model down")
	f.agent.HandleMessage(ctx, ownerMsg("probably a coding request"))

	task, err := f.queue.ClaimNext(ctx, time.Minute)
	if err != nil || task == nil || task.Kind != queue.KindCode {
		t.Fatalf("claim: task=%v err=%v, want queued code task", task, err)
	}
}

func TestFreeTextAnswersOpenClarification(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"fix it"}`, "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.queue.ClaimNext(ctx, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.queue.MarkWaiting(ctx, id, "which file?", 10*time.Minute); err != nil {
		t.Fatalf("mark waiting: %v", err)
	}

	f.agent.HandleMessage(ctx, ownerMsg("the parser in pkg/syntax"))
	if !strings.Contains(f.notifier.last(t).text, "resuming") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}

	task, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if got := gjson.Get(task.Payload, "clarify_answer").String(); got != "the parser in pkg/syntax" {
		t.Fatalf("clarify_answer = %q", got)
	}
}
