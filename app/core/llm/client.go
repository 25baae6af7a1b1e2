// Package llm wraps the model API behind a small interface so agents can
// ask for "fast" or "deep" reasoning without knowing model names.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Tier selects the capability/cost tradeoff for a request.
type Tier int

const (
	// TierFast is the cheap model: triage, classification, summaries.
	TierFast Tier = iota
	// TierDeep is the capable model: planning, coding, review.
	TierDeep
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a model conversation. ToolCalls is set on
// assistant turns that request tools; ToolCallID ties a tool turn back to
// the call it answers.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a model's request to run one tool. Arguments is raw JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef describes a tool offered to the model. Parameters is a JSON
// schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Completer is what agents program against.
type Completer interface {
	// Complete sends a single prompt and returns the text reply.
	Complete(ctx context.Context, tier Tier, system string, prompt string) (string, error)
	// Chat continues a conversation: history plus a new user turn.
	Chat(ctx context.Context, tier Tier, system string, history []Message, user string) (string, error)
	// Step advances a tool-use conversation by one model turn. The reply
	// may carry ToolCalls for the caller to execute and feed back.
	Step(ctx context.Context, tier Tier, messages []Message, tools []ToolDef) (Message, error)
}

// UsageFunc observes token usage and estimated cost per request.
type UsageFunc func(apiName string, tokens int, cost float64)

// OpenAIClient implements Completer on the OpenAI chat completions API.
type OpenAIClient struct {
	client    openai.Client
	fastModel string
	deepModel string
	timeout   time.Duration
	onUsage   UsageFunc
}

type Options struct {
	APIKey         string
	BaseURL        string
	FastModel      string
	DeepModel      string
	RequestTimeout time.Duration
}

func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("llm: missing API key")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		client:    openai.NewClient(reqOpts...),
		fastModel: opts.FastModel,
		deepModel: opts.DeepModel,
		timeout:   timeout,
	}, nil
}

// OnUsage registers a usage observer. Set before serving requests.
func (c *OpenAIClient) OnUsage(fn UsageFunc) {
	c.onUsage = fn
}

func (c *OpenAIClient) model(tier Tier) string {
	if tier == TierDeep {
		return c.deepModel
	}
	return c.fastModel
}

func (c *OpenAIClient) Complete(ctx context.Context, tier Tier, system string, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})
	reply, err := c.Step(ctx, tier, messages, nil)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (c *OpenAIClient) Chat(ctx context.Context, tier Tier, system string, history []Message, user string) (string, error) {
	messages := make([]Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: user})
	reply, err := c.Step(ctx, tier, messages, nil)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (c *OpenAIClient) Step(ctx context.Context, tier Tier, messages []Message, tools []ToolDef) (Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model(tier)),
		Messages: toParams(messages),
	}
	for _, tool := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  openai.FunctionParameters(tool.Parameters),
		}))
	}

	completion, err := c.client.Chat.Completions.New(reqCtx, params)
	if err != nil {
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Message{}, fmt.Errorf("chat completion: empty response")
	}

	if c.onUsage != nil {
		tokens := int(completion.Usage.TotalTokens)
		cost := estimateCost(c.model(tier), completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
		c.onUsage("openai", tokens, cost)
	}

	raw := completion.Choices[0].Message
	reply := Message{Role: RoleAssistant, Content: raw.Content}
	for _, call := range raw.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return reply, nil
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		out = append(out, toParam(m))
	}
	return out
}

func toParam(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content)
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID)
	case RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Content)
		}
		assistant := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = openai.String(m.Content)
		}
		for _, call := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
	default:
		return openai.UserMessage(m.Content)
	}
}

// pricing is USD per 1M tokens, used only for the /status spend line.
type pricing struct {
	prompt     float64
	completion float64
}

var priceTable = map[string]pricing{
	"gpt-4o":      {prompt: 2.50, completion: 10.00},
	"gpt-4o-mini": {prompt: 0.15, completion: 0.60},
}

func estimateCost(model string, promptTokens int64, completionTokens int64) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*p.prompt + float64(completionTokens)/1e6*p.completion
}
