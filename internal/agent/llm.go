package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the OpenAI client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient builds a client for the OpenAI API or any compatible
// endpoint when baseURL is set.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// LLMConfig describes one model-backed agent.
type LLMConfig struct {
	Name        string
	Description string
	Prompt      string
	Model       string
	Tools       []string
	Remember    bool
}

// LLMAgent answers a turn with a single chat completion. Its own memory and
// any sibling summaries are placed in the system prompt.
type LLMAgent struct {
	cfg    LLMConfig
	client ChatClient
}

// NewLLMAgent creates a model-backed agent.
func NewLLMAgent(cfg LLMConfig, client ChatClient) *LLMAgent {
	return &LLMAgent{cfg: cfg, client: client}
}

// Invoke implements Agent.
func (a *LLMAgent) Invoke(ctx context.Context, req Request, e Emitter) (Result, error) {
	e.Nano("thinking")

	user := req.Text
	if req.Media != "" {
		user += "\n[media: " + req.Media + "]"
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("chat completion returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty completion", ErrAgentFailed)
	}
	e.Nano("response ready")

	res := Result{
		Text: text,
		Payload: map[string]any{
			"model":             resp.Model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}
	if a.cfg.Remember {
		res.Remember = fmt.Sprintf("Q: %s -> A: %s", truncate(req.Text, 120), truncate(text, 200))
	}
	return res, nil
}

func (a *LLMAgent) systemPrompt(req Request) string {
	var b strings.Builder
	if a.cfg.Prompt != "" {
		b.WriteString(a.cfg.Prompt)
	} else {
		fmt.Fprintf(&b, "You are %s. %s", a.cfg.Name, a.cfg.Description)
	}
	if len(a.cfg.Tools) > 0 {
		fmt.Fprintf(&b, "\n\nTools you may reference: %s.", strings.Join(a.cfg.Tools, ", "))
	}
	if req.MemoryContext != "" {
		b.WriteString("\n\n")
		b.WriteString(req.MemoryContext)
	}
	if len(req.Siblings) > 0 {
		names := make([]string, 0, len(req.Siblings))
		for name := range req.Siblings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString("\n\n")
			b.WriteString(req.Siblings[name])
		}
	}
	return b.String()
}
