package chats

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/agentdesk/internal/agent"
	"github.com/ashureev/agentdesk/internal/domain"
)

const (
	maxTitleWords  = 8
	heuristicWords = 6
	titleInputMax  = 200
)

// Titler derives a chat title from the first user message.
type Titler interface {
	Title(ctx context.Context, firstMessage string) (string, error)
}

// HeuristicTitler titles a chat with the leading words of the message.
type HeuristicTitler struct{}

// Title implements Titler.
func (HeuristicTitler) Title(_ context.Context, firstMessage string) (string, error) {
	words := strings.FieldsFunc(firstMessage, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'' && r != '-')
	})
	if len(words) == 0 {
		return domain.DefaultChatTitle, nil
	}
	if len(words) > heuristicWords {
		words = words[:heuristicWords]
	}
	title := strings.Join(words, " ")
	r := []rune(title)
	r[0] = unicode.ToUpper(r[0])
	if len(r) < 3 {
		return domain.DefaultChatTitle, nil
	}
	return string(r), nil
}

// LLMTitler asks a chat model for a short title.
type LLMTitler struct {
	Client agent.ChatClient
	Model  string
}

var errEmptyTitle = errors.New("model returned an unusable title")

// Title implements Titler.
func (t LLMTitler) Title(ctx context.Context, firstMessage string) (string, error) {
	msg := strings.TrimSpace(firstMessage)
	if r := []rune(msg); len(r) > titleInputMax {
		msg = string(r[:titleInputMax]) + "..."
	}
	resp, err := t.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       t.Model,
		Temperature: 0.2,
		MaxTokens:   24,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Generate a 4-8 word title for the user's message. Reply with the title only."},
			{Role: openai.ChatMessageRoleUser, Content: msg},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyTitle
	}
	title := strings.NewReplacer(`"`, "", "'", "", "\n", " ").Replace(resp.Choices[0].Message.Content)
	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	title = strings.TrimRight(strings.Join(words, " "), ".")
	if len(title) < 4 {
		return "", errEmptyTitle
	}
	return title, nil
}
