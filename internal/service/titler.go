package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/llm"
	"github.com/capitalize-ai/task-relay/internal/model"
	"github.com/capitalize-ai/task-relay/pkg/logger"
)

const (
	defaultTitleTimeout = 3 * time.Second
	titleMaxTokens      = 24

	titlePrompt = "Write a short title (at most six words) for a conversation that starts with the user's message. " +
		"Reply with the title only, no quotes."
)

// Titler names new conversations from their first message.
type Titler struct {
	client  llm.Client
	model   string
	timeout time.Duration
	logger  *logger.Logger
}

// NewTitler creates a titler. With a nil client every title is the
// truncated first message.
func NewTitler(client llm.Client, model string, log *logger.Logger) *Titler {
	return &Titler{
		client:  client,
		model:   model,
		timeout: defaultTitleTimeout,
		logger:  logger.OrNop(log).Component("titler"),
	}
}

// Title returns a title for message. It never fails: any LLM problem falls
// back to the truncated message.
func (t *Titler) Title(ctx context.Context, message string) string {
	fallback := model.TitleFromMessage(message)
	if t == nil || t.client == nil || fallback == model.DefaultConversationTitle {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.client.Complete(ctx, &llm.CompletionRequest{
		Model:     t.model,
		System:    titlePrompt,
		MaxTokens: titleMaxTokens,
		Messages: []llm.ChatMessage{
			{Role: "user", Content: message},
		},
	})
	if err != nil {
		t.logger.Warn("title generation failed", zap.String("provider", t.client.Name()), zap.Error(err))
		return fallback
	}

	title := cleanTitle(resp.Content)
	if title == "" {
		return fallback
	}
	return title
}

func cleanTitle(raw string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	line = strings.Trim(strings.TrimSpace(line), `"'`+"`")
	line = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
	if line == "" {
		return ""
	}
	return model.TitleFromMessage(line)
}
