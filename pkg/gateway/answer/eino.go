package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/voxhall/voxhall/pkg/core"
)

// historyLimit clamps how many retained turns reach the model prompt.
const historyLimit = 10

// EinoConfig configures the ark-backed engine.
type EinoConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// EinoEngine runs queries through an eino chat chain on the ark model.
type EinoEngine struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewEinoEngine builds and compiles the chat chain.
func NewEinoEngine(ctx context.Context, cfg EinoConfig) (*EinoEngine, error) {
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chat chain: %w", err)
	}

	return &EinoEngine{chain: runnable}, nil
}

// Answer invokes the chain. Upstream failures come back as unavailable so
// the call wrapper retries them; a reply is never fabricated here.
func (e *EinoEngine) Answer(ctx context.Context, q Query) (string, error) {
	response, err := e.chain.Invoke(ctx, buildChainInput(q))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", core.NewUnavailableError("answer pipeline failed")
	}
	return response.Content, nil
}

func buildChainInput(q Query) map[string]any {
	return map[string]any{
		"system":  buildSystemPrompt(q),
		"history": buildHistoryMessages(q.History),
		"query":   q.Message,
	}
}

func buildSystemPrompt(q Query) string {
	var b strings.Builder
	b.WriteString("You are a concise, helpful assistant answering on behalf of a business.")
	if q.Locale != "" {
		fmt.Fprintf(&b, " Reply in the caller's locale (%s).", q.Locale)
	}
	if q.Intent != "" {
		fmt.Fprintf(&b, "\nThe caller's current intent: %s.", q.Intent)
	}
	if q.Summary != "" {
		b.WriteString("\nEarlier in this conversation:\n")
		b.WriteString(q.Summary)
	}
	return b.String()
}

func buildHistoryMessages(history []HistoryTurn) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	startIdx := 0
	if len(history) > historyLimit {
		startIdx = len(history) - historyLimit
	}

	out := make([]*schema.Message, 0, len(history)-startIdx)
	for _, turn := range history[startIdx:] {
		switch turn.Role {
		case "user":
			out = append(out, schema.UserMessage(turn.Text))
		case "assistant":
			out = append(out, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return out
}
