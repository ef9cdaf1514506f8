package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-terminal/backend/internal/config"
	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
)

// Completer produces one assistant reply for a system prompt, prior turns and a query.
type Completer interface {
	Complete(ctx context.Context, system string, history []*schema.Message, query string) (string, error)
}

// Service encapsulates the chat chain backed by the Ark model.
type Service struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
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
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chain: runnable}, nil
}

// Complete runs the chain once and returns the trimmed reply.
func (s *Service) Complete(ctx context.Context, system string, history []*schema.Message, query string) (string, error) {
	response, err := s.chain.Invoke(ctx, map[string]any{
		"system":  system,
		"history": history,
		"query":   query,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply := strings.TrimSpace(response.Content)
	if reply == "" {
		return "", fmt.Errorf("empty reply from model")
	}
	log.Printf("[ai] completion finished, length=%d", len(reply))
	return reply, nil
}

// historyMessages turns recent room lines into prior turns; lines written by
// assistant are replayed as its own turns.
func historyMessages(lines []chat.Message, assistant string, limit int) []*schema.Message {
	if len(lines) == 0 {
		return nil
	}

	start := 0
	if limit > 0 && len(lines) > limit {
		start = len(lines) - limit
	}

	history := make([]*schema.Message, 0, len(lines)-start)
	for _, msg := range lines[start:] {
		if msg.Sender == assistant {
			history = append(history, schema.AssistantMessage(msg.Content, nil))
			continue
		}
		history = append(history, schema.UserMessage(fmt.Sprintf("%s: %s", msg.Sender, msg.Content)))
	}
	return history
}
