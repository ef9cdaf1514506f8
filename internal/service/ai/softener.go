package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/zhouzirui/z-terminal/backend/internal/analysis/emotion"
	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-terminal/backend/internal/service/chat"
)

// Softener rewrites hostile lines before they reach the room.
type Softener struct {
	llm       Completer
	threshold int
}

// NewSoftener returns a Softener flagging lines whose angry score reaches threshold.
func NewSoftener(llm Completer, threshold int) *Softener {
	if threshold < 1 {
		threshold = 1
	}
	return &Softener{llm: llm, threshold: threshold}
}

func (s *Softener) Name() string { return "softener" }

// Intercept leaves the line untouched when the model fails.
func (s *Softener) Intercept(ctx context.Context, d *chatService.Delivery) error {
	if !emotion.Hostile(d.Message.Content, s.threshold) {
		return nil
	}

	rewritten, err := s.llm.Complete(ctx, softenerPrompt.Build(d.Message.Room), nil, d.Message.Content)
	if err != nil {
		return fmt.Errorf("soften message: %w", err)
	}

	log.Printf("[ai] softened message from %s in %s", d.Session.Identity, d.Message.Room)
	d.Rewrite(rewritten)
	d.Reply(chat.System{Content: "Your message was softened before delivery. Keep it friendly."})
	return nil
}
