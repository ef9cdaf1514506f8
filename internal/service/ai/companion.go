package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-terminal/backend/internal/service/chat"
)

const (
	companionName    = "companion"
	companionTrigger = "@companion"
	transcriptLimit  = 10
	conversationKeep = 12
)

// TranscriptReader loads recent lines of a room.
type TranscriptReader interface {
	LoadTranscript(ctx context.Context, room string, limit int) ([]chat.Message, error)
}

// Companion answers "@companion" privately and keeps the conversation
// going until the user says bye or the hold lapses.
type Companion struct {
	llm     Completer
	history TranscriptReader
	hold    time.Duration
	now     func() time.Time

	mu            sync.Mutex
	conversations map[string][]*schema.Message
}

// NewCompanion returns a Companion; history may be nil.
func NewCompanion(llm Completer, history TranscriptReader, hold time.Duration) *Companion {
	return &Companion{
		llm:           llm,
		history:       history,
		hold:          hold,
		now:           time.Now,
		conversations: make(map[string][]*schema.Message),
	}
}

func (c *Companion) Name() string { return companionName }

// Intercept lets the summoning line through to the room and answers privately.
func (c *Companion) Intercept(ctx context.Context, d *chatService.Delivery) error {
	query, ok := summoned(d.Message.Content)
	if !ok {
		return nil
	}

	prior := c.roomContext(ctx, d.Message.Room)
	reply, err := c.llm.Complete(ctx, companionPrompt.Build(d.Message.Room), prior, query)
	if err != nil {
		d.Reply(chat.System{Content: "companion is unavailable right now."})
		return fmt.Errorf("companion reply: %w", err)
	}

	c.mu.Lock()
	c.conversations[d.Session.Identity] = append(prior, schema.UserMessage(query), schema.AssistantMessage(reply, nil))
	c.mu.Unlock()

	d.Reply(c.line(d.Message.Room, reply), chat.System{Content: "You are now talking privately with companion. Type bye to return to the room."})
	d.Claim(c.hold)
	log.Printf("[ai] companion engaged identity=%s room=%s", d.Session.Identity, d.Message.Room)
	return nil
}

// HandleHeld answers held lines privately.
func (c *Companion) HandleHeld(ctx context.Context, sess chat.Session, ev chat.Inbound) chatService.HeldResult {
	msg, ok := ev.(chat.ChatMessage)
	if !ok {
		return chatService.HeldResult{Replies: []chat.Outbound{
			chat.System{Content: "You are talking privately with companion. Type bye to return to the room."},
		}}
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return chatService.HeldResult{}
	}
	if strings.EqualFold(text, "bye") {
		c.forget(sess.Identity)
		return chatService.HeldResult{
			Replies: []chat.Outbound{chat.System{Content: fmt.Sprintf("companion waves goodbye. You are back in %s.", sess.Room)}},
			Release: true,
		}
	}

	c.mu.Lock()
	turns := append([]*schema.Message(nil), c.conversations[sess.Identity]...)
	c.mu.Unlock()

	reply, err := c.llm.Complete(ctx, companionPrompt.Build(sess.Room), turns, text)
	if err != nil {
		log.Printf("[ai] companion reply failed identity=%s: %v", sess.Identity, err)
		c.forget(sess.Identity)
		return chatService.HeldResult{
			Replies: []chat.Outbound{chat.System{Content: "companion lost the thread. You are back in the room."}},
			Release: true,
		}
	}

	turns = append(turns, schema.UserMessage(text), schema.AssistantMessage(reply, nil))
	if len(turns) > conversationKeep {
		turns = turns[len(turns)-conversationKeep:]
	}
	c.mu.Lock()
	c.conversations[sess.Identity] = turns
	c.mu.Unlock()

	return chatService.HeldResult{Replies: []chat.Outbound{c.line(sess.Room, reply)}}
}

func (c *Companion) roomContext(ctx context.Context, room string) []*schema.Message {
	if c.history == nil {
		return nil
	}
	lines, err := c.history.LoadTranscript(ctx, room, transcriptLimit)
	if err != nil {
		log.Printf("[ai] load transcript room=%s: %v", room, err)
		return nil
	}
	return historyMessages(lines, companionName, transcriptLimit)
}

func (c *Companion) line(room, content string) chat.ChatBroadcast {
	return chat.ChatBroadcast{
		Username:  companionName,
		Content:   content,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Room:      room,
	}
}

func (c *Companion) forget(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations, identity)
}

// summoned reports whether content addresses the companion and returns the rest.
func summoned(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < len(companionTrigger) || !strings.EqualFold(trimmed[:len(companionTrigger)], companionTrigger) {
		return "", false
	}
	rest := trimmed[len(companionTrigger):]
	if rest != "" && rest[0] != ' ' && rest[0] != ',' && rest[0] != ':' {
		return "", false
	}
	query := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(rest), ",:"))
	if query == "" {
		query = "hi"
	}
	return query, true
}
