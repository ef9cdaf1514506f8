package chat

import (
	"context"
	"time"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
)

// Interceptor sees every accepted chat line before it is broadcast.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, d *Delivery) error
}

// HeldHandler is implemented by interceptors that consume the input of a
// session they hold. Interceptors without it simply discard held input.
type HeldHandler interface {
	HandleHeld(ctx context.Context, sess chat.Session, ev chat.Inbound) HeldResult
}

// HeldResult is what a HeldHandler wants sent back to the held connection.
type HeldResult struct {
	Replies []chat.Outbound
	Release bool
}

// Delivery is one chat line on its way to the room.
type Delivery struct {
	Session chat.Session
	Message chat.ChatBroadcast

	current string
	private []chat.Outbound
	holder  string
	hold    time.Duration
}

// Rewrite replaces the content broadcast to the room.
func (d *Delivery) Rewrite(content string) {
	d.Message.Content = content
}

// Reply queues messages visible only to the sender.
func (d *Delivery) Reply(msgs ...chat.Outbound) {
	d.private = append(d.private, msgs...)
}

// Claim takes exclusive control of the sender's input for up to dur.
// The last claim wins.
func (d *Delivery) Claim(dur time.Duration) {
	if dur <= 0 {
		return
	}
	d.holder = d.current
	d.hold = dur
}

// Replies returns the private messages queued so far.
func (d *Delivery) Replies() []chat.Outbound {
	return d.private
}
