package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/ratelimit"
)

const helpText = `Available commands:
  /help               show this help
  /rooms              list rooms and how many people are in each
  /users              list who is online and where
  /join <room>        move to another room
  /create <room> [description]  open a new room`

func (r *Router) handleCommand(ctx context.Context, sess chat.Session, cmd chat.Command, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.admitEvent(sess, ratelimit.Command) {
		return nil
	}

	switch strings.ToLower(cmd.Name) {
	case "help":
		r.reply(sess, chat.System{Content: helpText})
	case "rooms":
		rooms, _ := r.presence.Snapshot()
		r.reply(sess, rooms)
	case "users":
		_, users := r.presence.Snapshot()
		r.reply(sess, users)
	case "join":
		target := strings.TrimSpace(strings.Join(cmd.Args, " "))
		if target == "" {
			r.reply(sess, chat.Error{Content: "Usage: /join <room>"})
			return nil
		}
		r.join(sess.Handle, target)
	case "create":
		if len(cmd.Args) == 0 {
			r.reply(sess, chat.Error{Content: "Usage: /create <room> [description]"})
			return nil
		}
		r.createRoom(sess, cmd.Args[0], strings.Join(cmd.Args[1:], " "))
	default:
		r.reply(sess, chat.Error{Content: fmt.Sprintf("Unknown command: /%s. Type /help for commands.", cmd.Name)})
	}
	return nil
}
