package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/grace"
	"github.com/zhouzirui/z-terminal/backend/internal/service/history"
	"github.com/zhouzirui/z-terminal/backend/internal/service/presence"
	"github.com/zhouzirui/z-terminal/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/internal/service/room"
)

// ErrCoolingDown rejects admission of an identity recently kicked for flooding.
var ErrCoolingDown = errors.New("identity is cooling down")

// Config holds the router policy knobs.
type Config struct {
	DefaultRoom      string
	MaxMessageLength int
	HoldMax          time.Duration
	KickCooldown     time.Duration
}

// Deps is the application context the router is built from.
type Deps struct {
	Config       Config
	Sessions     *registry.Registry
	Rooms        *room.Directory
	Limiter      *ratelimit.Limiter
	Grace        *grace.Keeper
	Presence     *presence.Broadcaster
	History      history.Sink
	Interceptors []Interceptor
	Now          func() time.Time
}

// Router is the single entry point for inbound events and connection
// lifecycle. Membership transitions and the broadcasts they trigger run
// under one mutex so every connection observes them in the same order.
type Router struct {
	cfg          Config
	sessions     *registry.Registry
	rooms        *room.Directory
	limiter      *ratelimit.Limiter
	grace        *grace.Keeper
	presence     *presence.Broadcaster
	history      history.Sink
	interceptors []Interceptor
	now          func() time.Time

	mu     sync.Mutex
	fatalf func(format string, args ...any)
}

// NewRouter wires the router and registers it as the grace expiry handler.
func NewRouter(deps Deps) *Router {
	cfg := deps.Config
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = "Lobby"
	}
	deps.Rooms.EnsureRoom(cfg.DefaultRoom, "Where everyone lands.")

	sink := deps.History
	if sink == nil {
		sink = history.Discard{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := &Router{
		cfg:          cfg,
		sessions:     deps.Sessions,
		rooms:        deps.Rooms,
		limiter:      deps.Limiter,
		grace:        deps.Grace,
		presence:     deps.Presence,
		history:      sink,
		interceptors: deps.Interceptors,
		now:          now,
		fatalf:       log.Fatalf,
	}
	deps.Grace.SetExpiryHandler(r.expire)
	return r
}

// Admit turns an authenticated connection into a session. A pending grace
// entry restores the previous room silently; otherwise the identity joins
// the default room and everyone receives fresh presence.
func (r *Router) Admit(ctx context.Context, identity string, conn registry.Conn) (chat.Session, error) {
	if err := ctx.Err(); err != nil {
		return chat.Session{}, err
	}
	if identity == "" {
		return chat.Session{}, registry.ErrIdentityRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if wait := r.limiter.CooldownRemaining(identity, now); wait > 0 {
		return chat.Session{}, fmt.Errorf("%w: retry in %s", ErrCoolingDown, wait.Round(time.Second))
	}
	if _, ok := r.sessions.LookupIdentity(identity); ok {
		return chat.Session{}, registry.ErrAlreadyConnected
	}

	roomName, resumed := r.grace.Resume(identity)
	if resumed {
		if placed, ok := r.rooms.RoomOf(identity); !ok || placed != roomName {
			r.fatalf("[chat] invariant violated: grace entry for %s names %q but directory places it in %q", identity, roomName, placed)
		}
	} else {
		if stale, ok := r.rooms.Remove(identity); ok {
			// The grace deadline passed before its expiry task ran.
			r.limiter.Forget(identity)
			r.presence.Fanout(presence.InRoom(stale), chat.System{Content: fmt.Sprintf("%s left the room.", identity)})
		}
		roomName = r.cfg.DefaultRoom
		if err := r.rooms.Join(identity, roomName); err != nil {
			return chat.Session{}, fmt.Errorf("join default room: %w", err)
		}
	}

	sess, err := r.sessions.Admit(identity, conn, roomName, now)
	if err != nil {
		if resumed {
			r.grace.Hold(identity, roomName)
		} else {
			r.rooms.Remove(identity)
		}
		return chat.Session{}, err
	}

	change := chat.RoomChange{Room: roomName, Content: r.describe(roomName)}
	if resumed {
		log.Printf("[chat] resumed identity=%s room=%s handle=%s", identity, roomName, sess.Handle)
		r.presence.Send(sess.Handle, chat.System{Content: fmt.Sprintf("Welcome back, %s. You are still in %s.", identity, roomName)}, change)
		r.presence.SendPresence(sess.Handle)
		return sess, nil
	}

	log.Printf("[chat] admitted identity=%s room=%s handle=%s", identity, roomName, sess.Handle)
	r.presence.Send(sess.Handle, chat.System{Content: fmt.Sprintf("Welcome, %s! Type /help for commands.", identity)}, change)
	r.presence.Fanout(presence.Except(presence.InRoom(roomName), sess.Handle), chat.System{Content: fmt.Sprintf("%s joined %s.", identity, roomName)})
	r.presence.BroadcastPresence()
	return sess, nil
}

// Drop handles a connection that went away without logging out. The
// identity keeps its room membership for the grace window.
func (r *Router) Drop(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions.Remove(handle)
	if !ok {
		return
	}
	entry := r.grace.Hold(sess.Identity, sess.Room)
	log.Printf("[chat] connection dropped identity=%s room=%s handle=%s grace_until=%s", sess.Identity, sess.Room, handle, entry.ExpireAt.Format(time.RFC3339))
}

// expire runs when a grace window ends without a reconnect.
func (r *Router) expire(identity string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.grace.Expire(identity, token)
	if !ok {
		return
	}
	if _, live := r.sessions.LookupIdentity(identity); live {
		r.fatalf("[chat] invariant violated: %s has both a live session and a grace entry", identity)
	}

	r.limiter.Forget(identity)
	if roomName, ok := r.rooms.Remove(identity); ok {
		r.presence.Fanout(presence.InRoom(roomName), chat.System{Content: fmt.Sprintf("%s left the room.", identity)})
	}
	r.presence.BroadcastPresence()
	log.Printf("[chat] grace expired identity=%s room=%s", identity, entry.Room)
}

// Handle dispatches one decoded inbound event from the connection handle.
func (r *Router) Handle(ctx context.Context, handle string, ev chat.Inbound) error {
	sess, err := r.sessions.Lookup(handle)
	if err != nil {
		return err
	}
	now := r.now()
	_ = r.sessions.Touch(handle, now)

	if _, ok := ev.(chat.Logout); ok {
		r.logout(handle)
		return nil
	}
	if sess.Held(now) {
		return r.handleHeld(ctx, sess, ev, now)
	}
	if sess.HeldBy != "" {
		_ = r.sessions.Release(handle)
	}

	switch ev := ev.(type) {
	case chat.ChatMessage:
		return r.handleChat(ctx, sess, ev, now)
	case chat.JoinRoom:
		r.join(handle, ev.Room)
		return nil
	case chat.Command:
		return r.handleCommand(ctx, sess, ev, now)
	default:
		return fmt.Errorf("%w: unhandled event %T", chat.ErrMalformedMessage, ev)
	}
}

func (r *Router) handleChat(ctx context.Context, sess chat.Session, msg chat.ChatMessage, now time.Time) error {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}
	if cmd, ok := chat.ParseCommandLine(content); ok {
		return r.handleCommand(ctx, sess, cmd, now)
	}
	if limit := r.cfg.MaxMessageLength; limit > 0 && utf8.RuneCountInString(content) > limit {
		r.reply(sess, chat.Error{Content: fmt.Sprintf("Message too long (max %d characters).", limit)})
		return nil
	}

	if !r.admitEvent(sess, ratelimit.Message) {
		return nil
	}

	delivery := &Delivery{
		Session: sess,
		Message: chat.ChatBroadcast{
			Username:  sess.Identity,
			Content:   content,
			Timestamp: now.UTC().Format(time.RFC3339),
			Room:      sess.Room,
		},
	}
	for _, ic := range r.interceptors {
		delivery.current = ic.Name()
		if err := ic.Intercept(ctx, delivery); err != nil {
			log.Printf("[chat] interceptor %s failed: %v", ic.Name(), err)
		}
	}

	r.mu.Lock()
	current, err := r.sessions.Lookup(sess.Handle)
	if err != nil {
		r.mu.Unlock()
		return nil
	}
	r.checkLocked(current)
	delivery.Message.Room = current.Room
	r.presence.Fanout(presence.InRoom(current.Room), delivery.Message)
	r.mu.Unlock()

	if len(delivery.private) > 0 {
		r.presence.Send(sess.Handle, delivery.private...)
	}
	if delivery.hold > 0 {
		r.claim(sess.Handle, delivery.holder, delivery.hold, now)
	}
	r.history.Record(chat.Message{
		Room:      current.Room,
		Sender:    sess.Identity,
		Content:   delivery.Message.Content,
		CreatedAt: now.UTC(),
	})
	return nil
}

// admitEvent runs the rate limiter for one event and applies its verdict.
func (r *Router) admitEvent(sess chat.Session, cat ratelimit.Category) bool {
	verdict := r.limiter.Allow(sess.Identity, cat, r.now())
	noun := "messages"
	if cat == ratelimit.Command {
		noun = "commands"
	}

	switch verdict.Outcome {
	case ratelimit.Allowed:
		return true
	case ratelimit.Warned:
		r.reply(sess, chat.Error{Content: fmt.Sprintf("You are sending %s too fast. Slow down or you will be muted.", noun)})
	case ratelimit.Muted:
		r.reply(sess, chat.Error{Content: fmt.Sprintf("You have been muted for %d seconds.", int(verdict.RetryAfter.Round(time.Second)/time.Second))})
	case ratelimit.Rejected:
		r.reply(sess, chat.Error{Content: fmt.Sprintf("Too many %s. Try again in %d seconds.", noun, retrySeconds(verdict.RetryAfter))})
	case ratelimit.Suppressed:
	case ratelimit.Disconnect:
		r.kick(sess.Handle)
	}
	return false
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// join moves the session into target and broadcasts the new presence.
func (r *Router) join(handle, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.sessions.Lookup(handle)
	if err != nil {
		return
	}
	r.checkLocked(sess)
	target = strings.TrimSpace(target)

	if err := r.rooms.Move(sess.Identity, sess.Room, target); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			r.reply(sess, chat.Error{Content: fmt.Sprintf("Room '%s' does not exist. Type /rooms to list rooms.", target)})
		case errors.Is(err, room.ErrAlreadyInRoom):
			r.reply(sess, chat.Error{Content: fmt.Sprintf("You are already in %s.", target)})
		default:
			r.fatalf("[chat] invariant violated: move %s from %s: %v", sess.Identity, sess.Room, err)
		}
		return
	}
	if err := r.sessions.SetRoom(handle, target); err != nil {
		r.fatalf("[chat] invariant violated: session %s vanished during move: %v", handle, err)
	}

	r.presence.Fanout(presence.InRoom(sess.Room), chat.System{Content: fmt.Sprintf("%s left for %s.", sess.Identity, target)})
	r.presence.Fanout(presence.Except(presence.InRoom(target), handle), chat.System{Content: fmt.Sprintf("%s joined %s.", sess.Identity, target)})
	r.presence.BroadcastPresence()
	r.presence.Send(handle, chat.RoomChange{Room: target, Content: r.describe(target)})
	log.Printf("[chat] moved identity=%s from=%s to=%s", sess.Identity, sess.Room, target)
}

// createRoom adds a room at runtime; a new room changes the room list.
func (r *Router) createRoom(sess chat.Session, name, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if description == "" {
		description = fmt.Sprintf("Created by %s.", sess.Identity)
	}
	if err := r.rooms.Create(name, description); err != nil {
		if errors.Is(err, room.ErrRoomExists) {
			r.reply(sess, chat.Error{Content: fmt.Sprintf("Room '%s' already exists.", name)})
			return
		}
		r.reply(sess, chat.Error{Content: err.Error()})
		return
	}
	r.presence.BroadcastPresence()
	r.reply(sess, chat.System{Content: fmt.Sprintf("Room %s created. Type /join %s to enter.", name, name)})
	log.Printf("[chat] room created name=%s by=%s", name, sess.Identity)
}

// logout removes the session for good; no grace entry is kept.
func (r *Router) logout(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.sessions.Lookup(handle)
	if err != nil {
		return
	}
	conn, _ := r.sessions.Conn(handle)
	r.limiter.Forget(sess.Identity)
	r.removeLocked(sess, fmt.Sprintf("%s logged out.", sess.Identity))
	if conn != nil {
		sendDirect(conn, chat.System{Content: "Goodbye."})
		conn.Close("logout")
	}
	log.Printf("[chat] logout identity=%s", sess.Identity)
}

// kick force-disconnects a flooding session. Without a cooldown it takes the
// normal drop path and the identity may resume within the grace window;
// with one, the identity is removed for good and refused until it passes.
func (r *Router) kick(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.sessions.Lookup(handle)
	if err != nil {
		return
	}
	conn, _ := r.sessions.Conn(handle)

	reason := "Disconnected for flooding."
	if cooldown := r.cfg.KickCooldown; cooldown > 0 {
		reason = fmt.Sprintf("Disconnected for flooding. You can reconnect in %d seconds.", retrySeconds(cooldown))
		r.limiter.Penalize(sess.Identity, r.now().Add(cooldown))
		r.removeLocked(sess, fmt.Sprintf("%s was disconnected for flooding.", sess.Identity))
	} else {
		r.limiter.Forget(sess.Identity)
		r.sessions.Remove(handle)
		r.grace.Hold(sess.Identity, sess.Room)
	}

	if conn != nil {
		sendDirect(conn, chat.Error{Content: reason})
		conn.Close("rate limit")
	}
	log.Printf("[chat] kicked identity=%s cooldown=%s", sess.Identity, r.cfg.KickCooldown)
}

func (r *Router) removeLocked(sess chat.Session, notice string) {
	r.sessions.Remove(sess.Handle)
	r.grace.Cancel(sess.Identity)
	if roomName, ok := r.rooms.Remove(sess.Identity); ok {
		r.presence.Fanout(presence.InRoom(roomName), chat.System{Content: notice})
	}
	r.presence.BroadcastPresence()
}

func (r *Router) handleHeld(ctx context.Context, sess chat.Session, ev chat.Inbound, now time.Time) error {
	if _, ok := ev.(chat.ChatMessage); ok && !r.admitEvent(sess, ratelimit.Message) {
		return nil
	}

	handler, ok := r.interceptor(sess.HeldBy).(HeldHandler)
	if !ok {
		return nil
	}
	res := handler.HandleHeld(ctx, sess, ev)
	if len(res.Replies) > 0 {
		r.presence.Send(sess.Handle, res.Replies...)
	}
	if res.Release {
		_ = r.sessions.Release(sess.Handle)
	}
	return nil
}

func (r *Router) claim(handle, owner string, d time.Duration, now time.Time) {
	if r.cfg.HoldMax > 0 && d > r.cfg.HoldMax {
		d = r.cfg.HoldMax
	}
	if err := r.sessions.Hold(handle, owner, now.Add(d)); err == nil {
		log.Printf("[chat] input held handle=%s by=%s for=%s", handle, owner, d)
	}
}

func (r *Router) interceptor(name string) Interceptor {
	for _, ic := range r.interceptors {
		if ic.Name() == name {
			return ic
		}
	}
	return nil
}

// checkLocked stops the process when a live session points at a room the
// directory does not place it in.
func (r *Router) checkLocked(sess chat.Session) {
	if placed, ok := r.rooms.RoomOf(sess.Identity); !ok || placed != sess.Room {
		r.fatalf("[chat] invariant violated: session %s of %s in %q but directory says %q", sess.Handle, sess.Identity, sess.Room, placed)
	}
}

func (r *Router) describe(name string) string {
	rm, err := r.rooms.Room(name)
	if err != nil {
		return ""
	}
	return rm.Description
}

func (r *Router) reply(sess chat.Session, msgs ...chat.Outbound) {
	r.presence.Send(sess.Handle, msgs...)
}

func sendDirect(conn registry.Conn, msg chat.Outbound) {
	frame, err := chat.Encode(msg)
	if err != nil {
		return
	}
	conn.Send(frame)
}
