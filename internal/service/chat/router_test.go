package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/grace"
	"github.com/zhouzirui/z-terminal/backend/internal/service/grace/gracetest"
	"github.com/zhouzirui/z-terminal/backend/internal/service/presence"
	"github.com/zhouzirui/z-terminal/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry/registrytest"
	"github.com/zhouzirui/z-terminal/backend/internal/service/room"
)

type captureSink struct {
	mu    sync.Mutex
	lines []chat.Message
}

func (s *captureSink) Record(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, msg)
}

func (s *captureSink) Lines() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.lines...)
}

type harness struct {
	t        *testing.T
	clock    *gracetest.Clock
	sessions *registry.Registry
	rooms    *room.Directory
	limiter  *ratelimit.Limiter
	keeper   *grace.Keeper
	sink     *captureSink
	router   *Router
}

func newHarness(t *testing.T, interceptors ...Interceptor) *harness {
	t.Helper()
	clock := gracetest.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return buildHarness(t, clock, clock.Schedule, interceptors...)
}

func buildHarness(t *testing.T, clock *gracetest.Clock, sched grace.Scheduler, interceptors ...Interceptor) *harness {
	t.Helper()
	sessions := registry.New()
	rooms := room.NewDirectory(chat.SeedRooms())
	limiter := ratelimit.New(map[ratelimit.Category]ratelimit.Policy{
		ratelimit.Message: {Window: 10 * time.Second, MaxEvents: 10, Mute: 30 * time.Second},
		ratelimit.Command: {Window: 5 * time.Second, MaxEvents: 5},
	})
	keeper := grace.NewKeeper(30*time.Second, grace.WithScheduler(sched), grace.WithClock(clock.Now))
	sink := &captureSink{}

	r := NewRouter(Deps{
		Config: Config{
			DefaultRoom:      "Lobby",
			MaxMessageLength: 200,
			HoldMax:          2 * time.Minute,
			KickCooldown:     time.Minute,
		},
		Sessions:     sessions,
		Rooms:        rooms,
		Limiter:      limiter,
		Grace:        keeper,
		Presence:     presence.New(sessions, rooms),
		History:      sink,
		Interceptors: interceptors,
		Now:          clock.Now,
	})
	r.fatalf = t.Fatalf

	return &harness{t: t, clock: clock, sessions: sessions, rooms: rooms, limiter: limiter, keeper: keeper, sink: sink, router: r}
}

func (h *harness) connect(identity, handle string) *registrytest.Conn {
	h.t.Helper()
	conn := registrytest.NewConn(handle)
	if _, err := h.router.Admit(context.Background(), identity, conn); err != nil {
		h.t.Fatalf("admit %s: %v", identity, err)
	}
	return conn
}

func (h *harness) say(handle, content string) {
	h.t.Helper()
	if err := h.router.Handle(context.Background(), handle, chat.ChatMessage{Content: content}); err != nil {
		h.t.Fatalf("chat from %s: %v", handle, err)
	}
}

func (h *harness) command(handle, name string, args ...string) {
	h.t.Helper()
	if err := h.router.Handle(context.Background(), handle, chat.Command{Name: name, Args: args}); err != nil {
		h.t.Fatalf("command %s from %s: %v", name, handle, err)
	}
}

// assertConsistent checks that every live session agrees with the directory
// and that the presence snapshot counts match its user list.
func (h *harness) assertConsistent() {
	h.t.Helper()
	for _, target := range h.sessions.Targets(func(chat.Session) bool { return true }) {
		placed, ok := h.rooms.RoomOf(target.Session.Identity)
		if !ok || placed != target.Session.Room {
			h.t.Fatalf("session %s in %q but directory says %q", target.Session.Identity, target.Session.Room, placed)
		}
	}
	summaries, users := h.rooms.Presence()
	total := 0
	for _, s := range summaries {
		total += s.Count
	}
	if total != len(users) {
		h.t.Fatalf("room counts sum to %d but user list has %d", total, len(users))
	}
}

func contents(frames []registrytest.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.String("content"))
	}
	return out
}

func TestAdmitJoinsDefaultRoomAndBroadcastsPresence(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")

	frames := c1.Frames()
	if len(frames) != 4 {
		t.Fatalf("expected welcome, room_change and presence, got %v", frames)
	}
	if frames[0].Type() != chat.TypeSystem || frames[1].Type() != chat.TypeRoomChange || frames[1].String("room") != "Lobby" {
		t.Fatalf("unexpected greeting %v", frames[:2])
	}
	if frames[2].Type() != chat.TypeRoomList || frames[3].Type() != chat.TypeUserList {
		t.Fatalf("expected presence snapshot, got %v", frames[2:])
	}

	c1.Reset()
	c2 := h.connect("u2", "c2")
	notices := c1.OfType(chat.TypeSystem)
	if len(notices) != 1 || notices[0].String("content") != "u2 joined Lobby." {
		t.Fatalf("expected join notice for u1, got %v", notices)
	}
	if len(c1.OfType(chat.TypeUserList)) != 1 {
		t.Fatal("existing connection must receive the new presence")
	}
	for _, n := range c2.OfType(chat.TypeSystem) {
		if strings.Contains(n.String("content"), "joined") {
			t.Fatal("joining connection must not receive its own join notice")
		}
	}
	h.assertConsistent()
}

func TestAdmitRejectsSecondConnectionAndEmptyIdentity(t *testing.T) {
	h := newHarness(t)
	h.connect("u1", "c1")

	if _, err := h.router.Admit(context.Background(), "u1", registrytest.NewConn("c9")); !errors.Is(err, registry.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if _, err := h.router.Admit(context.Background(), "", registrytest.NewConn("c8")); !errors.Is(err, registry.ErrIdentityRequired) {
		t.Fatalf("expected ErrIdentityRequired, got %v", err)
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("expected one live session, got %d", h.sessions.Len())
	}
	h.assertConsistent()
}

func TestChatReachesOnlyTheSendersRoom(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c3 := h.connect("u3", "c3")
	h.command("c3", "join", "Techline")
	c1.Reset()
	c2.Reset()
	c3.Reset()

	h.say("c1", "  hello lobby  ")

	for _, c := range []*registrytest.Conn{c1, c2} {
		got := c.OfType(chat.TypeChatMessage)
		if len(got) != 1 || got[0].String("content") != "hello lobby" || got[0].String("username") != "u1" || got[0].String("room") != "Lobby" {
			t.Fatalf("unexpected chat for %s: %v", c.Handle(), got)
		}
		if got[0].String("timestamp") == "" {
			t.Fatal("chat broadcast must carry a timestamp")
		}
	}
	if len(c3.Frames()) != 0 {
		t.Fatalf("techline must not see lobby chat, got %v", c3.Frames())
	}

	lines := h.sink.Lines()
	if len(lines) != 1 || lines[0].Room != "Lobby" || lines[0].Sender != "u1" {
		t.Fatalf("expected the line to be recorded, got %#v", lines)
	}
}

func TestBlankAndOversizedChatIsNotBroadcast(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c1.Reset()

	h.say("c1", "   ")
	if len(c1.Frames()) != 0 {
		t.Fatalf("blank line must be ignored, got %v", c1.Frames())
	}

	h.say("c1", strings.Repeat("x", 201))
	got := c1.Frames()
	if len(got) != 1 || got[0].Type() != chat.TypeError {
		t.Fatalf("expected a length error, got %v", got)
	}
	if len(h.sink.Lines()) != 0 {
		t.Fatal("rejected lines must not be recorded")
	}
}

func TestJoinRoomMovesAndNotifiesBothRooms(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c3 := h.connect("u3", "c3")
	h.command("c3", "join", "Techline")
	c1.Reset()
	c2.Reset()
	c3.Reset()

	if err := h.router.Handle(context.Background(), "c1", chat.JoinRoom{Room: "Techline"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := contents(c2.OfType(chat.TypeSystem)); len(got) != 1 || got[0] != "u1 left for Techline." {
		t.Fatalf("old room notice: %v", got)
	}
	if got := contents(c3.OfType(chat.TypeSystem)); len(got) != 1 || got[0] != "u1 joined Techline." {
		t.Fatalf("new room notice: %v", got)
	}
	change := c1.OfType(chat.TypeRoomChange)
	if len(change) != 1 || change[0].String("room") != "Techline" || change[0].String("content") == "" {
		t.Fatalf("expected room_change with description, got %v", change)
	}
	for _, c := range []*registrytest.Conn{c1, c2, c3} {
		if len(c.OfType(chat.TypeRoomList)) != 1 {
			t.Fatalf("%s must receive the updated presence", c.Handle())
		}
	}

	sess, _ := h.sessions.Lookup("c1")
	if sess.Room != "Techline" {
		t.Fatalf("session room not updated: %q", sess.Room)
	}
	h.assertConsistent()
}

func TestJoinRoomErrorsAreScopedToTheSender(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c1.Reset()
	c2.Reset()

	_ = h.router.Handle(context.Background(), "c1", chat.JoinRoom{Room: "Nowhere"})
	_ = h.router.Handle(context.Background(), "c1", chat.JoinRoom{Room: "Lobby"})
	_ = h.router.Handle(context.Background(), "c1", chat.JoinRoom{Room: "lobby"})

	errs := contents(c1.OfType(chat.TypeError))
	if len(errs) != 3 {
		t.Fatalf("expected three errors, got %v", errs)
	}
	if !strings.Contains(errs[0], "'Nowhere' does not exist") || errs[1] != "You are already in Lobby." || !strings.Contains(errs[2], "'lobby' does not exist") {
		t.Fatalf("unexpected errors %v", errs)
	}
	if len(c2.Frames()) != 0 {
		t.Fatalf("failed joins must not reach others, got %v", c2.Frames())
	}
	h.assertConsistent()
}

func TestDropThenResumeIsInvisibleToOthers(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	h.connect("u2", "c2")
	h.command("c2", "join", "Arcade")
	c1.Reset()

	h.router.Drop("c2")
	if len(c1.Frames()) != 0 {
		t.Fatalf("an unexpected drop must not broadcast, got %v", c1.Frames())
	}
	if placed, ok := h.rooms.RoomOf("u2"); !ok || placed != "Arcade" {
		t.Fatalf("grace-held identity must keep its room, got %q", placed)
	}
	h.assertConsistent()

	h.clock.Advance(10 * time.Second)
	c2b := h.connect("u2", "c2b")

	if len(c1.Frames()) != 0 {
		t.Fatalf("a resume must not broadcast, got %v", c1.Frames())
	}
	frames := c2b.Frames()
	if len(frames) != 4 || frames[0].Type() != chat.TypeSystem || !strings.HasPrefix(frames[0].String("content"), "Welcome back") {
		t.Fatalf("unexpected resume frames %v", frames)
	}
	if frames[1].Type() != chat.TypeRoomChange || frames[1].String("room") != "Arcade" {
		t.Fatalf("resume must restore Arcade, got %v", frames[1])
	}
	if h.keeper.Len() != 0 {
		t.Fatal("grace entry must be consumed by the resume")
	}

	h.clock.Advance(time.Minute)
	if placed, _ := h.rooms.RoomOf("u2"); placed != "Arcade" {
		t.Fatal("a stale expiry must not evict a resumed identity")
	}
	h.assertConsistent()
}

func TestGraceExpiryAnnouncesDeparture(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	h.connect("u2", "c2")
	h.router.Drop("c2")
	c1.Reset()

	h.clock.Advance(29 * time.Second)
	if len(c1.Frames()) != 0 {
		t.Fatal("departure announced before the grace window ran out")
	}

	h.clock.Advance(time.Second)
	if got := contents(c1.OfType(chat.TypeSystem)); len(got) != 1 || got[0] != "u2 left the room." {
		t.Fatalf("expected departure notice, got %v", got)
	}
	users := c1.OfType(chat.TypeUserList)
	if len(users) != 1 {
		t.Fatal("expected refreshed presence after expiry")
	}
	if list, _ := users[0]["users"].([]any); len(list) != 1 {
		t.Fatalf("expected only u1 listed, got %v", users[0]["users"])
	}
	if _, ok := h.rooms.RoomOf("u2"); ok {
		t.Fatal("expired identity must leave the directory")
	}

	c2 := h.connect("u2", "c2c")
	if change := c2.OfType(chat.TypeRoomChange); len(change) != 1 || change[0].String("room") != "Lobby" {
		t.Fatalf("reconnect after expiry is a fresh join, got %v", change)
	}
	h.assertConsistent()
}

func TestOverdueGraceEntryIsTreatedAsFreshJoin(t *testing.T) {
	clock := gracetest.NewClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	never := func(time.Duration, func()) func() bool { return func() bool { return true } }
	h := buildHarness(t, clock, never)

	c1 := h.connect("u1", "c1")
	h.connect("u2", "c2")
	h.router.Drop("c2")
	c1.Reset()

	clock.Advance(45 * time.Second)
	c2 := h.connect("u2", "c2b")

	notices := contents(c1.OfType(chat.TypeSystem))
	if len(notices) != 2 || notices[0] != "u2 left the room." || notices[1] != "u2 joined Lobby." {
		t.Fatalf("expected leave then join, got %v", notices)
	}
	if got := c2.OfType(chat.TypeSystem); len(got) == 0 || strings.HasPrefix(got[0].String("content"), "Welcome back") {
		t.Fatalf("overdue entry must not resume, got %v", got)
	}
	h.assertConsistent()
}

func TestFloodingEscalatesToKickAndCooldown(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c1.Reset()
	c2.Reset()

	for i := 0; i < 10; i++ {
		h.say("c1", fmt.Sprintf("m%d", i))
	}
	if got := len(c2.OfType(chat.TypeChatMessage)); got != 10 {
		t.Fatalf("expected 10 delivered lines, got %d", got)
	}

	h.say("c1", "eleven")
	errs := contents(c1.OfType(chat.TypeError))
	if len(errs) != 1 || !strings.Contains(errs[0], "too fast") {
		t.Fatalf("expected a warning on the 11th line, got %v", errs)
	}

	h.say("c1", "twelve")
	errs = contents(c1.OfType(chat.TypeError))
	if len(errs) != 2 || !strings.Contains(errs[1], "muted for 30 seconds") {
		t.Fatalf("expected a mute notice, got %v", errs)
	}

	h.say("c1", "while muted")
	if len(c1.OfType(chat.TypeError)) != 2 {
		t.Fatal("lines during a mute must be dropped silently")
	}
	if got := len(c2.OfType(chat.TypeChatMessage)); got != 10 {
		t.Fatalf("rejected lines leaked, got %d", got)
	}

	h.clock.Advance(30 * time.Second)
	for i := 0; i < 10; i++ {
		h.say("c1", fmt.Sprintf("again%d", i))
	}
	h.say("c1", "one too many")

	if closed, _ := c1.Closed(); !closed {
		t.Fatal("repeat offender must be disconnected")
	}
	if h.sessions.Len() != 1 || h.keeper.Len() != 0 {
		t.Fatalf("kicked session must be gone without grace, sessions=%d grace=%d", h.sessions.Len(), h.keeper.Len())
	}
	if got := contents(c2.OfType(chat.TypeSystem)); len(got) == 0 || got[len(got)-1] != "u1 was disconnected for flooding." {
		t.Fatalf("room must be told about the kick, got %v", got)
	}

	if _, err := h.router.Admit(context.Background(), "u1", registrytest.NewConn("c1b")); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("expected ErrCoolingDown, got %v", err)
	}
	h.clock.Advance(time.Minute)
	h.connect("u1", "c1c")
	if lvl := h.limiter.Level("u1", ratelimit.Message); lvl != ratelimit.LevelNone {
		t.Fatalf("cooldown must start from a clean slate, got %s", lvl)
	}
	h.assertConsistent()
}

func TestKickWithoutCooldownTakesTheDropPath(t *testing.T) {
	h := newHarness(t)
	h.router.cfg.KickCooldown = 0
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	h.command("c1", "join", "Lounge")
	h.command("c2", "join", "Lounge")
	c2.Reset()

	for i := 0; i < 11; i++ {
		h.say("c1", fmt.Sprintf("m%d", i))
	}
	h.say("c1", "muted now")
	h.clock.Advance(30 * time.Second)
	for i := 0; i < 11; i++ {
		h.say("c1", fmt.Sprintf("again%d", i))
	}

	if closed, _ := c1.Closed(); !closed {
		t.Fatal("repeat offender must be disconnected")
	}
	errs := contents(c1.OfType(chat.TypeError))
	if len(errs) == 0 || errs[len(errs)-1] != "Disconnected for flooding." {
		t.Fatalf("expected a flooding notice, got %v", errs)
	}
	if entry, ok := h.keeper.Pending("u1"); !ok || entry.Room != "Lounge" {
		t.Fatalf("kick without cooldown must leave a grace entry, got %+v ok=%v", entry, ok)
	}
	for _, notice := range contents(c2.OfType(chat.TypeSystem)) {
		if strings.Contains(notice, "u1") {
			t.Fatalf("drop path must not announce the kick, got %q", notice)
		}
	}
	if lvl := h.limiter.Level("u1", ratelimit.Message); lvl != ratelimit.LevelNone {
		t.Fatalf("limiter state must be forgotten, got %s", lvl)
	}
	h.assertConsistent()

	c1b := h.connect("u1", "c1b")
	if change := c1b.OfType(chat.TypeRoomChange); len(change) != 1 || change[0].String("room") != "Lounge" {
		t.Fatalf("kicked identity must resume its room, got %v", change)
	}
	h.assertConsistent()
}

func TestTechlineResumeAndFloodScenario(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("U1", "c1")
	c2 := h.connect("U2", "c2")
	h.command("c1", "join", "Techline")
	h.command("c2", "join", "Techline")

	h.router.Drop("c1")
	h.clock.Advance(10 * time.Second)
	c1 = h.connect("U1", "c1b")
	if change := c1.OfType(chat.TypeRoomChange); len(change) != 1 || change[0].String("room") != "Techline" {
		t.Fatalf("U1 must resume in Techline, got %v", change)
	}
	c1.Reset()
	c2.Reset()

	for i := 0; i < 11; i++ {
		h.say("c2", fmt.Sprintf("line %d", i))
		h.clock.Advance(400 * time.Millisecond)
	}
	if got := len(c1.OfType(chat.TypeChatMessage)); got != 10 {
		t.Fatalf("expected the first 10 lines delivered, got %d", got)
	}
	if errs := contents(c2.OfType(chat.TypeError)); len(errs) != 1 || !strings.Contains(errs[0], "too fast") {
		t.Fatalf("expected a warning on the 11th line, got %v", errs)
	}

	h.clock.Advance(time.Second)
	h.say("c2", "line 12")
	if errs := contents(c2.OfType(chat.TypeError)); len(errs) != 2 || errs[1] != "You have been muted for 30 seconds." {
		t.Fatalf("expected a mute on the 12th line, got %v", errs)
	}

	h.clock.Advance(30 * time.Second)
	h.say("c2", "back again")
	lines := c1.OfType(chat.TypeChatMessage)
	if len(lines) != 11 || lines[10].String("content") != "back again" {
		t.Fatalf("expected the line after the mute delivered, got %d lines", len(lines))
	}
	h.assertConsistent()
}

func TestCommandsReplyPrivately(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c1.Reset()
	c2.Reset()

	h.command("c1", "help")
	h.command("c1", "rooms")
	h.command("c1", "users")
	h.command("c1", "dance")

	frames := c1.Frames()
	if len(frames) != 4 {
		t.Fatalf("expected four replies, got %v", frames)
	}
	if frames[0].Type() != chat.TypeSystem || !strings.Contains(frames[0].String("content"), "/join <room>") {
		t.Fatalf("unexpected help %v", frames[0])
	}
	if frames[1].Type() != chat.TypeRoomList || frames[2].Type() != chat.TypeUserList {
		t.Fatalf("unexpected listings %v", frames[1:3])
	}
	if frames[3].Type() != chat.TypeError || !strings.Contains(frames[3].String("content"), "Unknown command: /dance") {
		t.Fatalf("unexpected error %v", frames[3])
	}
	if len(c2.Frames()) != 0 {
		t.Fatalf("command replies leaked, got %v", c2.Frames())
	}
}

func TestSlashLineIsACommand(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c1.Reset()

	h.say("c1", "/join Lounge")
	if change := c1.OfType(chat.TypeRoomChange); len(change) != 1 || change[0].String("room") != "Lounge" {
		t.Fatalf("expected room change, got %v", c1.Frames())
	}
	if len(c1.OfType(chat.TypeChatMessage)) != 0 || len(h.sink.Lines()) != 0 {
		t.Fatal("a command line must not be broadcast as chat")
	}
}

func TestCreateRoomBroadcastsRoomList(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c1.Reset()
	c2.Reset()

	h.command("c1", "create", "Garage", "bands", "only")
	if !h.rooms.Exists("Garage") {
		t.Fatal("room not created")
	}
	if rm, _ := h.rooms.Room("Garage"); rm.Description != "bands only" {
		t.Fatalf("unexpected description %q", rm.Description)
	}
	if len(c2.OfType(chat.TypeRoomList)) != 1 {
		t.Fatal("everyone must see the new room list")
	}

	h.command("c1", "create", "Garage")
	if errs := contents(c1.OfType(chat.TypeError)); len(errs) != 1 || !strings.Contains(errs[0], "already exists") {
		t.Fatalf("expected duplicate error, got %v", errs)
	}
}

func TestCommandFloodIsRejectedWithoutEscalation(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c1.Reset()

	for i := 0; i < 8; i++ {
		h.command("c1", "rooms")
	}
	if got := len(c1.OfType(chat.TypeRoomList)); got != 5 {
		t.Fatalf("expected 5 answered commands, got %d", got)
	}
	if got := len(c1.OfType(chat.TypeError)); got != 3 {
		t.Fatalf("expected 3 rejections, got %d", got)
	}
	if closed, _ := c1.Closed(); closed {
		t.Fatal("command flooding must not disconnect")
	}

	h.clock.Advance(5 * time.Second)
	h.command("c1", "rooms")
	if got := len(c1.OfType(chat.TypeRoomList)); got != 6 {
		t.Fatalf("expected commands to recover, got %d", got)
	}
}

func TestLogoutRemovesWithoutGrace(t *testing.T) {
	h := newHarness(t)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c1.Reset()

	if err := h.router.Handle(context.Background(), "c2", chat.Logout{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if closed, reason := c2.Closed(); !closed || reason != "logout" {
		t.Fatalf("expected logout close, got %v %q", closed, reason)
	}
	if h.keeper.Len() != 0 {
		t.Fatal("logout must not leave a grace entry")
	}
	if got := contents(c1.OfType(chat.TypeSystem)); len(got) != 1 || got[0] != "u2 logged out." {
		t.Fatalf("expected logout notice, got %v", got)
	}

	// The reader goroutine still calls Drop after the close.
	h.router.Drop("c2")
	if h.keeper.Len() != 0 {
		t.Fatal("drop after logout must be a no-op")
	}
	if err := h.router.Handle(context.Background(), "c2", chat.ChatMessage{Content: "ghost"}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a closed handle, got %v", err)
	}
	h.assertConsistent()
}

type echoBot struct {
	mu    sync.Mutex
	heard []string
}

func (b *echoBot) Name() string { return "echo" }

func (b *echoBot) Intercept(_ context.Context, d *Delivery) error {
	if !strings.HasPrefix(d.Message.Content, "@echo") {
		return nil
	}
	d.Rewrite(d.Message.Content + " (summoned)")
	d.Reply(chat.System{Content: "echo is listening"})
	d.Claim(time.Minute)
	return nil
}

func (b *echoBot) HandleHeld(_ context.Context, _ chat.Session, ev chat.Inbound) HeldResult {
	msg, ok := ev.(chat.ChatMessage)
	if !ok {
		return HeldResult{}
	}
	b.mu.Lock()
	b.heard = append(b.heard, msg.Content)
	b.mu.Unlock()
	return HeldResult{
		Replies: []chat.Outbound{chat.System{Content: "echo: " + msg.Content}},
		Release: msg.Content == "bye",
	}
}

func TestInterceptorHoldsInputUntilReleased(t *testing.T) {
	bot := &echoBot{}
	h := newHarness(t, bot)
	c1 := h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")
	c1.Reset()
	c2.Reset()

	h.say("c1", "@echo hi")
	room := c2.OfType(chat.TypeChatMessage)
	if len(room) != 1 || room[0].String("content") != "@echo hi (summoned)" {
		t.Fatalf("expected rewritten broadcast, got %v", room)
	}
	if got := contents(c1.OfType(chat.TypeSystem)); len(got) != 1 || got[0] != "echo is listening" {
		t.Fatalf("expected private reply, got %v", got)
	}

	h.say("c1", "secret")
	h.command("c1", "rooms")
	if len(c2.OfType(chat.TypeChatMessage)) != 1 {
		t.Fatal("held input must not reach the room")
	}
	if len(c1.OfType(chat.TypeRoomList)) != 0 {
		t.Fatal("held commands belong to the holder")
	}
	if got := contents(c1.OfType(chat.TypeSystem)); len(got) != 2 || got[1] != "echo: secret" {
		t.Fatalf("expected holder reply, got %v", got)
	}

	h.say("c1", "bye")
	h.say("c1", "back to the room")
	if got := c2.OfType(chat.TypeChatMessage); len(got) != 2 || got[1].String("content") != "back to the room" {
		t.Fatalf("released input must reach the room, got %v", got)
	}
	if len(bot.heard) != 2 {
		t.Fatalf("expected the bot to hear two held lines, got %v", bot.heard)
	}
}

func TestHoldLapsesAfterItsDeadline(t *testing.T) {
	h := newHarness(t, &echoBot{})
	h.connect("u1", "c1")
	c2 := h.connect("u2", "c2")

	h.say("c1", "@echo")
	h.clock.Advance(time.Minute)
	c2.Reset()

	h.say("c1", "free again")
	if got := c2.OfType(chat.TypeChatMessage); len(got) != 1 {
		t.Fatalf("expired hold must release input, got %v", got)
	}
	if sess, _ := h.sessions.Lookup("c1"); sess.HeldBy != "" {
		t.Fatalf("hold not cleared: %q", sess.HeldBy)
	}
}

func TestLogoutPassesThroughAHold(t *testing.T) {
	h := newHarness(t, &echoBot{})
	c1 := h.connect("u1", "c1")
	h.say("c1", "@echo")

	if err := h.router.Handle(context.Background(), "c1", chat.Logout{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if closed, _ := c1.Closed(); !closed {
		t.Fatal("logout must not be captured by the holder")
	}
}

func TestConcurrentTrafficKeepsStoresConsistent(t *testing.T) {
	h := newHarness(t)
	rooms := []string{"Lobby", "Techline", "Lounge", "Arcade"}
	const clients = 8

	for i := 0; i < clients; i++ {
		h.connect(fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := fmt.Sprintf("c%d", i)
			for j := 0; j < 20; j++ {
				_ = h.router.Handle(context.Background(), handle, chat.JoinRoom{Room: rooms[(i+j)%len(rooms)]})
				_ = h.router.Handle(context.Background(), handle, chat.ChatMessage{Content: "hey"})
			}
			if i%2 == 0 {
				h.router.Drop(handle)
			}
		}(i)
	}
	wg.Wait()

	h.assertConsistent()
	if h.sessions.Len()+h.keeper.Len() != clients {
		t.Fatalf("every identity must be live or in grace, live=%d grace=%d", h.sessions.Len(), h.keeper.Len())
	}
}
