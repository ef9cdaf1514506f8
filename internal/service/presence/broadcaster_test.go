package presence_test

import (
	"testing"
	"time"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/presence"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry/registrytest"
	"github.com/zhouzirui/z-terminal/backend/internal/service/room"
)

type fixture struct {
	reg   *registry.Registry
	rooms *room.Directory
	b     *presence.Broadcaster
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := registry.New()
	rooms := room.NewDirectory(chat.SeedRooms())
	return fixture{reg: reg, rooms: rooms, b: presence.New(reg, rooms)}
}

func (f fixture) admit(t *testing.T, identity, roomName string, conn registry.Conn) {
	t.Helper()
	if err := f.rooms.Join(identity, roomName); err != nil {
		t.Fatalf("join %s: %v", identity, err)
	}
	if _, err := f.reg.Admit(identity, conn, roomName, time.Now()); err != nil {
		t.Fatalf("admit %s: %v", identity, err)
	}
}

func TestBroadcastPresenceReachesEveryConnection(t *testing.T) {
	f := newFixture(t)
	c1 := registrytest.NewConn("c1")
	c2 := registrytest.NewConn("c2")
	f.admit(t, "u1", "Lobby", c1)
	f.admit(t, "u2", "Techline", c2)

	if n := f.b.BroadcastPresence(); n != 2 {
		t.Fatalf("expected delivery to 2 connections, got %d", n)
	}

	for _, c := range []*registrytest.Conn{c1, c2} {
		frames := c.Frames()
		if len(frames) != 2 || frames[0].Type() != chat.TypeRoomList || frames[1].Type() != chat.TypeUserList {
			t.Fatalf("unexpected frames for %s: %v", c.Handle(), frames)
		}
	}
}

func TestSnapshotCountsMatchUsers(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "u1", "Lobby", registrytest.NewConn("c1"))
	f.admit(t, "u2", "Lobby", registrytest.NewConn("c2"))
	f.admit(t, "u3", "Arcade", registrytest.NewConn("c3"))
	// A grace-held identity keeps its membership without a live session.
	_ = f.rooms.Join("u4", "Lounge")

	rooms, users := f.b.Snapshot()
	total := 0
	for _, r := range rooms.Rooms {
		total += r.Count
	}
	if total != len(users.Users) || total != 4 {
		t.Fatalf("expected 4 users counted consistently, counts=%d users=%d", total, len(users.Users))
	}
}

func TestFanoutToRoomOnly(t *testing.T) {
	f := newFixture(t)
	c1 := registrytest.NewConn("c1")
	c2 := registrytest.NewConn("c2")
	c3 := registrytest.NewConn("c3")
	f.admit(t, "u1", "Lobby", c1)
	f.admit(t, "u2", "Lobby", c2)
	f.admit(t, "u3", "Techline", c3)

	msg := chat.ChatBroadcast{Username: "u1", Content: "hi", Room: "Lobby"}
	if n := f.b.Fanout(presence.InRoom("Lobby"), msg); n != 2 {
		t.Fatalf("expected 2 lobby deliveries, got %d", n)
	}
	if len(c3.Frames()) != 0 {
		t.Fatal("techline must not see lobby chat")
	}

	if n := f.b.Fanout(presence.Except(presence.InRoom("Lobby"), "c1"), chat.System{Content: "x"}); n != 1 {
		t.Fatalf("expected 1 delivery excluding c1, got %d", n)
	}
	if len(c1.OfType(chat.TypeSystem)) != 0 {
		t.Fatal("excluded connection received the notice")
	}
}

func TestSaturatedConnectionIsPrunedWithoutBlockingOthers(t *testing.T) {
	f := newFixture(t)
	slow := registrytest.NewBoundedConn("slow", 1)
	fast := registrytest.NewConn("fast")
	f.admit(t, "slowpoke", "Lobby", slow)
	f.admit(t, "zippy", "Lobby", fast)

	if n := f.b.BroadcastPresence(); n != 1 {
		t.Fatalf("expected only the fast connection to take the snapshot, got %d", n)
	}
	if closed, reason := slow.Closed(); !closed || reason == "" {
		t.Fatal("saturated connection must be closed")
	}
	if len(fast.Frames()) != 2 {
		t.Fatalf("fast connection must receive the full snapshot, got %d frames", len(fast.Frames()))
	}
}

func TestSendPresenceToOneConnection(t *testing.T) {
	f := newFixture(t)
	c1 := registrytest.NewConn("c1")
	c2 := registrytest.NewConn("c2")
	f.admit(t, "u1", "Lobby", c1)
	f.admit(t, "u2", "Lobby", c2)

	f.b.SendPresence("c1")
	f.b.Send("c1", chat.System{Content: "welcome"})
	if len(c1.Frames()) != 3 || len(c2.Frames()) != 0 {
		t.Fatalf("unexpected frames c1=%d c2=%d", len(c1.Frames()), len(c2.Frames()))
	}
}
