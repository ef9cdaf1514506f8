package presence

import (
	"log"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/internal/service/room"
)

// Selector picks the sessions a fan-out is delivered to.
type Selector func(chat.Session) bool

// All selects every live session.
func All() Selector {
	return func(chat.Session) bool { return true }
}

// InRoom selects the sessions currently in the named room.
func InRoom(name string) Selector {
	return func(s chat.Session) bool { return s.Room == name }
}

// Only selects the session served by handle.
func Only(handle string) Selector {
	return func(s chat.Session) bool { return s.Handle == handle }
}

// Except narrows sel to sessions other than handle.
func Except(sel Selector, handle string) Selector {
	return func(s chat.Session) bool { return s.Handle != handle && sel(s) }
}

// Broadcaster computes presence snapshots and delivers frames to live connections.
type Broadcaster struct {
	sessions *registry.Registry
	rooms    *room.Directory
}

// New returns a Broadcaster over the given stores.
func New(sessions *registry.Registry, rooms *room.Directory) *Broadcaster {
	return &Broadcaster{sessions: sessions, rooms: rooms}
}

// Snapshot returns the current room list and user list.
func (b *Broadcaster) Snapshot() (chat.RoomList, chat.UserList) {
	rooms, users := b.rooms.Presence()
	return chat.RoomList{Rooms: rooms}, chat.UserList{Users: users}
}

// BroadcastPresence pushes the full snapshot to every live connection.
func (b *Broadcaster) BroadcastPresence() int {
	rooms, users := b.Snapshot()
	return b.Fanout(All(), rooms, users)
}

// SendPresence pushes the full snapshot to a single connection.
func (b *Broadcaster) SendPresence(handle string) int {
	rooms, users := b.Snapshot()
	return b.Fanout(Only(handle), rooms, users)
}

// Send delivers msgs to the connection served by handle.
func (b *Broadcaster) Send(handle string, msgs ...chat.Outbound) int {
	return b.Fanout(Only(handle), msgs...)
}

// Fanout encodes msgs once and queues them on every selected connection.
// A connection that refuses a frame is closed and skipped; delivery to the
// others continues. It returns the number of connections that took every frame.
func (b *Broadcaster) Fanout(sel Selector, msgs ...chat.Outbound) int {
	frames := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		frame, err := chat.Encode(msg)
		if err != nil {
			log.Printf("[presence] encode %s failed: %v", msg.Type(), err)
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return 0
	}

	delivered := 0
	for _, target := range b.sessions.Targets(sel) {
		ok := true
		for _, frame := range frames {
			if !target.Conn.Send(frame) {
				ok = false
				break
			}
		}
		if !ok {
			log.Printf("[presence] pruning connection handle=%s identity=%s: send queue unavailable", target.Session.Handle, target.Session.Identity)
			target.Conn.Close("send queue saturated")
			continue
		}
		delivered++
	}
	return delivered
}
