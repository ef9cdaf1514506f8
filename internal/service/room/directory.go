package room

import (
	"errors"
	"sort"
	"sync"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrAlreadyInRoom = errors.New("already in room")
	ErrNotMember     = errors.New("identity is not a member of the room")
	ErrRoomExists    = errors.New("room already exists")
	ErrNameRequired  = errors.New("room name is required")
)

type room struct {
	name        string
	description string
	members     map[string]struct{}
}

// Directory owns the rooms and the identity to room placement. Every
// mutation updates the member set and the placement under one lock.
type Directory struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	order    []string
	location map[string]string
}

// NewDirectory returns a Directory preloaded with the supplied rooms.
func NewDirectory(seeds []chat.SeedRoom) *Directory {
	d := &Directory{
		rooms:    make(map[string]*room),
		location: make(map[string]string),
	}
	for _, seed := range seeds {
		d.EnsureRoom(seed.Name, seed.Description)
	}
	return d
}

// EnsureRoom creates the room if it does not exist. It reports whether a
// room was created; an existing room keeps its description.
func (d *Directory) EnsureRoom(name, description string) bool {
	if name == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[name]; ok {
		return false
	}
	d.rooms[name] = &room{
		name:        name,
		description: description,
		members:     make(map[string]struct{}),
	}
	d.order = append(d.order, name)
	return true
}

// Create adds a new room, failing when the name is taken.
func (d *Directory) Create(name, description string) error {
	if name == "" {
		return ErrNameRequired
	}
	if !d.EnsureRoom(name, description) {
		return ErrRoomExists
	}
	return nil
}

// Exists reports whether a room with the exact name exists.
func (d *Directory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[name]
	return ok
}

// Room returns a copy of the named room.
func (d *Directory) Room(name string) (chat.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[name]
	if !ok {
		return chat.Room{}, ErrRoomNotFound
	}
	return chat.Room{
		Name:        r.name,
		Description: r.description,
		Members:     sortedMembers(r),
	}, nil
}

// Join places an identity that is in no room into the given room.
func (d *Directory) Join(identity, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if current, ok := d.location[identity]; ok {
		if current == name {
			return ErrAlreadyInRoom
		}
		return ErrNotMember
	}
	r.members[identity] = struct{}{}
	d.location[identity] = name
	return nil
}

// Move transfers identity from one room to another in a single step.
func (d *Directory) Move(identity, from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	target, ok := d.rooms[to]
	if !ok {
		return ErrRoomNotFound
	}
	if from == to {
		return ErrAlreadyInRoom
	}
	source, ok := d.rooms[from]
	if !ok {
		return ErrRoomNotFound
	}
	if d.location[identity] != from {
		return ErrNotMember
	}

	delete(source.members, identity)
	target.members[identity] = struct{}{}
	d.location[identity] = to
	return nil
}

// Remove takes identity out of whatever room it occupies.
func (d *Directory) Remove(identity string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, ok := d.location[identity]
	if !ok {
		return "", false
	}
	delete(d.location, identity)
	if r, ok := d.rooms[name]; ok {
		delete(r.members, identity)
	}
	return name, true
}

// RoomOf returns the room identity is placed in.
func (d *Directory) RoomOf(identity string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.location[identity]
	return name, ok
}

// MembersOf returns the sorted members of a room.
func (d *Directory) MembersOf(name string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return sortedMembers(r), nil
}

// Snapshot lists every room in creation order with its member count.
func (d *Directory) Snapshot() []chat.RoomSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.summariesLocked()
}

// Placements lists every placed identity with its room, sorted by identity.
func (d *Directory) Placements() []chat.UserPresence {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.placementsLocked()
}

// Presence returns rooms and placements read under the same lock, so the
// counts always add up to the number of users.
func (d *Directory) Presence() ([]chat.RoomSummary, []chat.UserPresence) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.summariesLocked(), d.placementsLocked()
}

func (d *Directory) summariesLocked() []chat.RoomSummary {
	out := make([]chat.RoomSummary, 0, len(d.order))
	for _, name := range d.order {
		r := d.rooms[name]
		out = append(out, chat.RoomSummary{
			Name:        r.name,
			Count:       len(r.members),
			Description: r.description,
		})
	}
	return out
}

func (d *Directory) placementsLocked() []chat.UserPresence {
	out := make([]chat.UserPresence, 0, len(d.location))
	for identity, name := range d.location {
		out = append(out, chat.UserPresence{Username: identity, Room: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func sortedMembers(r *room) []string {
	members := make([]string, 0, len(r.members))
	for identity := range r.members {
		members = append(members, identity)
	}
	sort.Strings(members)
	return members
}
