package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
)

var (
	ErrAlreadyConnected = errors.New("identity already connected")
	ErrNotFound         = errors.New("session not found")
	ErrIdentityRequired = errors.New("identity is required")
)

// Conn is the outbound side of a live client connection.
type Conn interface {
	// Handle returns the unique connection handle.
	Handle() string
	// Send queues one frame without blocking. It returns false when the
	// connection is closed or its queue is saturated.
	Send(frame []byte) bool
	// Close tears the connection down; queued frames are flushed first.
	Close(reason string)
}

// Target pairs a session with the connection serving it.
type Target struct {
	Session chat.Session
	Conn    Conn
}

type entry struct {
	session chat.Session
	conn    Conn
}

// Registry owns the live sessions, at most one per identity.
type Registry struct {
	mu         sync.RWMutex
	byHandle   map[string]*entry
	byIdentity map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byHandle:   make(map[string]*entry),
		byIdentity: make(map[string]string),
	}
}

// Admit creates the session for identity on conn, placed in room.
func (r *Registry) Admit(identity string, conn Conn, room string, now time.Time) (chat.Session, error) {
	if identity == "" {
		return chat.Session{}, ErrIdentityRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byIdentity[identity]; ok {
		return chat.Session{}, ErrAlreadyConnected
	}

	session := chat.Session{
		Handle:         conn.Handle(),
		Identity:       identity,
		Room:           room,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.byHandle[session.Handle] = &entry{session: session, conn: conn}
	r.byIdentity[identity] = session.Handle
	return session, nil
}

// Remove deletes the session served by handle.
func (r *Registry) Remove(handle string) (chat.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return chat.Session{}, false
	}
	delete(r.byHandle, handle)
	if r.byIdentity[e.session.Identity] == handle {
		delete(r.byIdentity, e.session.Identity)
	}
	return e.session, true
}

// Lookup returns the session served by handle.
func (r *Registry) Lookup(handle string) (chat.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return chat.Session{}, ErrNotFound
	}
	return e.session, nil
}

// LookupIdentity returns the live session of identity, if any.
func (r *Registry) LookupIdentity(identity string) (chat.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.byIdentity[identity]
	if !ok {
		return chat.Session{}, false
	}
	return r.byHandle[handle].session, true
}

// Conn returns the connection serving handle.
func (r *Registry) Conn(handle string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// SetRoom records the session's new room.
func (r *Registry) SetRoom(handle, room string) error {
	return r.update(handle, func(s *chat.Session) { s.Room = room })
}

// Touch records activity on the session.
func (r *Registry) Touch(handle string, now time.Time) error {
	return r.update(handle, func(s *chat.Session) { s.LastActivityAt = now })
}

// Hold hands exclusive control of the session input to owner until the deadline.
func (r *Registry) Hold(handle, owner string, until time.Time) error {
	return r.update(handle, func(s *chat.Session) {
		s.HeldBy = owner
		s.HoldUntil = until
	})
}

// Release ends any exclusive hold on the session input.
func (r *Registry) Release(handle string) error {
	return r.update(handle, func(s *chat.Session) {
		s.HeldBy = ""
		s.HoldUntil = time.Time{}
	})
}

func (r *Registry) update(handle string, fn func(*chat.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return ErrNotFound
	}
	fn(&e.session)
	return nil
}

// AllIdentities returns the sorted identities with a live session.
func (r *Registry) AllIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Targets returns the sessions selected by keep together with their connections.
func (r *Registry) Targets(keep func(chat.Session) bool) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.byHandle))
	for _, e := range r.byHandle {
		if keep == nil || keep(e.session) {
			out = append(out, Target{Session: e.session, Conn: e.conn})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.Identity < out[j].Session.Identity })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
