// Package grace keeps recently disconnected identities resumable for a
// short window.
package grace

import (
	"sync"
	"time"
)

// Scheduler runs f once after d. The returned stop function cancels the
// task and reports whether it was still pending.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// TimerScheduler schedules tasks on time.AfterFunc.
func TimerScheduler(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ExpiryHandler is called from the scheduled task once a grace window ran
// out. The handler is expected to call Expire with the same token.
type ExpiryHandler func(identity string, token uint64)

// Entry is one recently disconnected identity.
type Entry struct {
	Identity string
	Room     string
	ExpireAt time.Time
	Token    uint64
}

type pending struct {
	entry Entry
	stop  func() bool
}

// Keeper owns the grace entries, at most one per identity.
type Keeper struct {
	mu       sync.Mutex
	window   time.Duration
	entries  map[string]*pending
	seq      uint64
	schedule Scheduler
	now      func() time.Time
	onExpire ExpiryHandler
}

// Option customizes a Keeper.
type Option func(*Keeper)

// WithScheduler replaces the timer-backed scheduler.
func WithScheduler(s Scheduler) Option {
	return func(k *Keeper) { k.schedule = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// NewKeeper returns a Keeper holding entries for window.
func NewKeeper(window time.Duration, opts ...Option) *Keeper {
	k := &Keeper{
		window:   window,
		entries:  make(map[string]*pending),
		schedule: TimerScheduler,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Window returns the grace duration.
func (k *Keeper) Window() time.Duration { return k.window }

// SetExpiryHandler registers the callback for finished grace windows.
// Without one, expired entries are simply dropped.
func (k *Keeper) SetExpiryHandler(fn ExpiryHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onExpire = fn
}

// Hold records an unexpected disconnect of identity from room and starts
// the expiry task. A previous entry for the identity is cancelled first.
func (k *Keeper) Hold(identity, room string) Entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.cancelLocked(identity)

	k.seq++
	entry := Entry{
		Identity: identity,
		Room:     room,
		ExpireAt: k.now().Add(k.window),
		Token:    k.seq,
	}
	token := entry.Token
	p := &pending{entry: entry}
	p.stop = k.schedule(k.window, func() { k.fire(identity, token) })
	k.entries[identity] = p
	return entry
}

// Resume consumes a live entry for identity and returns its room. An entry
// whose deadline passed is discarded and reported as not resumable.
func (k *Keeper) Resume(identity string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.entries[identity]
	if !ok {
		return "", false
	}
	k.cancelLocked(identity)
	if !k.now().Before(p.entry.ExpireAt) {
		return "", false
	}
	return p.entry.Room, true
}

// Expire consumes the entry for identity if token still names it.
func (k *Keeper) Expire(identity string, token uint64) (Entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.entries[identity]
	if !ok || p.entry.Token != token {
		return Entry{}, false
	}
	delete(k.entries, identity)
	return p.entry, true
}

// Cancel drops any entry for identity without running its expiry.
func (k *Keeper) Cancel(identity string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancelLocked(identity)
}

// Pending returns the entry for identity, if any.
func (k *Keeper) Pending(identity string) (Entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return p.entry, true
}

// Len returns the number of entries in flight.
func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keeper) cancelLocked(identity string) bool {
	p, ok := k.entries[identity]
	if !ok {
		return false
	}
	if p.stop != nil {
		p.stop()
	}
	delete(k.entries, identity)
	return true
}

func (k *Keeper) fire(identity string, token uint64) {
	k.mu.Lock()
	handler := k.onExpire
	k.mu.Unlock()

	if handler != nil {
		handler(identity, token)
		return
	}
	k.Expire(identity, token)
}
