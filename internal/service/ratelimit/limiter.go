// Package ratelimit enforces per-identity sliding-window limits with
// escalating penalties.
package ratelimit

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Category separates independent limits for the same identity.
type Category string

const (
	Message Category = "message"
	Command Category = "command"
)

// Policy bounds one category. A zero Mute disables escalation: excess
// events are rejected on their own and never lead to a mute or disconnect.
type Policy struct {
	Window    time.Duration
	MaxEvents int
	Mute      time.Duration
}

// Level is the escalation state of one window.
type Level int

const (
	LevelNone Level = iota
	LevelWarned
	LevelMuted
	LevelDisconnectPending
)

func (l Level) String() string {
	switch l {
	case LevelWarned:
		return "warned"
	case LevelMuted:
		return "muted"
	case LevelDisconnectPending:
		return "disconnect-pending"
	default:
		return "none"
	}
}

// Outcome is the verdict for a single event.
type Outcome int

const (
	// Allowed lets the event through.
	Allowed Outcome = iota
	// Rejected drops the event in a category without escalation.
	Rejected
	// Warned drops the event and issues the first warning.
	Warned
	// Muted drops the event and starts a timed mute.
	Muted
	// Suppressed silently drops an event sent during an active mute.
	Suppressed
	// Disconnect drops the event and asks for the session to be closed.
	Disconnect
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Rejected:
		return "rejected"
	case Warned:
		return "warned"
	case Muted:
		return "muted"
	case Suppressed:
		return "suppressed"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Verdict is returned by Allow.
type Verdict struct {
	Outcome Outcome
	// RetryAfter is how long until the next event can be accepted.
	RetryAfter time.Duration
}

// Allowed reports whether the event may proceed.
func (v Verdict) Allowed() bool { return v.Outcome == Allowed }

type windowKey struct {
	identity string
	category Category
}

type window struct {
	stamps        *queue.Queue
	level         Level
	mutedUntil    time.Time
	lastViolation time.Time
}

// Limiter owns every (identity, category) window.
type Limiter struct {
	mu        sync.Mutex
	policies  map[Category]Policy
	windows   map[windowKey]*window
	cooldowns map[string]time.Time
}

// New builds a Limiter from per-category policies.
func New(policies map[Category]Policy) *Limiter {
	copied := make(map[Category]Policy, len(policies))
	for cat, p := range policies {
		copied[cat] = p
	}
	return &Limiter{
		policies:  copied,
		windows:   make(map[windowKey]*window),
		cooldowns: make(map[string]time.Time),
	}
}

// Allow checks one event of the category for identity at now and records it
// when accepted.
func (l *Limiter) Allow(identity string, cat Category, now time.Time) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.policies[cat]
	if !ok || p.MaxEvents <= 0 || p.Window <= 0 {
		return Verdict{Outcome: Allowed}
	}

	key := windowKey{identity: identity, category: cat}
	w, ok := l.windows[key]
	if !ok {
		w = &window{stamps: queue.New()}
		l.windows[key] = w
	}

	if w.level == LevelMuted && now.Before(w.mutedUntil) {
		return Verdict{Outcome: Suppressed, RetryAfter: w.mutedUntil.Sub(now)}
	}
	if w.level != LevelNone && w.level != LevelDisconnectPending && !now.Before(w.clearAt(p)) {
		w.level = LevelNone
	}

	cutoff := now.Add(-p.Window)
	for w.stamps.Length() > 0 {
		oldest := w.stamps.Peek().(time.Time)
		if oldest.After(cutoff) {
			break
		}
		w.stamps.Remove()
	}

	if w.stamps.Length() < p.MaxEvents {
		w.stamps.Add(now)
		return Verdict{Outcome: Allowed}
	}

	retry := w.stamps.Peek().(time.Time).Add(p.Window).Sub(now)
	if p.Mute <= 0 {
		return Verdict{Outcome: Rejected, RetryAfter: retry}
	}

	w.lastViolation = now
	switch w.level {
	case LevelNone:
		w.level = LevelWarned
		return Verdict{Outcome: Warned, RetryAfter: retry}
	case LevelWarned:
		w.level = LevelMuted
		w.mutedUntil = now.Add(p.Mute)
		return Verdict{Outcome: Muted, RetryAfter: p.Mute}
	default:
		w.level = LevelDisconnectPending
		return Verdict{Outcome: Disconnect}
	}
}

// clearAt is when the level resets if no further violation happens.
func (w *window) clearAt(p Policy) time.Time {
	if w.level == LevelMuted {
		return w.mutedUntil.Add(p.Window)
	}
	return w.lastViolation.Add(p.Window)
}

// Level returns the escalation level of identity in the category.
func (l *Limiter) Level(identity string, cat Category) Level {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[windowKey{identity: identity, category: cat}]; ok {
		return w.level
	}
	return LevelNone
}

// Penalize forgets every window of identity and blocks admission until the deadline.
func (l *Limiter) Penalize(identity string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.forgetLocked(identity)
	l.cooldowns[identity] = until
}

// CooldownRemaining returns how long identity must wait before it may connect again.
func (l *Limiter) CooldownRemaining(identity string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.cooldowns[identity]
	if !ok {
		return 0
	}
	if !now.Before(until) {
		delete(l.cooldowns, identity)
		return 0
	}
	return until.Sub(now)
}

// Forget drops the windows of identity; cooldowns are kept.
func (l *Limiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forgetLocked(identity)
}

func (l *Limiter) forgetLocked(identity string) {
	for cat := range l.policies {
		delete(l.windows, windowKey{identity: identity, category: cat})
	}
}
