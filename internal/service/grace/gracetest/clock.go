// Package gracetest provides a manual clock and scheduler for tests.
package gracetest

import (
	"sort"
	"sync"
	"time"
)

type task struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

// Clock is a manually advanced clock that also schedules tasks.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*task
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Schedule matches grace.Scheduler.
func (c *Clock) Schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &task{at: c.now.Add(d), fn: f}
	c.tasks = append(c.tasks, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward and runs every task that became due, in
// deadline order, outside the clock lock.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*task
	keep := c.tasks[:0]
	for _, t := range c.tasks {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.tasks = keep
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of scheduled tasks not yet fired or stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
