// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"encoding/json"
	"sync"
)

// Conn records every frame it is sent.
type Conn struct {
	handle string

	mu       sync.Mutex
	frames   [][]byte
	capacity int
	closed   bool
	reason   string
}

// NewConn returns a Conn with an unbounded queue.
func NewConn(handle string) *Conn {
	return &Conn{handle: handle}
}

// NewBoundedConn returns a Conn that refuses frames once capacity is reached.
func NewBoundedConn(handle string, capacity int) *Conn {
	return &Conn{handle: handle, capacity: capacity}
}

func (c *Conn) Handle() string { return c.handle }

func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.capacity > 0 && len(c.frames) >= c.capacity {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return true
}

func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

// Closed reports whether Close was called and with which reason.
func (c *Conn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

// Frame is a decoded outbound frame.
type Frame map[string]any

// Type returns the frame's discriminator.
func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// String returns a string field of the frame.
func (f Frame) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Frames decodes every frame received so far.
func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f Frame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// OfType returns the received frames with the given discriminator.
func (c *Conn) OfType(kind string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Type() == kind {
			out = append(out, f)
		}
	}
	return out
}

// Reset forgets the frames received so far.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
