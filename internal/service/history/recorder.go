package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
)

// Sink receives chat lines alongside their broadcast. Implementations must
// not block the caller.
type Sink interface {
	Record(message chat.Message)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Record(chat.Message) {}

// Recorder is a fire-and-forget Sink writing to a Store from one worker.
// When the buffer is full new lines are dropped and counted.
type Recorder struct {
	store   Store
	queue   chan chat.Message
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewRecorder starts a worker draining into store.
func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:   store,
		queue:   make(chan chat.Message, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues message for persistence without blocking.
func (r *Recorder) Record(message chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	select {
	case r.queue <- message:
	default:
		r.dropped++
		if r.dropped%100 == 1 {
			log.Printf("[history] buffer full, dropped=%d", r.dropped)
		}
	}
}

// Dropped returns how many lines were discarded because the buffer was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes queued lines and stops the worker. The store is left open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for message := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.SaveMessage(ctx, message); err != nil {
			log.Printf("[history] save message room=%s failed: %v", message.Room, err)
		}
		cancel()
	}
}
