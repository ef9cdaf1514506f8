package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
)

var (
	ErrRoomRequired = errors.New("room is required")
	ErrStoreClosed  = errors.New("history store closed")
)

// Store persists chat lines per room.
type Store interface {
	SaveMessage(ctx context.Context, message chat.Message) error
	LoadTranscript(ctx context.Context, room string, limit int) ([]chat.Message, error)
	Close() error
}

// MemoryStore keeps a bounded transcript per room in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	perRoom  int
	messages map[string][]chat.Message
}

// NewMemoryStore returns a MemoryStore keeping at most perRoom lines per room.
func NewMemoryStore(perRoom int) *MemoryStore {
	if perRoom <= 0 {
		perRoom = 500
	}
	return &MemoryStore{
		perRoom:  perRoom,
		messages: make(map[string][]chat.Message),
	}
}

// SaveMessage appends a message to the room history.
func (s *MemoryStore) SaveMessage(_ context.Context, message chat.Message) error {
	if message.Room == "" {
		return ErrRoomRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messages == nil {
		return ErrStoreClosed
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	lines := append(s.messages[message.Room], message)
	if len(lines) > s.perRoom {
		lines = append([]chat.Message(nil), lines[len(lines)-s.perRoom:]...)
	}
	s.messages[message.Room] = lines
	return nil
}

// LoadTranscript returns the latest limit messages of a room, oldest first.
func (s *MemoryStore) LoadTranscript(_ context.Context, room string, limit int) ([]chat.Message, error) {
	if room == "" {
		return nil, ErrRoomRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.messages[room]
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	copied := make([]chat.Message, len(lines))
	copy(copied, lines)
	return copied, nil
}

// Close releases the stored transcripts.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}
