// Package transcript keeps the conversation history of API-backed engines so
// a later run can resume it by engine session id.
package transcript

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknown is returned when resuming a conversation the store never saw.
var ErrUnknown = errors.New("unknown engine session")

// Store is a concurrency-safe map of conversation id to message history.
type Store[M any] struct {
	mu    sync.Mutex
	convs map[string][]M
}

// New returns an empty store.
func New[M any]() *Store[M] {
	return &Store[M]{convs: make(map[string][]M)}
}

// Open returns the id and a copy of the history for a run. An empty resume
// id starts a new conversation.
func (s *Store[M]) Open(resume string) (string, []M, error) {
	if resume == "" {
		return uuid.NewString(), nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.convs[resume]
	if !ok {
		return "", nil, ErrUnknown
	}
	return resume, slices.Clone(msgs), nil
}

// Save replaces the history of id.
func (s *Store[M]) Save(id string, msgs []M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = slices.Clone(msgs)
}

// Len returns the number of messages recorded for id.
func (s *Store[M]) Len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[id])
}
