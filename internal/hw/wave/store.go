package wave

import (
	"fmt"
	"sync"
)

// DefaultCapacity matches the number of ids usable in a chain.
const DefaultCapacity = MaxChainWaveID + 1

// Store is a finite waveform memory. Pulses accumulate with Add and are
// consumed by Create, which assigns the lowest free id.
type Store struct {
	mu       sync.Mutex
	capacity int
	pending  []Pulse
	waves    map[ID][]Pulse
}

// NewStore creates a store holding at most capacity waveforms.
// capacity <= 0 or above DefaultCapacity selects DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		waves:    make(map[ID][]Pulse),
	}
}

// Add accumulates pulses for the next Create.
func (s *Store) Add(pulses []Pulse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pulses...)
}

// Create stores the accumulated pulses as a new waveform.
func (s *Store) Create() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return 0, ErrEmptyWave
	}
	if len(s.waves) >= s.capacity {
		return 0, fmt.Errorf("%w: %d/%d waveforms in use", ErrStoreExhausted, len(s.waves), s.capacity)
	}
	for id := 0; id < s.capacity; id++ {
		if _, used := s.waves[ID(id)]; !used {
			s.waves[ID(id)] = s.pending
			s.pending = nil
			return ID(id), nil
		}
	}
	return 0, ErrStoreExhausted
}

// Get returns a copy of the pulses of waveform id.
func (s *Store) Get(id ID) ([]Pulse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWave, id)
	}
	out := make([]Pulse, len(w))
	copy(out, w)
	return out, nil
}

// Clear drops every waveform and any accumulated pulses.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves = make(map[ID][]Pulse)
	s.pending = nil
}

// Len returns the number of stored waveforms.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waves)
}

// Capacity returns the maximum number of waveforms.
func (s *Store) Capacity() int {
	return s.capacity
}
