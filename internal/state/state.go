// Package state holds the shared, mutex-protected state of one attendance session.
package state

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sankurisyam/face-reco-student/internal/types"
)

// SessionState is created by the orchestrator at session start and passed by
// reference to the recognition worker and renderer. All fields are guarded by
// one mutex except the busy flag, which is a single atomic.
type SessionState struct {
	mu         sync.Mutex
	present    map[string]bool
	recognized []types.Student
	overlays   []types.Overlay

	busy atomic.Bool
}

// New returns an empty session state.
func New() *SessionState {
	return &SessionState{present: map[string]bool{}}
}

// TryAcquire atomically claims the worker slot. It returns false when a
// worker is already running.
func (s *SessionState) TryAcquire() bool {
	return s.busy.CompareAndSwap(false, true)
}

// Release frees the worker slot.
func (s *SessionState) Release() {
	s.busy.Store(false)
}

// Busy reports whether a recognition worker is in flight.
func (s *SessionState) Busy() bool {
	return s.busy.Load()
}

// Publish merges recognized students and replaces the overlay list in one
// critical section. It returns the students that were newly added.
func (s *SessionState) Publish(students []types.Student, overlays []types.Overlay) []types.Student {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []types.Student
	for _, st := range students {
		if s.present[st.RollNo] {
			continue
		}
		s.present[st.RollNo] = true
		s.recognized = append(s.recognized, st)
		added = append(added, st)
	}
	// Readers hold the previous slice; never mutate it in place.
	s.overlays = overlays
	return added
}

// IsPresent reports whether a roll number has been recognized this session.
func (s *SessionState) IsPresent(rollNo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[rollNo]
}

// Overlays returns the current overlay list. The slice is never modified
// after publication, so callers may range over it without the lock.
func (s *SessionState) Overlays() []types.Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlays
}

// Recognized returns a copy of the recognized students in recognition order.
func (s *SessionState) Recognized() []types.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.recognized)
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Present    map[string]bool
	Recognized []types.Student
	Overlays   []types.Overlay
	Busy       bool
}

// Snapshot copies everything under the lock.
func (s *SessionState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]bool, len(s.present))
	for k := range s.present {
		present[k] = true
	}
	return Snapshot{
		Present:    present,
		Recognized: slices.Clone(s.recognized),
		Overlays:   s.overlays,
		Busy:       s.busy.Load(),
	}
}

// Reset clears the state at session end.
func (s *SessionState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = map[string]bool{}
	s.recognized = nil
	s.overlays = nil
}
