// Package lock implements the five-level file locking protocol shared by all
// handles open against one database.
//
// A handle owns its own Level; the State it shares with every other handle
// only tracks how many handles sit at Shared and which writer intent, if any,
// has been claimed. Transitions never block: a refused request returns
// immediately and the caller decides whether and when to retry.
package lock

import (
	"fmt"
	"sync"
)

// Level is a handle's access privilege. Levels are totally ordered.
type Level int

const (
	None Level = iota
	Shared
	Reserved
	Pending
	Exclusive
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Shared:
		return "shared"
	case Reserved:
		return "reserved"
	case Pending:
		return "pending"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the five known levels.
func (l Level) Valid() bool {
	return l >= None && l <= Exclusive
}

// Intent is the writer claim recorded in the shared State.
type Intent int

const (
	IntentNone Intent = iota
	IntentReserved
	IntentExclusive
)

func (i Intent) String() string {
	switch i {
	case IntentNone:
		return "none"
	case IntentReserved:
		return "reserved"
	case IntentExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

// Snapshot is a consistent copy of a State.
type Snapshot struct {
	Readers int
	Intent  Intent
}

// State is the lock bookkeeping shared by reference between handles.
type State struct {
	mu      sync.Mutex
	readers int
	intent  Intent
}

// NewState returns a State with no readers and no intent.
func NewState() *State {
	return &State{}
}

// Snapshot returns the current readers count and intent.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Readers: s.readers, Intent: s.intent}
}

// HasIntent reports whether any handle has claimed writer intent.
func (s *State) HasIntent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent != IntentNone
}

// Transition moves a handle currently at from towards to. It returns the
// handle's new level and whether the request was granted.
//
// The only refusal that changes the level is an Exclusive request that
// cannot complete while other readers remain: the handle keeps the exclusive
// intent and parks at Pending until a later retry succeeds.
func (s *State) Transition(from, to Level) (Level, bool) {
	if from == to {
		return from, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch to {
	case None:
		s.leave(from)
		return None, true

	case Shared:
		if s.intent == IntentExclusive && from <= Shared {
			return from, false
		}
		s.readers++
		if from > Shared {
			s.intent = IntentNone
		}
		return Shared, true

	case Reserved:
		if from != Shared || s.intent != IntentNone {
			return from, false
		}
		s.readers--
		s.intent = IntentReserved
		return Reserved, true

	case Exclusive:
		// Any intent held while this handle is at most Shared belongs to
		// another handle.
		if s.intent != IntentNone && from <= Shared {
			return from, false
		}
		if from == Shared {
			s.readers--
		}
		s.intent = IntentExclusive
		if s.readers == 0 {
			return Exclusive, true
		}
		return Pending, false

	default:
		// Pending is never a valid request.
		return from, false
	}
}

func (s *State) leave(from Level) {
	switch {
	case from == Shared:
		s.readers--
	case from > Shared:
		s.intent = IntentNone
	}
}
