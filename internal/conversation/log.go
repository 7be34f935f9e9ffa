// Package conversation keeps the in-memory record of exchanged turns.
package conversation

import (
	"sync"

	"github.com/book-expert/voice-assistant/internal/core"
)

// Log is an ordered, append-only sequence of turns shared by concurrent requests.
//
// A user turn recorded through Begin reserves the slot directly after it for its
// reply, so concurrent exchanges never split a user/assistant pair.
type Log struct {
	mu         sync.RWMutex
	slots      []*slot
	generation uint64
}

type slot struct {
	turns []core.Turn
}

// Exchange is a reserved user/assistant pair awaiting its reply.
type Exchange struct {
	log        *Log
	slot       *slot
	generation uint64
	completed  bool
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append records a single turn at the end of the log.
func (l *Log) Append(turn core.Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = append(l.slots, &slot{turns: []core.Turn{turn}})
}

// Begin records the user turn and returns the exchange its reply belongs to.
func (l *Log) Begin(user core.Turn) *Exchange {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &slot{turns: []core.Turn{user}}
	l.slots = append(l.slots, entry)

	return &Exchange{log: l, slot: entry, generation: l.generation}
}

// Complete records the reply directly after its user turn. It reports false when
// the log was cleared after Begin or the exchange was already completed; the reply
// is dropped in that case.
func (e *Exchange) Complete(reply core.Turn) bool {
	e.log.mu.Lock()
	defer e.log.mu.Unlock()

	if e.completed || e.generation != e.log.generation {
		return false
	}

	e.slot.turns = append(e.slot.turns, reply)
	e.completed = true

	return true
}

// Snapshot returns a copy of every turn in order.
func (l *Log) Snapshot() []core.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	turns := make([]core.Turn, 0, len(l.slots)*2)
	for _, entry := range l.slots {
		turns = append(turns, entry.turns...)
	}

	return turns
}

// Len returns the number of recorded turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, entry := range l.slots {
		count += len(entry.turns)
	}

	return count
}

// Clear replaces the log with an empty one. Exchanges begun before the call can no
// longer be completed.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = nil
	l.generation++
}
