// Package fbft implements the deterministic Fast-BFT state machine:
// requests, views, sequence numbers, the typed message log, action
// generation, timers, view changes, new-view install, and checkpoint
// garbage collection.
package fbft

import (
	"sync"
)

// seq is a (view, sequence number) coordinate. Most FBFT records are
// addressed by this pair plus the sender that produced them.
type seq struct {
	View uint64
	Seq  uint64
}

// messageTable is a content-addressed, sender-indexed store of one
// message kind, keyed by (v, n) and then by sender: FBFT keeps at most
// one message per sender per (v, n) pair, and entries must be
// garbage-collectible in bulk when the checkpoint advances.
type messageTable[T any] struct {
	mu      sync.Mutex
	entries map[seq]map[uint32]T
}

func newMessageTable[T any]() *messageTable[T] {
	return &messageTable[T]{entries: make(map[seq]map[uint32]T)}
}

// Put records a message from sender at (v, n), returning false without
// overwriting if one already exists: FBFT never accepts two different
// messages of the same kind from the same sender at the same (v, n).
func (t *messageTable[T]) Put(v, n uint64, sender uint32, msg T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := seq{v, n}
	bySender, ok := t.entries[key]
	if !ok {
		bySender = make(map[uint32]T)
		t.entries[key] = bySender
	}
	if _, exists := bySender[sender]; exists {
		return false
	}
	bySender[sender] = msg
	return true
}

// Get returns the message sender sent at (v, n), if any.
func (t *messageTable[T]) Get(v, n uint64, sender uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	bySender, ok := t.entries[seq{v, n}]
	if !ok {
		return zero, false
	}
	m, ok := bySender[sender]
	return m, ok
}

// All returns every message recorded at (v, n), across all senders.
func (t *messageTable[T]) All(v, n uint64) map[uint32]T {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[uint32]T)
	for sender, m := range t.entries[seq{v, n}] {
		out[sender] = m
	}
	return out
}

// Count returns how many distinct senders have an entry at (v, n).
func (t *messageTable[T]) Count(v, n uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[seq{v, n}])
}

// GCBelow discards every entry whose sequence number is strictly less
// than floor. The view component is ignored: once a sequence
// number is below the low-water mark, every view's record of it is
// obsolete.
func (t *messageTable[T]) GCBelow(floor uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.entries {
		if key.Seq < floor {
			delete(t.entries, key)
		}
	}
}

// AllDigests returns every message across every (v, n) still present in
// the table, for the rare whole-log scans (e.g. finding which requests
// already have a PrePrepare assigned to them, regardless of view).
func (t *messageTable[T]) AllDigests() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []T
	for _, bySender := range t.entries {
		for _, m := range bySender {
			out = append(out, m)
		}
	}
	return out
}

