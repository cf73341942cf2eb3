// Package sbuffer implements the gateway's shared buffer: a FIFO queue fed
// by one producer (the connection manager) and drained independently by a
// fixed number of readers (the data manager and the storage manager), each
// tracking its own position with a Cursor. A node is only unlinked once
// every reader has consumed it.
//
// This is a straight port of the original gateway's sbuffer.c, including
// its exact non-blocking pop algorithm and the cursor re-anchoring it
// relies on - the one piece of this repository with no idiomatic-Go
// shortcut, by design.
package sbuffer

import (
	"sync"

	"github.com/maximey/sensor-gateway/internal/reading"
)

// PopStatus mirrors the original SBUFFER_SUCCESS / SBUFFER_NO_DATA /
// SBUFFER_NODE_ALREADY_CONSUMED trio.
type PopStatus int

const (
	// Success means data was returned.
	Success PopStatus = iota
	// NoData means the buffer has nothing left for this reader right now.
	NoData
	// AlreadyConsumed means the cursor's node had already been read by
	// every reader; it was unlinked and no data was returned. The caller
	// should retry the pop.
	AlreadyConsumed
)

type node struct {
	reading  reading.Reading
	consumed []bool
	next     *node
}

func (n *node) consumedByAll() bool {
	for _, c := range n.consumed {
		if !c {
			return false
		}
	}
	return true
}

// Cursor tracks one reader's position in the buffer. Its zero value is
// valid and represents a reader that hasn't consumed anything yet.
type Cursor struct {
	node *node
}

// Buffer is the shared FIFO. All operations take the single lock in
// exclusive mode, matching the original's choice of a read/write lock
// always taken for writing - pop mutates per-reader consumption state
// even when it's conceptually "just reading", so there is no safe
// read-only path to offer a weaker lock for.
type Buffer struct {
	mu      sync.Mutex
	head    *node
	tail    *node
	readers int
}

// New creates a buffer that will be drained by readers readers, each
// identified by an index in [0, readers).
func New(readers int) *Buffer {
	return &Buffer{readers: readers}
}

// Insert appends r to the tail of the buffer, unread by every reader.
func (b *Buffer) Insert(r reading.Reading) {
	n := &node{reading: r, consumed: make([]bool, b.readers)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tail == nil {
		b.head, b.tail = n, n
		return
	}
	b.tail.next = n
	b.tail = n
}

// Pop attempts to read the next reading this reader hasn't seen yet,
// advancing cursor. It never blocks: if there's nothing new it returns
// NoData immediately, leaving the caller to yield and retry.
func (b *Buffer) Pop(cursor *Cursor, readerIdx int) (reading.Reading, PopStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := cursor.node

	// Buffer empty, or this reader already consumed everything up to
	// and including the tail.
	if b.head == nil || (b.tail != nil && b.tail.consumed[readerIdx]) {
		if b.head == nil {
			cursor.node = nil
		} else {
			cursor.node = b.tail
		}
		return reading.Reading{}, NoData
	}

	// The cursor's node sat at head and every reader has since consumed
	// it: unlink it before doing anything else. Because readers only
	// ever move forward one node at a time, a node can only become fully
	// consumed once it has reached head - so n == head here is the only
	// case this branch needs to guard against.
	if n == b.head && n.consumedByAll() {
		cursor.node = n.next
		b.removeHead()
		return reading.Reading{}, AlreadyConsumed
	}

	// Re-anchor a stale or fresh cursor: prefer head if this reader
	// hasn't read it yet, otherwise advance past a node this reader has
	// already consumed.
	if !b.head.consumed[readerIdx] {
		n = b.head
	} else if n != nil && n.consumed[readerIdx] && n.next != nil {
		n = n.next
	}
	// Otherwise n is already the right node to (re-)deliver.

	r := n.reading
	n.consumed[readerIdx] = true

	if n.consumedByAll() {
		b.removeHead()
		cursor.node = nil
	} else if n.next != nil {
		cursor.node = n.next
	} else {
		cursor.node = n
	}

	return r, Success
}

// removeHead unlinks the current head. Callers must hold b.mu and must
// only call this once the head is known to be fully consumed.
func (b *Buffer) removeHead() {
	if b.head == nil {
		return
	}
	if b.head == b.tail {
		b.head, b.tail = nil, nil
		return
	}
	b.head = b.head.next
}

// Close drops every node still in the buffer. Readers that poll
// afterwards simply see NoData.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail = nil, nil
}

// Depth reports the number of nodes still outstanding, for metrics.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for cur := b.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}
