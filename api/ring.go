// Package api
// Author: momentics
//
// Lock-free SPSC byte-ring contract for shared-memory and inter-lcore
// transfer of variable-length records.

package api

// Ring is a generic MPMC in-process FIFO, used for the inter-lcore
// software packet rings (ring-to-push sources and virtual-interface
// forward rings) rather than for the shared-memory control-plane
// transport.
type Ring[T any] interface {
	// Enqueue adds item, returns false if buffer full.
	Enqueue(item T) bool

	// Dequeue removes and returns the oldest item, false if buffer empty.
	Dequeue() (T, bool)

	// Len returns number of items currently in buffer.
	Len() int

	// Cap returns fixed buffer capacity.
	Cap() int
}

// ByteRing is a single-producer/single-consumer byte ring carrying
// length-prefixed variable-size records with wrap-around sentinel framing.
// No operation blocks, sleeps, or allocates.
type ByteRing interface {
	// Enqueue copies src as one record; returns ErrRingFull if there is no
	// contiguous region (head..CAP or 0..tail-1) large enough for header+len.
	Enqueue(src []byte) error

	// EnqueueIOV copies the concatenation of iov as one record.
	EnqueueIOV(iov [][]byte) error

	// Reserve returns a zero-copy writable span of exactly n bytes; the
	// caller must fill it and call Commit before any other producer call.
	Reserve(n int) ([]byte, error)

	// Commit publishes the span returned by the most recent Reserve.
	Commit() error

	// Peek returns a reference to the next record's payload without
	// consuming it. Returns ErrRingEmpty if the ring is empty.
	Peek() ([]byte, error)

	// Advance consumes the record most recently returned by Peek.
	Advance() error

	// DequeueIOV copies as many queued records as fit into dsts, one
	// record per destination slice, in FIFO order. Returns the number of
	// records copied.
	DequeueIOV(dsts [][]byte) (int, error)

	// Len returns the number of bytes currently occupied by unread data.
	Len() int

	// Cap returns the payload capacity of the ring in bytes.
	Cap() int
}
