// Package ring implements the lockless SPSC byte ring used by the
// shared-memory netlink transport.
//
// Memory layout (matches the wire layout two mmap'd peers must agree on):
//
//	+0   uint32 head, padded to a 64-byte cache line
//	+64  uint32 tail, padded to a 64-byte cache line
//	+128 uint32 notEmpty, padded to a 64-byte cache line
//	+192 payload, Cap() bytes
//
// head and tail are byte offsets into the payload region, not monotonic
// counters: both always satisfy 0 <= v < Cap(), and a record reaching
// exactly Cap() wraps head back to 0 rather than stopping there. Because a
// completely full ring and a completely empty one both present head==tail,
// notEmpty disambiguates the two: 0 once the ring has been fully drained,
// 1 from the moment a record is committed until the ring drains again.
// Zeroed memory therefore starts out correctly empty with no explicit
// initialization required.
//
// A record is framed as a 4-byte little-endian length header followed by
// its bytes; the sentinel length value 0xFFFFFFFF marks a header written
// at the current head that must be skipped because the producer wrapped
// to offset 0.
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/vrouter-core/api"
)

const (
	cacheLine = 64

	// HeaderSize is the number of bytes a ByteRing reserves for its
	// head/tail/notEmpty control words ahead of the payload region.
	HeaderSize = cacheLine * 3

	// msgHeaderLen is the length-prefix size for each queued record.
	msgHeaderLen = 4

	wrapSentinel = 0xFFFFFFFF
)

var _ api.ByteRing = (*ByteRing)(nil)

// ByteRing is a single-producer/single-consumer byte ring. The zero value
// is not usable; construct with New or Open.
type ByteRing struct {
	mem []byte // HeaderSize + cap bytes, shared with the peer when mmap'd

	headPtr     *uint32
	tailPtr     *uint32
	notEmptyPtr *uint32

	payload []byte // mem[HeaderSize:]

	reserving    bool
	reserveAt    uint32 // payload offset of the outstanding Reserve's header
	reserveLen   uint32
	reserveWrote bool // true once the caller has been handed the span
}

// New allocates a private, process-local ring of the given payload
// capacity in bytes.
func New(capacity int) *ByteRing {
	return Open(make([]byte, HeaderSize+capacity))
}

// Open constructs a ByteRing over caller-provided memory (typically a
// region returned by shm.Map). mem must be at least HeaderSize+1 bytes;
// its capacity is len(mem)-HeaderSize. The caller is responsible for
// zeroing mem before the first use by either peer.
func Open(mem []byte) *ByteRing {
	if len(mem) <= HeaderSize {
		panic("ring: backing memory smaller than header")
	}
	r := &ByteRing{mem: mem}
	r.headPtr = (*uint32)(unsafe.Pointer(&mem[0]))
	r.tailPtr = (*uint32)(unsafe.Pointer(&mem[cacheLine]))
	r.notEmptyPtr = (*uint32)(unsafe.Pointer(&mem[cacheLine*2]))
	r.payload = mem[HeaderSize:]
	return r
}

func (r *ByteRing) loadHead() uint32   { return atomic.LoadUint32(r.headPtr) }
func (r *ByteRing) loadTail() uint32   { return atomic.LoadUint32(r.tailPtr) }
func (r *ByteRing) storeHead(v uint32) { atomic.StoreUint32(r.headPtr, v) }
func (r *ByteRing) storeTail(v uint32) { atomic.StoreUint32(r.tailPtr, v) }
func (r *ByteRing) isEmpty() bool      { return atomic.LoadUint32(r.notEmptyPtr) == 0 }
func (r *ByteRing) setNotEmpty(v bool) {
	if v {
		atomic.StoreUint32(r.notEmptyPtr, 1)
	} else {
		atomic.StoreUint32(r.notEmptyPtr, 0)
	}
}

// Cap returns the payload capacity in bytes (excludes the head/tail header).
func (r *ByteRing) Cap() int { return len(r.payload) }

// Len returns the number of unread payload bytes (record headers
// included), computed as an unsigned distance that wraps the same way
// the producer/consumer offsets do.
func (r *ByteRing) Len() int {
	if r.isEmpty() {
		return 0
	}
	head := r.loadHead()
	tail := r.loadTail()
	if head > tail {
		return int(head - tail)
	}
	if head < tail {
		return int(uint32(len(r.payload)) - tail + head)
	}
	// head == tail but the ring is non-empty: a record filled the payload
	// to exactly Cap() and head wrapped back onto tail.
	return len(r.payload)
}

func (r *ByteRing) readHeaderLen(off uint32) uint32 {
	return binary.LittleEndian.Uint32(r.payload[off : off+msgHeaderLen])
}

func (r *ByteRing) writeHeaderLen(off uint32, n uint32) {
	binary.LittleEndian.PutUint32(r.payload[off:off+msgHeaderLen], n)
}

// Enqueue copies src as one length-framed record.
func (r *ByteRing) Enqueue(src []byte) error {
	return r.EnqueueIOV([][]byte{src})
}

// EnqueueIOV copies the concatenation of iov as one length-framed record.
func (r *ByteRing) EnqueueIOV(iov [][]byte) error {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	dst, err := r.Reserve(total)
	if err != nil {
		return err
	}
	off := 0
	for _, b := range iov {
		off += copy(dst[off:], b)
	}
	return r.Commit()
}

// Reserve returns a zero-copy writable span of exactly n bytes within the
// payload region. The caller must fill it and call Commit exactly once
// before any other producer call on this ring.
func (r *ByteRing) Reserve(n int) ([]byte, error) {
	if r.reserving {
		return nil, api.ErrNoCommitPending
	}
	cap32 := uint32(len(r.payload))
	length := uint32(n)
	if int64(msgHeaderLen)+int64(length) > int64(cap32) {
		return nil, api.ErrRecordTooLarge
	}

	head := r.loadHead() // producer-owned, no atomic load needed for correctness but matches original's style
	tail := r.loadTail()

	if head == tail && !r.isEmpty() {
		// head has wrapped all the way onto tail: every byte is occupied
		// by an unread record, not a second coincidentally-equal empty
		// state.
		return nil, api.ErrRingFull
	}

	var dataOff uint32
	var headerOff uint32
	switch {
	case head >= tail && head+msgHeaderLen+length <= cap32:
		// fits from current head to end of buffer.
		headerOff = head
		dataOff = head + msgHeaderLen
	case head >= tail && head+msgHeaderLen <= cap32 && msgHeaderLen+length <= tail:
		// fits from start of buffer up to current tail; write the wrap
		// sentinel at the current head, then lay the record at offset 0.
		// A record ending exactly at tail leaves head==tail, which
		// notEmpty marks as full.
		r.writeHeaderLen(head, wrapSentinel)
		headerOff = 0
		dataOff = msgHeaderLen
	case head < tail && head+msgHeaderLen+length <= tail:
		// head already wrapped past 0 on an earlier Commit; the only free
		// region is the gap up to tail, never past it.
		headerOff = head
		dataOff = head + msgHeaderLen
	default:
		return nil, api.ErrRingFull
	}

	r.reserving = true
	r.reserveAt = headerOff
	r.reserveLen = length
	r.reserveWrote = true
	return r.payload[dataOff : dataOff+length], nil
}

// Commit publishes the span returned by the most recent Reserve.
func (r *ByteRing) Commit() error {
	if !r.reserving {
		return api.ErrNoCommitPending
	}
	r.writeHeaderLen(r.reserveAt, r.reserveLen)
	newHead := r.reserveAt + msgHeaderLen + r.reserveLen
	if newHead == uint32(len(r.payload)) {
		newHead = 0
	}
	r.reserving = false
	r.reserveWrote = false
	r.storeHead(newHead)
	r.setNotEmpty(true) // a commit always adds a record
	return nil
}

// Peek returns a reference to the next queued record's payload without
// consuming it.
func (r *ByteRing) Peek() ([]byte, error) {
	if r.isEmpty() {
		return nil, api.ErrRingEmpty
	}

	tail := r.loadTail()
	length := r.readHeaderLen(tail)
	if length == wrapSentinel {
		tail = 0
		length = r.readHeaderLen(tail)
	}
	return r.payload[tail+msgHeaderLen : tail+msgHeaderLen+length], nil
}

// Advance consumes the record most recently returned by Peek.
//
// Per design, the read position is always unconditionally recomputed
// from the sentinel rather than cached across the Peek/Advance pair.
func (r *ByteRing) Advance() error {
	if r.isEmpty() {
		return api.ErrRingEmpty
	}

	tail := r.loadTail()
	length := r.readHeaderLen(tail)
	if length == wrapSentinel {
		tail = 0
		length = r.readHeaderLen(tail)
	}
	newTail := tail + msgHeaderLen + length
	if newTail == uint32(len(r.payload)) {
		newTail = 0
	}
	r.storeTail(newTail)
	if newTail == r.loadHead() {
		r.setNotEmpty(false)
	}
	return nil
}

// DequeueIOV copies as many queued records as fit into dsts, one record
// per destination slice, stopping early if a record is larger than its
// destination slice.
func (r *ByteRing) DequeueIOV(dsts [][]byte) (int, error) {
	count := 0
	for count < len(dsts) && !r.isEmpty() {
		tail := r.loadTail()
		length := r.readHeaderLen(tail)
		if length == wrapSentinel {
			tail = 0
			length = r.readHeaderLen(tail)
		}
		if int(length) > len(dsts[count]) {
			break
		}
		copy(dsts[count], r.payload[tail+msgHeaderLen:tail+msgHeaderLen+length])
		newTail := tail + msgHeaderLen + length
		if newTail == uint32(len(r.payload)) {
			newTail = 0
		}
		r.storeTail(newTail)
		if newTail == r.loadHead() {
			r.setNotEmpty(false)
		}

		count++
	}

	if count == 0 {
		return 0, api.ErrRingEmpty
	}
	return count, nil
}
