package ring

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/vrouter-core/api"
)

func TestByteRing_EnqueueDequeue_Basic(t *testing.T) {
	r := New(4096)

	want := [][]byte{
		[]byte("first record"),
		[]byte("second, a bit longer record"),
		[]byte("third"),
	}

	for _, rec := range want {
		if err := r.Enqueue(rec); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for i, rec := range want {
		got, err := r.Peek()
		if err != nil {
			t.Fatalf("Peek[%d]: %v", i, err)
		}
		if !bytes.Equal(got, rec) {
			t.Fatalf("record %d: got %q want %q", i, got, rec)
		}
		if err := r.Advance(); err != nil {
			t.Fatalf("Advance[%d]: %v", i, err)
		}
	}

	if _, err := r.Peek(); err != api.ErrRingEmpty {
		t.Fatalf("Peek on drained ring: got %v, want ErrRingEmpty", err)
	}
}

func TestByteRing_EmptyRingReturnsErrRingEmpty(t *testing.T) {
	r := New(256)
	if _, err := r.Peek(); err != api.ErrRingEmpty {
		t.Fatalf("Peek: got %v, want ErrRingEmpty", err)
	}
	if err := r.Advance(); err != api.ErrRingEmpty {
		t.Fatalf("Advance: got %v, want ErrRingEmpty", err)
	}
}

func TestByteRing_FullRingReturnsErrRingFull(t *testing.T) {
	// Capacity is just large enough for one 32-byte record plus header;
	// a second enqueue attempt must fail until the first is consumed.
	r := New(32 + msgHeaderLen)
	rec := bytes.Repeat([]byte{0xAB}, 32)

	if err := r.Enqueue(rec); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := r.Enqueue(rec); err != api.ErrRingFull {
		t.Fatalf("second Enqueue: got %v, want ErrRingFull", err)
	}

	if err := r.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := r.Enqueue(rec); err != nil {
		t.Fatalf("Enqueue after drain: %v", err)
	}
}

// TestByteRing_WrapSentinel forces the producer to wrap before reaching
// the end of the payload region, exercising the 0xFFFFFFFF sentinel path
// on both the producer and consumer side.
func TestByteRing_WrapSentinel(t *testing.T) {
	const recLen = 16
	// Capacity fits rec1+rec2 with 10 bytes to spare, not enough for a
	// third same-size record ahead of head but enough behind tail once
	// rec1 is consumed: the third enqueue must take the sentinel-wrap
	// branch rather than happening to land back at offset 0 in-place.
	r := New(2*(recLen+msgHeaderLen) + 10)

	rec1 := bytes.Repeat([]byte{0x01}, recLen)
	rec2 := bytes.Repeat([]byte{0x02}, recLen)
	rec3 := bytes.Repeat([]byte{0x03}, 8)

	if err := r.Enqueue(rec1); err != nil {
		t.Fatalf("Enqueue rec1: %v", err)
	}
	if err := r.Enqueue(rec2); err != nil {
		t.Fatalf("Enqueue rec2: %v", err)
	}

	got, err := r.Peek()
	if err != nil || !bytes.Equal(got, rec1) {
		t.Fatalf("Peek rec1: got %q, err %v", got, err)
	}
	if err := r.Advance(); err != nil {
		t.Fatalf("Advance rec1: %v", err)
	}

	// Not enough contiguous room ahead of head for rec3, but room from
	// offset 0 up to tail: this must take the sentinel-wrap branch.
	if err := r.Enqueue(rec3); err != nil {
		t.Fatalf("Enqueue rec3 (wrap): %v", err)
	}

	got, err = r.Peek()
	if err != nil || !bytes.Equal(got, rec2) {
		t.Fatalf("Peek rec2: got %q, err %v", got, err)
	}
	if err := r.Advance(); err != nil {
		t.Fatalf("Advance rec2: %v", err)
	}

	got, err = r.Peek()
	if err != nil || !bytes.Equal(got, rec3) {
		t.Fatalf("Peek rec3 (post-wrap): got %q, err %v", got, err)
	}
	if err := r.Advance(); err != nil {
		t.Fatalf("Advance rec3: %v", err)
	}
}

func TestByteRing_ReserveCommitZeroCopy(t *testing.T) {
	r := New(256)

	span, err := r.Reserve(8)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	binary.LittleEndian.PutUint64(span, 0xdeadbeefcafed00d)

	if _, err := r.Reserve(4); err != api.ErrNoCommitPending {
		t.Fatalf("Reserve while pending: got %v, want ErrNoCommitPending", err)
	}

	if err := r.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := r.Commit(); err != api.ErrNoCommitPending {
		t.Fatalf("double Commit: got %v, want ErrNoCommitPending", err)
	}

	got, err := r.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 0xdeadbeefcafed00d {
		t.Fatalf("Peek: unexpected payload %x", got)
	}
}

func TestByteRing_EnqueueIOV_DequeueIOV(t *testing.T) {
	r := New(512)

	if err := r.EnqueueIOV([][]byte{[]byte("hello, "), []byte("world")}); err != nil {
		t.Fatalf("EnqueueIOV: %v", err)
	}
	if err := r.Enqueue([]byte("second record")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dsts := [][]byte{make([]byte, 32), make([]byte, 32)}
	n, err := r.DequeueIOV(dsts)
	if err != nil {
		t.Fatalf("DequeueIOV: %v", err)
	}
	if n != 2 {
		t.Fatalf("DequeueIOV: got %d records, want 2", n)
	}
	if !bytes.Equal(dsts[0][:12], []byte("hello, world")) {
		t.Fatalf("record 0: got %q", dsts[0][:12])
	}
	if !bytes.Equal(dsts[1][:13], []byte("second record")) {
		t.Fatalf("record 1: got %q", dsts[1][:13])
	}
}

func TestByteRing_RecordTooLargeForCapacity(t *testing.T) {
	r := New(16)
	if _, err := r.Reserve(64); err != api.ErrRecordTooLarge {
		t.Fatalf("Reserve: got %v, want ErrRecordTooLarge", err)
	}
}

// TestByteRing_SPSC_Checksum exercises the ring under genuine concurrent
// single-producer/single-consumer load and verifies no bytes are lost
// or corrupted in transit.
func TestByteRing_SPSC_Checksum(t *testing.T) {
	r := New(64 * 1024)
	const records = 50000

	var sent, received int64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var buf [8]byte
		for i := 0; i < records; i++ {
			binary.LittleEndian.PutUint64(buf[:], uint64(i))
			for {
				if err := r.Enqueue(buf[:]); err == nil {
					break
				}
				runtime.Gosched()
			}
			atomic.AddInt64(&sent, int64(i))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer wg.Done()
		for i := 0; i < records; i++ {
			for {
				got, err := r.Peek()
				if err == nil {
					atomic.AddInt64(&received, int64(binary.LittleEndian.Uint64(got)))
					r.Advance()
					break
				}
				runtime.Gosched()
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout: sent=%d received_count unknown", atomic.LoadInt64(&sent))
	}
	wg.Wait()

	if sent != received {
		t.Fatalf("checksum mismatch: sent=%d received=%d", sent, received)
	}
}
