// File: internal/nltransport/peertable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PeerTable tracks one shared-memory ring pair and connection state per
// accepted netlink client, following the Accepted -> HandshakeSent ->
// Active -> Hangup -> Unmapped state machine.

package nltransport

import (
	"sync"

	"github.com/momentics/vrouter-core/api"
	"github.com/momentics/vrouter-core/internal/ring"
	"github.com/momentics/vrouter-core/internal/shm"
)

// PeerState enumerates a slot's lifecycle.
type PeerState int

const (
	StateAccepted PeerState = iota
	StateHandshakeSent
	StateActive
	StateHangup
	StateUnmapped
)

func (s PeerState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateActive:
		return "active"
	case StateHangup:
		return "hangup"
	case StateUnmapped:
		return "unmapped"
	default:
		return "unknown"
	}
}

// Slot is one peer's connection and shared-memory pair. RxRing carries
// requests from the peer; TxRing carries responses back.
type Slot struct {
	ConnFD int
	Shm    *shm.Object
	RxRing *ring.ByteRing
	TxRing *ring.ByteRing
	State  PeerState

	// ResponseBacklog holds encoded responses that could not be enqueued
	// immediately because the peer's RX-direction-from-vrouter ring (the
	// TxRing here) had no room; drained opportunistically by the
	// dispatcher on a later pass.
	ResponseBacklog [][]byte
}

// PeerTable is the single-writer-per-slot peer table shared between the
// Server (accept/hangup owner) and the Dispatcher (ring-traffic owner).
// Only the Server mutates slot lifecycle transitions; only the Dispatcher
// reads/writes ring contents and the response backlog.
type PeerTable struct {
	mu    sync.Mutex
	slots []*Slot
	max   int
}

// NewPeerTable allocates a table with a fixed maximum number of concurrent
// peers, matching the original's fixed-size pollfds/pollrings arrays.
func NewPeerTable(maxPeers int) *PeerTable {
	return &PeerTable{slots: make([]*Slot, maxPeers), max: maxPeers}
}

// Alloc reserves the first free slot index and stores s there. Returns
// ErrSlotExhausted if the table is full.
func (t *PeerTable) Alloc(s *Slot) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.slots {
		if existing == nil {
			s.State = StateAccepted
			t.slots[i] = s
			return i, nil
		}
	}
	return -1, api.ErrSlotExhausted
}

// Get returns the slot at idx, or nil if empty.
func (t *PeerTable) Get(idx int) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[idx]
}

// SetState transitions the slot at idx to state.
func (t *PeerTable) SetState(idx int, state PeerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slots[idx]; s != nil {
		s.State = state
	}
}

// MarkHangup transitions a slot to Hangup; the Dispatcher observes this
// on its next pass, stops reading its rings, and calls Unmap on it.
func (t *PeerTable) MarkHangup(idx int) {
	t.SetState(idx, StateHangup)
}

// Unmap releases the slot's shared-memory object and clears the slot for
// reuse. Must only be called once no dispatcher pass can still be
// reading this slot's rings (the Dispatcher calls it itself from the pass
// that finds the slot in StateHangup).
func (t *PeerTable) Unmap(idx int) error {
	t.mu.Lock()
	s := t.slots[idx]
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Shm.Close()
	t.mu.Lock()
	t.slots[idx] = nil
	t.mu.Unlock()
	return err
}

// Each invokes fn for every occupied slot under the table's lock,
// snapshotting the occupied indices first so fn may itself call methods
// that take the lock (e.g. Unmap) without deadlocking.
func (t *PeerTable) Each(fn func(idx int, s *Slot)) {
	t.mu.Lock()
	idxs := make([]int, 0, len(t.slots))
	for i, s := range t.slots {
		if s != nil {
			idxs = append(idxs, i)
		}
	}
	t.mu.Unlock()

	for _, i := range idxs {
		t.mu.Lock()
		s := t.slots[i]
		t.mu.Unlock()
		if s != nil {
			fn(i, s)
		}
	}
}

// Len returns the number of currently occupied slots.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Cap returns the table's fixed maximum slot count.
func (t *PeerTable) Cap() int { return t.max }
