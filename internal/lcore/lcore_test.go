package lcore

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/vrouter-core/api"
	"github.com/momentics/vrouter-core/core/concurrency"
)

type fakeQueue struct {
	rx        [][]api.Buffer
	rxCalls   int
	txd       []api.Buffer
	flushed   int
	flushErr  error
	rxErr     error
}

func (q *fakeQueue) RxBurst(pkts []api.Buffer) (int, error) {
	if q.rxErr != nil {
		return 0, q.rxErr
	}
	if q.rxCalls >= len(q.rx) {
		return 0, nil
	}
	batch := q.rx[q.rxCalls]
	q.rxCalls++
	n := copy(pkts, batch)
	return n, nil
}

func (q *fakeQueue) TxOne(pkt api.Buffer) error {
	q.txd = append(q.txd, pkt)
	return nil
}

func (q *fakeQueue) Flush() error {
	q.flushed++
	return q.flushErr
}

type fakeIface struct {
	idx      int
	kind     api.InterfaceKind
	received []api.Buffer
	rxErr    error
}

func (f *fakeIface) Index() int                       { return f.idx }
func (f *fakeIface) Kind() api.InterfaceKind           { return f.kind }
func (f *fakeIface) NumHardwareRxQueues() int          { return 1 }
func (f *fakeIface) RxQueue(i int) api.Queue           { return nil }
func (f *fakeIface) TxQueue() api.Queue                { return nil }
func (f *fakeIface) Rx(pkt api.Buffer) error {
	f.received = append(f.received, pkt)
	return f.rxErr
}

func TestContext_AddTxQueueKeepsAscendingOrder(t *testing.T) {
	c := NewContext(0, 0)
	c.AddTxQueue(5, &fakeQueue{})
	c.AddTxQueue(1, &fakeQueue{})
	c.AddTxQueue(3, &fakeQueue{})

	want := []int{1, 3, 5}
	if len(c.txQueues) != len(want) {
		t.Fatalf("expected %d tx queues, got %d", len(want), len(c.txQueues))
	}
	for i, w := range want {
		if c.txQueues[i].vifIdx != w {
			t.Fatalf("txQueues[%d].vifIdx = %d, want %d", i, c.txQueues[i].vifIdx, w)
		}
	}
}

func TestContext_AddRxQueueTracksOwningInterface(t *testing.T) {
	c := NewContext(0, 0)
	iface := &fakeIface{idx: 1}
	id, err := c.AddRxQueue(&fakeQueue{}, iface)
	if err != nil {
		t.Fatalf("AddRxQueue: %v", err)
	}
	if c.rxQueues[id].iface != iface {
		t.Fatalf("rx queue entry does not reference the owning interface")
	}
	if c.NumRxQueues() != 1 {
		t.Fatalf("NumRxQueues() = %d, want 1", c.NumRxQueues())
	}
}

func TestScheduler_LeastUsedExcludesPacketLcore(t *testing.T) {
	packet := NewContext(0, 0)
	a := NewContext(1, 0)
	b := NewContext(2, 0)
	a.AddRxQueue(&fakeQueue{}, &fakeIface{idx: 1})

	s := NewScheduler([]*Context{packet, a, b}, 0, 64)

	least, err := s.LeastUsed()
	if err != nil {
		t.Fatalf("LeastUsed: %v", err)
	}
	if least.ID != b.ID {
		t.Fatalf("LeastUsed() = lcore %d, want %d (packet lcore and loaded lcore both excluded)", least.ID, b.ID)
	}

	leastPhys, err := s.LeastUsedPhysical()
	if err != nil {
		t.Fatalf("LeastUsedPhysical: %v", err)
	}
	if leastPhys.ID == a.ID {
		t.Fatalf("LeastUsedPhysical() picked the loaded lcore over an idle forwarding lcore")
	}
}

func TestScheduler_ScheduleInterfaceAssignsHardwareThenRing(t *testing.T) {
	a := NewContext(1, 0)
	b := NewContext(2, 0)
	s := NewScheduler([]*Context{a, b}, -1, 64)

	iface := &fakeIface{idx: 7}
	var txInitCalls, ringInitCalls, rxInitCalls int

	err := s.ScheduleInterface(
		iface,
		1, // nbTxQueues: only one hardware TX queue
		func(lcoreID int, ifc api.Interface, queueID int) (api.Queue, error) {
			txInitCalls++
			return &fakeQueue{}, nil
		},
		func(ownerLcoreID, targetLcoreID int, ifc api.Interface) (api.Queue, api.Ring[api.Buffer], error) {
			ringInitCalls++
			return &fakeQueue{}, nil, nil
		},
		1, // nbRxQueues
		func(lcoreID int, ifc api.Interface, queueID int) (api.Queue, error) {
			rxInitCalls++
			return &fakeQueue{}, nil
		},
	)
	if err != nil {
		t.Fatalf("ScheduleInterface: %v", err)
	}
	if txInitCalls != 1 {
		t.Fatalf("expected exactly one hardware TX queue init, got %d", txInitCalls)
	}
	if ringInitCalls != 1 {
		t.Fatalf("expected exactly one software-ring TX fallback (2 lcores, 1 hw queue), got %d", ringInitCalls)
	}
	if rxInitCalls != 1 {
		t.Fatalf("expected exactly one RX queue init, got %d", rxInitCalls)
	}
}

// TestScheduler_ScheduleInterfaceSkipsPacketLcoreHardwareTx places the
// packet lcore second in the round-robin TX walk (right after the
// least-used forwarding lcore) with nbTxQueues == fwdLcoreCount, the
// exact configuration under which the packet lcore would still have
// queueID < nbTxQueues by the time the walk reaches it: a scheduler
// missing the packet-lcore guard binds it a hardware TX queue it never
// drains, instead of falling back to a software ring.
func TestScheduler_ScheduleInterfaceSkipsPacketLcoreHardwareTx(t *testing.T) {
	fwdA := NewContext(0, 0)
	packet := NewContext(1, 0)
	fwdB := NewContext(2, 0)
	fwdC := NewContext(3, 0)
	s := NewScheduler([]*Context{fwdA, packet, fwdB, fwdC}, packet.ID, 64)

	iface := &fakeIface{idx: 7}
	var txInitCalls, ringInitCalls int
	var txLcoreIDs []int

	err := s.ScheduleInterface(
		iface,
		3, // nbTxQueues == fwdLcoreCount: no spare hw queue for the packet lcore
		func(lcoreID int, ifc api.Interface, queueID int) (api.Queue, error) {
			txInitCalls++
			txLcoreIDs = append(txLcoreIDs, lcoreID)
			return &fakeQueue{}, nil
		},
		func(ownerLcoreID, targetLcoreID int, ifc api.Interface) (api.Queue, api.Ring[api.Buffer], error) {
			ringInitCalls++
			return &fakeQueue{}, nil, nil
		},
		3, // nbRxQueues
		func(lcoreID int, ifc api.Interface, queueID int) (api.Queue, error) {
			return &fakeQueue{}, nil
		},
	)
	if err != nil {
		t.Fatalf("ScheduleInterface: %v", err)
	}
	if txInitCalls != 3 {
		t.Fatalf("expected exactly 3 hardware TX queue inits (one per forwarding lcore), got %d", txInitCalls)
	}
	for _, id := range txLcoreIDs {
		if id == packet.ID {
			t.Fatalf("hardware TX queue bound to the packet lcore %d; it has no forwarding loop to drive it", packet.ID)
		}
	}
	if ringInitCalls == 0 {
		t.Fatalf("expected the packet lcore's TX to fall back to a software ring")
	}
}

func TestForwardingLoop_DrainsRxQueueAndStopsOnRequest(t *testing.T) {
	ctx := NewContext(1, 0)
	iface := &fakeIface{idx: 3}
	q := &fakeQueue{rx: [][]api.Buffer{
		{{Data: []byte("a")}, {Data: []byte("b")}},
	}}
	ctx.AddRxQueue(q, iface)

	fl := NewForwardingLoop(ctx, 8)

	done := make(chan struct{})
	go func() {
		fl.Run()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(iface.received) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ctx.RequestStop()
	<-done

	if len(iface.received) < 2 {
		t.Fatalf("expected both packets delivered to iface.Rx, got %d", len(iface.received))
	}
	if ctx.Quiescence() == 0 {
		t.Fatalf("expected at least one quiescence announcement")
	}
}

func TestForwardingLoop_VirtualInterfaceRxForwardsToRingNotIface(t *testing.T) {
	ctx := NewContext(1, 0)
	iface := &fakeIface{idx: 4, kind: api.InterfaceVirtual}
	q := &fakeQueue{rx: [][]api.Buffer{
		{{Data: []byte("a")}, {Data: []byte("b")}},
	}}
	fwdRing := concurrency.NewRingBuffer[api.Buffer](8)
	if _, err := ctx.AddVirtualRxQueue(q, iface, fwdRing); err != nil {
		t.Fatalf("AddVirtualRxQueue: %v", err)
	}

	fl := NewForwardingLoop(ctx, 8)

	done := make(chan struct{})
	go func() {
		fl.Run()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for fwdRing.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ctx.RequestStop()
	<-done

	if fwdRing.Len() != 2 {
		t.Fatalf("expected both packets queued on the owning worker's ring, got %d", fwdRing.Len())
	}
	if len(iface.received) != 0 {
		t.Fatalf("expected no direct iface.Rx delivery for a virtual interface, got %d", len(iface.received))
	}
}

func TestForwardingLoop_FlushErrorCountedInStats(t *testing.T) {
	ctx := NewContext(1, 0)
	q := &fakeQueue{flushErr: errors.New("flush boom")}
	ctx.AddTxQueue(0, q)

	fl := NewForwardingLoop(ctx, 8)

	done := make(chan struct{})
	go func() {
		fl.Run()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for q.flushed == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ctx.RequestStop()
	<-done

	_, txErrors, _ := fl.Stats()
	if txErrors == 0 {
		t.Fatalf("expected flush error to be counted")
	}
}
