// File: internal/lcore/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context is one pinned worker's forwarding state: the set of hardware
// RX queues it owns, the TX queues it pushes to (kept ordered by
// interface index to optimize cache locality, mirroring an SLIST sorted
// insert), and the software rings other workers push virtual-interface
// traffic through when no hardware queue is available.

package lcore

import (
	"sync/atomic"

	"github.com/momentics/vrouter-core/api"
	"github.com/momentics/vrouter-core/pool"
)

// MaxQueuesPerLcore bounds the RX queue bitmask width.
const MaxQueuesPerLcore = 64

// packetBufferSize is the per-buffer capacity each lcore's NUMA-local
// packet pool allocates, sized for a standard Ethernet MTU plus headroom,
// mirroring dpdk_lcore_init's per-lcore mbuf pool sizing.
const packetBufferSize = 2048

// MaxRingsToPush bounds the number of software-ring entries a context
// tracks, mirroring VR_DPDK_MAX_RINGS.
const MaxRingsToPush = 128

type txQueueEntry struct {
	vifIdx int
	queue  api.Queue
}

// ringToPush is a software ring carrying packets from a queue-owning
// worker to this worker, for a virtual interface this worker has no
// hardware queue for.
type ringToPush struct {
	src     api.Ring[api.Buffer]
	txQueue api.Queue     // nil => deliver via iface.Rx instead of a TX queue
	iface   api.Interface // used when txQueue is nil
}

// rxQueueEntry pairs a hardware RX queue with the interface it belongs
// to, so the forwarding loop knows which Interface.Rx to deliver a
// received packet into (vif_rx's ownership, tracked alongside the queue
// the way dpdk_lcore_rx_queue_add stores both on its vr_dpdk_rx_queue).
//
// forwardRing is set only for a virtual interface's RX queue: instead of
// delivering straight into iface.Rx on this lcore, the burst is handed to
// the owning physical worker's software ring, matching vr_dpdk_lcore.c's
// virtual-interface RX path (dpdk_lcore_fwd_rx checks vif_type before
// calling vif_rx directly).
type rxQueueEntry struct {
	queue       api.Queue
	iface       api.Interface
	forwardRing api.Ring[api.Buffer]
}

// Context is one lcore's forwarding-loop state.
type Context struct {
	ID   int
	NUMA int

	rxQueues      [MaxQueuesPerLcore]rxQueueEntry
	rxQueuesMask  uint64
	rxQueuesCount int

	txQueues []txQueueEntry

	ringsToPush []*ringToPush

	stopFlag        atomic.Bool
	quiescenceEpoch atomic.Uint64

	bufPool *pool.NUMAPool
}

// NewContext allocates a context for lcore id pinned to the given NUMA
// node, mirroring dpdk_lcore_init's per-lcore, NUMA-local allocation. Its
// packet buffer pool is allocated from the same NUMA node so a forwarding
// loop's RX bursts never cross a node boundary to fetch buffer storage.
func NewContext(id, numaNode int) *Context {
	return &Context{
		ID:      id,
		NUMA:    numaNode,
		bufPool: pool.NewNUMAPool(numaNode, packetBufferSize, true),
	}
}

// AllocBuffer fetches a NUMA-local packet buffer from this context's pool,
// sized to packetBufferSize.
func (c *Context) AllocBuffer() api.Buffer {
	return api.Buffer{Data: c.bufPool.Get()[:0], NUMA: c.NUMA}
}

// ReleaseBuffer returns b's backing storage to this context's pool. A
// buffer whose backing array is smaller than packetBufferSize did not
// come from this pool (e.g. a queue driver handed back its own storage)
// and is simply dropped rather than risk growing it.
func (c *Context) ReleaseBuffer(b api.Buffer) {
	if cap(b.Data) < packetBufferSize {
		return
	}
	c.bufPool.Put(b.Data[:cap(b.Data)])
}

// NumRxQueues reports the number of hardware RX queues currently owned,
// the value vr_dpdk_lcore_least_used_get and the scheduling loops read
// as lcore_nb_rx_queues.
func (c *Context) NumRxQueues() int { return c.rxQueuesCount }

// NumRingsToPush reports the number of software-ring entries owned.
func (c *Context) NumRingsToPush() int { return len(c.ringsToPush) }

// AddRxQueue installs q (owned by iface) as the next hardware RX queue
// bit, matching dpdk_lcore_rx_queue_add's write-barrier-then-mask-then-
// count sequence. Go's happens-before guarantee from atomic.Bool/Uint64
// stores elsewhere in this package stands in for the original's explicit
// write barrier.
func (c *Context) AddRxQueue(q api.Queue, iface api.Interface) (queueID int, err error) {
	return c.addRxQueue(q, iface, nil)
}

// AddVirtualRxQueue installs q the same way AddRxQueue does, but marks it
// as belonging to a virtual interface whose received packets must be
// forwarded to the owning physical worker's software ring rather than
// delivered to iface.Rx on this lcore.
func (c *Context) AddVirtualRxQueue(q api.Queue, iface api.Interface, forwardRing api.Ring[api.Buffer]) (queueID int, err error) {
	return c.addRxQueue(q, iface, forwardRing)
}

func (c *Context) addRxQueue(q api.Queue, iface api.Interface, forwardRing api.Ring[api.Buffer]) (queueID int, err error) {
	if c.rxQueuesCount >= MaxQueuesPerLcore {
		return 0, api.ErrSchedulingFailure
	}
	queueID = c.rxQueuesCount
	c.rxQueues[queueID] = rxQueueEntry{queue: q, iface: iface, forwardRing: forwardRing}
	c.rxQueuesMask |= 1 << uint(queueID)
	c.rxQueuesCount++
	return queueID, nil
}

// AddTxQueue inserts q into the TX queue list, kept sorted ascending by
// vifIdx to optimize CPU cache usage the same way dpdk_lcore_tx_queue_add
// keeps its SLIST sorted.
func (c *Context) AddTxQueue(vifIdx int, q api.Queue) {
	entry := txQueueEntry{vifIdx: vifIdx, queue: q}
	pos := len(c.txQueues)
	for i, e := range c.txQueues {
		if e.vifIdx >= vifIdx {
			pos = i
			break
		}
	}
	c.txQueues = append(c.txQueues, txQueueEntry{})
	copy(c.txQueues[pos+1:], c.txQueues[pos:])
	c.txQueues[pos] = entry
}

// AddRingToPush registers a software ring this context must drain on
// every forwarding-loop iteration.
func (c *Context) AddRingToPush(src api.Ring[api.Buffer], txQueue api.Queue, iface api.Interface) (int, error) {
	if len(c.ringsToPush) >= MaxRingsToPush {
		return 0, api.ErrSchedulingFailure
	}
	c.ringsToPush = append(c.ringsToPush, &ringToPush{src: src, txQueue: txQueue, iface: iface})
	return len(c.ringsToPush) - 1, nil
}

// DetachRingAt nulls the ring-to-push entry at idx; drainRingsToPush skips
// nil entries. It does no synchronization with a running forwarding loop.
// The index is not reused, and NumRingsToPush still counts the nulled
// entry.
func (c *Context) DetachRingAt(idx int) {
	if idx >= 0 && idx < len(c.ringsToPush) {
		c.ringsToPush[idx] = nil
	}
}

// RequestStop asks the forwarding/service loop running this context to
// exit at its next stop-flag check.
func (c *Context) RequestStop() { c.stopFlag.Store(true) }

// StopRequested reports whether RequestStop has been called.
func (c *Context) StopRequested() bool { return c.stopFlag.Load() }

// Quiescence returns the number of forwarding-loop iterations that have
// announced a quiescent state so far.
func (c *Context) Quiescence() uint64 { return c.quiescenceEpoch.Load() }

// Flush pushes buffered TX queue output to the driver, in TX-queue order,
// mirroring dpdk_lcore_flush's SLIST_FOREACH.
func (c *Context) Flush() error {
	for _, e := range c.txQueues {
		if err := e.queue.Flush(); err != nil {
			return err
		}
	}
	return nil
}
