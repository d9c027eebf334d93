// File: internal/lcore/forwarding.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ForwardingLoop is the hot per-lcore poll loop: drain every owned
// hardware RX queue, drain every software ring other lcores pushed
// virtual-interface traffic through, flush buffered TX output, and
// announce a quiescent point once per iteration.

package lcore

import (
	"time"

	"golang.org/x/sys/cpu"

	"github.com/momentics/vrouter-core/api"
)

// fwdRxPasses is the maximum number of times fwdIO drains a single RX
// queue before moving to the next (it stops early once a burst comes
// back short of a full burst), after dpdk_lcore_fwd_io's five calls to
// dpdk_lcore_fwd_rx per queue per iteration (amortizes the per-queue
// polling overhead across several bursts while packets are still
// arriving).
const fwdRxPasses = 5

// idleSleep is how long the loop yields the OS thread when an
// iteration drained nothing at all, avoiding a pure busy-spin burning a
// full core while genuinely idle.
const idleSleep = 50 * time.Microsecond

// loopStats are the per-lcore hot counters the forwarding loop updates
// every iteration, cache-line padded against the cold fields below so a
// concurrent Stats() reader never bounces the hot cache line.
type loopStats struct {
	rxPackets uint64
	txErrors  uint64
	_         cpu.CacheLinePad
	idleIters uint64
}

// ForwardingLoop polls one Context's queues until the Context's stop
// flag is set.
type ForwardingLoop struct {
	ctx       *Context
	burstSize int
	stats     loopStats
}

// NewForwardingLoop creates a loop over ctx with the given RX burst size
// (the number of packet slots drained from a queue per fwdRx call).
func NewForwardingLoop(ctx *Context, burstSize int) *ForwardingLoop {
	if burstSize <= 0 {
		burstSize = 32
	}
	return &ForwardingLoop{ctx: ctx, burstSize: burstSize}
}

// Run polls until RequestStop is called on the loop's Context, matching
// dpdk_lcore_fwd_loop's for (;;) around dpdk_lcore_fwd_io.
func (fl *ForwardingLoop) Run() {
	pkts := make([]api.Buffer, fl.burstSize)
	for i := range pkts {
		b := fl.ctx.AllocBuffer()
		b.Data = b.Data[:cap(b.Data)]
		pkts[i] = b
	}
	defer func() {
		for _, b := range pkts {
			fl.ctx.ReleaseBuffer(b)
		}
	}()

	for !fl.ctx.StopRequested() {
		n := fl.fwdIO(pkts)
		n += fl.drainRingsToPush(pkts)

		if err := fl.ctx.Flush(); err != nil {
			fl.stats.txErrors++
		}

		fl.ctx.quiescenceEpoch.Add(1)

		if n == 0 {
			fl.stats.idleIters++
			time.Sleep(idleSleep)
		}
	}
}

// Stats returns a snapshot of the loop's hot counters.
func (fl *ForwardingLoop) Stats() (rxPackets, txErrors, idleIters uint64) {
	return fl.stats.rxPackets, fl.stats.txErrors, fl.stats.idleIters
}

// fwdIO walks every hardware RX queue this context owns, draining each
// up to fwdRxPasses times, matching dpdk_lcore_fwd_io.
func (fl *ForwardingLoop) fwdIO(pkts []api.Buffer) int {
	total := 0
	for i := 0; i < fl.ctx.rxQueuesCount; i++ {
		q := fl.ctx.rxQueues[i]
		for pass := 0; pass < fwdRxPasses; pass++ {
			n := fl.fwdRx(q, pkts)
			total += n
			if n < len(pkts) {
				// Queue drained below a full burst; no point spinning
				// further passes against it this iteration.
				break
			}
		}
	}
	return total
}

// fwdRx drains one RX queue once. A physical interface's packets go
// straight to its owning interface's Rx (the out-of-scope routing engine
// collaborator); a virtual interface's packets are instead wrapped onto
// its forwardRing for the owning physical worker to drain on its own
// iteration, matching dpdk_lcore_fwd_rx's vif_type check ahead of the
// rx-then-vif_rx sequence.
func (fl *ForwardingLoop) fwdRx(q rxQueueEntry, pkts []api.Buffer) int {
	n, err := q.queue.RxBurst(pkts)
	if err != nil || n == 0 {
		return 0
	}
	fl.stats.rxPackets += uint64(n)
	if q.iface.Kind() == api.InterfaceVirtual && q.forwardRing != nil {
		for i := 0; i < n; i++ {
			if !q.forwardRing.Enqueue(pkts[i]) {
				fl.stats.txErrors++
			}
		}
		return n
	}
	for i := 0; i < n; i++ {
		if err := q.iface.Rx(pkts[i]); err != nil {
			fl.stats.txErrors++
		}
	}
	return n
}

// drainRingsToPush empties every software ring this context owns,
// delivering each buffer either to a specific TX queue or, absent one,
// to the owning interface's Rx, matching dpdk_lcore_fwd_io's SLIST walk
// over lcore->lcore_rx_queue_to_push.
func (fl *ForwardingLoop) drainRingsToPush(pkts []api.Buffer) int {
	total := 0
	for _, r := range fl.ctx.ringsToPush {
		if r == nil {
			continue
		}
		for i := 0; i < fl.burstSize; i++ {
			pkt, ok := r.src.Dequeue()
			if !ok {
				break
			}
			total++
			if r.txQueue != nil {
				if err := r.txQueue.TxOne(pkt); err != nil {
					fl.stats.txErrors++
				}
			} else if r.iface != nil {
				if err := r.iface.Rx(pkt); err != nil {
					fl.stats.txErrors++
				}
			}
		}
	}
	return total
}
