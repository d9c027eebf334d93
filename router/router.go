// File: router/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Router wires the Lcore Dispatcher (one Context plus ForwardingLoop per
// packet-processing core) and the Shared-Memory Netlink Transport
// (PeerTable, Server, Dispatcher) into a single process lifecycle,
// mirroring the top-level startup/shutdown sequence a vrouter-core
// process runs once at boot.

package router

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/momentics/vrouter-core/adapters"
	"github.com/momentics/vrouter-core/api"
	"github.com/momentics/vrouter-core/core/concurrency"
	"github.com/momentics/vrouter-core/internal/genetlink"
	"github.com/momentics/vrouter-core/internal/lcore"
	"github.com/momentics/vrouter-core/internal/nltransport"
)

var pinLog = log.New(os.Stderr, "[router] ", log.LstdFlags)

// Config describes the lcore layout and transport endpoint a Router
// starts with.
type Config struct {
	// ForwardingLcoreIDs are the CPU core indices running packet
	// forwarding loops. Each gets its own Context and ForwardingLoop.
	ForwardingLcoreIDs []int

	// ServiceLcoreID runs the netlink transport's Server/Dispatcher
	// goroutines and is excluded from RX/TX queue assignment, matching
	// dpdk_lcore_service_loop's dedicated service core.
	ServiceLcoreID int

	// NUMANode is the allocation node used for every Context and the
	// NUMA-aware buffer pool.
	NUMANode int

	// MaxInterfaces bounds RX queues per lcore (VR_MAX_INTERFACES).
	MaxInterfaces int

	// ListenPath is the Unix socket path the transport Server listens
	// on for incoming netlink client connections.
	ListenPath string

	// RingCapacity is the payload byte capacity of each direction of a
	// peer's shared-memory ring pair.
	RingCapacity int

	// MaxPeers bounds concurrent netlink client connections.
	MaxPeers int

	// Handler answers decoded Generic Netlink requests. Supplying the
	// actual vrouter control-plane command set (route/route table/vif
	// management, etc.) is the caller's responsibility; Router only
	// wires the transport that carries requests to it.
	Handler func(req genetlink.Message) (responses [][]byte, err error)

	// ForwardingBurstSize is the RX burst size each ForwardingLoop polls
	// per queue per pass.
	ForwardingBurstSize int
}

// Router owns every goroutine a running instance needs and tears them
// all down on Shutdown.
type Router struct {
	cfg Config

	control api.Control
	timers  *concurrency.Scheduler

	table      *nltransport.PeerTable
	server     *nltransport.Server
	dispatcher *nltransport.Dispatcher

	scheduler *lcore.Scheduler
	contexts  map[int]*lcore.Context
	fwdLoops  []*lcore.ForwardingLoop
	svcLoop   *lcore.ServiceLoop

	wg sync.WaitGroup
}

// New validates cfg and wires every component, but starts nothing.
func New(cfg Config) (*Router, error) {
	if len(cfg.ForwardingLcoreIDs) == 0 {
		return nil, fmt.Errorf("router: at least one forwarding lcore is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("router: a netlink request handler is required")
	}

	r := &Router{
		cfg:     cfg,
		control: adapters.NewControlAdapter(),
		timers:  concurrency.NewScheduler(),
	}

	contexts := make([]*lcore.Context, 0, len(cfg.ForwardingLcoreIDs)+1)
	r.contexts = make(map[int]*lcore.Context, len(cfg.ForwardingLcoreIDs)+1)
	for _, id := range cfg.ForwardingLcoreIDs {
		c := lcore.NewContext(id, cfg.NUMANode)
		r.contexts[id] = c
		contexts = append(contexts, c)
	}
	svcCtx := lcore.NewContext(cfg.ServiceLcoreID, cfg.NUMANode)
	r.contexts[cfg.ServiceLcoreID] = svcCtx
	contexts = append(contexts, svcCtx)

	r.scheduler = lcore.NewScheduler(contexts, cfg.ServiceLcoreID, cfg.MaxInterfaces)

	r.table = nltransport.NewPeerTable(cfg.MaxPeers)
	r.server = nltransport.NewServer(cfg.ListenPath, cfg.RingCapacity, r.table)
	r.dispatcher = nltransport.NewDispatcher(r.table, nltransport.HandlerFunc(cfg.Handler))

	r.svcLoop = lcore.NewServiceLoop(svcCtx,
		lcore.Controller{Start: r.server.Start, Stop: r.server.Stop},
		lcore.Controller{
			Start: func() error { r.dispatcher.Start(); return nil },
			Stop:  func() error { r.dispatcher.Stop(); return nil },
		},
	)

	for _, id := range cfg.ForwardingLcoreIDs {
		r.fwdLoops = append(r.fwdLoops, lcore.NewForwardingLoop(r.contexts[id], cfg.ForwardingBurstSize))
	}

	r.scheduleFlushTick()
	r.registerDebugProbes()

	return r, nil
}

// txFlushIntervalNs is the period of an out-of-band flush of every
// context's TX queues, run from the timer scheduler in addition to the
// hot loop's own per-iteration Flush call, matching the role
// dpdk_lcore_fwd_loop's own periodic timer service plays outside the
// packet-rate-driven path.
const txFlushIntervalNs = int64(10 * 1e6) // 10ms

// scheduleFlushTick arms a recurring background flush via the timer
// scheduler, independent of each ForwardingLoop's own per-iteration
// Flush call.
func (r *Router) scheduleFlushTick() {
	var tick func()
	tick = func() {
		for _, c := range r.contexts {
			if err := c.Flush(); err != nil {
				pinLog.Printf("lcore %d: background flush failed: %v", c.ID, err)
			}
		}
		if _, err := r.timers.Schedule(txFlushIntervalNs, tick); err != nil {
			pinLog.Printf("failed to rearm flush tick: %v", err)
		}
	}
	if _, err := r.timers.Schedule(txFlushIntervalNs, tick); err != nil {
		pinLog.Printf("failed to arm flush tick: %v", err)
	}
}

// registerDebugProbes exposes per-lcore forwarding counters through the
// Control facade's debug introspection.
func (r *Router) registerDebugProbes() {
	for i, id := range r.cfg.ForwardingLcoreIDs {
		loop := r.fwdLoops[i]
		r.control.RegisterDebugProbe(fmt.Sprintf("lcore.%d.stats", id), func() any {
			rx, txErr, idle := loop.Stats()
			return map[string]any{"rx_packets": rx, "tx_errors": txErr, "idle_iters": idle}
		})
	}
	r.control.RegisterDebugProbe("peers.count", func() any { return r.table.Len() })
}

// Scheduler exposes the RX/TX queue scheduler so a driver collaborator
// can call ScheduleInterface/ScheduleMPLS once interfaces are known.
func (r *Router) Scheduler() *lcore.Scheduler { return r.scheduler }

// Control exposes the configuration/metrics/debug facade.
func (r *Router) Control() api.Control { return r.control }

// Run starts the service lcore and every forwarding lcore, each pinned
// to its own OS thread via affinity, and blocks until Shutdown is
// called from another goroutine.
func (r *Router) Run() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pinAndRun(r.cfg.ServiceLcoreID, func() { _ = r.svcLoop.Run() })
	}()

	for i, id := range r.cfg.ForwardingLcoreIDs {
		loop := r.fwdLoops[i]
		r.wg.Add(1)
		go func(cpuID int) {
			defer r.wg.Done()
			pinAndRun(cpuID, loop.Run)
		}(id)
	}

	r.wg.Wait()
}

// Shutdown requests every lcore's loop to stop and waits for Run to
// return. Safe to call from any goroutine, any number of times.
func (r *Router) Shutdown() {
	for _, c := range r.contexts {
		c.RequestStop()
	}
	r.timers.Stop()
	r.wg.Wait()
}

// pinAndRun pins the calling goroutine's OS thread to cpuID for the
// duration of fn, matching rte_eal_remote_launch's per-lcore thread
// affinity. Pinning failure is non-fatal: the loop still runs, just
// without a CPU guarantee, the same tolerance dpdk_lcore_init falls
// back to when affinity setup fails on an unsupported platform.
func pinAndRun(cpuID int, fn func()) {
	a := adapters.NewAffinityAdapter()
	if err := a.Pin(cpuID, -1); err != nil {
		pinLog.Printf("cpu %d: affinity pin failed, continuing unpinned: %v", cpuID, err)
	}
	defer a.Unpin()
	fn()
}
