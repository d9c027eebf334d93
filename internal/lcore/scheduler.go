// File: internal/lcore/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduler assigns interfaces' RX/TX hardware queues to the
// least-loaded worker contexts, falling back to software rings once
// hardware queues run out, and programs MPLS demultiplex filter queues.

package lcore

import (
	"sort"
	"sync"

	"github.com/momentics/vrouter-core/api"
)

// QueueInitFunc asks the external interface driver to bring up hardware
// queue index queueID on lcoreID for iface, returning the resulting
// Queue vtable.
type QueueInitFunc func(lcoreID int, iface api.Interface, queueID int) (api.Queue, error)

// RingTxInitFunc asks the driver to create a software ring-backed TX
// path from ownerLcoreID to targetLcoreID for iface.
type RingTxInitFunc func(ownerLcoreID, targetLcoreID int, iface api.Interface) (api.Queue, api.Ring[api.Buffer], error)

// Scheduler tracks one Context per lcore and the round-robin order used
// to walk lcores when assigning queues.
type Scheduler struct {
	mu            sync.Mutex
	contexts      map[int]*Context
	order         []int // ascending lcore IDs, mirrors rte_get_next_lcore's wraparound walk
	packetLcoreID int
	maxInterfaces int // VR_MAX_INTERFACES equivalent: per-lcore RX queue ceiling
	fwdLcoreCount int // lcores in order excluding packetLcoreID, nb_fwd_lcores equivalent
}

// NewScheduler creates a scheduler over the given contexts (keyed by
// lcore ID), excluding packetLcoreID from forwarding-queue selection as
// vr_dpdk_lcore_least_used_get does.
func NewScheduler(contexts []*Context, packetLcoreID, maxInterfaces int) *Scheduler {
	s := &Scheduler{
		contexts:      make(map[int]*Context, len(contexts)),
		packetLcoreID: packetLcoreID,
		maxInterfaces: maxInterfaces,
	}
	for _, c := range contexts {
		s.contexts[c.ID] = c
		s.order = append(s.order, c.ID)
		if c.ID != packetLcoreID {
			s.fwdLcoreCount++
		}
	}
	sort.Ints(s.order)
	return s
}

// LeastUsed returns the context with the fewest RX-queues-plus-rings-to-
// push, excluding the packet lcore, matching vr_dpdk_lcore_least_used_get.
func (s *Scheduler) LeastUsed() (*Context, error) {
	return s.leastUsed(true)
}

// LeastUsedPhysical returns the least-loaded context, excluding the
// packet lcore unless there are no forwarding lcores at all, matching
// vr_dpdk_phys_lcore_least_used_get.
func (s *Scheduler) LeastUsedPhysical() (*Context, error) {
	return s.leastUsed(s.fwdLcoreCount > 0)
}

func (s *Scheduler) leastUsed(excludePacketLcore bool) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Context
	bestLoad := 1<<31 - 1
	for _, id := range s.order {
		if excludePacketLcore && id == s.packetLcoreID {
			continue
		}
		c := s.contexts[id]
		load := c.NumRxQueues() + c.NumRingsToPush()
		if load < bestLoad {
			bestLoad = load
			best = c
		}
	}
	if best == nil {
		return nil, api.ErrSchedulingFailure
	}
	return best, nil
}

// nextLcoreID returns the next lcore ID after id in ascending order,
// wrapping around to the smallest, matching rte_get_next_lcore's
// wraparound walk that never skips the master lcore.
func (s *Scheduler) nextLcoreID(id int) int {
	for i, v := range s.order {
		if v == id {
			return s.order[(i+1)%len(s.order)]
		}
	}
	return s.order[0]
}

// ScheduleInterface assigns TX queues (starting from leastUsedID) then RX
// queues (starting from leastUsedID) across all lcores in round-robin
// order, falling back to a software ring for TX once hardware TX queues
// are exhausted and stopping RX assignment once hardware RX queues are
// exhausted, matching vr_dpdk_lcore_if_schedule. The packet lcore only
// gets a hardware TX queue when there are more TX queues than forwarding
// lcores to spread them across; otherwise it is driven purely through a
// software ring, mirroring vr_dpdk_lcore.c's
// ((lcore_id != packet_lcore_id) || (nb_tx_queues > nb_fwd_lcores)) guard.
func (s *Scheduler) ScheduleInterface(
	iface api.Interface,
	nbTxQueues int,
	txInit QueueInitFunc,
	ringTxInit RingTxInitFunc,
	nbRxQueues int,
	rxInit QueueInitFunc,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	leastUsed, err := s.leastUsedLocked(true)
	if err != nil {
		return err
	}
	leastUsedID := leastUsed.ID

	// TX queues, starting at the least-used lcore.
	lcoreID := leastUsedID
	queueID := 0
	for {
		c := s.contexts[lcoreID]
		if c.NumRxQueues() >= s.maxInterfaces {
			lcoreID = s.nextLcoreID(lcoreID)
			if lcoreID == leastUsedID {
				break
			}
			continue
		}

		var q api.Queue
		if (lcoreID != s.packetLcoreID || nbTxQueues > s.fwdLcoreCount) && queueID < nbTxQueues {
			q, err = txInit(lcoreID, iface, queueID)
			if err != nil {
				return err
			}
			queueID++
		} else {
			q, _, err = ringTxInit(lcoreID, leastUsedID, iface)
			if err != nil {
				return err
			}
		}
		c.AddTxQueue(iface.Index(), q)

		lcoreID = s.nextLcoreID(lcoreID)
		if lcoreID == leastUsedID {
			break
		}
	}

	// RX queues, starting at the least-used lcore; stop once hardware
	// queues run out rather than falling back to software rings (the RX
	// side has no software-ring equivalent: an interface never receives
	// more hardware queues than it has).
	lcoreID = leastUsedID
	queueID = 0
	for {
		c := s.contexts[lcoreID]
		if c.NumRxQueues() >= s.maxInterfaces {
			lcoreID = s.nextLcoreID(lcoreID)
			if lcoreID == leastUsedID {
				break
			}
			continue
		}

		if lcoreID != s.packetLcoreID {
			if queueID >= nbRxQueues {
				break
			}
			q, err := rxInit(lcoreID, iface, queueID)
			if err != nil {
				return err
			}
			if _, err := c.AddRxQueue(q, iface); err != nil {
				return err
			}
			queueID++
		}

		lcoreID = s.nextLcoreID(lcoreID)
		if lcoreID == leastUsedID {
			break
		}
	}

	return nil
}

// ScheduleMPLS programs a hardware filter queue for MPLS-over-UDP
// demultiplex and attaches it as an RX queue on the least-loaded lcore,
// matching vr_dpdk_lcore_mpls_schedule.
func (s *Scheduler) ScheduleMPLS(
	iface api.Interface,
	filterQueueID func(api.Interface) (int, error),
	filterAdd func(iface api.Interface, queueID int, dstIP, mplsLabel uint32) error,
	rxInit func(lcoreID int, iface api.Interface, queueID int) (api.Queue, error),
	dstIP, mplsLabel uint32,
) error {
	least, err := s.LeastUsed()
	if err != nil {
		return err
	}

	queueID, err := filterQueueID(iface)
	if err != nil {
		return api.ErrSchedulingFailure
	}
	if err := filterAdd(iface, queueID, dstIP, mplsLabel); err != nil {
		return err
	}

	q, err := rxInit(least.ID, iface, queueID)
	if err != nil {
		return api.ErrDriverFailure
	}
	_, err = least.AddRxQueue(q, iface)
	return err
}

func (s *Scheduler) leastUsedLocked(excludePacketLcore bool) (*Context, error) {
	var best *Context
	bestLoad := 1<<31 - 1
	for _, id := range s.order {
		if excludePacketLcore && id == s.packetLcoreID {
			continue
		}
		c := s.contexts[id]
		load := c.NumRxQueues() + c.NumRingsToPush()
		if load < bestLoad {
			bestLoad = load
			best = c
		}
	}
	if best == nil {
		return nil, api.ErrSchedulingFailure
	}
	return best, nil
}
