// File: adapters/affinity_adapter.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
// Description:
//   Adapter exposing the api.Affinity interface, backed by the affinity package.

package adapters

import (
	"github.com/momentics/vrouter-core/affinity"
	"github.com/momentics/vrouter-core/api"
)

// AffinityAdapter implements api.Affinity by delegating to the affinity package.
type AffinityAdapter struct {
	currentCPU  int
	currentNUMA int
	pinned      bool
	scope       api.AffinityScope
}

// NewAffinityAdapter constructs a new AffinityAdapter with default thread scope.
func NewAffinityAdapter() api.Affinity {
	return &AffinityAdapter{
		currentCPU:  -1,
		currentNUMA: -1,
		pinned:      false,
		scope:       api.ScopeThread,
	}
}

// Pin binds the current OS thread to cpuID. numaID is recorded for
// ImmutableDescriptor/Get but not separately enforced: the affinity
// package pins by logical CPU only, and a CPU pin already implies a NUMA
// node on any sane topology.
func (a *AffinityAdapter) Pin(cpuID, numaID int) error {
	if cpuID < 0 {
		cpuID = 0
	}
	if err := affinity.SetAffinity(cpuID); err != nil {
		return err
	}
	a.currentCPU = cpuID
	a.currentNUMA = numaID
	a.pinned = true
	return nil
}

// Unpin releases any CPU binding on this thread.
func (a *AffinityAdapter) Unpin() error {
	if err := affinity.UnsetAffinity(); err != nil {
		return err
	}
	a.pinned = false
	a.currentCPU = -1
	a.currentNUMA = -1
	return nil
}

// Get returns the currently pinned CPU and NUMA node.
func (a *AffinityAdapter) Get() (cpuID, numaID int, err error) {
	return a.currentCPU, a.currentNUMA, nil
}

// Scope returns the binding scope (process, thread, or goroutine).
func (a *AffinityAdapter) Scope() api.AffinityScope {
	return a.scope
}

// ImmutableDescriptor returns a snapshot of the current binding state.
func (a *AffinityAdapter) ImmutableDescriptor() api.AffinityDescriptor {
	return api.AffinityDescriptor{
		CPUID:  a.currentCPU,
		NUMAID: a.currentNUMA,
		Scope:  a.scope,
		Pinned: a.pinned,
	}
}
