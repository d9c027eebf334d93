// File: internal/lcore/service.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ServiceLoop runs on the lcore collocated with the control-plane
// transport: it owns no RX queues of its own (excluded from forwarding
// assignment the same way the packet lcore is), and instead drives the
// transport's accept/dispatch goroutines plus periodic bookkeeping,
// matching dpdk_lcore_service_loop's split from dpdk_lcore_fwd_loop.

package lcore

import "time"

// serviceTickInterval bounds how often the service loop announces a
// quiescent point and runs periodic housekeeping when there is no
// transport traffic to react to.
const serviceTickInterval = 10 * time.Millisecond

// Controller is one transport component's Start/Stop lifecycle hooks
// (nltransport.Server and nltransport.Dispatcher both satisfy this
// shape once adapted to a common return signature via small closures at
// the call site, keeping this package free of an nltransport import).
type Controller struct {
	Start func() error
	Stop  func() error
}

// ServiceLoop owns zero or more Controllers (typically a
// nltransport.Server and nltransport.Dispatcher pair) and a periodic
// tick for quiescent-state bookkeeping.
type ServiceLoop struct {
	ctx          *Context
	controllers  []Controller
	tickInterval time.Duration
}

// NewServiceLoop creates a service loop for ctx, which must have been
// excluded from forwarding-queue assignment (see Scheduler's
// packetLcoreID exclusion).
func NewServiceLoop(ctx *Context, controllers ...Controller) *ServiceLoop {
	return &ServiceLoop{ctx: ctx, controllers: controllers, tickInterval: serviceTickInterval}
}

// Run starts every controller, then ticks until RequestStop is called
// on the loop's Context, stopping every controller before returning.
func (sl *ServiceLoop) Run() error {
	for _, c := range sl.controllers {
		if c.Start == nil {
			continue
		}
		if err := c.Start(); err != nil {
			return err
		}
	}
	defer func() {
		for _, c := range sl.controllers {
			if c.Stop != nil {
				_ = c.Stop()
			}
		}
	}()

	ticker := time.NewTicker(sl.tickInterval)
	defer ticker.Stop()

	for !sl.ctx.StopRequested() {
		<-ticker.C
		sl.ctx.quiescenceEpoch.Add(1)
	}
	return nil
}
