// File: internal/nltransport/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatcher scans every active peer's RX ring, decodes a Generic
// Netlink request, invokes the message handler, and serializes the
// response(s) back onto the peer's TX ring. It runs independently of
// Server, synchronized only through the shared PeerTable.

package nltransport

import (
	"log"
	"os"

	"github.com/momentics/vrouter-core/api"
	"github.com/momentics/vrouter-core/internal/genetlink"
)

// requestHandler decodes and answers one request, returning zero or more
// encoded Generic Netlink response frames to enqueue on the peer's TX
// ring, in order.
type requestHandler interface {
	HandleRequest(req genetlink.Message) (responses [][]byte, err error)
}

// HandlerFunc adapts a plain function to requestHandler.
type HandlerFunc func(req genetlink.Message) ([][]byte, error)

func (f HandlerFunc) HandleRequest(req genetlink.Message) ([][]byte, error) { return f(req) }

// Dispatcher owns the ring-draining loop.
type Dispatcher struct {
	table   *PeerTable
	handler requestHandler

	log  *log.Logger
	stop chan struct{}
	done chan struct{}
}

// NewDispatcher creates a dispatcher that answers requests via handler.
func NewDispatcher(table *PeerTable, handler requestHandler) *Dispatcher {
	return &Dispatcher{
		table:   table,
		handler: handler,
		log:     log.New(os.Stderr, "[nltransport.dispatcher] ", log.LstdFlags),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the ring-draining loop in a background goroutine.
func (d *Dispatcher) Start() {
	go d.loop()
}

// Stop signals the loop to exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		d.passOnce()
	}
}

// passOnce drains every active peer's RX ring once, dispatches pending
// responses, and unmaps any slot it finds in Hangup. The dispatcher is
// the only reader of a slot's rings, so no read of that slot is in
// progress when it does so.
func (d *Dispatcher) passOnce() {
	d.table.Each(func(idx int, s *Slot) {
		switch s.State {
		case StateHangup:
			d.table.Unmap(idx)
			return
		case StateActive:
		default:
			return
		}

		d.drainRequests(s)
		d.drainBacklog(s)
	})
}

func (d *Dispatcher) drainRequests(s *Slot) {
	for {
		raw, err := s.RxRing.Peek()
		if err != nil {
			return // api.ErrRingEmpty: nothing more to do this pass
		}

		req, decodeErr := genetlink.Decode(raw)
		s.RxRing.Advance()
		if decodeErr != nil {
			d.log.Printf("decode error from peer fd=%d: %v", s.ConnFD, decodeErr)
			continue
		}

		responses, err := d.handler.HandleRequest(req)
		if err != nil {
			d.log.Printf("handler error for cmd=%d seq=%d: %v", req.Cmd, req.Seq, err)
			continue
		}
		for _, resp := range responses {
			d.enqueueResponse(s, resp)
		}
	}
}

// enqueueResponse mirrors vr_nl_ring_message_write: if the backlog is
// non-empty a response already failed to fit and ring order must be
// preserved, so new responses queue behind it instead of racing ahead.
func (d *Dispatcher) enqueueResponse(s *Slot, resp []byte) {
	if len(s.ResponseBacklog) > 0 {
		s.ResponseBacklog = append(s.ResponseBacklog, resp)
		return
	}
	if err := s.TxRing.Enqueue(resp); err != nil {
		s.ResponseBacklog = append(s.ResponseBacklog, resp)
	}
}

func (d *Dispatcher) drainBacklog(s *Slot) {
	for len(s.ResponseBacklog) > 0 {
		if err := s.TxRing.Enqueue(s.ResponseBacklog[0]); err != nil {
			if err == api.ErrRingFull {
				return
			}
			d.log.Printf("dropping response for fd=%d: %v", s.ConnFD, err)
		}
		s.ResponseBacklog = s.ResponseBacklog[1:]
	}
}
