// File: internal/nltransport/server_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server accepts peer connections on a Unix stream socket, allocates a
// shared-memory ring pair per peer, and hands its descriptor to the peer
// over SCM_RIGHTS. The same goroutine also polls accepted connections
// for POLLHUP and marks their slots Hangup.

package nltransport

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/vrouter-core/internal/ring"
	"github.com/momentics/vrouter-core/internal/shm"
)

const pollFreqMs = 100

// Server owns the listening socket and the accept/hangup-poll goroutine.
// It never reads ring contents; that is the Dispatcher's job.
type Server struct {
	listenPath string
	listenFD   int
	ringCap    int
	table      *PeerTable

	// retryBacklog holds client descriptors that could not be accepted
	// immediately because the peer table was full; retried on a later
	// pass instead of being dropped.
	retryBacklog *queue.Queue

	log  *log.Logger
	stop chan struct{}
	done chan struct{}
}

// NewServer creates (but does not start) a transport server listening at
// listenPath with the given per-ring payload capacity.
func NewServer(listenPath string, ringCap int, table *PeerTable) *Server {
	return &Server{
		listenPath:   listenPath,
		ringCap:      ringCap,
		table:        table,
		retryBacklog: queue.New(),
		log:          log.New(os.Stderr, "[nltransport.server] ", log.LstdFlags),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start binds and listens on the Unix socket and launches the background
// accept/poll goroutine.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.listenPath), 0755); err != nil {
		return fmt.Errorf("nltransport: mkdir: %w", err)
	}
	os.Remove(s.listenPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("nltransport: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: s.listenPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("nltransport: bind %s: %w", s.listenPath, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("nltransport: listen: %w", err)
	}
	s.listenFD = fd

	go s.acceptPollLoop()
	return nil
}

// Stop closes the listening socket and waits for the accept/poll
// goroutine to exit.
func (s *Server) Stop() error {
	close(s.stop)
	<-s.done
	return unix.Close(s.listenFD)
}

func (s *Server) acceptPollLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		accepted := s.acceptOne()
		s.retryBacklogged()
		s.pollHangups()
		if !accepted && s.table.Len() == 0 {
			// no connected peers and nothing pending: poll(pollfds, ...)
			// in the original blocks for this long; mirror that idle wait
			// instead of busy-spinning accept(2).
			time.Sleep(pollFreqMs * time.Millisecond)
		}
	}
}

func (s *Server) acceptOne() bool {
	clFD, _, err := unix.Accept(s.listenFD)
	if err != nil {
		return false // EAGAIN on a non-blocking listener with no pending connection
	}
	if err := s.addClient(clFD); err != nil {
		s.log.Printf("error adding client: %v; queued for retry", err)
		s.retryBacklog.Add(clFD)
	}
	return true
}

func (s *Server) retryBacklogged() {
	for s.retryBacklog.Length() > 0 {
		clFD := s.retryBacklog.Peek().(int)
		if err := s.addClient(clFD); err != nil {
			break
		}
		s.retryBacklog.Remove()
	}
}

// addClient implements the vr_nl_client_add sequence: open shared memory,
// initialize both ring directions, and pass the descriptor to the peer.
func (s *Server) addClient(clFD int) error {
	shmSize := shm.Size(s.ringCap)
	obj, err := shm.Create(shmSize)
	if err != nil {
		unix.Close(clFD)
		return fmt.Errorf("shm create: %w", err)
	}

	mem := obj.Mem()
	half := shmSize / 2
	rxRing := ring.Open(mem[:half])
	txRing := ring.Open(mem[half:])

	slot := &Slot{ConnFD: clFD, Shm: obj, RxRing: rxRing, TxRing: txRing}
	idx, err := s.table.Alloc(slot)
	if err != nil {
		obj.Close()
		unix.Close(clFD)
		return err
	}

	s.table.SetState(idx, StateHandshakeSent)
	if err := sendFD(clFD, obj.Fd()); err != nil {
		s.table.Unmap(idx)
		unix.Close(clFD)
		return fmt.Errorf("sendmsg fd: %w", err)
	}
	// The peer now holds its own reference via SCM_RIGHTS; the local
	// descriptor used only to create the mapping is no longer needed.
	obj.Close()
	s.table.SetState(idx, StateActive)
	return nil
}

// sendFD passes fd to the peer connected on sock via SCM_RIGHTS, matching
// vr_nl_fd_send's dummy-iovec-plus-control-message pattern.
func sendFD(sock, fd int) error {
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(sock, []byte{0}, rights, nil, 0)
}

// pollHangupTimeoutMs is kept short since pollHangups runs once per
// accept/poll loop iteration across every connected peer.
const pollHangupTimeoutMs = 1

func (s *Server) pollHangups() {
	s.table.Each(func(idx int, slot *Slot) {
		if slot.State == StateHangup || slot.State == StateUnmapped {
			return
		}
		// we are polling for hangups only; events must still be non-zero.
		pfd := []unix.PollFd{{Fd: int32(slot.ConnFD), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollHangupTimeoutMs)
		if err != nil || n == 0 {
			return
		}
		if pfd[0].Revents&unix.POLLHUP != 0 {
			unix.Close(slot.ConnFD)
			s.table.MarkHangup(idx)
		}
	})
}
