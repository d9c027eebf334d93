// File: internal/shm/shm_linux.go
//go:build linux
// +build linux

// Package shm creates and maps the file-backed shared-memory region that
// backs one peer's RX/TX ring pair.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package shm

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/vrouter-core/internal/ring"
)

// nameCounter yields ascending, unique shared-memory object names, matching
// the teacher domain's ascending-counter naming convention for avoiding
// collisions between concurrently created peers.
var nameCounter uint64

// Object is one mmap'd POSIX shared-memory region. It is unlinked from the
// filesystem namespace immediately after creation; the only remaining
// reference is the open file descriptor, handed to the peer via SCM_RIGHTS
// and kept locally for Close.
type Object struct {
	fd  int
	mem []byte
}

// Size returns the RX ring size plus TX ring size (each HeaderSize+capacity
// bytes) backing one peer's shared-memory pair.
func Size(ringCapacity int) int {
	return 2 * (ring.HeaderSize + ringCapacity)
}

// Create allocates a new page-locked shared-memory object of the given
// total size (use Size to compute it), unlinks its name immediately, and
// returns the mapped region together with the descriptor to hand to the
// peer. The caller must Close the Object once the descriptor has been sent
// and is no longer needed locally.
func Create(totalSize int) (*Object, error) {
	// POSIX shm_open is a thin wrapper over open(2) against the tmpfs
	// mounted at /dev/shm; opening that path directly avoids a cgo
	// dependency on libc's shm_open.
	name := fmt.Sprintf("/dev/shm/vrouter-nl-%d", atomic.AddUint64(&nameCounter, 1)-1)

	fd, err := unix.Open(name, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	// The name is unlinked immediately: the fd (and later the SCM_RIGHTS
	// copy handed to the peer) is the only remaining reference.
	defer unix.Unlink(name)

	if err := unix.Ftruncate(fd, int64(totalSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate %s: %w", name, err)
	}

	mem, err := unix.Mmap(fd, 0, totalSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Object{fd: fd, mem: mem}, nil
}

// Fd returns the descriptor to pass to the peer over SCM_RIGHTS.
func (o *Object) Fd() int { return o.fd }

// Mem returns the mapped region.
func (o *Object) Mem() []byte { return o.mem }

// Close unmaps the region and closes the local descriptor. Safe to call
// after the descriptor has already been sent to a peer: the mapping in the
// peer's address space (and the peer's own descriptor) is unaffected.
func (o *Object) Close() error {
	if o.mem != nil {
		if err := unix.Munmap(o.mem); err != nil {
			return fmt.Errorf("shm: munmap: %w", err)
		}
		o.mem = nil
	}
	if o.fd >= 0 {
		err := unix.Close(o.fd)
		o.fd = -1
		return err
	}
	return nil
}
