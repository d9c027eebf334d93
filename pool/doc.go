// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// NUMA-aware []byte buffer pool for vrouter-core (NUMAPool), with platform
// allocators: libnuma on Linux, VirtualAllocExNuma on Windows, and plain Go
// slices elsewhere.
// All core methods are thread-safe or explicitly document the concurrency contract.
package pool
