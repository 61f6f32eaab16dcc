// Package shm implements the client-side shared-memory mapping (ShmRegion)
// and the sample-data wire formats (FrameMetadata V1/V2) described for the
// Rialto sample-data plane. The two-lock design (one guarding the mapping
// itself, one guarding the consumer-teardown set) mirrors the concurrency
// model's lock-separation idiom used throughout the teacher for state vs.
// subscriber-list protection (e.g. pkg/heartbeat/consumer.go's per-entry
// mutex separate from the consumer-wide mutex).
package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrNotMapped  = errors.New("shm: region is not mapped")
	ErrOutOfRange = errors.New("shm: offset/length out of range")
)

// Consumer is notified when the region is about to be unmapped, so it can
// drop any reader state (e.g. an in-progress FrameReader) before the
// underlying memory disappears.
type Consumer interface {
	OnShmAboutToUnmap()
}

// AcquireFunc performs the GetSharedMemory RPC (spec.md §4.4) and returns
// the server's fd and size. Kept as a function type rather than a
// dependency on pkg/ipc/pkg/rpc directly, so pkg/shm stays free of any RPC
// plumbing import.
type AcquireFunc func(ctx context.Context) (fd int, size int, err error)

// Region is ShmRegion: a client-side mapping of the server-owned shared
// memory segment, whose lifecycle is tied to the application state
// (mapped only while the owning control client reports an active app) and
// which fans out a teardown notification to registered consumers before
// unmapping.
type Region struct {
	muRunning  sync.Mutex
	appRunning bool

	muBuf sync.Mutex
	fd    int
	base  []byte

	muClients sync.Mutex
	consumers map[Consumer]struct{}
}

// NewRegion constructs an unmapped Region, starting in the INACTIVE/INIT
// state (spec.md §3.1's ShmRegion entity).
func NewRegion() *Region {
	return &Region{consumers: make(map[Consumer]struct{})}
}

// SetApplicationState applies the ShmRegion INACTIVE<->RUNNING transition
// (spec.md §4.4): INACTIVE->RUNNING calls acquire (the GetSharedMemory RPC)
// and maps the result; RUNNING->INACTIVE notifies every registered consumer
// and unmaps. INACTIVE->INACTIVE and RUNNING->RUNNING are no-ops that
// return success, matching the spec's idempotence requirement.
func (r *Region) SetApplicationState(ctx context.Context, running bool, acquire AcquireFunc) error {
	r.muRunning.Lock()
	if r.appRunning == running {
		r.muRunning.Unlock()
		return nil
	}
	r.appRunning = running
	r.muRunning.Unlock()

	if !running {
		return r.Unmap()
	}

	fd, size, err := acquire(ctx)
	if err != nil {
		return fmt.Errorf("shm: GetSharedMemory: %w", err)
	}
	if fd < 0 || size <= 0 {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		return fmt.Errorf("shm: invalid shared memory descriptor fd=%d size=%d", fd, size)
	}
	if err := r.Map(fd, size); err != nil {
		_ = unix.Close(fd)
		return err
	}
	return nil
}

// Map mmaps fd for size bytes read/write, shared with the server process.
func (r *Region) Map(fd int, size int) error {
	r.muBuf.Lock()
	defer r.muBuf.Unlock()
	if r.base != nil {
		return errors.New("shm: region already mapped")
	}
	base, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: mmap fd=%d size=%d: %w", fd, size, err)
	}
	r.fd = fd
	r.base = base
	return nil
}

// AddConsumer registers c to be notified before the region unmaps.
func (r *Region) AddConsumer(c Consumer) {
	r.muClients.Lock()
	defer r.muClients.Unlock()
	r.consumers[c] = struct{}{}
}

// RemoveConsumer unregisters c.
func (r *Region) RemoveConsumer(c Consumer) {
	r.muClients.Lock()
	defer r.muClients.Unlock()
	delete(r.consumers, c)
}

// Unmap clears the base pointer under the shm-lock, then notifies every
// registered consumer under the clients-lock, then re-takes the shm-lock to
// actually unmap — in that order, so a consumer observing the pointer
// during its teardown callback always sees null (spec.md §4.4, property
// P4), rather than racing the syscall.
func (r *Region) Unmap() error {
	r.muBuf.Lock()
	base := r.base
	r.base = nil
	r.fd = 0
	r.muBuf.Unlock()
	if base == nil {
		return nil
	}

	r.muClients.Lock()
	for c := range r.consumers {
		c.OnShmAboutToUnmap()
	}
	r.muClients.Unlock()

	r.muBuf.Lock()
	defer r.muBuf.Unlock()
	return unix.Munmap(base)
}

// Slice returns the mapped bytes [offset, offset+length).
func (r *Region) Slice(offset, length uint32) ([]byte, error) {
	r.muBuf.Lock()
	defer r.muBuf.Unlock()
	if r.base == nil {
		return nil, ErrNotMapped
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(r.base)) {
		return nil, ErrOutOfRange
	}
	return r.base[offset:end], nil
}

// Len returns the mapped size, or 0 if unmapped.
func (r *Region) Len() int {
	r.muBuf.Lock()
	defer r.muBuf.Unlock()
	return len(r.base)
}
