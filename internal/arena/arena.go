// Package arena provides the off-heap byte-block allocator that backs
// every segment's block chain. Blocks are carved out of a single
// mmap'd region so the bytes live outside the Go heap and are never
// scanned by the garbage collector.
package arena

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

var (
	// ErrAllocationFailed is returned by Malloc when the arena has no
	// free blocks left and cannot grow further.
	ErrAllocationFailed = errors.New("arena: allocation failed")
	// ErrInvalidOffset is the value Bytes panics with when addr plus one
	// block runs past the mapped region. Alignment is not checked.
	ErrInvalidOffset = errors.New("arena: invalid offset")
	// ErrInvalidBlockSize is returned by NewArena for a block size that
	// is not a power of two, not a multiple of 8, or too small to hold
	// a next-block pointer.
	ErrInvalidBlockSize = errors.New("arena: block size must be a power of 2, a multiple of 8, and at least 64 bytes")
)

const minBlockSize = 64

// NullAddr is the sentinel "no block" address. It is never returned by
// Malloc: block 0 of the backing region is permanently reserved so that
// real allocations are always non-zero, matching the wire format's use
// of a 0 next-pointer as a chain terminator.
const NullAddr uint64 = 0

// Arena is a fixed-capacity, thread-safe pool of fixed-size byte blocks
// carved out of one mmap'd region.
type Arena struct {
	mu        sync.Mutex
	region    mmap.MMap
	backing   *os.File
	blockSize int
	capacity  int
	bump      int // next never-yet-touched block offset
	freeList  []uint64
	allocated int // live block count, excludes the reserved null block
}

// NewArena mmaps an anonymous-equivalent region of capacity bytes
// (rounded down to a whole number of blocks) and carves it into
// blockSize chunks. The region is backed by an unlinked temp file so
// the mapping behaves like anonymous memory: it is never visible in
// the filesystem and is reclaimed automatically when the Arena is
// closed or the process exits.
func NewArena(capacity, blockSize int) (*Arena, error) {
	if blockSize < minBlockSize || blockSize&(blockSize-1) != 0 || blockSize%8 != 0 {
		return nil, ErrInvalidBlockSize
	}
	if capacity < blockSize {
		capacity = blockSize
	}
	numBlocks := capacity / blockSize
	capacity = numBlocks * blockSize

	f, err := os.CreateTemp("", "tsseg-arena-*")
	if err != nil {
		return nil, fmt.Errorf("arena: create backing file: %w", err)
	}
	// Unlink immediately: the fd keeps the storage alive, but no path
	// remains for anything else to observe.
	_ = os.Remove(f.Name())

	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: truncate backing file: %w", err)
	}

	region, err := mmap.MapRegion(f, capacity, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap: %w", err)
	}

	a := &Arena{
		region:    region,
		backing:   f,
		blockSize: blockSize,
		capacity:  capacity,
		bump:      blockSize, // block 0 is the reserved null sentinel
	}
	return a, nil
}

// BlockSize returns the fixed size of every block in the arena.
func (a *Arena) BlockSize() int {
	return a.blockSize
}

// Malloc reserves one block and returns its byte offset. Returned
// blocks are always zero-filled.
func (a *Arena) Malloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freeList); n > 0 {
		addr := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		clear(a.region[addr : addr+uint64(a.blockSize)])
		a.allocated++
		return addr, nil
	}

	if a.bump+a.blockSize > a.capacity {
		return NullAddr, ErrAllocationFailed
	}
	addr := uint64(a.bump)
	a.bump += a.blockSize
	a.allocated++
	// Freshly bumped pages are already zero; no clear needed.
	return addr, nil
}

// Free returns a block to the arena. Freeing the null address or a
// block that was never allocated from this arena is a programmer
// error.
func (a *Arena) Free(addr uint64) {
	if addr == NullAddr {
		panic("arena: free of null address")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(addr)+a.blockSize > a.capacity || int(addr) >= a.bump {
		panic("arena: free of out-of-range address")
	}
	a.freeList = append(a.freeList, addr)
	a.allocated--
}

// Bytes returns a slice of length BlockSize aliasing the block at addr.
// Mutations through the slice are visible to subsequent Bytes calls on
// the same address; the slice must not be retained past a Free of addr.
func (a *Arena) Bytes(addr uint64) []byte {
	end := addr + uint64(a.blockSize)
	if end > uint64(a.capacity) {
		panic(ErrInvalidOffset)
	}
	return a.region[addr:end]
}

// InUse reports the number of blocks currently allocated, for metrics
// and tests.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Close unmaps the region and releases the backing file descriptor.
// It must not be called while any segment holds a live Bytes slice.
func (a *Arena) Close() error {
	if err := a.region.Unmap(); err != nil {
		return err
	}
	return a.backing.Close()
}
