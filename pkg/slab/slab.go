// Package slab implements the size-classed arena allocator described in
// spec.md §4.1: a single mmap-style arena (here, one large Go byte slice)
// carved into size classes, each backed by 1 MiB pages and a free list of
// released chunks. Every chunk the allocator hands out starts at an
// 8-byte-aligned offset into the arena, which is what lets pkg/object
// treat the first 8 bytes of any chunk as an atomically addressable
// version word (see pkg/object.NewVersionWord).
package slab

import (
	"fmt"
	"sync"
	"unsafe"
)

// PageSize is the fixed size of a slab page, per spec.md §4.1.
const PageSize = 1 << 20 // 1 MiB

// MaxClasses bounds how many size classes the allocator will create; the
// largest class is always capped at PageSize.
const MaxClasses = 64

// BlockSize is the alignment granularity honored by AlignedAlloc.
const BlockSize = 4096

// ErrExhausted names the arena-exhausted condition. Alloc/AlignedAlloc do
// not return it: when the arena has no more room to carve a new page and no
// existing free chunk satisfies the request they return a zero offset and
// false, which callers surface as wire.StatusAllocError.
var ErrExhausted = fmt.Errorf("slab: arena exhausted")

type class struct {
	chunkSize int
	freeList  []uint64 // offsets of released chunks, LIFO
	slabs     int      // number of pages carved for this class
	slCurr    int      // free chunks currently on freeList
	requested int       // bytes actually requested against this class (<=chunkSize*allocated)
}

type meta struct {
	classID int // index into classes, or -1 for a block-aligned big allocation
	size    int // requested size, for realloc/get_size
	chunk   int // actual chunk size backing this allocation
}

// Allocator is a single-owner slab arena. All methods are safe for
// concurrent use; spec.md §4.1 only requires that no alloc and no free for
// the *same class* run concurrently, but a single mutex over the whole
// allocator is explicitly called out there as an acceptable, simpler
// implementation, and is what we use.
type Allocator struct {
	mu sync.Mutex

	arena  []byte
	cursor uint64 // next unused byte offset in arena

	classes []class

	// side map from chunk offset to allocation metadata, sized up front
	// per spec.md's Design Notes ("Lazy allocation metadata side-map").
	allocs map[uint64]meta

	bigFree map[int][]uint64 // block-aligned big allocations, keyed by aligned size
}

// New creates an Allocator over a fresh arena of heapSize bytes, with size
// classes growing by factor starting from a small base chunk size.
func New(heapSize uint64, factor float64) *Allocator {
	if factor <= 1.0 {
		factor = 1.25
	}
	a := &Allocator{
		arena:   make([]byte, heapSize),
		allocs:  make(map[uint64]meta, heapSize/64),
		bigFree: make(map[int][]uint64),
	}
	a.classes = buildClasses(factor)
	return a
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func buildClasses(factor float64) []class {
	classes := make([]class, 0, MaxClasses)
	size := 64
	for i := 0; i < MaxClasses; i++ {
		size = alignUp(size, 8)
		classes = append(classes, class{chunkSize: size})
		if size >= PageSize {
			break
		}
		next := int(float64(size) * factor)
		if next <= size {
			next = size + 8
		}
		if next > PageSize {
			next = PageSize
		}
		size = next
	}
	return classes
}

// classFor returns the index of the smallest class whose chunk size is >=
// size, or -1 if no class is large enough (size exceeds one slab class
// maximum, which spec.md's Non-goals explicitly declare out of scope).
func (a *Allocator) classFor(size int) int {
	for i := range a.classes {
		if a.classes[i].chunkSize >= size {
			return i
		}
	}
	return -1
}

// carveClassPage grows class id by one fresh page, splitting it into
// chunkSize chunks and pushing every one onto the class free list.
func (a *Allocator) carveClassPage(id int) bool {
	c := &a.classes[id]
	if a.cursor+PageSize > uint64(len(a.arena)) {
		return false
	}
	pageStart := a.cursor
	a.cursor += PageSize
	for off := 0; off+c.chunkSize <= PageSize; off += c.chunkSize {
		c.freeList = append(c.freeList, pageStart+uint64(off))
		c.slCurr++
	}
	c.slabs++
	return true
}

// Alloc returns the offset of a fresh chunk able to hold at least size
// bytes, or (0, false) if the arena and the class's free list are both
// exhausted.
func (a *Allocator) Alloc(size int) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(size)
}

func (a *Allocator) alloc(size int) (uint64, bool) {
	id := a.classFor(size)
	if id < 0 {
		return 0, false
	}
	c := &a.classes[id]
	if c.slCurr == 0 {
		if !a.carveClassPage(id) {
			return 0, false
		}
	}
	off := c.freeList[len(c.freeList)-1]
	c.freeList = c.freeList[:len(c.freeList)-1]
	c.slCurr--
	c.requested += size
	a.allocs[off] = meta{classID: id, size: size, chunk: c.chunkSize}
	return off, true
}

// AlignedAlloc returns a chunk of at least size bytes whose offset is a
// multiple of block. It bypasses the regular size classes — which are not
// guaranteed to divide evenly into block — and carves a dedicated,
// block-rounded run directly from the arena, reusing previously freed runs
// of the same rounded size first.
func (a *Allocator) AlignedAlloc(size int, block int) (uint64, bool) {
	if block <= 0 {
		block = BlockSize
	}
	rounded := alignUp(size, block)

	a.mu.Lock()
	defer a.mu.Unlock()

	if free := a.bigFree[rounded]; len(free) > 0 {
		off := free[len(free)-1]
		a.bigFree[rounded] = free[:len(free)-1]
		a.allocs[off] = meta{classID: -1, size: size, chunk: rounded}
		return off, true
	}

	// Round the cursor up to a block boundary before carving, so the
	// returned offset satisfies offset % block == 0.
	start := uint64(alignUp(int(a.cursor), block))
	if start+uint64(rounded) > uint64(len(a.arena)) {
		return 0, false
	}
	a.cursor = start + uint64(rounded)
	a.allocs[start] = meta{classID: -1, size: size, chunk: rounded}
	return start, true
}

// Free releases a previously allocated chunk back to its class's free list
// (or, for a block-aligned allocation, to the matching big-block free
// list).
func (a *Allocator) Free(off uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.allocs[off]
	if !ok {
		return fmt.Errorf("slab: free of unknown offset %#x", off)
	}
	delete(a.allocs, off)

	if m.classID < 0 {
		a.bigFree[m.chunk] = append(a.bigFree[m.chunk], off)
		return nil
	}
	c := &a.classes[m.classID]
	c.freeList = append(c.freeList, off)
	c.slCurr++
	c.requested -= m.size
	return nil
}

// Realloc resizes the allocation at off to newSize, copying the lesser of
// the old and new sizes worth of bytes if it has to move.
func (a *Allocator) Realloc(off uint64, newSize int) (uint64, bool) {
	a.mu.Lock()
	m, ok := a.allocs[off]
	a.mu.Unlock()
	if !ok {
		return 0, false
	}
	if m.classID >= 0 && a.classes[m.classID].chunkSize >= newSize {
		a.mu.Lock()
		m.size = newSize
		a.allocs[off] = m
		a.mu.Unlock()
		return off, true
	}

	newOff, ok := a.Alloc(newSize)
	if !ok {
		return 0, false
	}
	n := m.size
	if newSize < n {
		n = newSize
	}
	copy(a.arena[newOff:newOff+uint64(n)], a.arena[off:off+uint64(n)])
	_ = a.Free(off)
	return newOff, true
}

// GetAvail returns the number of bytes not yet carved from the arena plus
// the bytes currently sitting on every free list, plus the tail of each
// carved class page too short to hold one more chunk, so that it and the
// bytes held by live allocations always sum to HeapSize.
func (a *Allocator) GetAvail() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getAvail()
}

func (a *Allocator) getAvail() uint64 {
	avail := uint64(len(a.arena)) - a.cursor
	for i := range a.classes {
		avail += uint64(a.classes[i].slCurr) * uint64(a.classes[i].chunkSize)
		avail += uint64(a.classes[i].slabs) * uint64(PageSize%a.classes[i].chunkSize)
	}
	for size, free := range a.bigFree {
		avail += uint64(len(free)) * uint64(size)
	}
	return avail
}

// HeapSize returns the total size of the arena.
func (a *Allocator) HeapSize() uint64 {
	return uint64(len(a.arena))
}

// Size returns the class chunk size backing a live allocation, or 0 if off
// is not currently allocated.
func (a *Allocator) Size(off uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.allocs[off]
	if !ok {
		return 0
	}
	return m.chunk
}

// IsAllocated reports whether off currently names a live chunk.
func (a *Allocator) IsAllocated(off uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocs[off]
	return ok
}

// Bytes returns a slice view of n bytes at offset off into the arena. The
// returned slice aliases the arena directly, matching the C implementation
// handing out raw pointers into the mmap'd region; callers must not hold
// onto it across a Free of the same offset.
func (a *Allocator) Bytes(off uint64, n int) []byte {
	return a.arena[off : off+uint64(n)]
}

// VersionPtr returns a pointer to the 8-byte version word at the start of
// the chunk at off, suitable for pkg/object.NewVersionWord. off must be
// 8-byte aligned; every offset this allocator hands out is.
func (a *Allocator) VersionPtr(off uint64) *uint64 {
	if off%8 != 0 {
		panic(fmt.Sprintf("slab: offset %#x is not 8-byte aligned", off))
	}
	return (*uint64)(unsafe.Pointer(&a.arena[off]))
}
