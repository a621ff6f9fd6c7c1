// Package worker implements a single worker node: its local heap
// (spec.md §4.1/§4.2 wired together), the participant state machine for
// transactions it owns addresses in, and the dispatcher that serializes
// every request against that heap onto one service task
// (spec.md §4.8).
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/slab"
)

// objMeta tracks the logical size of one live allocation; the slab chunk
// backing it may be larger, having been rounded up to a size class.
type objMeta struct {
	size     int32
	capacity int32
}

// Heap is one worker's local object store: a slab arena whose chunks
// reserve their first object.HeaderSize bytes for an atomically
// addressable version word (spec.md §4.2), with the remainder holding
// the object's payload directly (no per-read re-encoding, unlike the
// wire and KV codecs which do serialize version+size+payload together).
type Heap struct {
	wid   uint16
	alloc *slab.Allocator

	mu   sync.RWMutex
	meta map[uint64]objMeta // keyed by arena offset

	waitMu  sync.Mutex
	waiters map[uint64][]func() // parked reads, keyed by arena offset

	ghostBytes uint64 // atomic; bytes allocated/freed since the last stats push
}

// NewHeap creates an empty heap of heapSize bytes for worker wid.
func NewHeap(wid uint16, heapSize uint64, factor float64) *Heap {
	return &Heap{
		wid:     wid,
		alloc:   slab.New(heapSize, factor),
		meta:    make(map[uint64]objMeta),
		waiters: make(map[uint64][]func()),
	}
}

// WID returns the owning worker id.
func (h *Heap) WID() uint16 { return h.wid }

// Alloc reserves size bytes of payload and returns the resulting global
// address, or (Null, false) if the heap is exhausted
// (wire.StatusAllocError at the caller).
func (h *Heap) Alloc(size int) (gaddr.GAddr, bool) {
	off, ok := h.alloc.Alloc(size + object.HeaderSize)
	if !ok {
		return gaddr.Null, false
	}
	cap := h.alloc.Size(off) - object.HeaderSize
	h.mu.Lock()
	h.meta[off] = objMeta{size: int32(size), capacity: int32(cap)}
	h.mu.Unlock()
	atomic.AddUint64(&h.ghostBytes, uint64(size+object.HeaderSize))
	return gaddr.Make(h.wid, off), true
}

// Read returns the current version and payload at addr, or ok=false if
// addr names no live allocation (wire.StatusReadError at the caller).
func (h *Heap) Read(addr gaddr.GAddr) (*object.Object, bool) {
	off := addr.Offset()
	h.mu.RLock()
	meta, ok := h.meta[off]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	vw := object.NewVersionWord(h.alloc.VersionPtr(off))
	payload := append([]byte(nil), h.alloc.Bytes(off+object.HeaderSize, int(meta.size))...)
	return &object.Object{Version: vw.Load(), Size: meta.size, Payload: payload}, true
}

// Locked reports whether addr's version word currently carries RLOCK,
// i.e. addr is in some in-flight transaction's write set. The dispatcher
// consults this before a read to decide whether to defer it (spec.md
// §4.5) instead of returning a possibly-mid-write value.
func (h *Heap) Locked(addr gaddr.GAddr) bool {
	vw := object.NewVersionWord(h.alloc.VersionPtr(addr.Offset()))
	return object.IsRLocked(vw.Load())
}

// Park registers fn to run once addr's lock is released. Both a local
// read and a remote FARM_READ targeting a write-locked address park this
// way; fn is responsible for re-reading and completing the original
// request. Parked reads on one address run in FIFO order (spec.md §4.5).
func (h *Heap) Park(addr gaddr.GAddr, fn func()) {
	off := addr.Offset()
	h.waitMu.Lock()
	h.waiters[off] = append(h.waiters[off], fn)
	h.waitMu.Unlock()
}

// wake runs every read parked on off, in FIFO order, synchronously on
// the caller's goroutine. Called from RUnlock (abort) and ApplyWrite
// (commit): the dispatcher calls those from its service-task goroutine,
// and Client's self-addressed commit and abort call them from the
// application's goroutine, so a parked read resumes on whichever
// goroutine released the lock.
func (h *Heap) wake(off uint64) {
	h.waitMu.Lock()
	list := h.waiters[off]
	delete(h.waiters, off)
	h.waitMu.Unlock()
	for _, fn := range list {
		fn()
	}
}

// RLock takes the read lock on addr's version word, never blocking
// (txpart.Store).
func (h *Heap) RLock(addr gaddr.GAddr) bool {
	vw := object.NewVersionWord(h.alloc.VersionPtr(addr.Offset()))
	return vw.RLock()
}

// RUnlock releases addr's read lock and wakes any reads parked on it via
// Park (txpart.Store).
func (h *Heap) RUnlock(addr gaddr.GAddr) {
	vw := object.NewVersionWord(h.alloc.VersionPtr(addr.Offset()))
	vw.RUnlock()
	h.wake(addr.Offset())
}

// Version returns addr's current raw version word (txpart.Store).
func (h *Heap) Version(addr gaddr.GAddr) uint64 {
	vw := object.NewVersionWord(h.alloc.VersionPtr(addr.Offset()))
	return vw.Load()
}

// Fresh reports whether addr names a live allocation whose backing block
// can hold obj's payload (txpart.Store): the PREPARE-time freshness check
// of spec.md §4.4 phase 1 step 2, moved here from the COMMIT-time check
// ApplyWrite still performs as a last-resort guard. A write that frees
// addr (obj.Size == object.Freed) always passes.
func (h *Heap) Fresh(addr gaddr.GAddr, obj *object.Object) bool {
	off := addr.Offset()
	h.mu.RLock()
	meta, ok := h.meta[off]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if obj.Size == object.Freed {
		return true
	}
	return int32(len(obj.Payload)) <= meta.capacity
}

// ApplyWrite upgrades addr's read lock to a write lock, applies obj, and
// releases the lock (txpart.Store). A Size of object.Freed releases the
// allocation back to the slab allocator instead of writing a payload.
func (h *Heap) ApplyWrite(addr gaddr.GAddr, obj *object.Object) error {
	off := addr.Offset()
	h.mu.RLock()
	meta, ok := h.meta[off]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker: apply write to unknown address %s", addr)
	}

	vw := object.NewVersionWord(h.alloc.VersionPtr(off))
	if !vw.WLock() {
		return fmt.Errorf("worker: WLock precondition violated for %s (not RLOCK'd)", addr)
	}

	if obj.Size == object.Freed {
		vw.WUnlock()
		h.mu.Lock()
		delete(h.meta, off)
		h.mu.Unlock()
		atomic.AddUint64(&h.ghostBytes, uint64(meta.capacity)+uint64(object.HeaderSize))
		err := h.alloc.Free(off)
		h.wake(off)
		return err
	}

	// txpart.Participant.Prepare already ran this same check before
	// agreeing to PREPARE; this is a backstop against a caller that
	// skips Prepare, not the primary enforcement point.
	if int32(len(obj.Payload)) > meta.capacity {
		vw.WUnlock()
		h.wake(off)
		return fmt.Errorf("worker: payload of %d bytes exceeds allocated capacity %d for %s", len(obj.Payload), meta.capacity, addr)
	}
	copy(h.alloc.Bytes(off+object.HeaderSize, len(obj.Payload)), obj.Payload)

	h.mu.Lock()
	meta.size = int32(len(obj.Payload))
	h.meta[off] = meta
	h.mu.Unlock()

	vw.WUnlock()
	h.wake(off)
	return nil
}

// GetAvail returns the bytes on this heap not held by a live allocation
// (slab.Allocator.GetAvail).
func (h *Heap) GetAvail() uint64 { return h.alloc.GetAvail() }

// HeapSize returns the total configured size of this heap.
func (h *Heap) HeapSize() uint64 { return h.alloc.HeapSize() }

// GhostBytes returns the accumulated alloc/free byte delta since the
// last ResetGhost, for the ghost_th opportunistic stats push of
// spec.md §6.
func (h *Heap) GhostBytes() uint64 { return atomic.LoadUint64(&h.ghostBytes) }

// ResetGhost zeroes the ghost-byte counter after a stats push.
func (h *Heap) ResetGhost() { atomic.StoreUint64(&h.ghostBytes, 0) }
