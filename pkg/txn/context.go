// Package txn implements the per-transaction context described in
// spec.md §4.3: a read set and a write set, each partitioned by owner
// worker id, tracking the objects one transaction has touched before it
// is submitted for commit.
//
// Per spec.md's Design Notes (§9, "Cyclic references in the transaction
// context"), we do not give read-set and write-set entries shared
// ownership through a reference-counted handle the way the original
// implementation's std::shared_ptr<Object> does. Instead a Context owns a
// single arena of *object.Object, addressed by SlotID; the read-set and
// write-set maps store SlotIDs, not objects. An address present in both
// sets maps to the same SlotID, which is how "the write-set entry and the
// read-set entry share ownership" (spec.md §3) is expressed here: there is
// exactly one object per touched address, and it is reclaimed for free
// when the whole Context is dropped at the end of the transaction.
package txn

import "github.com/New-B/farm/pkg/gaddr"
import "github.com/New-B/farm/pkg/object"

// SlotID addresses one object record inside a Context's arena.
type SlotID int32

// Context is the per-transaction read/write set bookkeeping. It is owned
// exclusively by the application thread that creates it until submission,
// and by the worker service task from submission until the terminal
// reply (spec.md §3, Ownership summary).
type Context struct {
	arena    []*object.Object
	writeSet map[uint16]map[gaddr.GAddr]SlotID
	readSet  map[uint16]map[gaddr.GAddr]SlotID
}

// New returns a freshly reset transaction context.
func New() *Context {
	c := &Context{}
	c.Reset()
	return c
}

// Reset discards all per-transaction state, matching txBegin/txAbort's
// "reset scratch buffer and both sets" (spec.md §4.3).
func (c *Context) Reset() {
	c.arena = c.arena[:0]
	c.writeSet = make(map[uint16]map[gaddr.GAddr]SlotID)
	c.readSet = make(map[uint16]map[gaddr.GAddr]SlotID)
}

func (c *Context) newSlot(obj *object.Object) SlotID {
	c.arena = append(c.arena, obj)
	return SlotID(len(c.arena) - 1)
}

// Object dereferences a SlotID into the live object record.
func (c *Context) Object(id SlotID) *object.Object {
	return c.arena[id]
}

// PutWrite inserts or overwrites the write-set entry for addr. If addr is
// already present in the read set, the existing slot is reused so both
// sets point at the same object, per the sharing invariant above.
func (c *Context) PutWrite(addr gaddr.GAddr, obj *object.Object) SlotID {
	wid := addr.WID()
	wm := c.writeSetMap(wid)

	if id, ok := wm[addr]; ok {
		c.arena[id] = obj
		return id
	}
	if rm, ok := c.readSet[wid]; ok {
		if id, ok := rm[addr]; ok {
			c.arena[id] = obj
			wm[addr] = id
			return id
		}
	}
	id := c.newSlot(obj)
	wm[addr] = id
	return id
}

// PutRead inserts a read-set entry for addr, unless addr is already
// writable (in which case the writable entry is authoritative and is
// returned unchanged) or already in the read set (in which case the
// existing slot is returned without being overwritten — a transaction
// only ever captures the version of its *first* read of an address).
func (c *Context) PutRead(addr gaddr.GAddr, obj *object.Object) SlotID {
	wid := addr.WID()
	if wm, ok := c.writeSet[wid]; ok {
		if id, ok := wm[addr]; ok {
			return id
		}
	}
	rm := c.readSetMap(wid)
	if id, ok := rm[addr]; ok {
		return id
	}
	id := c.newSlot(obj)
	rm[addr] = id
	return id
}

func (c *Context) writeSetMap(wid uint16) map[gaddr.GAddr]SlotID {
	m, ok := c.writeSet[wid]
	if !ok {
		m = make(map[gaddr.GAddr]SlotID)
		c.writeSet[wid] = m
	}
	return m
}

func (c *Context) readSetMap(wid uint16) map[gaddr.GAddr]SlotID {
	m, ok := c.readSet[wid]
	if !ok {
		m = make(map[gaddr.GAddr]SlotID)
		c.readSet[wid] = m
	}
	return m
}

// GetWritable returns the write-set object for addr, if any.
func (c *Context) GetWritable(addr gaddr.GAddr) (*object.Object, bool) {
	wm, ok := c.writeSet[addr.WID()]
	if !ok {
		return nil, false
	}
	id, ok := wm[addr]
	if !ok {
		return nil, false
	}
	return c.arena[id], true
}

// GetReadable returns the read-set object for addr, if any.
func (c *Context) GetReadable(addr gaddr.GAddr) (*object.Object, bool) {
	rm, ok := c.readSet[addr.WID()]
	if !ok {
		return nil, false
	}
	id, ok := rm[addr]
	if !ok {
		return nil, false
	}
	return c.arena[id], true
}

// ContainsWritable reports whether addr has a write-set entry.
func (c *Context) ContainsWritable(addr gaddr.GAddr) bool {
	_, ok := c.GetWritable(addr)
	return ok
}

// RemoveReadable drops addr's read-set entry (used when a read is
// promoted into a write and should no longer be separately validated, or
// when a deferred read resolves).
func (c *Context) RemoveReadable(addr gaddr.GAddr) {
	if rm, ok := c.readSet[addr.WID()]; ok {
		delete(rm, addr)
	}
}

// WriteWids returns the distinct owner worker ids touched by the write
// set — the participant set W of spec.md §4.4.
func (c *Context) WriteWids() []uint16 {
	return keys(c.writeSet)
}

// ReadWids returns the distinct owner worker ids touched by the read set
// — the participant set R of spec.md §4.4.
func (c *Context) ReadWids() []uint16 {
	return keys(c.readSet)
}

func keys(m map[uint16]map[gaddr.GAddr]SlotID) []uint16 {
	out := make([]uint16, 0, len(m))
	for wid := range m {
		out = append(out, wid)
	}
	return out
}

// NumWrite returns the number of write-set objects owned by wid.
func (c *Context) NumWrite(wid uint16) int {
	return len(c.writeSet[wid])
}

// NumRead returns the number of read-set objects owned by wid.
func (c *Context) NumRead(wid uint16) int {
	return len(c.readSet[wid])
}

// WriteObjects returns a fresh map of addr -> object for every write-set
// entry owned by wid, for iteration during PREPARE/COMMIT/ABORT.
func (c *Context) WriteObjects(wid uint16) map[gaddr.GAddr]*object.Object {
	return c.materialize(c.writeSet[wid])
}

// ReadObjects returns a fresh map of addr -> object for every read-set
// entry owned by wid, for iteration during VALIDATE.
func (c *Context) ReadObjects(wid uint16) map[gaddr.GAddr]*object.Object {
	return c.materialize(c.readSet[wid])
}

func (c *Context) materialize(m map[gaddr.GAddr]SlotID) map[gaddr.GAddr]*object.Object {
	out := make(map[gaddr.GAddr]*object.Object, len(m))
	for addr, id := range m {
		out[addr] = c.arena[id]
	}
	return out
}

// Empty reports whether the transaction has touched zero objects (the
// trivial-commit boundary case of spec.md §8).
func (c *Context) Empty() bool {
	return len(c.writeSet) == 0 && len(c.readSet) == 0
}

// IsLocalOnly reports whether every address touched by the transaction is
// owned by self, which is what makes the short-form commit path of
// spec.md §4.4 applicable.
func (c *Context) IsLocalOnly(self uint16) bool {
	for wid := range c.writeSet {
		if wid != self {
			return false
		}
	}
	for wid := range c.readSet {
		if wid != self {
			return false
		}
	}
	return true
}
