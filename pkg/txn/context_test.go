package txn

import (
	"testing"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
)

func TestPutReadThenWriteShareSlot(t *testing.T) {
	c := New()
	addr := gaddr.Make(3, 0x100)

	rObj := &object.Object{Version: 5, Payload: []byte("a")}
	c.PutRead(addr, rObj)

	wObj := &object.Object{Version: 5, Payload: []byte("b")}
	c.PutWrite(addr, wObj)

	got, ok := c.GetReadable(addr)
	if !ok {
		t.Fatal("read-set entry should still exist")
	}
	if got != wObj {
		t.Fatal("read and write entries for the same address must share the same slot")
	}
}

func TestPutWriteThenReadKeepsWritable(t *testing.T) {
	c := New()
	addr := gaddr.Make(1, 0x200)

	wObj := &object.Object{Version: 0, Payload: []byte("x")}
	c.PutWrite(addr, wObj)

	c.PutRead(addr, &object.Object{Version: 9, Payload: []byte("stale")})

	got, ok := c.GetWritable(addr)
	if !ok || got != wObj {
		t.Fatal("a later PutRead must not clobber an existing write-set entry")
	}
}

func TestPutReadTwiceKeepsFirstVersion(t *testing.T) {
	c := New()
	addr := gaddr.Make(2, 0x300)

	first := &object.Object{Version: 1, Payload: []byte("first")}
	c.PutRead(addr, first)
	c.PutRead(addr, &object.Object{Version: 2, Payload: []byte("second")})

	got, ok := c.GetReadable(addr)
	if !ok || got != first {
		t.Fatal("re-reading an address already in the read set must not overwrite the captured version")
	}
}

func TestWidsPartitioning(t *testing.T) {
	c := New()
	c.PutWrite(gaddr.Make(1, 0), &object.Object{})
	c.PutWrite(gaddr.Make(2, 0), &object.Object{})
	c.PutRead(gaddr.Make(3, 0), &object.Object{})

	wwids := c.WriteWids()
	if len(wwids) != 2 {
		t.Fatalf("expected 2 write-set wids, got %d", len(wwids))
	}
	rwids := c.ReadWids()
	if len(rwids) != 1 || rwids[0] != 3 {
		t.Fatalf("expected read-set wid [3], got %v", rwids)
	}
}

func TestIsLocalOnly(t *testing.T) {
	c := New()
	c.PutWrite(gaddr.Make(5, 0), &object.Object{})
	c.PutRead(gaddr.Make(5, 8), &object.Object{})
	if !c.IsLocalOnly(5) {
		t.Fatal("transaction touching only wid 5 should be local-only for self=5")
	}
	c.PutRead(gaddr.Make(6, 0), &object.Object{})
	if c.IsLocalOnly(5) {
		t.Fatal("transaction touching wid 6 should not be local-only for self=5")
	}
}

func TestRemoveReadable(t *testing.T) {
	c := New()
	addr := gaddr.Make(4, 0)
	c.PutRead(addr, &object.Object{Version: 1})
	c.RemoveReadable(addr)
	if _, ok := c.GetReadable(addr); ok {
		t.Fatal("RemoveReadable should drop the read-set entry")
	}
}

func TestEmptyAndReset(t *testing.T) {
	c := New()
	if !c.Empty() {
		t.Fatal("a fresh context should be empty")
	}
	c.PutWrite(gaddr.Make(1, 0), &object.Object{})
	if c.Empty() {
		t.Fatal("context with a write-set entry should not be empty")
	}
	c.Reset()
	if !c.Empty() {
		t.Fatal("Reset should clear all state")
	}
}

func TestWriteObjectsMaterializesPerWid(t *testing.T) {
	c := New()
	a1 := gaddr.Make(7, 0)
	a2 := gaddr.Make(7, 8)
	o1 := &object.Object{Version: 1}
	o2 := &object.Object{Version: 2}
	c.PutWrite(a1, o1)
	c.PutWrite(a2, o2)

	objs := c.WriteObjects(7)
	if len(objs) != 2 || objs[a1] != o1 || objs[a2] != o2 {
		t.Fatalf("WriteObjects(7) = %v, want both entries", objs)
	}
	if c.NumWrite(7) != 2 {
		t.Fatalf("NumWrite(7) = %d, want 2", c.NumWrite(7))
	}
}
