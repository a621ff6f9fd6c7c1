package txnsim

import (
	"context"
	"testing"
	"time"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
)

func TestTwoNodeCommitReachesRemoteOwner(t *testing.T) {
	c := NewCluster([]uint16{1, 2}, 1<<20, 1.25)
	defer c.Close()
	ctx := context.Background()

	coord := c.Client(1)
	addr, err := coord.Malloc(ctx, 2, 16)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if addr.WID() != 2 {
		t.Fatalf("addr owner = %d, want 2", addr.WID())
	}

	coord.TxWrite(addr, []byte("remote-write"))
	ok, err := coord.TxCommit(ctx)
	if err != nil || !ok {
		t.Fatalf("TxCommit: ok=%v err=%v", ok, err)
	}

	val, err := c.Client(2).Read(ctx, addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(val) != "remote-write" {
		t.Fatalf("value = %q, want %q", val, "remote-write")
	}
}

func TestWriteWriteConflictRejectsSecondPreparer(t *testing.T) {
	c := NewCluster([]uint16{1}, 1<<20, 1.25)
	defer c.Close()
	ctx := context.Background()

	addr, ok := c.Node(1).Heap.Alloc(8)
	if !ok {
		t.Fatal("Alloc failed")
	}

	participant := c.Node(1).Participant
	writes := map[gaddr.GAddr]*object.Object{addr: {Payload: []byte("first")}}

	if _, ok := participant.Prepare(ctx, 100, 1, len(writes), writes); !ok {
		t.Fatal("first Prepare should succeed")
	}
	if _, ok := participant.Prepare(ctx, 200, 2, len(writes), writes); ok {
		t.Fatal("second Prepare against a locked address should fail")
	}

	if _, ok := participant.Validate(ctx, 100, 1, 0, nil); !ok {
		t.Fatal("Validate of the first (still-held) txn should succeed")
	}
	if err := participant.Commit(ctx, 100, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Now that the first txn released its lock, a fresh Prepare for the
	// same address succeeds.
	if _, ok := participant.Prepare(ctx, 300, 3, len(writes), writes); !ok {
		t.Fatal("Prepare after the conflicting txn committed should succeed")
	}
}

func TestReadWriteValidateFailsOnStaleVersion(t *testing.T) {
	c := NewCluster([]uint16{1}, 1<<20, 1.25)
	defer c.Close()
	ctx := context.Background()

	owner := c.Client(1)
	addr, err := owner.Malloc(ctx, 1, 8)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	owner.TxWrite(addr, []byte("v0"))
	if ok, err := owner.TxCommit(ctx); err != nil || !ok {
		t.Fatalf("seed commit: ok=%v err=%v", ok, err)
	}

	reader := c.Client(1)
	if _, err := reader.TxRead(ctx, addr); err != nil {
		t.Fatalf("TxRead: %v", err)
	}

	writer := c.Client(1)
	writer.TxWrite(addr, []byte("v1"))
	if ok, err := writer.TxCommit(ctx); err != nil || !ok {
		t.Fatalf("concurrent write commit: ok=%v err=%v", ok, err)
	}

	if ok, _ := reader.TxCommit(ctx); ok {
		t.Fatal("reader's commit should fail validation against the version it captured")
	}
}

func TestFreeThenReadFails(t *testing.T) {
	c := NewCluster([]uint16{1}, 1<<20, 1.25)
	defer c.Close()
	ctx := context.Background()

	owner := c.Client(1)
	addr, err := owner.Malloc(ctx, 1, 8)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	owner.TxWrite(addr, []byte("alive"))
	if ok, err := owner.TxCommit(ctx); err != nil || !ok {
		t.Fatalf("seed commit: ok=%v err=%v", ok, err)
	}

	owner.TxFree(addr)
	if ok, err := owner.TxCommit(ctx); err != nil || !ok {
		t.Fatalf("free commit: ok=%v err=%v", ok, err)
	}

	if _, err := owner.Read(ctx, addr); err == nil {
		t.Fatal("Read of a freed address should fail")
	}
}

// TestTwoNodeFreeThenReadFails is TestFreeThenReadFails' remote-wire
// counterpart: the coordinator (worker 1) never owns addr (worker 2), so
// the commits of the write and of the free cross the wire through
// encodePrepare/decodePrepare instead of taking the local Fast path,
// exercising the Freed sentinel's (-1 size) round trip over the network.
// The Reads go through the owner's own client and are served from worker
// 2's local heap.
func TestTwoNodeFreeThenReadFails(t *testing.T) {
	c := NewCluster([]uint16{1, 2}, 1<<20, 1.25)
	defer c.Close()
	ctx := context.Background()

	coord := c.Client(1)
	addr, err := coord.Malloc(ctx, 2, 8)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	coord.TxWrite(addr, []byte("alive"))
	if ok, err := coord.TxCommit(ctx); err != nil || !ok {
		t.Fatalf("seed commit: ok=%v err=%v", ok, err)
	}

	if val, err := c.Client(2).Read(ctx, addr); err != nil || string(val) != "alive" {
		t.Fatalf("Read before free = (%q, %v), want (alive, nil)", val, err)
	}

	freer := c.Client(1)
	freer.TxFree(addr)
	if ok, err := freer.TxCommit(ctx); err != nil || !ok {
		t.Fatalf("free commit: ok=%v err=%v", ok, err)
	}

	if _, err := c.Client(2).Read(ctx, addr); err == nil {
		t.Fatal("owner's Read of a freed address should fail")
	}
}

func TestThreeWorkerStatsConverge(t *testing.T) {
	c := NewCluster([]uint16{1, 2, 3}, 1<<20, 1.25).WithMaster(3)
	defer c.Close()
	ctx := context.Background()

	for _, wid := range []uint16{1, 2, 3} {
		coord := c.Client(wid)
		addr, err := coord.Malloc(ctx, wid, 4096)
		if err != nil {
			t.Fatalf("Malloc on %d: %v", wid, err)
		}
		coord.TxWrite(addr, make([]byte, 4096))
		if ok, err := coord.TxCommit(ctx); err != nil || !ok {
			t.Fatalf("commit on %d: ok=%v err=%v", wid, ok, err)
		}

		total := c.Node(wid).Heap.HeapSize()
		free := c.Node(wid).Heap.GetAvail()
		c.Master().Update(wid, total, free)
	}

	snapshot := c.Master().Fetch()
	if len(snapshot) != 3 {
		t.Fatalf("len(snapshot) = %d, want 3", len(snapshot))
	}
	for _, wid := range []uint16{1, 2, 3} {
		s, ok := snapshot[wid]
		if !ok {
			t.Fatalf("missing worker %d in snapshot", wid)
		}
		if s.Total != c.Node(wid).Heap.HeapSize() {
			t.Fatalf("worker %d total = %d, want %d", wid, s.Total, c.Node(wid).Heap.HeapSize())
		}
	}
}

func TestPartitionedOwnerAbortsCommit(t *testing.T) {
	c := NewCluster([]uint16{1, 2}, 1<<20, 1.25)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	coord := c.Client(1)
	addr, err := coord.Malloc(ctx, 2, 16)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	c.Partition(2)
	coord.TxWrite(addr, []byte("unreachable"))
	ok, err := coord.TxCommit(ctx)
	if ok {
		t.Fatal("commit against a partitioned owner should not succeed")
	}
	_ = err

	c.Heal(2)
	retry := c.Client(1)
	retry.TxWrite(addr, []byte("reachable"))
	ok, err = retry.TxCommit(context.Background())
	if err != nil || !ok {
		t.Fatalf("commit after Heal: ok=%v err=%v", ok, err)
	}
}
