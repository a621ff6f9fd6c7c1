package txpart

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
)

// memStore is a minimal in-memory Store used only to exercise Participant's
// state machine; pkg/worker's real Store wraps pkg/slab and pkg/object.
type memStore struct {
	mu       sync.Mutex
	versions map[gaddr.GAddr]uint64
	rlocked  map[gaddr.GAddr]bool
	payload  map[gaddr.GAddr][]byte
}

func newMemStore() *memStore {
	return &memStore{
		versions: make(map[gaddr.GAddr]uint64),
		rlocked:  make(map[gaddr.GAddr]bool),
		payload:  make(map[gaddr.GAddr][]byte),
	}
}

func (s *memStore) RLock(addr gaddr.GAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rlocked[addr] {
		return false
	}
	s.rlocked[addr] = true
	return true
}

func (s *memStore) RUnlock(addr gaddr.GAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rlocked[addr] = false
}

func (s *memStore) Version(addr gaddr.GAddr) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[addr]
}

func (s *memStore) Locked(addr gaddr.GAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rlocked[addr]
}

func (s *memStore) Fresh(addr gaddr.GAddr, obj *object.Object) bool {
	return true
}

func (s *memStore) ApplyWrite(addr gaddr.GAddr, obj *object.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rlocked[addr] {
		return fmt.Errorf("ApplyWrite on unlocked address %s", addr)
	}
	s.versions[addr]++
	s.payload[addr] = obj.Payload
	s.rlocked[addr] = false
	return nil
}

func TestPrepareValidateCommit(t *testing.T) {
	store := newMemStore()
	p := New(store)
	ctx := context.Background()
	addr := gaddr.Make(1, 0)

	writes := map[gaddr.GAddr]*object.Object{addr: {Payload: []byte("v1")}}
	if _, ok := p.Prepare(ctx, 9, 1, len(writes), writes); !ok {
		t.Fatal("Prepare should succeed on an unlocked address")
	}
	if _, ok := p.Validate(ctx, 9, 1, 0, nil); !ok {
		t.Fatal("Validate with no reads should succeed")
	}
	if err := p.Commit(ctx, 9, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.versions[addr] != 1 {
		t.Fatalf("version = %d, want 1", store.versions[addr])
	}
	if string(store.payload[addr]) != "v1" {
		t.Fatalf("payload = %q, want v1", store.payload[addr])
	}
	if store.rlocked[addr] {
		t.Fatal("address should be unlocked after commit")
	}
}

func TestPrepareConflictExactlyOneWins(t *testing.T) {
	store := newMemStore()
	addr := gaddr.Make(1, 0)
	writes := map[gaddr.GAddr]*object.Object{addr: {Payload: []byte("x")}}

	const n = 16
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := New(store)
			if _, ok := p.Prepare(context.Background(), 1, uint32(i), len(writes), writes); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one Prepare to win the lock, got %d", wins)
	}
}

func TestValidateFailsOnConcurrentWrite(t *testing.T) {
	store := newMemStore()
	addr := gaddr.Make(2, 0)
	store.versions[addr] = 5

	p := New(store)
	ctx := context.Background()

	reads := map[gaddr.GAddr]uint64{addr: 5}
	if _, ok := p.Validate(ctx, 3, 1, len(reads), reads); !ok {
		t.Fatal("validate should succeed while version is unchanged")
	}

	// Simulate a concurrent committed write bumping the version.
	store.versions[addr] = 6

	if _, ok := p.Validate(ctx, 3, 2, len(reads), reads); ok {
		t.Fatal("validate must fail once the version has moved on")
	}
}

func TestAbortReleasesLocks(t *testing.T) {
	store := newMemStore()
	addr := gaddr.Make(1, 0)
	p := New(store)
	ctx := context.Background()

	writes := map[gaddr.GAddr]*object.Object{addr: {Payload: []byte("x")}}
	if _, ok := p.Prepare(ctx, 9, 1, len(writes), writes); !ok {
		t.Fatal("Prepare should succeed")
	}
	if err := p.Abort(ctx, 9, 1); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if store.rlocked[addr] {
		t.Fatal("Abort should release the read lock")
	}
	if store.versions[addr] != 0 {
		t.Fatal("Abort must not apply the staged write")
	}
}

func TestDoubleCommitAndDoubleAbortAreNoops(t *testing.T) {
	store := newMemStore()
	addr := gaddr.Make(1, 0)
	p := New(store)
	ctx := context.Background()

	writes := map[gaddr.GAddr]*object.Object{addr: {Payload: []byte("x")}}
	p.Prepare(ctx, 9, 1, len(writes), writes)
	p.Validate(ctx, 9, 1, 0, nil)
	if err := p.Commit(ctx, 9, 1); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := p.Commit(ctx, 9, 1); err != nil {
		t.Fatalf("second commit should be a no-op, got error: %v", err)
	}
	if err := p.Abort(ctx, 9, 1); err != nil {
		t.Fatalf("abort of a committed txn should be a no-op, got: %v", err)
	}

	p2 := New(store)
	addr2 := gaddr.Make(1, 8)
	writes2 := map[gaddr.GAddr]*object.Object{addr2: {Payload: []byte("y")}}
	p2.Prepare(ctx, 10, 1, len(writes2), writes2)
	if err := p2.Abort(ctx, 10, 1); err != nil {
		t.Fatalf("first abort: %v", err)
	}
	if err := p2.Abort(ctx, 10, 1); err != nil {
		t.Fatalf("second abort should be a no-op, got: %v", err)
	}
}

func TestFastShortForm(t *testing.T) {
	store := newMemStore()
	addr := gaddr.Make(4, 0)
	p := New(store)
	ctx := context.Background()

	ok, err := p.Fast(ctx, 4, 1, map[gaddr.GAddr]*object.Object{addr: {Payload: []byte("z")}}, nil)
	if err != nil || !ok {
		t.Fatalf("Fast = (%v, %v), want (true, nil)", ok, err)
	}
	if store.versions[addr] != 1 {
		t.Fatalf("version = %d, want 1", store.versions[addr])
	}
}
