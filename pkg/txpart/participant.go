// Package txpart implements the participant side of the commit protocol:
// the per-transaction state machine a worker runs for every PREPARE,
// VALIDATE, COMMIT and ABORT request it receives, per spec.md §4.4.
package txpart

import (
	"context"
	"fmt"
	"sync"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
)

// State is a participant's progress through one transaction.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StatePrepared
	StateRejected
	StateValidated
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePreparing:
		return "PREPARING"
	case StatePrepared:
		return "PREPARED"
	case StateRejected:
		return "REJECTED"
	case StateValidated:
		return "VALIDATED"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Store is everything a Participant needs from the local heap: the
// allocator-backed object storage that pkg/worker owns. A Participant
// never touches slab or object encoding directly; it only sequences
// RLock/RUnlock/Version/Locked/Fresh/ApplyWrite calls against this
// interface (the write lock is taken inside ApplyWrite).
type Store interface {
	// RLock attempts to take the read lock on addr (spec.md §4.2). It
	// never blocks: it returns false immediately if addr is already
	// locked by another transaction.
	RLock(addr gaddr.GAddr) bool
	// RUnlock releases a previously taken read lock.
	RUnlock(addr gaddr.GAddr)
	// Version returns addr's current version word, for VALIDATE's
	// unchanged-since-read check.
	Version(addr gaddr.GAddr) uint64
	// Locked reports whether addr is currently RLOCK'd by anyone, for
	// VALIDATE's "RLOCK'd by someone else" conflict check (spec.md §4.4
	// phase 2 step 2).
	Locked(addr gaddr.GAddr) bool
	// Fresh reports whether addr names a live (unfreed) allocation whose
	// capacity can hold obj's payload — the PREPARE-time freshness check
	// of spec.md §4.4 phase 1 step 2. A write that frees addr
	// (obj.Size == object.Freed) always passes: a free needs no payload
	// capacity.
	Fresh(addr gaddr.GAddr, obj *object.Object) bool
	// ApplyWrite upgrades addr's read lock to a write lock, writes obj's
	// payload (or frees the address, if obj.Size == object.Freed), bumps
	// the version counter, and releases both lock bits — all under the
	// precondition that addr is currently RLocked by this participant.
	ApplyWrite(addr gaddr.GAddr, obj *object.Object) error
}

// key identifies a transaction from the participant's point of view.
type key struct {
	coordWID uint16
	seq      uint32
}

type txnRecord struct {
	state     State
	announced int // total object count this phase will eventually carry
	locked    []gaddr.GAddr
	writes    map[gaddr.GAddr]*object.Object
	reads     map[gaddr.GAddr]uint64
}

func containsAddr(s []gaddr.GAddr, addr gaddr.GAddr) bool {
	for _, a := range s {
		if a == addr {
			return true
		}
	}
	return false
}

// Participant runs the per-transaction state machine for one worker's
// local heap.
type Participant struct {
	mu    sync.Mutex
	store Store
	txns  map[key]*txnRecord
}

// New returns a Participant backed by store.
func New(store Store) *Participant {
	return &Participant{store: store, txns: make(map[key]*txnRecord)}
}

// Prepare processes one PREPARE chunk of a transaction whose write set,
// for this participant, totals announced objects (spec.md §6: the
// per-chunk count and this announced total are how a participant knows
// when it has seen everything). It tries RLOCK plus the freshness check
// on every address chunk carries, merging with whatever earlier chunks
// of the same transaction already hold (spec.md §4.4 phase 1 step 3). On
// any failure it releases every lock taken so far for this transaction,
// transitions to REJECTED, and ignores further PREPAREs for this id.
// done reports whether announced objects have now all been seen across
// chunks; ok is the cumulative outcome so far (false once any chunk has
// failed).
func (p *Participant) Prepare(ctx context.Context, coordWID uint16, seq uint32, announced int, chunk map[gaddr.GAddr]*object.Object) (done bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{coordWID, seq}
	rec, exists := p.txns[k]
	if !exists {
		rec = &txnRecord{state: StatePreparing, announced: announced, writes: make(map[gaddr.GAddr]*object.Object)}
		p.txns[k] = rec
	}
	switch rec.state {
	case StateRejected:
		return true, false
	case StatePreparing:
		// fall through to chunk processing below
	default:
		return true, rec.state == StatePrepared || rec.state == StateValidated || rec.state == StateCommitted
	}

	locked := make([]gaddr.GAddr, 0, len(chunk))
	for addr, obj := range chunk {
		if !p.store.RLock(addr) {
			p.rejectPrepare(rec, locked)
			return true, false
		}
		if !p.store.Fresh(addr, obj) {
			p.store.RUnlock(addr)
			p.rejectPrepare(rec, locked)
			return true, false
		}
		locked = append(locked, addr)
	}

	for addr, obj := range chunk {
		rec.writes[addr] = obj
	}
	rec.locked = append(rec.locked, locked...)

	if len(rec.writes) < rec.announced {
		return false, true
	}
	rec.state = StatePrepared
	return true, true
}

// rejectPrepare releases locks taken by the failing chunk plus every lock
// already held by earlier chunks of the same transaction, then marks the
// record REJECTED. Called with p.mu held.
func (p *Participant) rejectPrepare(rec *txnRecord, chunkLocked []gaddr.GAddr) {
	for _, a := range chunkLocked {
		p.store.RUnlock(a)
	}
	for _, a := range rec.locked {
		p.store.RUnlock(a)
	}
	rec.locked = nil
	rec.state = StateRejected
}

// Validate processes one VALIDATE chunk of a transaction whose read set,
// for this participant, totals announced pairs. Each pair is checked
// immediately against the live version word and against a concurrent
// RLOCK held by someone other than this same transaction (spec.md §4.4
// phase 2 steps 2-3); a participant that has not yet received every
// announced pair defers its real reply (done=false) until it does. A
// participant with no write-set entries of its own (a pure reader) tears
// its record down the instant it replies, per spec.md §4.6: no
// COMMIT/ABORT/ACKNOWLEDGE is ever coming for it.
func (p *Participant) Validate(ctx context.Context, coordWID uint16, seq uint32, announced int, chunk map[gaddr.GAddr]uint64) (done bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{coordWID, seq}
	rec, exists := p.txns[k]
	if !exists {
		rec = &txnRecord{state: StatePrepared, reads: make(map[gaddr.GAddr]uint64)}
		p.txns[k] = rec
	}
	switch rec.state {
	case StateRejected:
		return true, false
	case StateValidated, StateCommitted:
		return true, true
	}
	if rec.reads == nil {
		rec.reads = make(map[gaddr.GAddr]uint64)
	}
	rec.announced = announced

	for addr, captured := range chunk {
		if object.IsVersionDiff(captured, p.store.Version(addr)) {
			return p.rejectValidate(rec, k), false
		}
		if p.store.Locked(addr) && !containsAddr(rec.locked, addr) {
			return p.rejectValidate(rec, k), false
		}
	}

	for addr, ver := range chunk {
		rec.reads[addr] = ver
	}
	if len(rec.reads) < rec.announced {
		return false, true
	}
	rec.state = StateValidated
	if len(rec.writes) == 0 {
		delete(p.txns, k)
	}
	return true, true
}

// rejectValidate marks rec REJECTED and, for a pure reader, tears its
// state down immediately since VALIDATE is the only reply it will ever
// get. Called with p.mu held; returns true (done) unconditionally.
func (p *Participant) rejectValidate(rec *txnRecord, k key) bool {
	rec.state = StateRejected
	if len(rec.writes) == 0 {
		delete(p.txns, k)
	}
	return true
}

// Commit applies every staged write and releases its locks
// (spec.md §4.4, COMMIT phase). Committing an unknown or already
// committed transaction is a no-op, matching the idempotent-retry
// invariant of spec.md §8.
func (p *Participant) Commit(ctx context.Context, coordWID uint16, seq uint32) error {
	p.mu.Lock()
	rec, ok := p.txns[key{coordWID, seq}]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if rec.state == StateCommitted {
		return nil
	}
	if rec.state != StatePrepared && rec.state != StateValidated {
		return fmt.Errorf("txpart: commit of txn %d:%d in state %s", coordWID, seq, rec.state)
	}

	for addr, obj := range rec.writes {
		if err := p.store.ApplyWrite(addr, obj); err != nil {
			return err
		}
	}

	p.mu.Lock()
	rec.state = StateCommitted
	delete(p.txns, key{coordWID, seq})
	p.mu.Unlock()
	return nil
}

// Abort releases every lock this transaction holds and discards its
// staged writes (spec.md §4.4, ABORT phase). Aborting an unknown or
// already-terminal transaction is a no-op.
func (p *Participant) Abort(ctx context.Context, coordWID uint16, seq uint32) error {
	p.mu.Lock()
	k := key{coordWID, seq}
	rec, ok := p.txns[k]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if rec.state == StateCommitted || rec.state == StateAborted {
		p.mu.Unlock()
		return nil
	}
	delete(p.txns, k)
	locked := rec.locked
	p.mu.Unlock()

	for _, addr := range locked {
		p.store.RUnlock(addr)
	}
	return nil
}

// Fast runs prepare, validate and commit-or-abort as a single call, for
// the short-form single-worker path of spec.md §4.4. The whole write/read
// set is its own single chunk: announced equals the chunk size, so
// Prepare/Validate always resolve done=true on this one call.
func (p *Participant) Fast(ctx context.Context, coordWID uint16, seq uint32, writes map[gaddr.GAddr]*object.Object, reads map[gaddr.GAddr]uint64) (bool, error) {
	if _, ok := p.Prepare(ctx, coordWID, seq, len(writes), writes); !ok {
		return false, nil
	}
	if _, ok := p.Validate(ctx, coordWID, seq, len(reads), reads); !ok {
		_ = p.Abort(ctx, coordWID, seq)
		return false, nil
	}
	if err := p.Commit(ctx, coordWID, seq); err != nil {
		_ = p.Abort(ctx, coordWID, seq)
		return false, err
	}
	return true, nil
}

// State returns the current state of a transaction this participant
// knows about, for tests and diagnostics.
func (p *Participant) State(coordWID uint16, seq uint32) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.txns[key{coordWID, seq}]
	if !ok {
		return StateIdle
	}
	return rec.state
}
