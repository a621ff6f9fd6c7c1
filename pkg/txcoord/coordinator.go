// Package txcoord implements the coordinator side of the three-phase
// commit protocol described in spec.md §4.4: PREPARE against the
// write-set owners, VALIDATE against the read-set owners, then COMMIT or
// ABORT depending on whether every participant agreed.
package txcoord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/txn"
)

// TxnID identifies one transaction by its coordinator and a per-coordinator
// monotonic sequence number, per spec.md §4.4.
type TxnID struct {
	CoordWID uint16
	Seq      uint32
}

func (id TxnID) String() string {
	return fmt.Sprintf("%d:%d", id.CoordWID, id.Seq)
}

// Phase records how far a single participant got in the protocol, for the
// TxnCommitStatus.progress map of spec.md §4.4.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePrepared
	PhaseValidated
	PhaseCommitted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhasePrepared:
		return "PREPARED"
	case PhaseValidated:
		return "VALIDATED"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// CommitStatus is the coordinator's view of one transaction's outcome,
// mirroring the original TxnCommitStatus struct (spec.md §4.4).
type CommitStatus struct {
	Progress  map[uint16]Phase
	Remaining int
	Success   bool
	Local     bool
}

// ParticipantClient is everything a coordinator needs from a participant
// worker, whether that worker is the coordinator itself (in-process call)
// or a remote node (over pkg/transport). pkg/txpart implements the
// participant state machine this interface drives.
type ParticipantClient interface {
	// Prepare sends one PREPARE chunk of announced (the total object
	// count for wid's write set) to wid, returning false if that chunk —
	// or any earlier chunk of the same transaction — failed to RLock and
	// pass the freshness check.
	Prepare(ctx context.Context, id TxnID, wid uint16, announced int, chunk map[gaddr.GAddr]*object.Object) (bool, error)

	// Validate sends one VALIDATE chunk of announced (the total pair
	// count for wid's read set) to wid, returning false if that chunk —
	// or any earlier chunk of the same transaction — failed.
	Validate(ctx context.Context, id TxnID, wid uint16, announced int, chunk map[gaddr.GAddr]uint64) (bool, error)

	// Commit asks wid to apply its staged writes and release locks.
	Commit(ctx context.Context, id TxnID, wid uint16) error

	// Abort asks wid to discard any staged writes and release locks.
	Abort(ctx context.Context, id TxnID, wid uint16) error

	// Fast is the short-form, single-round-trip path used when every
	// address in the transaction is owned by wid (spec.md §4.4): it
	// performs prepare, validate and commit-or-abort as one request.
	Fast(ctx context.Context, id TxnID, wid uint16, writes map[gaddr.GAddr]*object.Object, reads map[gaddr.GAddr]uint64) (bool, error)
}

// Coordinator drives one worker's role as transaction coordinator: every
// transaction begun locally is committed through this type.
type Coordinator struct {
	self   uint16
	client ParticipantClient
	seq    uint32
}

// New returns a Coordinator for worker id self, issuing participant RPCs
// through client.
func New(self uint16, client ParticipantClient) *Coordinator {
	return &Coordinator{self: self, client: client}
}

func (c *Coordinator) nextTxnID() TxnID {
	seq := atomic.AddUint32(&c.seq, 1)
	return TxnID{CoordWID: c.self, Seq: seq}
}

func readVersions(t *txn.Context, wid uint16) map[gaddr.GAddr]uint64 {
	objs := t.ReadObjects(wid)
	out := make(map[gaddr.GAddr]uint64, len(objs))
	for addr, o := range objs {
		out[addr] = o.Version
	}
	return out
}

// Commit runs the full commit protocol for t and returns the terminal
// status. A transaction that touched nothing commits trivially
// (spec.md §8's zero-object boundary case); a transaction whose every
// address is owned by self takes the short form; anything else runs the
// general three-phase protocol.
func (c *Coordinator) Commit(ctx context.Context, t *txn.Context) (*CommitStatus, error) {
	if t.Empty() {
		return &CommitStatus{Progress: map[uint16]Phase{}, Success: true, Local: true}, nil
	}

	id := c.nextTxnID()

	if t.IsLocalOnly(c.self) {
		return c.commitLocal(ctx, id, t)
	}
	return c.commitGeneral(ctx, id, t)
}

func (c *Coordinator) commitLocal(ctx context.Context, id TxnID, t *txn.Context) (*CommitStatus, error) {
	wid := c.self
	writes := t.WriteObjects(wid)
	reads := readVersions(t, wid)
	for addr := range writes {
		delete(reads, addr)
	}

	ok, err := c.client.Fast(ctx, id, wid, writes, reads)
	status := &CommitStatus{
		Progress: map[uint16]Phase{wid: terminalPhase(ok)},
		Success:  ok,
		Local:    true,
	}
	return status, err
}

func terminalPhase(ok bool) Phase {
	if ok {
		return PhaseCommitted
	}
	return PhaseAborted
}

func (c *Coordinator) commitGeneral(ctx context.Context, id TxnID, t *txn.Context) (*CommitStatus, error) {
	writeWids := t.WriteWids()
	readWids := t.ReadWids()

	status := &CommitStatus{
		Progress:  make(map[uint16]Phase),
		Remaining: len(writeWids) + len(readWids),
	}
	var mu sync.Mutex

	prepared, err := c.prepareAll(ctx, id, t, writeWids, status, &mu)
	if err != nil {
		c.abortAll(ctx, id, writeWids)
		return status, err
	}
	if !prepared {
		c.abortAll(ctx, id, writeWids)
		status.Success = false
		return status, nil
	}

	validated, err := c.validateAll(ctx, id, t, readWids, status, &mu)
	if err != nil {
		c.abortAll(ctx, id, writeWids)
		return status, err
	}
	if !validated {
		c.abortAll(ctx, id, writeWids)
		status.Success = false
		return status, nil
	}

	if err := c.commitAll(ctx, id, writeWids, status, &mu); err != nil {
		return status, err
	}

	status.Success = true
	return status, nil
}

// prepareAll sends PREPARE to every wid in wids, chunking each
// participant's write set to fit maxChunkPayload (spec.md §4.4 phase 1
// step 1) and stopping as soon as one chunk fails instead of sending the
// rest — the participant has already refused further PREPAREs for this
// id by then (spec.md §4.4 phase 1 step 3).
func (c *Coordinator) prepareAll(ctx context.Context, id TxnID, t *txn.Context, wids []uint16, status *CommitStatus, mu *sync.Mutex) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	ok := true
	for _, wid := range wids {
		wid := wid
		g.Go(func() error {
			writes := t.WriteObjects(wid)
			announced := len(writes)
			success := true
			for _, chunk := range chunkWrites(writes, maxChunkPayload) {
				res, err := c.client.Prepare(gctx, id, wid, announced, chunk)
				if err != nil {
					return err
				}
				if !res {
					success = false
					break
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if success {
				status.Progress[wid] = PhasePrepared
			} else {
				ok = false
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ok, nil
}

// validateAll is prepareAll's VALIDATE-phase counterpart.
func (c *Coordinator) validateAll(ctx context.Context, id TxnID, t *txn.Context, wids []uint16, status *CommitStatus, mu *sync.Mutex) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	ok := true
	for _, wid := range wids {
		wid := wid
		g.Go(func() error {
			reads := readVersions(t, wid)
			for addr := range t.WriteObjects(wid) {
				delete(reads, addr)
			}
			if len(reads) == 0 {
				return nil
			}
			announced := len(reads)
			success := true
			for _, chunk := range chunkReads(reads, maxChunkPayload) {
				res, err := c.client.Validate(gctx, id, wid, announced, chunk)
				if err != nil {
					return err
				}
				if !res {
					success = false
					break
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if success {
				status.Progress[wid] = PhaseValidated
			} else {
				ok = false
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Coordinator) commitAll(ctx context.Context, id TxnID, wids []uint16, status *CommitStatus, mu *sync.Mutex) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, wid := range wids {
		wid := wid
		g.Go(func() error {
			if err := c.client.Commit(gctx, id, wid); err != nil {
				return err
			}
			mu.Lock()
			status.Progress[wid] = PhaseCommitted
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// abortAll is best-effort: a participant that never prepared has nothing
// to undo, and a transport error aborting an already-aborted participant
// is not itself fatal to the coordinator.
func (c *Coordinator) abortAll(ctx context.Context, id TxnID, wids []uint16) {
	var wg sync.WaitGroup
	for _, wid := range wids {
		wid := wid
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.client.Abort(ctx, id, wid)
		}()
	}
	wg.Wait()
}
