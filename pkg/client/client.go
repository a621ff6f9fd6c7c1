// Package client implements the application-facing façade over one
// worker's Node, mirroring original_source/include/gallocator.h's GAlloc
// surface (Malloc/Read/Write/TxCommit) as a thin synchronous wrapper, the
// same way the teacher's repository_after/cmd/server/main.go wraps its
// raft.Node's async submit/result path for callers.
package client

import (
	"context"
	"fmt"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/txn"
	"github.com/New-B/farm/pkg/worker"
)

// GAlloc is the application's handle onto one worker's node: allocate,
// read, stage writes into a transaction, and commit.
type GAlloc struct {
	node *worker.Node
	txn  *txn.Context
}

// New returns a GAlloc bound to node, with a fresh (empty) transaction.
func New(node *worker.Node) *GAlloc {
	return &GAlloc{node: node, txn: txn.New()}
}

// Malloc allocates size bytes on the given worker (the local worker if
// wid equals this GAlloc's own node, otherwise over the wire).
func (g *GAlloc) Malloc(ctx context.Context, wid uint16, size int) (gaddr.GAddr, error) {
	return g.node.Client.Alloc(ctx, wid, size)
}

// Read fetches addr's current value outside of any transaction (an
// immediate, non-transactional read — for a transactionally-consistent
// read, use TxRead).
func (g *GAlloc) Read(ctx context.Context, addr gaddr.GAddr) ([]byte, error) {
	obj, err := g.node.Client.Read(ctx, addr)
	if err != nil {
		return nil, err
	}
	return obj.Payload, nil
}

// TxRead stages addr into the current transaction's read set and returns
// its value as observed at staging time; the read is validated against
// concurrent writers at commit.
func (g *GAlloc) TxRead(ctx context.Context, addr gaddr.GAddr) ([]byte, error) {
	obj, err := g.node.Client.Read(ctx, addr)
	if err != nil {
		return nil, err
	}
	g.txn.PutRead(addr, obj)
	return obj.Payload, nil
}

// TxWrite stages a write to addr into the current transaction; it is not
// visible to any reader until TxCommit succeeds.
func (g *GAlloc) TxWrite(addr gaddr.GAddr, value []byte) {
	g.txn.PutWrite(addr, &object.Object{Payload: value})
}

// TxFree stages addr's allocation for release when the current
// transaction commits.
func (g *GAlloc) TxFree(addr gaddr.GAddr) {
	g.txn.PutWrite(addr, &object.Object{Size: object.Freed})
}

// cachedOrFetch returns addr's object as already staged in the current
// transaction's write or read set, or fetches and stages it as a read on
// first access to an address the transaction has not yet touched
// (spec.md §4.3: "on first partial read of an uncached address, fetch
// the whole object").
func (g *GAlloc) cachedOrFetch(ctx context.Context, addr gaddr.GAddr) (*object.Object, error) {
	if obj, ok := g.txn.GetWritable(addr); ok {
		return obj, nil
	}
	if obj, ok := g.txn.GetReadable(addr); ok {
		return obj, nil
	}
	obj, err := g.node.Client.Read(ctx, addr)
	if err != nil {
		return nil, err
	}
	g.txn.PutRead(addr, obj)
	return obj, nil
}

// TxPartialRead returns the length bytes of addr's object starting at
// offset, staging the whole object into the transaction's read set on
// first access (spec.md §4.3); a later partial read or write against the
// same address within this transaction reuses that cached copy instead
// of fetching again.
func (g *GAlloc) TxPartialRead(ctx context.Context, addr gaddr.GAddr, offset, length int) ([]byte, error) {
	obj, err := g.cachedOrFetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > len(obj.Payload) {
		return nil, fmt.Errorf("client: partial read [%d:%d) out of range for %d-byte object at %s", offset, offset+length, len(obj.Payload), addr)
	}
	out := make([]byte, length)
	copy(out, obj.Payload[offset:offset+length])
	return out, nil
}

// TxPartialWrite overwrites addr's object starting at offset with value,
// fetching the whole object on first access the same way TxPartialRead
// does, then staging the merged result as the transaction's write-set
// entry for addr. A write past the current end of the object grows it.
func (g *GAlloc) TxPartialWrite(ctx context.Context, addr gaddr.GAddr, offset int, value []byte) error {
	obj, err := g.cachedOrFetch(ctx, addr)
	if err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("client: partial write at negative offset %d for %s", offset, addr)
	}
	end := offset + len(value)
	payload := obj.Payload
	if end > len(payload) {
		grown := make([]byte, end)
		copy(grown, payload)
		payload = grown
	} else {
		payload = append([]byte(nil), payload...)
	}
	copy(payload[offset:end], value)
	g.txn.PutWrite(addr, &object.Object{Payload: payload})
	return nil
}

// TxCommit runs the three-phase commit protocol over the currently staged
// reads and writes and resets the transaction for reuse. It reports
// whether the transaction committed.
func (g *GAlloc) TxCommit(ctx context.Context) (bool, error) {
	status, err := g.node.Coordinator.Commit(ctx, g.txn)
	g.txn.Reset()
	if err != nil {
		return false, err
	}
	if !status.Success {
		return false, fmt.Errorf("client: transaction aborted")
	}
	return true, nil
}

// TxAbort discards the currently staged reads and writes without
// committing.
func (g *GAlloc) TxAbort() {
	g.txn.Reset()
}
