package worker

import (
	"context"
	"fmt"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/txcoord"
	"github.com/New-B/farm/pkg/txpart"
	"github.com/New-B/farm/pkg/wire"
)

// Client implements txcoord.ParticipantClient for one worker acting as a
// transaction coordinator: a request targeting this worker's own wid is
// served by calling the local txpart.Participant directly, and every
// other request goes out over transport as a wire.Message.
type Client struct {
	self      uint16
	transport transport.Transport
	local     *txpart.Participant
	heap      *Heap
}

// NewClient returns a Client for coordinator wid self, using t to reach
// other workers and local/heap for self-addressed (same-worker) requests.
func NewClient(self uint16, t transport.Transport, local *txpart.Participant, heap *Heap) *Client {
	return &Client{self: self, transport: t, local: local, heap: heap}
}

// Alloc reserves size bytes on worker wid, over the wire if wid is not
// this Client's own worker.
func (c *Client) Alloc(ctx context.Context, wid uint16, size int) (gaddr.GAddr, error) {
	if wid == c.self {
		addr, ok := c.heap.Alloc(size)
		if !ok {
			return gaddr.Null, fmt.Errorf("worker: heap %d exhausted", wid)
		}
		return addr, nil
	}
	reply, err := c.transport.Send(ctx, wid, wire.Message{Header: wire.Header{Op: wire.OpFarmMalloc, Size: uint32(size)}})
	if err != nil {
		return gaddr.Null, err
	}
	if reply.Status != wire.StatusSuccess {
		return gaddr.Null, fmt.Errorf("worker: alloc on %d failed: %s", wid, reply.Status)
	}
	return gaddr.GAddr(reply.Addr), nil
}

// Read fetches addr's current object, over the wire if addr is not owned
// by this Client's own worker.
func (c *Client) Read(ctx context.Context, addr gaddr.GAddr) (*object.Object, error) {
	if addr.WID() == c.self {
		obj, ok := c.heap.Read(addr)
		if !ok {
			return nil, fmt.Errorf("worker: read of %s failed", addr)
		}
		return obj, nil
	}
	reply, err := c.transport.Send(ctx, addr.WID(), wire.Message{Header: wire.Header{Op: wire.OpFarmRead, Addr: uint64(addr)}})
	if err != nil {
		return nil, err
	}
	if reply.Status != wire.StatusSuccess {
		return nil, fmt.Errorf("worker: read of %s failed: %s", addr, reply.Status)
	}
	obj, _, err := object.Decode(reply.Payload)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Prepare sends one PREPARE chunk, announcing the write set's total
// object count for wid so the participant knows when it has seen every
// chunk (spec.md §4.6). announced rides in the wire header's Size field;
// NObj carries this chunk's own count, per spec.md §6.
func (c *Client) Prepare(ctx context.Context, id txcoord.TxnID, wid uint16, announced int, chunk map[gaddr.GAddr]*object.Object) (bool, error) {
	if wid == c.self {
		_, ok := c.local.Prepare(ctx, id.CoordWID, id.Seq, announced, chunk)
		return ok, nil
	}
	msg := wire.Message{
		Header: wire.Header{
			Op:   wire.OpPrepare,
			ID:   id.Seq,
			Addr: uint64(id.CoordWID),
			Size: uint32(announced),
			NObj: uint32(len(chunk)),
		},
		Payload: encodePrepare(chunk),
	}
	reply, err := c.transport.Send(ctx, wid, msg)
	if err != nil {
		return false, err
	}
	return reply.Status == wire.StatusSuccess, nil
}

// Validate sends one VALIDATE chunk, announcing the read set's total
// pair count for wid the same way Prepare announces its write set.
func (c *Client) Validate(ctx context.Context, id txcoord.TxnID, wid uint16, announced int, chunk map[gaddr.GAddr]uint64) (bool, error) {
	if wid == c.self {
		_, ok := c.local.Validate(ctx, id.CoordWID, id.Seq, announced, chunk)
		return ok, nil
	}
	msg := wire.Message{
		Header: wire.Header{
			Op:   wire.OpValidate,
			ID:   id.Seq,
			Addr: uint64(id.CoordWID),
			Size: uint32(announced),
			NObj: uint32(len(chunk)),
		},
		Payload: encodeValidate(chunk),
	}
	reply, err := c.transport.Send(ctx, wid, msg)
	if err != nil {
		return false, err
	}
	return reply.Status == wire.StatusSuccess, nil
}

func (c *Client) Commit(ctx context.Context, id txcoord.TxnID, wid uint16) error {
	if wid == c.self {
		return c.local.Commit(ctx, id.CoordWID, id.Seq)
	}
	msg := wire.Message{Header: wire.Header{Op: wire.OpCommit, ID: id.Seq, Addr: uint64(id.CoordWID)}}
	_, err := c.transport.Send(ctx, wid, msg)
	return err
}

func (c *Client) Abort(ctx context.Context, id txcoord.TxnID, wid uint16) error {
	if wid == c.self {
		return c.local.Abort(ctx, id.CoordWID, id.Seq)
	}
	msg := wire.Message{Header: wire.Header{Op: wire.OpAbort, ID: id.Seq, Addr: uint64(id.CoordWID)}}
	_, err := c.transport.Send(ctx, wid, msg)
	return err
}

// Fast calls the local participant directly when wid is this Client's own
// worker, the only wid txcoord uses it for (it takes this path only when
// every address in the transaction is owned by self). For any other wid
// it runs Prepare, Validate and Commit over the wire, aborting on failure.
func (c *Client) Fast(ctx context.Context, id txcoord.TxnID, wid uint16, writes map[gaddr.GAddr]*object.Object, reads map[gaddr.GAddr]uint64) (bool, error) {
	if wid == c.self {
		return c.local.Fast(ctx, id.CoordWID, id.Seq, writes, reads)
	}
	ok, err := c.Prepare(ctx, id, wid, len(writes), writes)
	if err != nil || !ok {
		return false, err
	}
	ok, err = c.Validate(ctx, id, wid, len(reads), reads)
	if err != nil || !ok {
		_ = c.Abort(ctx, id, wid)
		return false, err
	}
	if err := c.Commit(ctx, id, wid); err != nil {
		_ = c.Abort(ctx, id, wid)
		return false, err
	}
	return true, nil
}
