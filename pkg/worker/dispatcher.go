package worker

import (
	"context"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/txpart"
	"github.com/New-B/farm/pkg/wire"
)

// request is one entry in the Dispatcher's MPSC inbox.
type request struct {
	ctx   context.Context
	msg   wire.Message
	reply chan wire.Message
}

// Dispatcher serializes every request that reaches one worker over the
// transport onto a single service task, per spec.md §4.8: FarmMalloc,
// FarmRead, PREPARE, VALIDATE, COMMIT and ABORT all funnel through the
// same inbox. Requests a worker's own coordinator addresses to itself do
// not pass through it: Client calls the Heap and Participant directly.
type Dispatcher struct {
	wid         uint16
	heap        *Heap
	participant *txpart.Participant
	inbox       chan request
}

// NewDispatcher returns a Dispatcher for worker wid backed by heap and
// participant.
func NewDispatcher(wid uint16, heap *Heap, participant *txpart.Participant) *Dispatcher {
	return &Dispatcher{
		wid:         wid,
		heap:        heap,
		participant: participant,
		inbox:       make(chan request, 1024),
	}
}

// Handler returns a transport.Handler that enqueues each inbound message
// and blocks for the service task's reply.
func (d *Dispatcher) Handler() transport.Handler {
	return func(ctx context.Context, msg wire.Message) wire.Message {
		reply := make(chan wire.Message, 1)
		select {
		case d.inbox <- request{ctx: ctx, msg: msg, reply: reply}:
		case <-ctx.Done():
			return wire.Message{Header: wire.Header{Status: wire.StatusCommitFailed}}
		}
		select {
		case r := <-reply:
			return r
		case <-ctx.Done():
			return wire.Message{Header: wire.Header{Status: wire.StatusCommitFailed}}
		}
	}
}

// Run drains the inbox until ctx is canceled. Exactly one goroutine
// should call Run for a given Dispatcher, matching the one-service-task
// per worker model. A deferred read (spec.md §4.5) does not reply here;
// its completion runs later, synchronously, off the COMMIT/ABORT call
// that unlocks the address it was waiting on: on this goroutine when that
// call arrived over the transport, on the caller's goroutine when it came
// through Client's self-addressed path.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case req := <-d.inbox:
			if msg, done := d.handle(req.ctx, req.msg, req.reply); done {
				req.reply <- msg
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg wire.Message, reply chan wire.Message) (wire.Message, bool) {
	switch msg.Op {
	case wire.OpFarmMalloc:
		return d.handleMalloc(msg), true
	case wire.OpFarmRead:
		return d.handleRead(msg, reply)
	case wire.OpPrepare:
		return d.handlePrepare(ctx, msg), true
	case wire.OpValidate:
		return d.handleValidate(ctx, msg), true
	case wire.OpCommit:
		return d.handleCommit(ctx, msg), true
	case wire.OpAbort:
		return d.handleAbort(ctx, msg), true
	default:
		return wire.Message{Header: wire.Header{Status: wire.StatusCommitFailed}}, true
	}
}

func (d *Dispatcher) handleMalloc(msg wire.Message) wire.Message {
	addr, ok := d.heap.Alloc(int(msg.Size))
	status := wire.StatusSuccess
	if !ok {
		status = wire.StatusAllocError
	}
	return wire.Message{Header: wire.Header{Op: wire.OpFarmMallocReply, Status: status, Addr: uint64(addr)}}
}

func (d *Dispatcher) readReply(addr gaddr.GAddr) wire.Message {
	obj, ok := d.heap.Read(addr)
	if !ok {
		return wire.Message{Header: wire.Header{Op: wire.OpFarmReadReply, Status: wire.StatusReadError}}
	}
	return wire.Message{
		Header:  wire.Header{Op: wire.OpFarmReadReply, Status: wire.StatusSuccess},
		Payload: object.Encode(nil, obj),
	}
}

// handleRead defers a read that races a local write-set address instead
// of returning a possibly-mid-write value (spec.md §4.5): if addr is
// currently RLOCK'd, it parks a completion on the heap's wait list for
// that address and reports done=false so Run does not reply yet.
func (d *Dispatcher) handleRead(msg wire.Message, reply chan wire.Message) (wire.Message, bool) {
	addr := gaddr.GAddr(msg.Addr)
	if d.heap.Locked(addr) {
		d.heap.Park(addr, func() {
			reply <- d.readReply(addr)
		})
		return wire.Message{}, false
	}
	return d.readReply(addr), true
}

// handlePrepare processes one PREPARE chunk. msg.Size carries the
// announced total object count for this transaction's write set on this
// worker (msg.NObj is only this chunk's count, already consumed by
// decodePrepare); whether the whole phase is done is the coordinator's
// own concern; a reply is owed for every chunk regardless.
func (d *Dispatcher) handlePrepare(ctx context.Context, msg wire.Message) wire.Message {
	writes, err := decodePrepare(msg.Payload)
	if err != nil {
		return wire.Message{Header: wire.Header{Op: wire.OpPrepareReply, ID: msg.ID, Addr: msg.Addr, Status: wire.StatusPrepareFailed}}
	}
	coordWID := uint16(msg.Addr)
	announced := int(msg.Size)
	_, ok := d.participant.Prepare(ctx, coordWID, msg.ID, announced, writes)
	status := wire.StatusSuccess
	if !ok {
		status = wire.StatusPrepareFailed
	}
	return wire.Message{Header: wire.Header{Op: wire.OpPrepareReply, ID: msg.ID, Addr: msg.Addr, Status: status}}
}

// handleValidate is handlePrepare's VALIDATE counterpart.
func (d *Dispatcher) handleValidate(ctx context.Context, msg wire.Message) wire.Message {
	reads, err := decodeValidate(msg.Payload)
	if err != nil {
		return wire.Message{Header: wire.Header{Op: wire.OpValidateReply, ID: msg.ID, Addr: msg.Addr, Status: wire.StatusValidateFailed}}
	}
	coordWID := uint16(msg.Addr)
	announced := int(msg.Size)
	_, ok := d.participant.Validate(ctx, coordWID, msg.ID, announced, reads)
	status := wire.StatusSuccess
	if !ok {
		status = wire.StatusValidateFailed
	}
	return wire.Message{Header: wire.Header{Op: wire.OpValidateReply, ID: msg.ID, Addr: msg.Addr, Status: status}}
}

func (d *Dispatcher) handleCommit(ctx context.Context, msg wire.Message) wire.Message {
	coordWID := uint16(msg.Addr)
	status := wire.StatusSuccess
	if err := d.participant.Commit(ctx, coordWID, msg.ID); err != nil {
		status = wire.StatusCommitFailed
	}
	return wire.Message{Header: wire.Header{Op: wire.OpAcknowledge, ID: msg.ID, Addr: msg.Addr, Status: status}}
}

func (d *Dispatcher) handleAbort(ctx context.Context, msg wire.Message) wire.Message {
	coordWID := uint16(msg.Addr)
	_ = d.participant.Abort(ctx, coordWID, msg.ID)
	return wire.Message{Header: wire.Header{Op: wire.OpAcknowledge, ID: msg.ID, Addr: msg.Addr, Status: wire.StatusSuccess}}
}
