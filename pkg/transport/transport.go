// Package transport implements the reliable, in-order, message-boundary
// preserving channel contract of spec.md §6, on top of pkg/wire framing.
// Two implementations are provided: LocalTransport, an in-memory router
// for single-process simulation and tests, and TCPTransport, a real
// net.Conn-backed client used by cmd/worker and cmd/master.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/New-B/farm/pkg/wire"
)

// Transport is what pkg/worker, pkg/master and pkg/kv need to reach
// another node: one framed request, one framed reply.
type Transport interface {
	Send(ctx context.Context, target uint16, msg wire.Message) (wire.Message, error)
}

// Handler answers one inbound message for a registered node.
type Handler func(ctx context.Context, msg wire.Message) wire.Message

// LocalTransport routes messages directly between in-process handlers,
// standing in for the network during tests and the single-process
// harness (pkg/txnsim). Modeled on the teacher's LocalTransport, which
// registers one node per id and supports injected latency and simulated
// partitions.
type LocalTransport struct {
	mu       sync.RWMutex
	nodes    map[uint16]Handler
	disabled map[uint16]map[uint16]bool
	latency  time.Duration
}

// NewLocal returns an empty LocalTransport.
func NewLocal() *LocalTransport {
	return &LocalTransport{
		nodes:    make(map[uint16]Handler),
		disabled: make(map[uint16]map[uint16]bool),
	}
}

// Register binds wid's inbound handler.
func (t *LocalTransport) Register(wid uint16, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[wid] = h
	if t.disabled[wid] == nil {
		t.disabled[wid] = make(map[uint16]bool)
	}
}

// SetLatency makes every Send sleep d before delivering, to exercise
// commit-protocol timeout handling.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Partition disconnects wid from every other registered node, in both
// directions.
func (t *LocalTransport) Partition(wid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id == wid {
			continue
		}
		t.disconnectLocked(wid, id)
		t.disconnectLocked(id, wid)
	}
}

func (t *LocalTransport) disconnectLocked(from, to uint16) {
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[uint16]bool)
	}
	t.disabled[from][to] = true
}

// Heal restores every connection to and from wid.
func (t *LocalTransport) Heal(wid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[wid] = make(map[uint16]bool)
	for id := range t.disabled {
		delete(t.disabled[id], wid)
	}
}

func (t *LocalTransport) connected(from, to uint16) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

// Send delivers msg to target's handler in-process.
func (t *LocalTransport) Send(ctx context.Context, target uint16, msg wire.Message) (wire.Message, error) {
	t.mu.RLock()
	h, ok := t.nodes[target]
	latency := t.latency
	t.mu.RUnlock()

	if !ok {
		return wire.Message{}, fmt.Errorf("transport: no node registered for wid %d", target)
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}

	return h(ctx, msg), nil
}

// SendFrom is the scatter "send from a registered buffer" variant called
// out in spec.md §6; semantically identical to Send, since LocalTransport
// never copies payload bytes across a real wire in the first place.
func (t *LocalTransport) SendFrom(ctx context.Context, target uint16, msg wire.Message) (wire.Message, error) {
	return t.Send(ctx, target, msg)
}

// From returns a Transport view bound to wid's identity, so Partition and
// Heal actually take effect for traffic this node originates. The plain
// LocalTransport.Send above has no sender to check against and always
// delivers; pkg/txnsim hands every simulated node the result of From(wid)
// rather than the bare LocalTransport, the same way a real worker's
// outbound connections are naturally its own.
func (t *LocalTransport) From(wid uint16) Transport {
	return &boundTransport{lt: t, self: wid}
}

type boundTransport struct {
	lt   *LocalTransport
	self uint16
}

func (b *boundTransport) Send(ctx context.Context, target uint16, msg wire.Message) (wire.Message, error) {
	b.lt.mu.RLock()
	h, registered := b.lt.nodes[target]
	reachable := b.lt.connected(b.self, target)
	latency := b.lt.latency
	b.lt.mu.RUnlock()

	if !registered {
		return wire.Message{}, fmt.Errorf("transport: no node registered for wid %d", target)
	}
	if !reachable {
		return wire.Message{}, fmt.Errorf("transport: %d is partitioned from %d", b.self, target)
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}

	return h(ctx, msg), nil
}
