package worker

import (
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/txcoord"
	"github.com/New-B/farm/pkg/txpart"
)

// Node bundles one worker's heap, participant state machine, request
// dispatcher and coordinator client into the unit cmd/worker and
// pkg/txnsim actually stand up per simulated or real process.
type Node struct {
	WID         uint16
	Heap        *Heap
	Participant *txpart.Participant
	Dispatcher  *Dispatcher
	Client      *Client
	Coordinator *txcoord.Coordinator
}

// NewNode wires together a fresh heap, participant, dispatcher and
// coordinator for worker wid, using t to reach every other worker.
func NewNode(wid uint16, heapSize uint64, factor float64, t transport.Transport) *Node {
	heap := NewHeap(wid, heapSize, factor)
	participant := txpart.New(heap)
	dispatcher := NewDispatcher(wid, heap, participant)
	client := NewClient(wid, t, participant, heap)
	coordinator := txcoord.New(wid, client)

	return &Node{
		WID:         wid,
		Heap:        heap,
		Participant: participant,
		Dispatcher:  dispatcher,
		Client:      client,
		Coordinator: coordinator,
	}
}

// Register binds this node's dispatcher as lt's handler for WID, and
// starts nothing else: callers still need to run Dispatcher.Run on their
// own goroutine.
func (n *Node) Register(lt *transport.LocalTransport) {
	lt.Register(n.WID, n.Dispatcher.Handler())
}
