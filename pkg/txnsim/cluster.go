// Package txnsim is an in-process multi-node harness for the scenarios
// spec.md §8 names end to end: a write that must reach a remote owner, a
// conflicting pair of concurrent transactions, a read validated against
// a stale version, and cluster-wide memory stats convergence through a
// master. It plays the same role the teacher's pkg/testing cluster plays
// for its raft.Node network, wired here over worker.Node instead, and
// reuses pkg/transport.LocalTransport's fault injection (itself grounded
// on the teacher's pkg/simulation network) for partition scenarios.
package txnsim

import (
	"context"
	"fmt"
	"time"

	"github.com/New-B/farm/pkg/client"
	"github.com/New-B/farm/pkg/master"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/worker"
)

// Cluster bundles a set of simulated workers and an optional master, all
// sharing one LocalTransport router.
type Cluster struct {
	lt     *transport.LocalTransport
	nodes  map[uint16]*worker.Node
	master *master.Master

	cancel context.CancelFunc
}

// NewCluster builds heapSize/factor-sized workers for every id in wids,
// registers each with its own From(wid)-bound transport view so
// Partition/Heal have a sender to check, and starts each node's service
// task goroutine.
func NewCluster(wids []uint16, heapSize uint64, factor float64) *Cluster {
	lt := transport.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cluster{
		lt:     lt,
		nodes:  make(map[uint16]*worker.Node, len(wids)),
		cancel: cancel,
	}

	for _, wid := range wids {
		node := worker.NewNode(wid, heapSize, factor, lt.From(wid))
		node.Register(lt)
		c.nodes[wid] = node
		go node.Dispatcher.Run(ctx)
	}

	return c
}

// WithMaster adds a stats-aggregating master to the cluster, registering
// every already-added worker and broadcasting through this same router.
func (c *Cluster) WithMaster(unsyncedTh int) *Cluster {
	const masterWID = 0
	m := master.New(unsyncedTh, c.lt.From(masterWID))
	for wid := range c.nodes {
		m.RegisterWorker(wid)
	}
	c.lt.Register(masterWID, m.Handler())
	c.master = m
	return c
}

// Master returns the cluster's master, or nil if WithMaster was never
// called.
func (c *Cluster) Master() *master.Master {
	return c.master
}

// Client returns a fresh application façade bound to wid's node, panicking
// if wid was never added to the cluster (a harness bug, not a runtime
// condition a caller should handle).
func (c *Cluster) Client(wid uint16) *client.GAlloc {
	node, ok := c.nodes[wid]
	if !ok {
		panic(fmt.Sprintf("txnsim: no node registered for wid %d", wid))
	}
	return client.New(node)
}

// Node exposes the raw worker.Node for assertions a test needs that the
// client façade doesn't expose (heap occupancy, ghost bytes, and so on).
func (c *Cluster) Node(wid uint16) *worker.Node {
	return c.nodes[wid]
}

// Partition isolates wid from the rest of the cluster in both directions.
func (c *Cluster) Partition(wid uint16) {
	c.lt.Partition(wid)
}

// Heal restores every connection to and from wid.
func (c *Cluster) Heal(wid uint16) {
	c.lt.Heal(wid)
}

// SetLatency makes every Send sleep d before delivering.
func (c *Cluster) SetLatency(d time.Duration) {
	c.lt.SetLatency(d)
}

// Close stops every node's service task goroutine.
func (c *Cluster) Close() {
	c.cancel()
}
