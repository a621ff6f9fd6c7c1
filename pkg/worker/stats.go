package worker

import (
	"context"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
)

// PushStatsIfNeeded sends UPDATE_MEM_STATS to the master once n's heap
// has accumulated more than ghostTh bytes of allocate/free churn since its
// last push (spec.md §6's ghost_th threshold), resetting the counter on a
// successful push. It returns whether a push was sent successfully.
func PushStatsIfNeeded(ctx context.Context, n *Node, t transport.Transport, ghostTh uint64) bool {
	if n.Heap.GhostBytes() <= ghostTh {
		return false
	}
	msg := wire.Message{
		Header: wire.Header{
			Op:   wire.OpUpdateMemStats,
			Addr: n.Heap.HeapSize(),
			Size: uint32(n.Heap.GetAvail()),
			NObj: uint32(n.WID),
		},
	}
	if _, err := t.Send(ctx, gaddr.MasterWID, msg); err != nil {
		return false
	}
	n.Heap.ResetGhost()
	return true
}
