package master

import (
	"context"
	"sync"
	"testing"

	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
)

func TestEncodeDecodeStatsRoundTrip(t *testing.T) {
	in := map[uint16]Stats{1: {Total: 100, Free: 40}, 2: {Total: 200, Free: 190}}
	out, err := DecodeStats(EncodeStats(in))
	if err != nil {
		t.Fatalf("DecodeStats: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(in))
	}
	for wid, s := range in {
		if out[wid] != s {
			t.Fatalf("out[%d] = %+v, want %+v", wid, out[wid], s)
		}
	}
}

func TestDecodeStatsEmpty(t *testing.T) {
	out, err := DecodeStats(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("DecodeStats(nil) = (%v, %v), want empty map", out, err)
	}
}

func TestUpdateBroadcastsAfterUnsyncedThreshold(t *testing.T) {
	lt := transport.NewLocal()
	m := New(3, lt)
	m.RegisterWorker(1)
	m.RegisterWorker(2)
	m.RegisterWorker(3)

	var mu sync.Mutex
	received := make(map[uint16]int)
	for _, wid := range []uint16{1, 2, 3} {
		wid := wid
		lt.Register(wid, func(ctx context.Context, msg wire.Message) wire.Message {
			if msg.Op == wire.OpBroadcastMemStats {
				mu.Lock()
				received[wid]++
				mu.Unlock()
			}
			return wire.Message{Header: wire.Header{Status: wire.StatusSuccess}}
		})
	}

	if m.Update(1, 1000, 900) {
		t.Fatal("should not broadcast before the unsynced threshold is reached")
	}
	if m.Update(2, 1000, 800) {
		t.Fatal("should not broadcast before the unsynced threshold is reached")
	}
	if !m.Update(3, 1000, 700) {
		t.Fatal("should broadcast once the unsynced threshold is reached")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, wid := range []uint16{1, 2, 3} {
		if received[wid] != 1 {
			t.Fatalf("worker %d received %d broadcasts, want 1", wid, received[wid])
		}
	}
}

func TestHandlerFetchMemStats(t *testing.T) {
	lt := transport.NewLocal()
	m := New(1, lt)
	m.Update(5, 100, 20)

	reply := m.Handler()(context.Background(), wire.Message{Header: wire.Header{Op: wire.OpFetchMemStats}})
	if reply.Status != wire.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", reply.Status)
	}
	stats, err := DecodeStats(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeStats: %v", err)
	}
	if stats[5] != (Stats{Total: 100, Free: 20}) {
		t.Fatalf("stats[5] = %+v, want {100 20}", stats[5])
	}
}

func TestHandlerUpdateMemStatsUsesNObjAsWID(t *testing.T) {
	lt := transport.NewLocal()
	m := New(1, lt)
	m.RegisterWorker(7)

	msg := wire.Message{Header: wire.Header{Op: wire.OpUpdateMemStats, Addr: 500, Size: 120, NObj: 7}}
	reply := m.Handler()(context.Background(), msg)
	if reply.Status != wire.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", reply.Status)
	}
	snap := m.Fetch()
	if snap[7] != (Stats{Total: 500, Free: 120}) {
		t.Fatalf("snap[7] = %+v, want {500 120}", snap[7])
	}
}
