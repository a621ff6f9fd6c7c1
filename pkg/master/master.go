// Package master implements the cluster-wide memory statistics
// aggregation described in spec.md §4.7 and §6: workers push
// UPDATE_MEM_STATS opportunistically once they have allocated or freed
// more than ghost_th bytes since their last push, the master batches
// unsynced_th such updates before sending every registered worker a
// cluster-wide BROADCAST_MEM_STATS, and FETCH_MEM_STATS answers an on-demand query
// with the same snapshot.
package master

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/New-B/farm/pkg/metrics"
	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
)

// Stats is one worker's last-reported heap occupancy.
type Stats struct {
	Total uint64
	Free  uint64
}

// Master aggregates Stats across the cluster and fans out
// BROADCAST_MEM_STATS once unsyncedTh updates have accumulated.
type Master struct {
	mu         sync.Mutex
	stats      map[uint16]Stats
	workers    []uint16
	unsynced   int
	unsyncedTh int

	transport transport.Transport
}

// New returns an empty Master that broadcasts after every unsyncedTh
// UPDATE_MEM_STATS calls, sending replies through t.
func New(unsyncedTh int, t transport.Transport) *Master {
	if unsyncedTh < 1 {
		unsyncedTh = 1
	}
	return &Master{
		stats:      make(map[uint16]Stats),
		unsyncedTh: unsyncedTh,
		transport:  t,
	}
}

// RegisterWorker adds wid to the broadcast list with zero stats.
func (m *Master) RegisterWorker(wid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stats[wid]; !ok {
		m.stats[wid] = Stats{}
		m.workers = append(m.workers, wid)
	}
}

// Update records wid's latest stats and broadcasts the cluster snapshot
// once unsyncedTh updates have accumulated since the last broadcast.
func (m *Master) Update(wid uint16, total, free uint64) bool {
	m.mu.Lock()
	m.stats[wid] = Stats{Total: total, Free: free}
	m.unsynced++
	shouldBroadcast := m.unsynced >= m.unsyncedTh
	if shouldBroadcast {
		m.unsynced = 0
	}
	snapshot := m.snapshotLocked()
	workers := append([]uint16(nil), m.workers...)
	m.mu.Unlock()

	if shouldBroadcast {
		m.broadcast(workers, snapshot)
	}
	return shouldBroadcast
}

// Fetch returns the current cluster-wide snapshot, for FETCH_MEM_STATS.
func (m *Master) Fetch() map[uint16]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Master) snapshotLocked() map[uint16]Stats {
	out := make(map[uint16]Stats, len(m.stats))
	for wid, s := range m.stats {
		out[wid] = s
	}
	return out
}

func (m *Master) broadcast(workers []uint16, snapshot map[uint16]Stats) {
	payload := EncodeStats(snapshot)
	for _, wid := range workers {
		_, _ = m.transport.Send(context.Background(), wid, wire.Message{
			Header:  wire.Header{Op: wire.OpBroadcastMemStats, Status: wire.StatusSuccess},
			Payload: payload,
		})
	}
	metrics.MemStatsBroadcastsTotal.Inc()
}

// Handler answers FETCH_MEM_STATS and UPDATE_MEM_STATS requests. A
// sending worker's id rides in the NObj header field for UPDATE_MEM_STATS
// (that field is otherwise only meaningful for PREPARE/VALIDATE chunks),
// with Addr/Size carrying total/free as spec.md §6 specifies.
func (m *Master) Handler() transport.Handler {
	return func(ctx context.Context, msg wire.Message) wire.Message {
		switch msg.Op {
		case wire.OpFetchMemStats:
			return wire.Message{
				Header:  wire.Header{Op: wire.OpFetchMemStatsReply, Status: wire.StatusSuccess},
				Payload: EncodeStats(m.Fetch()),
			}
		case wire.OpUpdateMemStats:
			wid := uint16(msg.NObj)
			m.Update(wid, msg.Addr, uint64(msg.Size))
			return wire.Message{Header: wire.Header{Status: wire.StatusSuccess}}
		default:
			return wire.Message{Header: wire.Header{Status: wire.StatusCommitFailed}}
		}
	}
}

// EncodeStats serializes a stats snapshot as one "wid:total:free" entry
// per line, entries separated by "\n", per spec.md §9's resolution of the
// stats wire format (an Open Question in spec.md §9): newline-separated
// entries are unambiguous, unlike colon-terminated triples, which cannot
// be told apart from a trailing empty field. Used by both
// FETCH_MEM_STATS_REPLY and BROADCAST_MEM_STATS.
func EncodeStats(stats map[uint16]Stats) []byte {
	var buf bytes.Buffer
	for wid, s := range stats {
		fmt.Fprintf(&buf, "%d:%d:%d\n", wid, s.Total, s.Free)
	}
	return buf.Bytes()
}

// DecodeStats parses the newline-separated entries produced by
// EncodeStats.
func DecodeStats(payload []byte) (map[uint16]Stats, error) {
	out := make(map[uint16]Stats)
	trimmed := strings.Trim(string(payload), "\n")
	if trimmed == "" {
		return out, nil
	}
	for _, line := range strings.Split(trimmed, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("master: malformed stats line: %q", line)
		}
		wid, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("master: parsing wid: %w", err)
		}
		total, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("master: parsing total: %w", err)
		}
		free, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("master: parsing free: %w", err)
		}
		out[uint16(wid)] = Stats{Total: total, Free: free}
	}
	return out, nil
}
