package txcoord

import (
	"encoding/binary"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/wire"
)

// maxChunkPayload bounds how many estimated wire bytes one PREPARE or
// VALIDATE chunk may carry, per spec.md §4.4 phase 1 step 1 ("serialize
// the write-set entries for p into one or more PREPARE messages, chunked
// to fit MAX_REQUEST_SIZE").
const maxChunkPayload = wire.MaxRequestSize

// prepareEntrySize over-estimates the wire cost of one PREPARE entry
// (varint(addr) || varint(size) || payload), using the worst-case varint
// width so chunking never under-counts.
func prepareEntrySize(obj *object.Object) int {
	return 2*binary.MaxVarintLen64 + len(obj.Payload)
}

// validateEntrySize over-estimates the wire cost of one VALIDATE entry
// (varint(addr) || u64(version)).
const validateEntrySize = binary.MaxVarintLen64 + 8

// chunkWrites splits writes into one or more chunks, each no larger than
// budget bytes of estimated wire payload, except that a single entry
// larger than budget still gets its own solo chunk (spec.md §6: transport
// MAX_REQUEST_SIZE must be "at least large enough for one object plus
// header", never zero objects). Returns nil for an empty write set.
func chunkWrites(writes map[gaddr.GAddr]*object.Object, budget int) []map[gaddr.GAddr]*object.Object {
	if len(writes) == 0 {
		return nil
	}
	var chunks []map[gaddr.GAddr]*object.Object
	cur := make(map[gaddr.GAddr]*object.Object)
	curSize := 0
	for addr, obj := range writes {
		entry := prepareEntrySize(obj)
		if len(cur) > 0 && curSize+entry > budget {
			chunks = append(chunks, cur)
			cur = make(map[gaddr.GAddr]*object.Object)
			curSize = 0
		}
		cur[addr] = obj
		curSize += entry
	}
	return append(chunks, cur)
}

// chunkReads is chunkWrites' VALIDATE-side counterpart.
func chunkReads(reads map[gaddr.GAddr]uint64, budget int) []map[gaddr.GAddr]uint64 {
	if len(reads) == 0 {
		return nil
	}
	var chunks []map[gaddr.GAddr]uint64
	cur := make(map[gaddr.GAddr]uint64)
	curSize := 0
	for addr, ver := range reads {
		if len(cur) > 0 && curSize+validateEntrySize > budget {
			chunks = append(chunks, cur)
			cur = make(map[gaddr.GAddr]uint64)
			curSize = 0
		}
		cur[addr] = ver
		curSize += validateEntrySize
	}
	return append(chunks, cur)
}
