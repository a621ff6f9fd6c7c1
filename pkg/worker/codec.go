package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/New-B/farm/pkg/gaddr"
	"github.com/New-B/farm/pkg/object"
	"github.com/New-B/farm/pkg/wire"
)

// encodePrepare serializes a write set as a sequence of
// varint(addr) || varint(size) || payload triples, per spec.md §6's
// PREPARE payload shape. A write that frees its address (obj.Size ==
// object.Freed) carries no payload bytes: the size varint alone is -1,
// which is how decodePrepare tells a free from an ordinary zero-length
// write and preserves the sentinel across the wire instead of collapsing
// it to a zero-byte write.
func encodePrepare(writes map[gaddr.GAddr]*object.Object) []byte {
	var buf []byte
	for addr, obj := range writes {
		buf = wire.PutVarint(buf, int64(addr))
		if obj.Size == object.Freed {
			buf = wire.PutVarint(buf, int64(object.Freed))
			continue
		}
		buf = wire.PutVarint(buf, int64(len(obj.Payload)))
		buf = append(buf, obj.Payload...)
	}
	return buf
}

func decodePrepare(payload []byte) (map[gaddr.GAddr]*object.Object, error) {
	out := make(map[gaddr.GAddr]*object.Object)
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		addrV, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("worker: decode PREPARE addr: %w", err)
		}
		sizeV, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("worker: decode PREPARE size: %w", err)
		}
		if sizeV == int64(object.Freed) {
			out[gaddr.GAddr(addrV)] = &object.Object{Size: object.Freed}
			continue
		}
		p := make([]byte, sizeV)
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, fmt.Errorf("worker: decode PREPARE payload: %w", err)
		}
		out[gaddr.GAddr(addrV)] = &object.Object{Size: int32(sizeV), Payload: p}
	}
	return out, nil
}

// encodeValidate serializes a read set's captured versions as a sequence
// of varint(addr) || u64(version) pairs, per spec.md §6's VALIDATE
// payload shape.
func encodeValidate(reads map[gaddr.GAddr]uint64) []byte {
	var buf []byte
	for addr, ver := range reads {
		buf = wire.PutVarint(buf, int64(addr))
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], ver)
		buf = append(buf, v[:]...)
	}
	return buf
}

func decodeValidate(payload []byte) (map[gaddr.GAddr]uint64, error) {
	out := make(map[gaddr.GAddr]uint64)
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		addrV, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("worker: decode VALIDATE addr: %w", err)
		}
		var v [8]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return nil, fmt.Errorf("worker: decode VALIDATE version: %w", err)
		}
		out[gaddr.GAddr(addrV)] = binary.BigEndian.Uint64(v[:])
	}
	return out, nil
}
