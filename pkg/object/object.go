package object

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of the version word that precedes
// every object's varint size field and payload.
const HeaderSize = 8

// Freed marks an object whose backing storage has been (or is about to be)
// released: the next committed write either overwrites it, or the commit
// actually frees the allocator chunk.
const Freed int32 = -1

// Object is the in-memory, per-transaction view of a heap object: the
// fields a transaction context tracks for one address, independent of
// whether that address is local or owned by a remote worker. It mirrors
// `Object` in include/farm_txn.h, minus the shared_ptr aliasing (see
// SPEC_FULL.md, Design Notes) and the in-place buffer offset bookkeeping,
// which pkg/txn's arena handles instead.
type Object struct {
	Version uint64 // captured on first read; 0 for a pure write (not yet committed)
	Size    int32  // -1 means "free this address on commit"
	Payload []byte
}

// HasContent reports whether the object carries payload bytes worth
// serializing (a freed object does not).
func (o *Object) HasContent() bool {
	return o.Size != Freed
}

// TotalSize returns the number of bytes this object occupies on the wire
// or in backing storage: the version word, the varint-encoded size, and
// (unless freed) the payload.
func (o *Object) TotalSize() int {
	n := HeaderSize + binary.MaxVarintLen32
	if o.Size != Freed {
		n += len(o.Payload)
	}
	return n
}

// Encode appends o, serialized as version || varint(size) || payload, to
// dst and returns the extended slice; dst grows as append requires.
func Encode(dst []byte, o *Object) []byte {
	var verBuf [HeaderSize]byte
	binary.BigEndian.PutUint64(verBuf[:], o.Version)
	dst = append(dst, verBuf[:]...)

	var szBuf [binary.MaxVarintLen32]byte
	n := binary.PutVarint(szBuf[:], int64(o.Size))
	dst = append(dst, szBuf[:n]...)

	if o.Size != Freed {
		dst = append(dst, o.Payload...)
	}
	return dst
}

// Decode reads a version, varint size, and (unless freed) payload out of
// src, returning the materialized Object and the number of bytes consumed.
func Decode(src []byte) (*Object, int, error) {
	if len(src) < HeaderSize {
		return nil, 0, fmt.Errorf("object: short buffer, want at least %d bytes, have %d", HeaderSize, len(src))
	}
	version := binary.BigEndian.Uint64(src[:HeaderSize])
	sz64, n := binary.Varint(src[HeaderSize:])
	if n <= 0 {
		return nil, 0, fmt.Errorf("object: invalid varint size field")
	}
	size := int32(sz64)
	consumed := HeaderSize + n
	obj := &Object{Version: version, Size: size}
	if size != Freed {
		if len(src) < consumed+int(size) {
			return nil, 0, fmt.Errorf("object: short buffer for payload, want %d more bytes, have %d", size, len(src)-consumed)
		}
		obj.Payload = append([]byte(nil), src[consumed:consumed+int(size)]...)
		consumed += int(size)
	}
	return obj, consumed, nil
}
