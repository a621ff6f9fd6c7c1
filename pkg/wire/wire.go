// Package wire implements the on-the-wire message envelope described in
// spec.md §6: a fixed header followed by an op-dependent payload, carried
// over whatever transport.Transport the deployment is using. The header
// layout and op codes are part of the distributed protocol and MUST stay
// byte-for-byte stable across a running cluster.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Op identifies the kind of message carried by an envelope.
type Op uint16

// Op codes, grouped request-then-reply per spec.md §6. The original marks
// replies with `REPLY = 1 << 16`, which does not fit a uint16 op field;
// here reply ops instead start their own block at replyBase (1 << 8),
// which is what IsReply tests for.
const (
	OpFetchMemStats Op = iota + 1
	OpUpdateMemStats
	OpBroadcastMemStats
	OpPut
	OpGet
	OpFarmMalloc
	OpFarmRead
	OpPrepare
	OpValidate
	OpCommit
	OpAbort
)

const replyBase Op = 1 << 8

const (
	OpFarmMallocReply Op = replyBase + iota
	OpFarmReadReply
	OpValidateReply
	OpPrepareReply
	OpAcknowledge
	OpFetchMemStatsReply
	OpGetReply
	OpPutReply
)

func (o Op) String() string {
	switch o {
	case OpFetchMemStats:
		return "FETCH_MEM_STATS"
	case OpUpdateMemStats:
		return "UPDATE_MEM_STATS"
	case OpBroadcastMemStats:
		return "BROADCAST_MEM_STATS"
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	case OpFarmMalloc:
		return "FARM_MALLOC"
	case OpFarmRead:
		return "FARM_READ"
	case OpPrepare:
		return "PREPARE"
	case OpValidate:
		return "VALIDATE"
	case OpCommit:
		return "COMMIT"
	case OpAbort:
		return "ABORT"
	case OpFarmMallocReply:
		return "FARM_MALLOC_REPLY"
	case OpFarmReadReply:
		return "FARM_READ_REPLY"
	case OpValidateReply:
		return "VALIDATE_REPLY"
	case OpPrepareReply:
		return "PREPARE_REPLY"
	case OpAcknowledge:
		return "ACKNOWLEDGE"
	case OpFetchMemStatsReply:
		return "FETCH_MEM_STATS_REPLY"
	case OpGetReply:
		return "GET_REPLY"
	case OpPutReply:
		return "PUT_REPLY"
	default:
		return fmt.Sprintf("Op(%d)", uint16(o))
	}
}

// IsReply reports whether op belongs to the reply half of the op space.
func (o Op) IsReply() bool {
	return o >= replyBase
}

// Status is the 8-bit result code carried by every reply envelope.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusAllocError
	StatusReadError
	StatusWriteError
	StatusLockFailed
	StatusPrepareFailed
	StatusValidateFailed
	StatusCommitFailed
	StatusNotExist
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusAllocError:
		return "ALLOC_ERROR"
	case StatusReadError:
		return "READ_ERROR"
	case StatusWriteError:
		return "WRITE_ERROR"
	case StatusLockFailed:
		return "LOCK_FAILED"
	case StatusPrepareFailed:
		return "PREPARE_FAILED"
	case StatusValidateFailed:
		return "VALIDATE_FAILED"
	case StatusCommitFailed:
		return "COMMIT_FAILED"
	case StatusNotExist:
		return "NOT_EXIST"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Flag bits carried in the header's flags byte.
type Flag uint8

const (
	FlagAsync   Flag = 1 << 0
	FlagAligned Flag = 1 << 1
	FlagToServe Flag = 1 << 2
)

// Has reports whether bit is set in f.
func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// headerSize is the fixed, wire-stable size of Header in bytes:
// op(2) + id(4) + status(1) + flags(1) + addr(8) + size(4) + nobj(4).
const headerSize = 2 + 4 + 1 + 1 + 8 + 4 + 4

// MaxRequestSize bounds how many payload bytes a single PREPARE or VALIDATE
// message may carry (spec.md §6's transport contract: "implementation
// choice; at least large enough for one object plus header"). A
// write/read-set larger than this for one participant is split into
// several chunk messages by pkg/txcoord instead of being sent as one.
const MaxRequestSize = 4096

// Header is the fixed envelope preceding every message's payload. For
// PREPARE/VALIDATE, Size and NObj carry distinct chunking counters, since
// spec.md §6 only reserves one "phase-object count" field per message but
// §4.6 needs two: how many objects THIS chunk carries (NObj, as spec.md
// §6 literally defines it) and how many objects the whole transaction
// will eventually announce for this participant, so it knows when PREPARE
// or VALIDATE is complete (the "announced nobj" of §4.6, carried here in
// Size — otherwise unused by either op).
type Header struct {
	Op     Op
	ID     uint32 // transaction sequence id (coordinator-local), 0 if none
	Status Status
	Flags  Flag
	Addr   uint64 // context-dependent
	Size   uint32 // context-dependent; PREPARE/VALIDATE: announced total object count
	NObj   uint32 // phase-object count for PREPARE/VALIDATE chunks; this chunk's count
}

// Message is a decoded envelope plus its raw payload bytes.
type Message struct {
	Header
	Payload []byte
}

// Encode writes header and payload as a length-prefixed frame: a uint32
// total-length prefix, then the fixed header, then the payload. The length
// prefix lets transport.Transport preserve message boundaries over a byte
// stream (e.g. TCP) without needing its own framing.
func Encode(m Message) []byte {
	buf := make([]byte, 4+headerSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerSize+len(m.Payload)))
	putHeader(buf[4:4+headerSize], m.Header)
	copy(buf[4+headerSize:], m.Payload)
	return buf
}

func putHeader(b []byte, h Header) {
	binary.BigEndian.PutUint16(b[0:2], uint16(h.Op))
	binary.BigEndian.PutUint32(b[2:6], h.ID)
	b[6] = byte(h.Status)
	b[7] = byte(h.Flags)
	binary.BigEndian.PutUint64(b[8:16], h.Addr)
	binary.BigEndian.PutUint32(b[16:20], h.Size)
	binary.BigEndian.PutUint32(b[20:24], h.NObj)
}

func getHeader(b []byte) Header {
	return Header{
		Op:     Op(binary.BigEndian.Uint16(b[0:2])),
		ID:     binary.BigEndian.Uint32(b[2:6]),
		Status: Status(b[6]),
		Flags:  Flag(b[7]),
		Addr:   binary.BigEndian.Uint64(b[8:16]),
		Size:   binary.BigEndian.Uint32(b[16:20]),
		NObj:   binary.BigEndian.Uint32(b[20:24]),
	}
}

// DecodeFrame decodes a single length-prefixed frame previously produced by
// Encode, such as one read whole off an in-memory channel or a framed
// net.Conn reader.
func DecodeFrame(frame []byte) (Message, error) {
	if len(frame) < headerSize {
		return Message{}, fmt.Errorf("wire: frame too short: %d bytes", len(frame))
	}
	h := getHeader(frame[:headerSize])
	payload := make([]byte, len(frame)-headerSize)
	copy(payload, frame[headerSize:])
	return Message{Header: h, Payload: payload}, nil
}

// ReadFrame reads one length-prefixed frame (as produced by Encode) from r.
func ReadFrame(r *bytes.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return Message{}, err
	}
	return DecodeFrame(buf)
}

// PutVarint appends a varint-encoded value to dst, matching the
// `varint(addr)`/`varint(size)` fields used inside PREPARE/VALIDATE chunks.
func PutVarint(dst []byte, v int64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// PutUvarint appends an unsigned varint-encoded value to dst.
func PutUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}
