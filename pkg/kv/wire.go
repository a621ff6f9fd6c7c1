package kv

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
)

// putRequest is what PUT's payload carries alongside the key, which
// travels in Header.Addr per spec.md §6's "key:u64, then bytes".
type putRequest struct {
	clientID  string
	requestID uint64
	value     []byte
}

func encodePut(req putRequest) []byte {
	buf := make([]byte, 0, 8+2+len(req.clientID)+len(req.value))
	var reqID [8]byte
	binary.BigEndian.PutUint64(reqID[:], req.requestID)
	buf = append(buf, reqID[:]...)
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(req.clientID)))
	buf = append(buf, idLen[:]...)
	buf = append(buf, req.clientID...)
	buf = append(buf, req.value...)
	return buf
}

func decodePut(payload []byte) (putRequest, error) {
	if len(payload) < 10 {
		return putRequest{}, fmt.Errorf("kv: PUT payload too short: %d bytes", len(payload))
	}
	requestID := binary.BigEndian.Uint64(payload[0:8])
	idLen := int(binary.BigEndian.Uint16(payload[8:10]))
	if len(payload) < 10+idLen {
		return putRequest{}, fmt.Errorf("kv: PUT payload truncated client id")
	}
	clientID := string(payload[10 : 10+idLen])
	value := append([]byte(nil), payload[10+idLen:]...)
	return putRequest{clientID: clientID, requestID: requestID, value: value}, nil
}

// Handler answers PUT and GET against store, for registration on a
// worker's or the master's transport.Handler.
func Handler(store *Store) transport.Handler {
	return func(_ context.Context, msg wire.Message) wire.Message {
		switch msg.Op {
		case wire.OpPut:
			req, err := decodePut(msg.Payload)
			if err != nil {
				return wire.Message{Header: wire.Header{Op: wire.OpPutReply, Status: wire.StatusWriteError}}
			}
			resp := store.Put(req.clientID, req.requestID, msg.Addr, req.value)
			return wire.Message{Header: wire.Header{Op: wire.OpPutReply, Status: wire.StatusSuccess}, Payload: resp}
		case wire.OpGet:
			v, ok := store.Get(msg.Addr)
			if !ok {
				return wire.Message{Header: wire.Header{Op: wire.OpGetReply, Status: wire.StatusNotExist}}
			}
			return wire.Message{Header: wire.Header{Op: wire.OpGetReply, Status: wire.StatusSuccess}, Payload: v}
		default:
			return wire.Message{Header: wire.Header{Status: wire.StatusCommitFailed}}
		}
	}
}
