package kv

import (
	"context"
	"fmt"

	"github.com/New-B/farm/pkg/transport"
	"github.com/New-B/farm/pkg/wire"
)

// Client issues PUT/GET against a chosen node's Store over a
// transport.Transport, mirroring original_source/include/gallocator.h's
// KVPut(key, value, node_id)/KVGet(key, value, node_id) — the target node
// is an explicit argument, not implied by the key.
type Client struct {
	self      string
	transport transport.Transport
	seq       uint64
}

// NewClient returns a Client identifying itself as clientID (see
// NewClientID) when issuing PUT requests.
func NewClient(clientID string, t transport.Transport) *Client {
	return &Client{self: clientID, transport: t}
}

// Put stores value under key on the node identified by target.
func (c *Client) Put(ctx context.Context, target uint16, key uint64, value []byte) ([]byte, error) {
	c.seq++
	payload := encodePut(putRequest{clientID: c.self, requestID: c.seq, value: value})
	reply, err := c.transport.Send(ctx, target, wire.Message{
		Header:  wire.Header{Op: wire.OpPut, Addr: key},
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if reply.Status != wire.StatusSuccess {
		return nil, fmt.Errorf("kv: PUT failed: %s", reply.Status)
	}
	return reply.Payload, nil
}

// Get retrieves the value stored under key on the node identified by
// target. ok is false if the key is not present there.
func (c *Client) Get(ctx context.Context, target uint16, key uint64) (value []byte, ok bool, err error) {
	reply, err := c.transport.Send(ctx, target, wire.Message{Header: wire.Header{Op: wire.OpGet, Addr: key}})
	if err != nil {
		return nil, false, err
	}
	if reply.Status == wire.StatusNotExist {
		return nil, false, nil
	}
	if reply.Status != wire.StatusSuccess {
		return nil, false, fmt.Errorf("kv: GET failed: %s", reply.Status)
	}
	return reply.Payload, true, nil
}
