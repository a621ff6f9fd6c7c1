package transport

import (
	"context"
	"testing"
	"time"

	"github.com/New-B/farm/pkg/wire"
)

func echoHandler(ctx context.Context, msg wire.Message) wire.Message {
	msg.Status = wire.StatusSuccess
	return msg
}

func TestLocalTransportRoundTrip(t *testing.T) {
	lt := NewLocal()
	lt.Register(1, echoHandler)

	req := wire.Message{Header: wire.Header{Op: wire.OpFarmMalloc, Addr: 42}}
	reply, err := lt.Send(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Addr != 42 || reply.Status != wire.StatusSuccess {
		t.Fatalf("reply = %+v, want echoed addr with SUCCESS", reply)
	}
}

func TestLocalTransportUnknownTarget(t *testing.T) {
	lt := NewLocal()
	_, err := lt.Send(context.Background(), 5, wire.Message{})
	if err == nil {
		t.Fatal("Send to an unregistered wid should fail")
	}
}

func TestLocalTransportPartitionAndHeal(t *testing.T) {
	lt := NewLocal()
	lt.Register(1, echoHandler)
	lt.Register(2, echoHandler)
	from2 := lt.From(2)

	lt.Partition(1)
	if _, err := from2.Send(context.Background(), 1, wire.Message{}); err == nil {
		t.Fatal("Send to a partitioned node should fail")
	}

	lt.Heal(1)
	if _, err := from2.Send(context.Background(), 1, wire.Message{}); err != nil {
		t.Fatalf("Send after Heal should succeed, got %v", err)
	}
}

func TestLocalTransportFromBlocksBothDirections(t *testing.T) {
	lt := NewLocal()
	lt.Register(1, echoHandler)
	lt.Register(2, echoHandler)
	from1 := lt.From(1)
	from2 := lt.From(2)

	lt.Partition(2)
	if _, err := from1.Send(context.Background(), 2, wire.Message{}); err == nil {
		t.Fatal("node 1 sending to partitioned node 2 should fail")
	}
	if _, err := from2.Send(context.Background(), 1, wire.Message{}); err == nil {
		t.Fatal("partitioned node 2 sending to node 1 should fail")
	}

	lt.Heal(2)
	if _, err := from1.Send(context.Background(), 2, wire.Message{}); err != nil {
		t.Fatalf("Send after Heal should succeed, got %v", err)
	}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", echoHandler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	go srv.Serve(context.Background())

	addrs := map[uint16]string{7: srv.Addr().String()}
	client := NewTCP(addrs, 2*time.Second)
	defer client.Close()

	req := wire.Message{Header: wire.Header{Op: wire.OpFarmRead, Addr: 99}, Payload: []byte("ping")}
	reply, err := client.Send(context.Background(), 7, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Addr != 99 || string(reply.Payload) != "ping" {
		t.Fatalf("reply = %+v, want echoed request", reply)
	}
}
