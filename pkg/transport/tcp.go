package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/New-B/farm/pkg/wire"
)

// TCPTransport is a connection-pooled client that frames every request
// with pkg/wire and reads back exactly one reply frame per request,
// matching the teacher's pool-of-net.Conn Client but swapping gob framing
// for the wire package's length-prefixed header+payload encoding.
type TCPTransport struct {
	mu      sync.Mutex
	conns   map[uint16]net.Conn
	addrs   map[uint16]string
	timeout time.Duration
}

// NewTCP returns a TCPTransport that dials addrs (wid -> "host:port") on
// demand, with the given dial and round-trip timeout.
func NewTCP(addrs map[uint16]string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		conns:   make(map[uint16]net.Conn),
		addrs:   addrs,
		timeout: timeout,
	}
}

func (t *TCPTransport) getConn(target uint16) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}
	addr, ok := t.addrs[target]
	if !ok {
		return nil, fmt.Errorf("transport: no address registered for wid %d", target)
	}
	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *TCPTransport) removeConn(target uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		conn.Close()
		delete(t.conns, target)
	}
}

// Send writes one length-prefixed frame to target and blocks for the
// reply frame, honoring ctx's deadline if any is set.
func (t *TCPTransport) Send(ctx context.Context, target uint16, msg wire.Message) (wire.Message, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return wire.Message{}, err
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else if t.timeout > 0 {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}

	if _, err := conn.Write(wire.Encode(msg)); err != nil {
		t.removeConn(target)
		return wire.Message{}, fmt.Errorf("transport: write to wid %d: %w", target, err)
	}

	reply, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		t.removeConn(target)
		return wire.Message{}, fmt.Errorf("transport: read from wid %d: %w", target, err)
	}
	return reply, nil
}

// Close closes every pooled connection.
func (t *TCPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for target, conn := range t.conns {
		conn.Close()
		delete(t.conns, target)
	}
}

// readFrame reads one length-prefixed wire frame from r.
func readFrame(r io.Reader) (wire.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wire.Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return wire.Message{}, err
	}
	return wire.DecodeFrame(body)
}

// Server accepts TCP connections and answers every frame with handler,
// looping per-connection until the peer closes it or a frame is
// malformed.
type Server struct {
	ln      net.Listener
	handler Handler
}

// Listen starts a Server bound to addr.
func Listen(addr string, handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, handler: handler}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks accepting connections until Close is called.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			return
		}
		reply := s.handler(ctx, msg)
		if _, err := conn.Write(wire.Encode(reply)); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
