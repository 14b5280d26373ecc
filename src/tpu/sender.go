// Package tpu forwards transactions to the current block producer's ingest
// port. Connections are pooled per target; the frame format is a type byte
// followed by a canonical-JSON encoded body.
package tpu

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const frameTransaction uint8 = 0x01

// we keep frames comfortably under this
const bufSize = 1 << 16

// ErrSenderShutdown is returned when Send is invoked after Close.
var ErrSenderShutdown = errors.New("tpu sender shutdown")

// TxFrame is the wire form of a forwarded transaction.
type TxFrame struct {
	Signature string
	Payload   []byte
}

type poolConn struct {
	target string
	sock   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Release closes the underlying connection.
func (c *poolConn) Release() error {
	return c.sock.Close()
}

// Sender maintains pooled connections to ingest ports and writes transaction
// frames to them. Sends are fire-and-forget; landing is confirmed through
// the rooted-signature stream, not through the socket.
type Sender struct {
	mu      sync.Mutex
	pool    map[string][]*poolConn
	maxPool int

	timeout time.Duration

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	logger *logrus.Entry
}

// NewSender creates a Sender. maxPool controls how many connections are
// pooled per target; timeout applies to dialing and writes.
func NewSender(maxPool int, timeout time.Duration, logger *logrus.Entry) *Sender {
	return &Sender{
		pool:       make(map[string][]*poolConn),
		maxPool:    maxPool,
		timeout:    timeout,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// Send forwards one transaction to target.
func (s *Sender) Send(target string, sig string, payload []byte) error {
	if s.isShutdown() {
		return ErrSenderShutdown
	}

	conn, err := s.getConn(target)
	if err != nil {
		return err
	}

	if s.timeout > 0 {
		conn.sock.SetWriteDeadline(time.Now().Add(s.timeout))
	}

	if err := s.writeFrame(conn, &TxFrame{Signature: sig, Payload: payload}); err != nil {
		conn.Release()
		return err
	}

	s.returnConn(conn)

	return nil
}

func (s *Sender) writeFrame(conn *poolConn, frame *TxFrame) error {
	if err := conn.w.WriteByte(frameTransaction); err != nil {
		return err
	}
	if err := conn.enc.Encode(frame); err != nil {
		return err
	}
	return conn.w.Flush()
}

// getPooledConn grabs a pooled connection, if any.
func (s *Sender) getPooledConn(target string) *poolConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.pool[target]
	if !ok || len(conns) == 0 {
		return nil
	}

	var conn *poolConn
	num := len(conns)
	conn, conns[num-1] = conns[num-1], nil
	s.pool[target] = conns[:num-1]
	return conn
}

// getConn returns a pooled connection or dials a new one.
func (s *Sender) getConn(target string) (*poolConn, error) {
	if conn := s.getPooledConn(target); conn != nil {
		return conn, nil
	}

	sock, err := net.DialTimeout("tcp", target, s.timeout)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriterSize(sock, bufSize)

	jh := new(codec.JsonHandle)
	jh.Canonical = true

	return &poolConn{
		target: target,
		sock:   sock,
		w:      w,
		enc:    codec.NewEncoder(w, jh),
	}, nil
}

// returnConn returns a connection back to the pool.
func (s *Sender) returnConn(conn *poolConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.pool[conn.target]

	if !s.isShutdown() && len(conns) < s.maxPool {
		s.pool[conn.target] = append(conns, conn)
	} else {
		conn.Release()
	}
}

func (s *Sender) isShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// Close releases every pooled connection. Subsequent sends fail with
// ErrSenderShutdown.
func (s *Sender) Close() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if !s.shutdown {
		s.shutdown = true
		close(s.shutdownCh)

		s.mu.Lock()
		for _, conns := range s.pool {
			for _, conn := range conns {
				conn.Release()
			}
		}
		s.pool = make(map[string][]*poolConn)
		s.mu.Unlock()
	}

	return nil
}
