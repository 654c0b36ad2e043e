// Package connio implements the Connection wrapper of spec.md 4.5: a
// socket plus an outgoing byte queue, with graceful and hard-reset
// close paths. It is used both for locally accepted client sockets
// (client side) and for frontend-dialed sockets (server side, see
// internal/frontend).
package connio

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket wraps a net.Conn with a send queue and the closed/reset latch
// of spec.md 4.5.
type Socket struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
	reset  bool

	sendCh chan []byte
	recvCh chan []byte
	errCh  chan error
	done   chan struct{}
}

// New wraps conn and starts its read/write pumps.
func New(conn net.Conn) *Socket {
	s := &Socket{
		conn:   conn,
		sendCh: make(chan []byte, 64),
		recvCh: make(chan []byte, 64),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *Socket) writeLoop() {
	// sendCh is never closed: Send and Close/Reset can run concurrently,
	// and closing a channel a sender may still write to panics. done is
	// the only shutdown signal; draining stops as soon as it fires.
	for {
		select {
		case data := <-s.sendCh:
			if _, err := s.conn.Write(data); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Socket) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case s.recvCh <- cp:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case s.errCh <- err:
				default:
				}
			}
			close(s.recvCh)
			return
		}
	}
}

// Send enqueues data for writing. It is a no-op once the socket has been
// closed or reset.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	if s.closed || s.reset {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return nil
	}
}

// Recv returns the next chunk of bytes, or io.EOF on orderly close, or
// the underlying read error (e.g. ECONNRESET, see IsConnReset).
func (s *Socket) Recv() ([]byte, error) {
	data, ok := <-s.recvCh
	if !ok {
		select {
		case err := <-s.errCh:
			return nil, err
		default:
			return nil, io.EOF
		}
	}
	return data, nil
}

// Close performs an orderly shutdown: it stops accepting new sends but
// lets queued output drain before the socket closes.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed || s.reset {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.conn.Close()
}

// Reset forces SO_LINGER{onoff:1, linger:0} so the peer observes a TCP
// RST rather than an orderly FIN (spec.md 4.5).
func (s *Socket) Reset() error {
	s.mu.Lock()
	if s.closed || s.reset {
		s.mu.Unlock()
		return nil
	}
	s.reset = true
	s.mu.Unlock()
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	close(s.done)
	return s.conn.Close()
}

// IsConnReset reports whether err is ECONNRESET, i.e. an abrupt peer
// reset rather than an orderly close.
func IsConnReset(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == unix.ECONNRESET
	}
	return false
}
