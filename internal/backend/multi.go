package backend

import (
	"errors"
	"io"
	"net"
)

// MultiDefaultNumber and MultiDefaultBlockSize are multi_tcp's defaults
// from spec.md 6 / original_source/src/backend/multi_tcp.py.
const (
	MultiDefaultNumber    = 5
	MultiDefaultBlockSize = 8192
	// MultiBufferSize is the per-socket high-water mark (spec.md 4.1,
	// default 4096).
	MultiBufferSize = 4096
)

// socketLane owns one of the N striped sockets: its own send queue and
// its own reader goroutine feeding raw chunks to the shared recv
// reassembler.
type socketLane struct {
	conn   net.Conn
	queue  *sendQueue
	readCh chan []byte
	errCh  chan error

	// pending holds bytes this lane has already delivered beyond the
	// block boundary it was read for, held until Recv next visits this
	// lane. It must stay on the lane it was read from: a lane's overflow
	// always belongs to that same lane's next block in the round-robin
	// sequence, never to whichever lane happens to be current next.
	pending []byte
}

func newLane(conn net.Conn) *socketLane {
	l := &socketLane{
		conn:   conn,
		queue:  newSendQueue(MultiBufferSize),
		readCh: make(chan []byte, 16),
		errCh:  make(chan error, 1),
	}
	go l.writeLoop()
	go l.readLoop()
	return l
}

func (l *socketLane) writeLoop() {
	for {
		data, ok := l.queue.pop()
		if !ok {
			return
		}
		if _, err := l.conn.Write(data); err != nil {
			return
		}
	}
}

func (l *socketLane) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			l.readCh <- cp
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				close(l.readCh)
				return
			}
			select {
			case l.errCh <- err:
			default:
			}
			close(l.readCh)
			return
		}
	}
}

// Multi stripes one logical stream across N TCP sockets in fixed-size
// blocks, defeating per-connection throughput shaping (spec.md 3, 4.1).
// Both peers must agree on N and blockSize.
type Multi struct {
	lanes     []*socketLane
	blockSize int

	// send-side fill cursor
	fillCursor int
	filled     int

	// recv-side reconstruction cursor
	recvCursor int
	recvRemain int
	closed     chan struct{}
	closeOnce  bool
}

// NewMulti wraps N already-connected sockets, ordered identically on
// both peers.
func NewMulti(conns []net.Conn, blockSize int) *Multi {
	m := &Multi{
		blockSize:  blockSize,
		recvRemain: blockSize,
		closed:     make(chan struct{}),
	}
	for _, c := range conns {
		m.lanes = append(m.lanes, newLane(c))
	}
	return m
}

// DialMulti connects N sockets to addr, the client side of
// original_source/src/backend/multi_tcp.py.
func DialMulti(addr string, number, blockSize int) (*Multi, error) {
	conns := make([]net.Conn, 0, number)
	for i := 0; i < number; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			for _, prev := range conns {
				prev.Close()
			}
			return nil, err
		}
		conns = append(conns, c)
	}
	return NewMulti(conns, blockSize), nil
}

func (m *Multi) Send(data []byte, urgent bool) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	for len(data) > 0 {
		need := m.blockSize - m.filled
		n := need
		if n > len(data) {
			n = len(data)
		}
		m.lanes[m.fillCursor].queue.push(data[:n])
		data = data[n:]
		m.filled += n
		if m.filled == m.blockSize {
			m.fillCursor = (m.fillCursor + 1) % len(m.lanes)
			m.filled = 0
		}
	}
	return nil
}

// Recv reconstructs the aggregate stream by dequeuing blockSize bytes
// from the current receive lane before advancing round-robin, per
// spec.md 4.1. It returns whatever prefix of the current block has
// arrived so far, which may be shorter than blockSize across multiple
// calls.
func (m *Multi) Recv() ([]byte, error) {
	lane := m.lanes[m.recvCursor]

	var chunk []byte
	if len(lane.pending) > 0 {
		chunk = lane.pending
		lane.pending = nil
	} else {
		var ok bool
		chunk, ok = <-lane.readCh
		if !ok {
			select {
			case err := <-lane.errCh:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
	}

	if len(chunk) > m.recvRemain {
		lane.pending = chunk[m.recvRemain:]
		chunk = chunk[:m.recvRemain]
	}

	m.recvRemain -= len(chunk)
	if m.recvRemain == 0 {
		m.recvCursor = (m.recvCursor + 1) % len(m.lanes)
		m.recvRemain = m.blockSize
	}
	return chunk, nil
}

func (m *Multi) Available() bool {
	for _, l := range m.lanes {
		if !l.queue.available() {
			return false
		}
	}
	return true
}

func (m *Multi) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}
	var firstErr error
	for _, l := range m.lanes {
		l.queue.close()
		if err := l.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Multi) Reset() error {
	for _, l := range m.lanes {
		if tcp, ok := l.conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
	}
	return m.Close()
}
