package backend

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// streamConn is a bare net.Conn whose Read returns whatever bytes are
// currently buffered, regardless of how many separate Write calls put
// them there — unlike net.Pipe, which hands back exactly one chunk per
// Write. Real TCP sockets behave this way (the kernel coalesces writes
// into arbitrary-sized reads), which is what makes Multi.Recv's
// per-lane straddle handling (moving leftover bytes back onto the
// lane they arrived on, not a shared field) observable in a test.
type streamConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newStreamConn() *streamConn {
	c := &streamConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *streamConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.buf = append(c.buf, p...)
	c.cond.Signal()
	c.mu.Unlock()
	return len(p), nil
}

func (c *streamConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *streamConn) LocalAddr() net.Addr              { return streamAddr{} }
func (c *streamConn) RemoteAddr() net.Addr             { return streamAddr{} }
func (c *streamConn) SetDeadline(time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(time.Time) error { return nil }

type streamAddr struct{}

func (streamAddr) Network() string { return "stream" }
func (streamAddr) String() string  { return "stream" }

func pipePairs(n int) (client, server []net.Conn) {
	for i := 0; i < n; i++ {
		c, s := net.Pipe()
		client = append(client, c)
		server = append(server, s)
	}
	return
}

func TestMultiStripeRoundTrip(t *testing.T) {
	const lanes = 3
	const blockSize = 8

	clientConns, serverConns := pipePairs(lanes)
	mc := NewMulti(clientConns, blockSize)
	ms := NewMulti(serverConns, blockSize)
	defer mc.Close()
	defer ms.Close()

	payload := []byte("the quick brown fox jumps over the lazy dog 0123456789")
	done := make(chan error, 1)
	go func() { done <- mc.Send(payload, false) }()

	var got []byte
	for len(got) < len(payload) {
		chunk, err := ms.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, chunk...)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled stripe = %q, want %q", got, payload)
	}
}

func TestMultiRoundRobinsAcrossLanes(t *testing.T) {
	const lanes = 2
	const blockSize = 4

	clientConns, serverConns := pipePairs(lanes)
	mc := NewMulti(clientConns, blockSize)
	defer mc.Close()
	defer func() {
		for _, c := range serverConns {
			c.Close()
		}
	}()

	payload := bytes.Repeat([]byte{0}, blockSize*2+1)
	go mc.Send(payload, false)

	// Block 0 goes to lane 0, block 1 to lane 1, and the trailing byte
	// wraps back to lane 0.
	buf := make([]byte, blockSize)
	if _, err := io.ReadFull(serverConns[0], buf); err != nil {
		t.Fatalf("reading lane 0: %v", err)
	}
	if _, err := io.ReadFull(serverConns[1], buf); err != nil {
		t.Fatalf("reading lane 1: %v", err)
	}
	if _, err := io.ReadFull(serverConns[0], buf[:1]); err != nil {
		t.Fatalf("reading lane 0 wrap-around byte: %v", err)
	}
}

// TestMultiRecvSurvivesStraddledReads exercises spec.md 8 scenario 6: a
// single lane read returns more bytes than remain in the current block.
// net.Pipe can never produce this (one Read per Write), so the bug
// fixed here - leftover bytes landing on the wrong lane once the
// recv cursor advances - was invisible to the existing round-trip
// tests. streamConn hands back everything buffered in one Read, so
// writing a whole lane's share in a single call forces exactly that.
func TestMultiRecvSurvivesStraddledReads(t *testing.T) {
	const lanes = 3
	const blockSize = 16

	conns := make([]*streamConn, lanes)
	netConns := make([]net.Conn, lanes)
	for i := range conns {
		conns[i] = newStreamConn()
		netConns[i] = conns[i]
	}
	ms := NewMulti(netConns, blockSize)
	defer ms.Close()

	// Three blocks per lane, interleaved lane0,lane1,lane2,lane0,...
	payload := make([]byte, blockSize*lanes*3)
	for i := range payload {
		payload[i] = byte(i)
	}

	for lane := 0; lane < lanes; lane++ {
		var share []byte
		for block := lane; block*blockSize < len(payload); block += lanes {
			share = append(share, payload[block*blockSize:(block+1)*blockSize]...)
		}
		// One Write call per lane: streamConn.Read will return all of it
		// (three blocks' worth) the first time this lane is read, forcing
		// the straddle path on every subsequent visit to this lane.
		if _, err := conns[lane].Write(share); err != nil {
			t.Fatalf("priming lane %d: %v", lane, err)
		}
	}

	var got []byte
	for len(got) < len(payload) {
		chunk, err := ms.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled stripe across straddled reads = %v, want %v", got, payload)
	}
}
