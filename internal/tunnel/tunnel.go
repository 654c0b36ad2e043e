// Package tunnel implements the substream multiplexer described in
// spec.md 4.3: a SYN/DAT/FIN/RST state machine per connection ID, framed
// as 4-byte headers inside the record layer's data packets. Grounded in
// original_source/src/tunnel.py, extended with the RST flag and the
// part/close semantics spec.md layers on top of the original's
// syn/ack-only protocol.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/arrowhead-io/vtun/internal/idalloc"
	"github.com/arrowhead-io/vtun/internal/record"
)

// Version is the only tunnel header version this implementation speaks.
const Version = 1

// Control bit flags (spec.md 4.3).
const (
	CtrlSYN byte = 1
	CtrlDAT byte = 2
	CtrlFIN byte = 4
	CtrlRST byte = 8
)

const headerSize = 4 // Version:u8 | Control:u8 | ConnId:u16

// ErrUnsupportedVersion is returned when a decoded tunnel header names a
// version this implementation does not speak.
var ErrUnsupportedVersion = errors.New("tunnel: unsupported version")

// ErrNoIDAvailable surfaces idalloc exhaustion up through the tunnel
// (spec.md 7).
var ErrNoIDAvailable = idalloc.ErrExhausted

// State is a substream's position in the SYN/DAT/FIN/RST state machine
// (spec.md 4.3).
type State int

const (
	StateNew State = iota
	StateConnected
	StateClosing
	StateResetting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateResetting:
		return "resetting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type substream struct {
	state State
}

// Packet is one dispatched inbound tunnel packet, yielded by
// ReceivePackets' sink (spec.md 9's re-architecture of the Python
// generator into a sink callback).
type Packet struct {
	ConnID  uint16
	Control byte
	Data    []byte
}

// Tunnel multiplexes substreams over one Record session (spec.md 3).
type Tunnel struct {
	rec   *record.Record
	alloc *idalloc.Allocator

	mu    sync.Mutex
	conns map[uint16]*substream
}

// New wraps a Record layer with substream bookkeeping.
func New(rec *record.Record) *Tunnel {
	return &Tunnel{
		rec:   rec,
		alloc: idalloc.New(1, 65535),
		conns: make(map[uint16]*substream),
	}
}

// AvailableForWriting reports the backend backpressure signal the
// multiplexer polls before reading from substream sockets (spec.md 4.4).
func (t *Tunnel) AvailableForWriting() bool {
	return t.rec.BackendAvailable()
}

// NewConnection allocates a fresh connection ID in state "new". No wire
// traffic is produced until the first SendPacket call.
func (t *Tunnel) NewConnection() (uint16, error) {
	id, err := t.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.conns[id] = &substream{state: StateNew}
	t.mu.Unlock()
	return id, nil
}

func encodeHeader(control byte, id uint16) []byte {
	h := make([]byte, headerSize)
	h[0] = Version
	h[1] = control
	binary.BigEndian.PutUint16(h[2:4], id)
	return h
}

// SendPacket emits data for conn id, setting SYN on the first send of
// this substream's life (spec.md 4.3). Empty data with no prior SYN is a
// no-op; once SYN has been sent the substream is connected.
func (t *Tunnel) SendPacket(id uint16, data []byte) error {
	t.mu.Lock()
	sub, ok := t.conns[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tunnel: send on unknown conn %d", id)
	}
	if sub.state == StateNew && len(data) == 0 {
		t.mu.Unlock()
		return nil
	}
	control := CtrlDAT
	if sub.state == StateNew {
		control |= CtrlSYN
		sub.state = StateConnected
	}
	t.mu.Unlock()

	return t.rec.SendData(append(encodeHeader(control, id), data...))
}

// CloseConnection emits FIN for a connected substream and moves it to
// "closing", awaiting the peer's FIN reply before the ID is recycled
// (spec.md 4.3).
func (t *Tunnel) CloseConnection(id uint16) error {
	t.mu.Lock()
	sub, ok := t.conns[id]
	if !ok || sub.state != StateConnected {
		t.mu.Unlock()
		return nil
	}
	sub.state = StateClosing
	t.mu.Unlock()

	return t.rec.SendData(encodeHeader(CtrlFIN, id))
}

// ResetConnection emits RST for a connected substream and moves it to
// "resetting", awaiting the peer's RST reply before the ID is recycled.
func (t *Tunnel) ResetConnection(id uint16) error {
	t.mu.Lock()
	sub, ok := t.conns[id]
	if !ok || sub.state != StateConnected {
		t.mu.Unlock()
		return nil
	}
	sub.state = StateResetting
	t.mu.Unlock()

	return t.rec.SendData(encodeHeader(CtrlRST, id))
}

func decodeHeader(frame []byte) (control byte, id uint16, data []byte, err error) {
	if len(frame) < headerSize {
		return 0, 0, nil, fmt.Errorf("tunnel: short header (%d bytes)", len(frame))
	}
	if frame[0] != Version {
		return 0, 0, nil, ErrUnsupportedVersion
	}
	control = frame[1]
	id = binary.BigEndian.Uint16(frame[2:4])
	return control, id, frame[headerSize:], nil
}

// process applies the inbound state machine of spec.md 4.3 to one
// decoded tunnel frame, recycling the connection ID on terminal
// transitions and returning the packet to surface to the multiplexer,
// if any.
func (t *Tunnel) process(control byte, id uint16, data []byte) *Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, known := t.conns[id]
	if !known {
		sub = &substream{state: StateNew}
		t.conns[id] = sub
	}

	if control&CtrlRST != 0 {
		old := sub.state
		sub.state = StateClosed
		delete(t.conns, id)
		t.alloc.Free(id)
		if old == StateConnected {
			// The peer is unilaterally resetting a stream we still
			// think is live: echo RST so the peer's own "await RST
			// reply" wait completes (spec.md 4.3's round-trip
			// recycling rule), then surface for local teardown.
			_ = t.rec.SendData(encodeHeader(CtrlRST, id))
			return &Packet{ConnID: id, Control: CtrlRST}
		}
		// old == resetting: this is the reply to our own RST.
		return nil
	}

	if control&CtrlSYN != 0 {
		sub.state = StateConnected
	}

	if sub.state != StateConnected {
		control &^= CtrlDAT
	}
	if control&CtrlDAT == 0 {
		data = nil
	}

	if control&CtrlFIN != 0 {
		old := sub.state
		sub.state = StateClosed
		delete(t.conns, id)
		t.alloc.Free(id)
		if old != StateConnected {
			// old == closing: this is the reply to our own FIN.
			return nil
		}
		// The peer is unilaterally closing a stream we still think is
		// live: echo FIN so the peer's own wait completes, matching
		// spec.md 8 scenario 5 ("server's reply FIN causes client to
		// recycle id=1").
		_ = t.rec.SendData(encodeHeader(CtrlFIN, id))
		return &Packet{ConnID: id, Control: control, Data: data}
	}

	if control == 0 {
		return nil
	}
	return &Packet{ConnID: id, Control: control, Data: data}
}

// ReceivePackets drains whatever the record layer currently has
// buffered, invoking sink once per surfaced tunnel packet. It returns
// when the record layer has no more complete frames available, or an
// error from the record/backend layers (spec.md 7).
func (t *Tunnel) ReceivePackets(sink func(Packet)) error {
	var headerErr error
	recvErr := t.rec.Receive(func(frame []byte) {
		if headerErr != nil {
			return
		}
		control, id, data, err := decodeHeader(frame)
		if err != nil {
			headerErr = err
			return
		}
		if pkt := t.process(control, id, data); pkt != nil {
			sink(*pkt)
		}
	})
	if headerErr != nil {
		return headerErr
	}
	return recvErr
}

// Close sends a secure-close record frame. The tunnel does not own the
// backend's lifetime; the caller closes it after this returns.
func (t *Tunnel) Close() error {
	return t.rec.Close()
}
