package muxer

import (
	"bytes"
	"testing"

	"github.com/arrowhead-io/vtun/internal/tunnel"
)

type recordingPeer struct {
	sent          [][]byte
	closed, reset bool
}

func (p *recordingPeer) Send(data []byte) error { p.sent = append(p.sent, data); return nil }
func (p *recordingPeer) Recv() ([]byte, error)  { select {} }
func (p *recordingPeer) Close() error           { p.closed = true; return nil }
func (p *recordingPeer) Reset() error           { p.reset = true; return nil }

func TestDispatchPacketDataForwardsToPeer(t *testing.T) {
	reg := newRegistry()
	p := &recordingPeer{}
	reg.put(1, p)

	dispatchPacket(reg, nil, tunnel.Packet{ConnID: 1, Control: tunnel.CtrlSYN | tunnel.CtrlDAT, Data: []byte("hi")}, Default())

	if len(p.sent) != 1 || !bytes.Equal(p.sent[0], []byte("hi")) {
		t.Fatalf("peer received %v, want one chunk %q", p.sent, "hi")
	}
	if _, ok := reg.get(1); !ok {
		t.Fatalf("peer was removed from registry on a DAT packet")
	}
}

func TestDispatchPacketFINClosesAndRemoves(t *testing.T) {
	reg := newRegistry()
	p := &recordingPeer{}
	reg.put(1, p)

	dispatchPacket(reg, nil, tunnel.Packet{ConnID: 1, Control: tunnel.CtrlFIN}, Default())

	if !p.closed {
		t.Fatalf("peer was not closed on a FIN packet")
	}
	if _, ok := reg.get(1); ok {
		t.Fatalf("peer was not removed from registry on a FIN packet")
	}
}

func TestDispatchPacketRSTResetsAndRemoves(t *testing.T) {
	reg := newRegistry()
	p := &recordingPeer{}
	reg.put(1, p)

	dispatchPacket(reg, nil, tunnel.Packet{ConnID: 1, Control: tunnel.CtrlRST}, Default())

	if !p.reset {
		t.Fatalf("peer was not reset on an RST packet")
	}
	if _, ok := reg.get(1); ok {
		t.Fatalf("peer was not removed from registry on an RST packet")
	}
}

func TestDispatchPacketUnknownConnIDIsANoop(t *testing.T) {
	reg := newRegistry()
	// Should not panic when no peer is registered for the conn id.
	dispatchPacket(reg, nil, tunnel.Packet{ConnID: 42, Control: tunnel.CtrlDAT, Data: []byte("x")}, Default())
}
