package muxer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/arrowhead-io/vtun/internal/metrics"
	"github.com/arrowhead-io/vtun/internal/tunnel"
)

// backpressurePoll is how often a substream's read pump rechecks the
// tunnel's AvailableForWriting signal while it is false. spec.md 4.4
// forbids reading from substream sockets during backpressure; since
// Go's net.Conn has no portable "is this fd in the read-set" query, the
// poll interval stands in for re-entering the readiness wait.
const backpressurePoll = 5 * time.Millisecond

// pumpPeer reads from p (a local client socket or a server frontend)
// and forwards each chunk into the tunnel as a DAT packet for connID,
// honoring backpressure (spec.md 4.4) and mapping local socket failure
// onto FIN or RST (spec.md 7: orderly EOF becomes FIN, any other read
// error, ECONNRESET included, becomes RST).
func pumpPeer(ctx context.Context, tun *tunnel.Tunnel, connID uint16, p peer, log Logger) {
	for {
		for !tun.AvailableForWriting() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backpressurePoll):
			}
		}

		data, err := p.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if err := tun.CloseConnection(connID); err != nil {
					log.errorf("closing conn %d: %v", connID, err)
				}
			} else {
				log.verbosef("conn %d read error, resetting: %v", connID, err)
				if err := tun.ResetConnection(connID); err != nil {
					log.errorf("resetting conn %d: %v", connID, err)
				}
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := tun.SendPacket(connID, data); err != nil {
			log.errorf("sending conn %d: %v", connID, err)
			return
		}
	}
}

// dispatchPacket applies one inbound tunnel.Packet to the registry,
// writing DAT data to the matching peer and tearing it down on FIN/RST,
// per spec.md 4.4 step 4's "dispatch each (id, control, data)".
func dispatchPacket(reg *registry, mx *metrics.Collector, pkt tunnel.Packet, log Logger) {
	if pkt.Control&tunnel.CtrlRST != 0 {
		if p, ok := reg.remove(pkt.ConnID); ok {
			_ = p.Reset()
		}
		if mx != nil {
			mx.SubstreamsReset.Inc()
		}
		return
	}

	if p, ok := reg.get(pkt.ConnID); ok && len(pkt.Data) > 0 {
		if err := p.Send(pkt.Data); err != nil {
			log.verbosef("forwarding to conn %d: %v", pkt.ConnID, err)
		}
	}

	if pkt.Control&tunnel.CtrlFIN != 0 {
		if p, ok := reg.remove(pkt.ConnID); ok {
			_ = p.Close()
		}
		if mx != nil {
			mx.SubstreamsClosed.Inc()
		}
	}
}
