package muxer

import (
	"context"
	"time"

	"github.com/arrowhead-io/vtun/internal/backend"
	"github.com/arrowhead-io/vtun/internal/frontend"
	"github.com/arrowhead-io/vtun/internal/metrics"
	"github.com/arrowhead-io/vtun/internal/record"
	"github.com/arrowhead-io/vtun/internal/sniff"
	"github.com/arrowhead-io/vtun/internal/tunnel"
)

// Server is the server-side multiplexer of spec.md 4.4: substreams are
// created lazily on SYN receipt (the "server: defer until SYN" half of
// step 4), each backed by one Frontend built from a factory.
type Server struct {
	be      backend.Backend
	tun     *tunnel.Tunnel
	factory frontend.Factory
	reg     *registry
	log     Logger
	metrics *metrics.Collector
	dumper  *sniff.Dumper
}

// NewServer builds a server multiplexer tunneling through be under
// presharedKey, dialing factory for every substream's first SYN.
func NewServer(be backend.Backend, presharedKey string, factory frontend.Factory, log Logger, mx *metrics.Collector, dumper *sniff.Dumper) (*Server, error) {
	rec, err := record.New(instrumentBackend(be, mx), presharedKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		be:      be,
		tun:     tunnel.New(rec),
		factory: factory,
		reg:     newRegistry(),
		log:     log,
		metrics: mx,
		dumper:  dumper,
	}, nil
}

// Run drives the multiplexer until ctx is cancelled or a terminal
// tunnel/record error occurs. Unlike the client, spec.md 7 has the
// server loop keep running across unexpected per-substream errors; the
// taxonomy's tunnel-terminal rows (Hashfail, InvalidHeader, ...) still
// end the session since there is exactly one tunnel per process here.
func (s *Server) Run(ctx context.Context) error {
	err := s.receiveLoop(ctx)
	s.shutdown()
	return err
}

func (s *Server) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.tun.ReceivePackets(func(pkt tunnel.Packet) {
			if s.dumper != nil {
				s.dumper.Summarize(pkt.ConnID, pkt.Control, len(pkt.Data))
			}
			s.handlePacket(ctx, pkt)
		})
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordLayerErrors.WithLabelValues(recordErrorKind(err)).Inc()
			}
			return err
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, pkt tunnel.Packet) {
	if pkt.Control&tunnel.CtrlSYN != 0 {
		if _, ok := s.reg.get(pkt.ConnID); !ok {
			fe, err := s.factory(pkt.ConnID)
			if err != nil {
				s.log.errorf("frontend unavailable for conn %d: %v", pkt.ConnID, err)
				if rerr := s.tun.ResetConnection(pkt.ConnID); rerr != nil {
					s.log.errorf("resetting conn %d after frontend failure: %v", pkt.ConnID, rerr)
				}
				return
			}
			s.reg.put(pkt.ConnID, fe)
			if s.metrics != nil {
				s.metrics.SubstreamsOpened.Inc()
			}
			go pumpPeer(ctx, s.tun, pkt.ConnID, fe, s.log)
		}
	}

	dispatchPacket(s.reg, s.metrics, pkt, s.log)
}

func (s *Server) shutdown() {
	ids := s.reg.ids()
	for _, id := range ids {
		_ = s.tun.CloseConnection(id)
	}
	if len(ids) > 0 {
		time.Sleep(drainGrace)
	}
	_ = s.tun.Close()
	s.reg.closeAll()
	_ = s.be.Close()
}
