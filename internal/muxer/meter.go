package muxer

import (
	"errors"

	"github.com/arrowhead-io/vtun/internal/backend"
	"github.com/arrowhead-io/vtun/internal/metrics"
	"github.com/arrowhead-io/vtun/internal/record"
	"github.com/arrowhead-io/vtun/internal/tunnel"
)

// meteredBackend counts bytes crossing the backend transport, the
// "bytes in/out per backend" metrics DESIGN.md documents. It wraps
// whatever backend.Backend the caller built (Plain or Multi) rather
// than teaching backend itself about metrics.
type meteredBackend struct {
	backend.Backend
	mx *metrics.Collector
}

func instrumentBackend(be backend.Backend, mx *metrics.Collector) backend.Backend {
	if mx == nil {
		return be
	}
	return &meteredBackend{Backend: be, mx: mx}
}

func (m *meteredBackend) Send(data []byte, urgent bool) error {
	err := m.Backend.Send(data, urgent)
	if err == nil {
		m.mx.BytesOut.Add(float64(len(data)))
	}
	return err
}

func (m *meteredBackend) Recv() ([]byte, error) {
	data, err := m.Backend.Recv()
	if err == nil {
		m.mx.BytesIn.Add(float64(len(data)))
	}
	return data, err
}

// recordErrorKind classifies a ReceivePackets error against spec.md 7's
// taxonomy for the vtun_record_layer_errors_total{kind} counter.
func recordErrorKind(err error) string {
	switch {
	case errors.Is(err, record.ErrHashfail):
		return "hashfail"
	case errors.Is(err, record.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, record.ErrFirstPacketIncorrect):
		return "first_packet_incorrect"
	case errors.Is(err, record.ErrRemoteReset):
		return "remote_reset"
	case errors.Is(err, record.ErrInsecureClosing):
		return "insecure_closing"
	case errors.Is(err, record.ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, tunnel.ErrUnsupportedVersion):
		return "unsupported_version"
	default:
		return "other"
	}
}
