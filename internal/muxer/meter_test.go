package muxer

import (
	"errors"
	"testing"

	"github.com/arrowhead-io/vtun/internal/backend"
	"github.com/arrowhead-io/vtun/internal/metrics"
	"github.com/arrowhead-io/vtun/internal/record"
	"github.com/arrowhead-io/vtun/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBackend struct {
	sent [][]byte
	recv [][]byte
	idx  int
}

func (f *fakeBackend) Send(data []byte, urgent bool) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeBackend) Recv() ([]byte, error) {
	data := f.recv[f.idx]
	f.idx++
	return data, nil
}

func (f *fakeBackend) Close() error    { return nil }
func (f *fakeBackend) Reset() error    { return nil }
func (f *fakeBackend) Available() bool { return true }

func TestInstrumentBackendCountsBytes(t *testing.T) {
	mx := metrics.New()
	fb := &fakeBackend{recv: [][]byte{[]byte("hello")}}
	be := instrumentBackend(fb, mx)

	if err := be.Send([]byte("abc"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := be.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if got := testutil.ToFloat64(mx.BytesOut); got != 3 {
		t.Fatalf("BytesOut = %v, want 3", got)
	}
	if got := testutil.ToFloat64(mx.BytesIn); got != 5 {
		t.Fatalf("BytesIn = %v, want 5", got)
	}
}

func TestInstrumentBackendNilCollectorIsPassthrough(t *testing.T) {
	fb := &fakeBackend{}
	var be backend.Backend = fb
	if instrumentBackend(fb, nil) != be {
		t.Fatalf("instrumentBackend(nil) did not return the backend unwrapped")
	}
}

func TestRecordErrorKindClassifiesTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{record.ErrHashfail, "hashfail"},
		{record.ErrInvalidHeader, "invalid_header"},
		{record.ErrFirstPacketIncorrect, "first_packet_incorrect"},
		{record.ErrRemoteReset, "remote_reset"},
		{record.ErrInsecureClosing, "insecure_closing"},
		{record.ErrConnectionClosed, "connection_closed"},
		{tunnel.ErrUnsupportedVersion, "unsupported_version"},
		{errors.New("boom"), "other"},
	}
	for _, c := range cases {
		if got := recordErrorKind(c.err); got != c.want {
			t.Fatalf("recordErrorKind(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
