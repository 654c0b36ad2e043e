// Package frontend implements the server-side endpoint contract of
// spec.md 6: the abstract byte-stream Frontend and its one concrete
// implementation, "redirect", grounded in
// original_source/src/frontend/redirect.py.
package frontend

import (
	"errors"
	"fmt"
	"net"

	"github.com/arrowhead-io/vtun/internal/connio"
	"github.com/rs/xid"
)

// ErrUnavailable is returned by a Factory when the frontend cannot be
// established for a new substream (spec.md 7 FrontendUnavailable).
var ErrUnavailable = errors.New("frontend: unavailable")

// Frontend is the collaborator interface spec.md 6 describes: same
// non-blocking send/recv/close/reset contract as connio.Socket.
type Frontend interface {
	Send([]byte) error
	Recv() ([]byte, error)
	Close() error
	Reset() error
}

// Factory builds one Frontend per accepted substream (one SYN). It may
// return ErrUnavailable-wrapped errors when the frontend cannot be
// reached.
type Factory func(connID uint16) (Frontend, error)

// NewRedirectFactory builds a Factory that dials addr for every new
// substream, the only frontend.type spec.md 6 names ("redirect"). The
// dialed socket satisfies Frontend directly via connio.Socket's own
// Send/Recv/Close/Reset.
//
// corrLog, if non-nil, is called with a short correlation ID and the
// dial error whenever a dial attempt fails, so operators can line up a
// FrontendUnavailable substream reset with the dial that caused it —
// conn_id alone recycles across a tunnel's life and makes a poor log
// key on its own.
func NewRedirectFactory(addr string, corrLog func(corrID string, err error)) Factory {
	return func(connID uint16) (Frontend, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			if corrLog != nil {
				corrLog(xid.New().String(), err)
			}
			return nil, fmt.Errorf("%w: dialing %s: %v", ErrUnavailable, addr, err)
		}
		return connio.New(conn), nil
	}
}
