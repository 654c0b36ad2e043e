// Package muxer implements the client and server multiplexers of
// spec.md 4.4: the readiness loop that pumps bytes between local
// sockets (or frontends), the tunnel, and the backend. Go has no single
// portable select()/epoll primitive exposed to user code the way the
// Python original's select loop does, so per spec.md 9's explicit
// allowance ("cooperative yielding via async tasks per substream...
// provided no two tasks mutate the tunnel concurrently"), this package
// runs one goroutine per substream socket plus one tunnel-receive
// goroutine; internal/tunnel.Tunnel serializes its own state mutations
// internally, so these goroutines call straight into it rather than
// funneling through an extra hand-rolled queue.
package muxer

import "log"

// Logger is the pair of logging hooks every multiplexer takes, mirroring
// the verbose/verbosef/errorf helpers bitsinside-httptap/httptap.go
// keeps at package scope in main — here threaded in explicitly so
// internal/muxer never depends on a global.
type Logger struct {
	Verbosef func(format string, args ...interface{})
	Errorf   func(format string, args ...interface{})
}

// Default wires the hooks to the standard logger, useful for tests.
func Default() Logger {
	return Logger{
		Verbosef: func(format string, args ...interface{}) { log.Printf(format, args...) },
		Errorf:   func(format string, args ...interface{}) { log.Printf(format, args...) },
	}
}

func (l Logger) verbosef(format string, args ...interface{}) {
	if l.Verbosef != nil {
		l.Verbosef(format, args...)
	}
}

func (l Logger) errorf(format string, args ...interface{}) {
	if l.Errorf != nil {
		l.Errorf(format, args...)
	}
}
