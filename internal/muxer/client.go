package muxer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/arrowhead-io/vtun/internal/backend"
	"github.com/arrowhead-io/vtun/internal/connio"
	"github.com/arrowhead-io/vtun/internal/idalloc"
	"github.com/arrowhead-io/vtun/internal/metrics"
	"github.com/arrowhead-io/vtun/internal/record"
	"github.com/arrowhead-io/vtun/internal/sniff"
	"github.com/arrowhead-io/vtun/internal/tunnel"
)

// drainGrace is how long shutdown waits for in-flight FINs to flush once
// every open substream has been asked to close, mirroring the original's
// KeyboardInterrupt handler letting queued sends finish (spec.md 4.4
// "Shutdown").
const drainGrace = 200 * time.Millisecond

// Client is the client-side multiplexer of spec.md 4.4: it accepts
// local TCP connections, allocates a substream for each, and pumps
// bytes between the local socket and the tunnel.
type Client struct {
	listener net.Listener
	be       backend.Backend
	tun      *tunnel.Tunnel
	reg      *registry
	log      Logger
	metrics  *metrics.Collector
	dumper   *sniff.Dumper
}

// NewClient builds a client multiplexer listening on listenAddr and
// tunneling through be under presharedKey.
func NewClient(listenAddr string, be backend.Backend, presharedKey string, log Logger, mx *metrics.Collector, dumper *sniff.Dumper) (*Client, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("muxer: listening on %s: %w", listenAddr, err)
	}
	rec, err := record.New(instrumentBackend(be, mx), presharedKey)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &Client{
		listener: ln,
		be:       be,
		tun:      tunnel.New(rec),
		reg:      newRegistry(),
		log:      log,
		metrics:  mx,
		dumper:   dumper,
	}, nil
}

// Run drives the multiplexer until ctx is cancelled or a terminal
// tunnel/record error occurs (spec.md 7: "the client loop exits").
func (c *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go c.acceptLoop(ctx)
	go func() { errCh <- c.receiveLoop(ctx) }()

	select {
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	case err := <-errCh:
		c.shutdown()
		return err
	}
}

func (c *Client) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.errorf("accept: %v", err)
			return
		}
		c.handleAccept(ctx, conn)
	}
}

func (c *Client) handleAccept(ctx context.Context, conn net.Conn) {
	id, err := c.tun.NewConnection()
	if err != nil {
		if errors.Is(err, idalloc.ErrExhausted) {
			c.log.errorf("no connection id available, dropping new client")
		} else {
			c.log.errorf("allocating connection: %v", err)
		}
		conn.Close()
		return
	}
	sock := connio.New(conn)
	c.reg.put(id, sock)
	if c.metrics != nil {
		c.metrics.SubstreamsOpened.Inc()
	}
	go pumpPeer(ctx, c.tun, id, sock, c.log)
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.tun.ReceivePackets(func(pkt tunnel.Packet) {
			if c.dumper != nil {
				c.dumper.Summarize(pkt.ConnID, pkt.Control, len(pkt.Data))
			}
			dispatchPacket(c.reg, c.metrics, pkt, c.log)
		})
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordLayerErrors.WithLabelValues(recordErrorKind(err)).Inc()
			}
			return err
		}
	}
}

func (c *Client) shutdown() {
	for _, id := range c.reg.ids() {
		_ = c.tun.CloseConnection(id)
	}
	if len(c.reg.ids()) > 0 {
		time.Sleep(drainGrace)
	}
	_ = c.tun.Close()
	c.reg.closeAll()
	_ = c.be.Close()
	c.listener.Close()
}
