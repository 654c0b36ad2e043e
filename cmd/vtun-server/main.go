// Command vtun-server is the server half of the tunnel: it terminates
// the encrypted backend connection and, per substream SYN, dials a
// frontend to relay bytes to. Its logging/CLI scaffold follows
// bitsinside-httptap/httptap.go's Main()/main() split and
// verbosef/errorf helper pair.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/arrowhead-io/vtun/internal/backend"
	"github.com/arrowhead-io/vtun/internal/config"
	"github.com/arrowhead-io/vtun/internal/frontend"
	"github.com/arrowhead-io/vtun/internal/metrics"
	"github.com/arrowhead-io/vtun/internal/muxer"
	"github.com/arrowhead-io/vtun/internal/sniff"
	"github.com/fatih/color"
)

var isVerbose bool

func verbosef(format string, parts ...interface{}) {
	if isVerbose {
		log.Printf(format, parts...)
	}
}

var errorColor = color.New(color.FgRed, color.Bold)

func errorf(format string, parts ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	errorColor.Printf(format, parts...)
}

type args struct {
	Config     string `arg:"-c,--config,required" help:"path to the YAML config file"`
	Verbose    bool   `arg:"-v,--verbose" help:"enable verbose logging"`
	Logfile    string `arg:"-l,--logfile" help:"append log output to this file instead of stdout"`
	DumpTunnel bool   `arg:"--dump-tunnel" help:"log one line per decoded tunnel packet"`
	Metrics    string `arg:"--metrics-addr" help:"if set, serve Prometheus metrics on this address (e.g. :9090)"`
}

func acceptBackend(cfg config.BackendConfig) (backend.Backend, error) {
	addr := fmt.Sprintf(":%d", cfg.Port)
	switch cfg.Type {
	case "", "plain_tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return nil, err
		}
		return backend.NewPlain(conn), nil
	case "multi_tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		defer ln.Close()
		number := cfg.Number
		if number == 0 {
			number = backend.MultiDefaultNumber
		}
		conns := make([]net.Conn, 0, number)
		for i := 0; i < number; i++ {
			conn, err := ln.Accept()
			if err != nil {
				for _, c := range conns {
					c.Close()
				}
				return nil, err
			}
			conns = append(conns, conn)
		}
		return backend.NewMulti(conns, cfg.BlockSize), nil
	default:
		return nil, fmt.Errorf("unrecognized backend type %q", cfg.Type)
	}
}

func Main() int {
	var a args
	parser, err := arg.NewParser(arg.Config{}, &a)
	if err != nil {
		errorf("error building argument parser: %v", err)
		return 2
	}
	if err := parser.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			parser.WriteHelp(os.Stdout)
			return 0
		}
		errorf("%v", err)
		parser.WriteUsage(os.Stderr)
		return 2
	}

	isVerbose = a.Verbose

	if a.Logfile != "" {
		f, err := os.OpenFile(a.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			errorf("error opening logfile: %v", err)
			return 2
		}
		defer f.Close()
		log.SetOutput(f)
		errorColor.DisableColor()
	}

	cfg, err := config.LoadServer(a.Config)
	if err != nil {
		var missing *config.ErrMissingSection
		if errors.As(err, &missing) {
			errorf("%v", err)
			return 1
		}
		errorf("%v", err)
		return 2
	}
	cfg.Backend.ApplyDefaults()

	verbosef("waiting for backend connection on port %d", cfg.Backend.Port)
	be, err := acceptBackend(cfg.Backend)
	if err != nil {
		errorf("error accepting backend connection: %v", err)
		return 2
	}

	dumper := sniff.New(a.DumpTunnel, func(line string) { log.Println(line) })
	logger := muxer.Logger{Verbosef: verbosef, Errorf: func(format string, args ...interface{}) { errorf(format, args...) }}

	var mx *metrics.Collector
	if a.Metrics != "" {
		mx = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", mx.Handler())
		go func() {
			if err := http.ListenAndServe(a.Metrics, mux); err != nil {
				errorf("metrics server exited: %v", err)
			}
		}()
		verbosef("serving metrics on %s", a.Metrics)
	}

	frontendAddr := fmt.Sprintf("%s:%d", cfg.Frontend.Server, cfg.Frontend.Port)
	factory := frontend.NewRedirectFactory(frontendAddr, func(corrID string, err error) {
		verbosef("frontend dial failed [%s]: %v", corrID, err)
	})

	server, err := muxer.NewServer(be, cfg.Key, factory, logger, mx, dumper)
	if err != nil {
		errorf("error starting server multiplexer: %v", err)
		return 2
	}

	verbosef("forwarding substreams to %s", frontendAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errorf("server exiting: %v", err)
		return 1
	}
	return 0
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	os.Exit(Main())
}
