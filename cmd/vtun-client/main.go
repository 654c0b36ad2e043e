// Command vtun-client is the client half of the tunnel: it listens on a
// local TCP port and forwards every accepted connection through the
// encrypted tunnel to a vtun-server instance. Its logging/CLI scaffold
// follows bitsinside-httptap/httptap.go's Main()/main() split and
// verbosef/errorf helper pair.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/arrowhead-io/vtun/internal/backend"
	"github.com/arrowhead-io/vtun/internal/config"
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
	DumpTunnel bool   `arg:"--dump-tunnel" help:"log one line per decoded tunnel packet"`
}

func dialBackend(cfg config.BackendConfig) (backend.Backend, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)
	switch cfg.Type {
	case "", "plain_tcp":
		return backend.DialPlain(addr)
	case "multi_tcp":
		return backend.DialMulti(addr, cfg.Number, cfg.BlockSize)
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

	cfg, err := config.LoadClient(a.Config)
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

	be, err := dialBackend(cfg.Backend)
	if err != nil {
		errorf("error connecting to server backend: %v", err)
		return 2
	}

	dumper := sniff.New(a.DumpTunnel, func(line string) { log.Println(line) })
	logger := muxer.Logger{Verbosef: verbosef, Errorf: func(format string, args ...interface{}) { errorf(format, args...) }}

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	client, err := muxer.NewClient(listenAddr, be, cfg.Key, logger, nil, dumper)
	if err != nil {
		errorf("error starting client multiplexer: %v", err)
		return 2
	}

	verbosef("listening on %s, tunneling to %s:%d", listenAddr, cfg.Backend.Server, cfg.Backend.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errorf("client exiting: %v", err)
		return 1
	}
	return 0
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	os.Exit(Main())
}
