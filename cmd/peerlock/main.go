package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/pixperk/peerlock/pkg/coordinator"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/gateway"
	"github.com/pixperk/peerlock/pkg/transport"
	grpctransport "github.com/pixperk/peerlock/pkg/transport/grpc"
	natstransport "github.com/pixperk/peerlock/pkg/transport/nats"
	"github.com/pixperk/peerlock/pkg/types"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

type options struct {
	name          string
	listen        string
	advertise     string
	transport     string
	natsURL       string
	directory     string
	redisAddr     string
	directoryAddr string
	httpAddr      string
	logLevel      string
	trace         bool
	cfg           coordinator.Config
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "peerlock",
		Level: hclog.LevelFromString(opts.logLevel),
	})

	if err := run(logger, opts); err != nil {
		logger.Error("peer failed", "error", err)
		os.Exit(1)
	}
}

// binds the command line, zero durations are left for coordinator.New to default
func parseOptions(args []string) (options, error) {
	defaults := coordinator.DefaultConfig()
	var opts options

	fs := flag.NewFlagSet("peerlock", flag.ContinueOnError)
	fs.StringVar(&opts.name, "name", "", "Unique peer name (generates one if empty)")
	fs.StringVar(&opts.listen, "listen", "127.0.0.1:9100", "gRPC peer listen address")
	fs.StringVar(&opts.advertise, "advertise", "", "Address registered in the directory (defaults to --listen)")
	fs.StringVar(&opts.transport, "transport", "grpc", "Peer transport: grpc or nats")
	fs.StringVar(&opts.natsURL, "nats-url", nats.DefaultURL, "NATS server URL for --transport=nats")
	fs.StringVar(&opts.directory, "directory", "redis", "Directory backend: memory, redis or remote")
	fs.StringVar(&opts.redisAddr, "redis-addr", "127.0.0.1:6379", "Redis address for --directory=redis")
	fs.StringVar(&opts.directoryAddr, "directory-addr", "127.0.0.1:9000", "peerdir gRPC address for --directory=remote")
	fs.StringVar(&opts.httpAddr, "http-addr", ":8080", "HTTP gateway address (empty disables it)")
	fs.DurationVar(&opts.cfg.HeartbeatInterval, "heartbeat-interval", defaults.HeartbeatInterval, "Interval between heartbeats")
	fs.DurationVar(&opts.cfg.PeerTimeout, "peer-timeout", 0, "Silence after which a peer is evicted (3x heartbeat interval if zero)")
	fs.DurationVar(&opts.cfg.MonopolyLease, "monopoly-lease", defaults.MonopolyLease, "Longest a peer may hold the critical section")
	fs.DurationVar(&opts.cfg.TransportTimeout, "transport-timeout", defaults.TransportTimeout, "Timeout of a single peer call")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	fs.BoolVar(&opts.trace, "trace", false, "Export spans to stdout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.name == "" {
		opts.name = "peer-" + uuid.NewString()[:8]
	}
	return opts, nil
}

func run(logger hclog.Logger, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	logger.Info("starting peer",
		"name", opts.name,
		"transport", opts.transport,
		"directory", opts.directory,
		"http", opts.httpAddr,
	)

	dir, closeDir, err := openDirectory(logger, opts)
	if err != nil {
		return err
	}
	defer closeDir()

	tr, closeTr, err := openTransport(logger, opts)
	if err != nil {
		return err
	}
	defer closeTr()

	co, err := coordinator.New(types.PeerID(opts.name), tr, dir, opts.cfg, coordinator.WithLogger(logger))
	if err != nil {
		return err
	}

	// inbound calls reach the coordinator from here on, before it announces itself
	addr, stopServing, err := serve(logger, opts, tr, co)
	if err != nil {
		return err
	}
	defer stopServing()

	if err := co.Join(ctx, addr); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	var gw *gateway.Server
	if opts.httpAddr != "" {
		gw = gateway.NewServer(opts.httpAddr, co, logger)
		go func() {
			if err := gw.Start(ctx); err != nil {
				logger.Error("gateway failed", "error", err)
				stop()
			}
		}()
	}

	logger.Info("peer is ready", "addr", addr, "peers", len(co.Peers()))

	if err := co.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := co.Leave(shutdownCtx); err != nil {
		logger.Warn("leave failed", "error", err)
	}
	if gw != nil {
		_ = gw.Stop(shutdownCtx)
	}

	logger.Info("shutdown complete")
	return nil
}

func setupTracing() (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

func openDirectory(logger hclog.Logger, opts options) (directory.Directory, func(), error) {
	switch opts.directory {
	case "memory":
		logger.Warn("memory directory is private to this process, no other peer will be found")
		return directory.NewMemory(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		return directory.NewRedis(client, directory.DefaultRedisKey), func() { _ = client.Close() }, nil

	case "remote":
		remote, err := directory.DialRemote(opts.directoryAddr)
		if err != nil {
			return nil, nil, err
		}
		return remote, func() { _ = remote.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown directory %q", types.ErrInvalidConfig, opts.directory)
	}
}

// nats transports carry their connection, serve subscribes on it
type natsTransport struct {
	*natstransport.Transport
	conn *nats.Conn
}

func openTransport(logger hclog.Logger, opts options) (transport.Transport, func(), error) {
	switch opts.transport {
	case "grpc":
		tr := grpctransport.NewTransport(logger)
		return tr, func() { _ = tr.Close() }, nil

	case "nats":
		conn, err := nats.Connect(opts.natsURL, nats.Name("peerlock-"+opts.name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		tr := &natsTransport{Transport: natstransport.NewTransport(conn, logger), conn: conn}
		return tr, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown transport %q", types.ErrInvalidConfig, opts.transport)
	}
}

// starts the inbound side of tr, returns the address this peer registers under
func serve(logger hclog.Logger, opts options, tr transport.Transport, h transport.Handler) (string, func(), error) {
	if nt, ok := tr.(*natsTransport); ok {
		addr := natstransport.Address(types.PeerID(opts.name))
		srv, err := natstransport.Serve(nt.conn, addr, h, logger)
		if err != nil {
			return "", nil, err
		}
		return addr, func() { _ = srv.Close() }, nil
	}

	lis, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on %s: %w", opts.listen, err)
	}

	gs := grpc.NewServer()
	grpctransport.NewServer(h, logger).Register(gs)
	go func() {
		logger.Info("gRPC peer server listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			logger.Error("gRPC peer server failed", "error", err)
		}
	}()

	addr := opts.advertise
	if addr == "" {
		addr = lis.Addr().String()
	}
	return addr, gs.GracefulStop, nil
}
