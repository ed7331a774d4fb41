package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/directory"
	"github.com/pixperk/peerlock/pkg/raft"
	"github.com/pixperk/peerlock/pkg/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

func main() {
	var (
		nodeID    = flag.String("node-id", "", "Unique node ID (generates UUID if empty)")
		raftAddr  = flag.String("raft-addr", "127.0.0.1:7000", "Raft bind address")
		grpcAddr  = flag.String("grpc-addr", ":9000", "gRPC directory service address")
		httpAddr  = flag.String("http-addr", ":8081", "HTTP metrics address (empty disables it)")
		dataDir   = flag.String("data-dir", "./data", "Data directory for Raft storage")
		bootstrap = flag.Bool("bootstrap", false, "Bootstrap a new cluster")
		join      = flag.String("join", "", "gRPC address of an existing directory node to join through")
		logLevel  = flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "peerdir",
		Level: hclog.LevelFromString(*logLevel),
	})

	var nid uuid.UUID
	var err error
	if *nodeID == "" {
		nid = uuid.New()
		logger.Info("generated node id", "id", nid.String())
	} else {
		nid, err = uuid.Parse(*nodeID)
		if err != nil {
			logger.Error("invalid node id", "error", err)
			os.Exit(1)
		}
	}

	if *bootstrap && *join != "" {
		logger.Error("--bootstrap and --join are mutually exclusive")
		os.Exit(1)
	}

	logger.Info("starting directory node",
		"id", nid.String(),
		"raft", *raftAddr,
		"grpc", *grpcAddr,
		"data", *dataDir,
		"bootstrap", *bootstrap,
	)

	node, err := raft.NewNode(&raft.Config{
		NodeID:    nid,
		BindAddr:  *raftAddr,
		DataDir:   *dataDir,
		Bootstrap: *bootstrap,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create raft node", "error", err)
		os.Exit(1)
	}
	defer node.Shutdown()

	grpcServer := grpc.NewServer()
	server.NewServer(node, logger).RegisterService(grpcServer)

	listener, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", *grpcAddr, "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("gRPC directory service listening", "addr", *grpcAddr)
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server failed", "error", err)
		}
	}()

	var httpServer *http.Server
	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		httpServer = &http.Server{Addr: *httpAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if *join != "" {
		if err := joinCluster(*join, nid, node.RaftAddr()); err != nil {
			logger.Error("failed to join cluster", "via", *join, "error", err)
			os.Exit(1)
		}
		logger.Info("joined cluster", "via", *join)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("directory node is ready")
	<-ctx.Done()
	logger.Info("shutting down gracefully")

	grpcServer.GracefulStop()
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info("shutdown complete")
}

// asks the node at addr, which must be the leader, to add us as a voter
func joinCluster(addr string, id uuid.UUID, raftAddr string) error {
	remote, err := directory.DialRemote(addr)
	if err != nil {
		return err
	}
	defer remote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := remote.Join(ctx, id.String(), raftAddr); err != nil {
		return fmt.Errorf("join via %s: %w", addr, err)
	}
	return nil
}
