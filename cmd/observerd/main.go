package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/go-observation/internal/api"
	"github.com/flitsinc/go-observation/internal/cluster"
	"github.com/flitsinc/go-observation/internal/cluster/memadapter"
	"github.com/flitsinc/go-observation/internal/cluster/wsadapter"
	"github.com/flitsinc/go-observation/internal/config"
	"github.com/flitsinc/go-observation/internal/converters"
	"github.com/flitsinc/go-observation/internal/idgen"
	"github.com/flitsinc/go-observation/internal/journal"
	"github.com/flitsinc/go-observation/internal/lifecycle"
	"github.com/flitsinc/go-observation/internal/observation"
	"github.com/flitsinc/go-observation/internal/remote"
	"github.com/flitsinc/go-observation/internal/replication"
	"github.com/flitsinc/go-observation/internal/state"
	"github.com/flitsinc/go-observation/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	nodeID, err := idgen.NodeID(cfg.NodeID)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	shutdownTracing, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName: cfg.ServiceName,
		NodeID:      nodeID,
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	logger := log.Default()
	store := state.NewStore(db)
	events := journal.New(db)
	dispatcher := observation.NewDispatcher()
	registry := remote.NewRegistry(converters.Builtin(store, cfg.Actions, logger)...)

	var clusterHandler http.Handler
	var factory cluster.AdapterFactory
	if cfg.Enabled {
		factory, err = adapterFactory(cfg, nodeID, logger, &clusterHandler)
		if err != nil {
			log.Fatalf("remote observation: %v", err)
		}
	}
	manager, err := replication.NewManager(registry, dispatcher, factory,
		replication.WithJournal(events),
		replication.WithLogger(logger),
		replication.WithDebug(cfg.Debug),
	)
	if err != nil {
		log.Fatalf("remote observation: %v", err)
	}
	manager.Listen(dispatcher)

	if manager.Enabled() {
		log.Printf("remote observation enabled: node %s, %s adapter", nodeID, cfg.Adapter)
		for _, id := range cfg.Channels {
			if err := manager.StartChannel(context.Background(), id); err != nil {
				log.Printf("remote observation: %v", err)
			}
		}
	}

	listener, inherited, err := lifecycle.Listen(cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if inherited {
		log.Printf("inherited listener %s", listener.Addr())
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &lifecycle.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
		Drain:    manager.StopAllChannels,
	}
	restartFn := func() error {
		if err := restarter.Restart(context.Background()); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			_ = manager.Close(ctx)
			_ = shutdownTracing(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer := &api.Server{
		Manager:      manager,
		Dispatcher:   dispatcher,
		Store:        store,
		Journal:      events,
		Cluster:      clusterHandler,
		ClusterPath:  wsadapter.Path,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: cfg.HTTPAddr,
			DataDir:  cfg.DataDir,
			DBPath:   cfg.DBPath,
			NodeID:   nodeID,
			Adapter:  cfg.Adapter,
			Channels: cfg.Channels,
			Actions:  cfg.Actions,
		},
	}

	httpServer = &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("observerd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		log.Printf("remote observation shutdown error: %v", err)
	}

	serverCancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
	if err := shutdownTracing(ctx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
}

// adapterFactory builds the factory for the configured adapter. Adapters
// that accept peer connections over http are stored in handler.
func adapterFactory(cfg config.Config, nodeID string, logger *log.Logger, handler *http.Handler) (cluster.AdapterFactory, error) {
	switch cfg.Adapter {
	case config.AdapterMemory:
		return memadapter.NewNetwork().Factory(nodeID), nil
	case config.AdapterWebsocket:
		opts := wsadapter.Options{
			Node:         nodeID,
			Peers:        cfg.Peers,
			PingInterval: cfg.PingInterval,
			Logger:       logger,
		}
		return func(recv cluster.Receiver) (cluster.Adapter, error) {
			a, err := wsadapter.New(opts, recv)
			if err != nil {
				return nil, err
			}
			*handler = a
			return a, nil
		}, nil
	case config.AdapterZMQ:
		return zmqFactory(cfg, nodeID, logger)
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
