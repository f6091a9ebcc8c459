// Command shieldd is the deployment entrypoint: it loads the YAML
// configuration, wires the selected Discovery backend into a Coordinator,
// optionally stands up the scripting VM pool, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuihairu/shield/actor"
	"github.com/cuihairu/shield/config"
	"github.com/cuihairu/shield/discovery"
	"github.com/cuihairu/shield/vmpool"
)

func main() {
	os.Exit(run())
}

// run contains the full startup/serve/shutdown sequence and returns the
// process exit code, keeping main itself trivial and free of defers that
// os.Exit would skip.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "[shieldd] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("startup failed: %v", err)
		return 1
	}

	ctx := context.Background()
	disc, err := discovery.New(ctx, cfg.DiscoveryConfig())
	if err != nil {
		logger.Printf("startup failed: constructing discovery backend: %v", err)
		return 1
	}

	var pool *vmpool.Pool
	if cfg.LuaVMPool.MaxSize > 0 {
		pool, err = vmpool.New(cfg.VMPoolConfig())
		if err != nil {
			logger.Printf("startup failed: constructing vm pool: %v", err)
			return 1
		}
	}

	opts := actor.CoordinatorOptions{
		NodeID:            cfg.ResolveNodeID(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		DiscoveryInterval: cfg.DiscoveryInterval(),
		WorkerThreads:     cfg.ActorSystem.WorkerThreads,
		AutoDiscovery:     true,
		EventCallback: func(ev actor.Event) {
			logger.Printf("cluster event: %s %s", ev.Kind, ev.Subject)
		},
		StatusCallback: func(state, detail string) {
			logger.Printf("status: %s %s", state, detail)
		},
	}

	coordinator, err := actor.NewCoordinator(disc, opts)
	if err != nil {
		logger.Printf("startup failed: constructing coordinator: %v", err)
		return 1
	}

	coordinator.Initialize()
	coordinator.Start()
	logger.Printf("node %q serving (worker_threads=%d)", opts.NodeID, cfg.ActorSystem.WorkerThreads)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Printf("shutting down")
	coordinator.Stop()
	if pool != nil {
		if err := pool.Close(); err != nil {
			logger.Printf("closing vm pool: %v", err)
		}
	}
	return 0
}
