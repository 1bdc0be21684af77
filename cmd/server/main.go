package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AnishMulay/sandmirror/internal/config"
	"github.com/AnishMulay/sandmirror/servers/node"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the node YAML config")
		nodeID     = flag.String("node-id", "", "Node ID (overrides config)")
		target     = flag.Uint("target", 0, "Local target ID (overrides config)")
		listen     = flag.String("listen", "", "Listen address (overrides config)")
		httpAddr   = flag.String("http", "", "HTTP address for health and metrics (overrides config)")
		dataDir    = flag.String("data-dir", "", "Data directory (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *target != 0 {
		cfg.Target = uint16(*target)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	n, err := node.Build(node.Options{Config: cfg})
	if err != nil {
		log.Fatalf("Failed to build node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
