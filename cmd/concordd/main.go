// Command concordd is the thin host process that constructs a
// concord.Node and keeps it running. It is deliberately not a CLI or
// HTTP front end (spec §6: those are the host's concern and derive
// entirely from the dispatcher/query contracts) — it exists only so
// the core can be run as a standalone process during development.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	concord "github.com/concorddb/concord"
	"github.com/concorddb/concord/internal/config"
	"github.com/concorddb/concord/internal/telemetry"
)

func main() {
	nodeID := flag.String("node-id", "", "this node's raft server id")
	bindAddr := flag.String("bind-addr", "127.0.0.1:7100", "raft transport bind address")
	bootstrap := flag.Bool("bootstrap", false, "bootstrap a new single-node cluster")
	flag.Parse()

	log := telemetry.NewLogger(telemetry.Config{Debug: os.Getenv("ENV") == "dev"})
	defer log.Sync()

	if *nodeID == "" {
		log.Fatal("-node-id is required")
	}

	if _, err := telemetry.NewMetricsSink(); err != nil {
		log.Fatal("metrics sink init failed", zap.Error(err))
	}

	node, err := concord.Open(concord.Options{
		NodeID:    *nodeID,
		BindAddr:  *bindAddr,
		Bootstrap: *bootstrap,
		Config:    config.FromEnv(),
		Logger:    log,
	})
	if err != nil {
		log.Fatal("node startup failed", zap.Error(err))
	}

	log.Info("concordd started", zap.String("node_id", *nodeID), zap.String("bind_addr", *bindAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("concordd shutting down")
	if err := node.Close(); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
