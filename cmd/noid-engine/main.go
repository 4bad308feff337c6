package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/noidvm/noid/internal/catalog"
	"github.com/noidvm/noid/internal/config"
	"github.com/noidvm/noid/internal/diskstore"
	"github.com/noidvm/noid/internal/netd"
	"github.com/noidvm/noid/internal/vmengine"
)

// noid-engine wires the VM Engine's dependencies and runs its startup
// reconciliation sweep. It owns no network listener of its own — the
// HTTP/WebSocket control-plane frontend that drives the Engine is out of
// scope for this repository (spec.md §1); this binary exists so the
// Engine's lifetime, and the process-wide catalog lock it depends on, is
// held by something for the duration of the host's uptime.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("noid-engine: failed to load config: %v", err)
	}

	log.Printf("noid-engine: starting (data_dir=%s)", cfg.DataDir)

	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"))
	if err != nil {
		log.Fatalf("noid-engine: failed to open catalog: %v", err)
	}
	defer cat.Close()

	store, err := diskstore.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("noid-engine: failed to open storage: %v", err)
	}

	netdClient := netd.New(cfg.NetdSock, cfg.ControlSocketDialTimeout)
	if !netdClient.Reachable() {
		log.Printf("noid-engine: netd unreachable at %s, starting in no-network mode", cfg.NetdSock)
	}

	engine := vmengine.New(cfg, cat, store, netdClient)

	log.Println("noid-engine: running startup reconciliation sweep...")
	if err := engine.Reconcile(); err != nil {
		log.Fatalf("noid-engine: startup reconciliation failed: %v", err)
	}
	log.Println("noid-engine: reconciliation complete, ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Printf("noid-engine: received %s, shutting down", received)
}
