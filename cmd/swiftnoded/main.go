/*
swiftnoded is the node process entry point: it wires configuration,
the address manager, the chain handle, the orchestrator, and the
JSON-RPC surface together and runs until signaled.
*/
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/swiftnode/swiftnode/internal/addrmgr"
	"github.com/swiftnode/swiftnode/internal/chainhandle"
	"github.com/swiftnode/swiftnode/internal/config"
	"github.com/swiftnode/swiftnode/internal/node"
	"github.com/swiftnode/swiftnode/internal/p2p"
	"github.com/swiftnode/swiftnode/internal/rpc"
	"github.com/swiftnode/swiftnode/internal/swiftsync"
)

// userAgentName identifies this node in the version handshake's user
// agent string.
const userAgentName = "swiftnode"

var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-version" {
		fmt.Printf("swiftnoded %s (%s, %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	backend := btclog.NewBackend(os.Stdout)
	logger := backend.Logger("MAIN")
	level, _ := btclog.LevelFromString(cfg.LogLevel)
	logger.SetLevel(level)

	logger.Infof("starting swiftnoded %s for %s", version, cfg.Network)

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Errorf("failed to create data directory: %v", err)
		os.Exit(1)
	}

	params, err := paramsForNetwork(cfg.Network)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	clk := clock.NewDefaultClock()
	addrLogger := backend.Logger("ADDR")
	addrs := addrmgr.New(addrLogger, addrmgr.WithClock(clk))

	if err := addrs.LoadPeers(cfg.PeersFile); err != nil {
		logger.Debugf("no existing peers file at %s: %v", cfg.PeersFile, err)
	}
	if anchors, err := addrs.LoadAnchors(cfg.AnchorsFile); err == nil {
		addrs.PushAddresses(anchors)
		logger.Infof("loaded %d anchor addresses for reconnection", len(anchors))
	}

	chainPath := filepath.Join(cfg.DataDir, cfg.Network+".chain")
	chain, err := chainhandle.NewDemoChainHandle(chainPath, params)
	if err != nil {
		logger.Errorf("failed to open chain handle: %v", err)
		os.Exit(1)
	}
	defer chain.Close()

	var hints *swiftsync.Hints
	if cfg.HintsFile != "" {
		hints, err = swiftsync.ParseHints(cfg.HintsFile)
		if err != nil {
			logger.Errorf("failed to parse hints file: %v", err)
			os.Exit(1)
		}
		if cfg.StopHeight != 0 && cfg.StopHeight != hints.StopHeight {
			logger.Errorf("configured stop height %d does not match hints file stop height %d", cfg.StopHeight, hints.StopHeight)
			os.Exit(1)
		}
		defer hints.Close()
	}

	orchLogger := backend.Logger("NODE")
	orch := node.NewOrchestrator(orchLogger, clk, addrs, chain)
	orch.SetConnector(&p2p.Connector{
		ChainParams:      params,
		UserAgentName:    userAgentName,
		UserAgentVersion: version,
		OurServices:      p2p.SFNodeNetworkLimited | p2p.SFNodeWitness,
		StartHeight:      func() int32 { h, _ := chain.BestBlock(); return int32(h) }(),
		Log:              backend.Logger("PEER"),
	}, cfg.TorProxy)

	dispatcher := rpc.NewDispatcher()
	rpc.RegisterCoreMethods(dispatcher, orch)
	rpcServer := rpc.NewServer(dispatcher, backend.Logger("RPC"))

	router := mux.NewRouter()
	rpcServer.RegisterRoutes(router)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("JSON-RPC listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	selector := &node.ChainSelector{Hints: hints, Params: params}

	runErr := make(chan error, 1)
	go func() {
		runErr <- node.RunUntilKilled(orch, selector)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down...")
		orch.Kill()
	case err := <-runErr:
		if err != nil {
			logger.Errorf("orchestrator exited: %v", err)
		}
	}

	if err := httpServer.Close(); err != nil {
		logger.Warnf("http server shutdown error: %v", err)
	}

	if err := addrs.SavePeers(cfg.PeersFile); err != nil {
		logger.Warnf("failed to save peers file: %v", err)
	}
	if err := addrs.SaveAnchors(cfg.AnchorsFile); err != nil {
		logger.Warnf("failed to save anchors file: %v", err)
	}

	logger.Info("shutdown complete")
}

func paramsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}
