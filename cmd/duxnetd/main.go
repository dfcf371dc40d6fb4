// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// duxnetd is the DuxNet daemon: a decentralized compute marketplace node
// with escrowed payments, community fund airdrops, and sandboxed task
// execution.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duxnet/duxnetd/auth"
	"github.com/duxnet/duxnetd/chain"
	"github.com/duxnet/duxnetd/config"
	"github.com/duxnet/duxnetd/core"
	"github.com/duxnet/duxnetd/database/leveldb"
	"github.com/duxnet/duxnetd/database/prefixdb"
	"github.com/duxnet/duxnetd/dispute"
	"github.com/duxnet/duxnetd/escrow"
	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/fund"
	"github.com/duxnet/duxnetd/governance"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/registry"
	"github.com/duxnet/duxnetd/reputation"
	"github.com/duxnet/duxnetd/sandbox"
	"github.com/duxnet/duxnetd/scheduler"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/verify"
	"github.com/duxnet/duxnetd/wallet"
)

const version = "1.2.0"

func main() {
	fs := config.BuildFlagSet()

	var configFile string
	cmd := &cobra.Command{
		Use:     "duxnetd",
		Short:   "DuxNet compute marketplace daemon",
		Version: version,
		RunE: func(*cobra.Command, []string) error {
			v, err := config.NewViper(fs, configFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().AddFlagSet(fs)
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	displayLevel, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log := logging.NewLogger("duxnetd", logging.Config{
		Directory:    cfg.LogDir,
		LogLevel:     zapcore.DebugLevel,
		DisplayLevel: displayLevel,
		MaxSizeMB:    64,
		MaxFiles:     4,
	})
	defer log.Stop()
	log.Info("starting", zap.String("version", version))

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := leveldb.New(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("database close failed", zap.Error(err))
		}
	}()

	registerer := prometheus.DefaultRegisterer
	bus := events.NewBus(log)

	chainMetrics, err := chain.NewMetrics("duxnet", registerer)
	if err != nil {
		return err
	}
	router := chain.NewRouter()
	for code, endpoint := range cfg.RPC {
		currency, ok := chain.Parse(code)
		if !ok {
			return fmt.Errorf("rpc endpoint %q: %w", code, chain.ErrUnknownCurrency)
		}
		var adapter chain.Adapter
		switch currency {
		case chain.ETH, chain.BNB:
			adapter = chain.NewEthereum(chain.EthereumConfig{
				Currency: currency,
				URL:      endpoint.URL(),
				Account:  endpoint.Account,
			}, log, chainMetrics)
		default:
			adapter = chain.NewBitcoind(chain.BitcoindConfig{
				Currency: currency,
				URL:      endpoint.URL(),
				User:     endpoint.User,
				Password: endpoint.Password,
			}, log, chainMetrics)
		}
		if err := router.Register(adapter); err != nil {
			return err
		}
	}

	authenticator, err := auth.New(cfg.Auth, prefixdb.New([]byte("auth"), db))
	if err != nil {
		return err
	}
	reg, err := registry.New(log, prefixdb.New([]byte("registry"), db))
	if err != nil {
		return err
	}
	rep := reputation.NewEngine(log, reg)

	wallets, err := wallet.NewStore(prefixdb.New([]byte("wallet"), db))
	if err != nil {
		return err
	}
	audit, err := wallet.NewAudit(prefixdb.New([]byte("audit"), db))
	if err != nil {
		return err
	}
	ledger, err := wallet.NewLedger(log, cfg.Ledger, wallets, router, audit, prefixdb.New([]byte("ledger"), db))
	if err != nil {
		return err
	}

	communityFund, err := fund.New(cfg.Fund, log, bus, reg, wallets, ledger, audit, prefixdb.New([]byte("fund"), db))
	if err != nil {
		return err
	}

	escrowMetrics, err := escrow.NewMetrics("duxnet", registerer)
	if err != nil {
		return err
	}
	engine, err := escrow.NewEngine(
		log, cfg.Escrow, bus, wallets, ledger, audit,
		authenticator, communityFund,
		prefixdb.New([]byte("escrow"), db), escrowMetrics,
	)
	if err != nil {
		return err
	}

	disputes, err := dispute.NewResolver(log, bus, engine, prefixdb.New([]byte("dispute"), db))
	if err != nil {
		return err
	}
	gov, err := governance.NewEngine(log, engine, communityFund, prefixdb.New([]byte("governance"), db))
	if err != nil {
		return err
	}

	verifier := verify.NewVerifier()

	var runtime sandbox.Runtime
	switch cfg.Runtime {
	case config.RuntimeDocker:
		docker := sandbox.NewDockerRuntime(log, cfg.Image, cfg.Interpreter, "", cfg.Sandbox.NetworkEnabled)
		if docker.Available(context.Background()) {
			runtime = docker
		} else {
			log.Warn("docker unavailable, falling back to the native runtime")
			runtime = sandbox.NewNativeRuntime(log, cfg.Interpreter, "")
		}
	case config.RuntimeNative:
		runtime = sandbox.NewNativeRuntime(log, cfg.Interpreter, "")
	}
	sb := sandbox.New(cfg.Sandbox, log, runtime)

	orchestrator := core.NewOrchestrator(cfg.Core, log, bus, reg, rep, engine, disputes, gov, verifier, sb)
	if cfg.NodeID != "" {
		if err := registerLocalNode(cfg, log, reg, authenticator, orchestrator); err != nil {
			return err
		}
	}
	schedMetrics, err := scheduler.NewMetrics("duxnet", registerer)
	if err != nil {
		return err
	}
	sched := scheduler.New(
		cfg.Scheduler, log, bus,
		orchestrator, orchestrator.Dispatch, orchestrator.Kill,
		schedMetrics,
	)
	orchestrator.AttachScheduler(sched)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	log.Info("daemon running")
	orchestrator.Run(ctx)
	log.Info("shutting down")
	return nil
}

// registerLocalNode advertises this daemon as an executing node: probed
// host resources become its capability metadata, and a fresh auth secret
// lets the orchestrator sign releases for tasks it ran itself.
func registerLocalNode(
	cfg *config.Config,
	log logging.Logger,
	reg *registry.Registry,
	authenticator *auth.Authenticator,
	orchestrator *core.Orchestrator,
) error {
	nodeID := ids.NodeID(cfg.NodeID)

	metadata := map[string]interface{}{}
	if host, err := sandbox.ProbeHost(); err == nil {
		metadata["cpu_cores"] = host.CPUCores
		metadata["memory_mb"] = host.MemoryMB
		metadata["storage_gb"] = host.StorageGB
	} else {
		log.Warn("host probe failed", zap.Error(err))
	}

	if _, err := reg.Get(nodeID); err != nil {
		if err := reg.Register(nodeID, "local", cfg.NodeCapabilities, metadata); err != nil {
			return fmt.Errorf("register local node: %w", err)
		}
	}
	if err := reg.Heartbeat(nodeID); err != nil {
		return err
	}

	// The secret rotates on every start; only this process signs with it.
	secret, err := authenticator.Issue(nodeID, auth.LevelSigned)
	if err != nil {
		return fmt.Errorf("issue local node secret: %w", err)
	}
	orchestrator.SetResultSigner(func(escrowID ids.EscrowID, resultHash string, timestamp int64) (string, error) {
		return auth.Sign(escrow.ReleasePayload(escrowID, resultHash, timestamp), timestamp, secret)
	})

	log.Info("local node registered",
		zap.String("nodeID", cfg.NodeID),
		zap.Int("capabilities", len(cfg.NodeCapabilities)),
	)
	return nil
}
