// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config declares every recognized option, its default, and the
// loading order: defaults, then config file, then environment, then flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/duxnet/duxnetd/auth"
	"github.com/duxnet/duxnetd/core"
	"github.com/duxnet/duxnetd/escrow"
	"github.com/duxnet/duxnetd/fund"
	"github.com/duxnet/duxnetd/sandbox"
	"github.com/duxnet/duxnetd/scheduler"
	"github.com/duxnet/duxnetd/wallet"
)

// Option keys.
const (
	DataDirKey     = "data-dir"
	LogLevelKey    = "log-level"
	LogDirKey      = "log-dir"
	MetricsAddrKey = "metrics-addr"

	AirdropThresholdKey     = "airdrop.threshold"
	AirdropIntervalHoursKey = "airdrop.interval-hours"
	AirdropMinAmountKey     = "airdrop.min-amount"
	AirdropMaxNodesKey      = "airdrop.max-nodes"

	EscrowProviderShareKey = "escrow.provider-share"

	SandboxRuntimeKey     = "sandbox.runtime"
	SandboxImageKey       = "sandbox.image"
	SandboxInterpreterKey = "sandbox.interpreter"
	SandboxMemoryCapKey   = "sandbox.memory-cap-mb"
	SandboxTimeoutCapKey  = "sandbox.timeout-cap-s"
	SandboxNetworkKey     = "sandbox.network"

	SchedulerTickKey       = "scheduler.tick-s"
	SchedulerMaxPerNodeKey = "scheduler.max-tasks-per-node"
	SchedulerMaxRetriesKey = "scheduler.max-retries"

	AuthSignatureTTLKey = "auth.signature-ttl-s"
	AuthMaxAttemptsKey  = "auth.max-auth-attempts"
	AuthWindowKey       = "auth.auth-window-s"

	WalletTransfersPerWindowKey = "wallet.transfers-per-window"
	WalletTransferWindowKey     = "wallet.transfer-window-s"

	HeartbeatTTLKey = "registry.heartbeat-ttl-s"

	FundGovernanceEnabledKey = "fund.governance-enabled"
	FundMinVoteThresholdKey  = "fund.min-vote-threshold"

	NodeIDKey           = "node.id"
	NodeCapabilitiesKey = "node.capabilities"
)

var defaultDataDir = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".duxnetd"
	}
	return filepath.Join(home, ".duxnetd")
}()

// RuntimeKind selects the sandbox variant.
type RuntimeKind string

const (
	RuntimeDocker RuntimeKind = "docker"
	RuntimeNative RuntimeKind = "native"
)

// RPC is one currency's chain daemon endpoint.
type RPC struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// Account is the daemon wallet address for account-model chains.
	Account string `mapstructure:"account"`
}

// URL renders the endpoint for the adapter.
func (r RPC) URL() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// Config is the full daemon configuration.
type Config struct {
	DataDir     string
	LogLevel    string
	LogDir      string
	MetricsAddr string

	// RPC endpoints keyed by upper-case currency code.
	RPC map[string]RPC

	Auth      auth.Config
	Ledger    wallet.LedgerConfig
	Escrow    escrow.Config
	Fund      fund.Config
	Scheduler scheduler.Config
	Sandbox   sandbox.Config
	Runtime   RuntimeKind
	Image     string

	Interpreter  string
	HeartbeatTTL time.Duration
	Core         core.Config

	NodeID           string
	NodeCapabilities []string
}

// BuildFlagSet declares the command-line surface.
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("duxnetd", pflag.ContinueOnError)

	fs.String(DataDirKey, defaultDataDir, "directory for databases and state")
	fs.String(LogLevelKey, "info", "log level: debug, info, warn, error")
	fs.String(LogDirKey, "", "directory for log files; empty logs to stderr only")
	fs.String(MetricsAddrKey, "127.0.0.1:9650", "listen address for /metrics; empty disables it")

	fs.Uint64(AirdropThresholdKey, 100_000_000, "fund balance that triggers an airdrop, in minor units")
	fs.Int(AirdropIntervalHoursKey, 24, "minimum hours between airdrop rounds")
	fs.Uint64(AirdropMinAmountKey, 1_000_000, "smallest per-node airdrop, in minor units")
	fs.Int(AirdropMaxNodesKey, fund.DefaultMaxAirdropNodes, "most nodes paid per airdrop round")

	fs.Float64(EscrowProviderShareKey, 0.95, "provider fraction of a released escrow")

	fs.String(SandboxRuntimeKey, string(RuntimeDocker), "task runtime: docker or native")
	fs.String(SandboxImageKey, "python:3.11-slim", "container image for the docker runtime")
	fs.String(SandboxInterpreterKey, "python3", "interpreter for task code")
	fs.Int(SandboxMemoryCapKey, scheduler.MaxMemoryMB, "hard per-task memory cap in MB")
	fs.Int(SandboxTimeoutCapKey, scheduler.MaxTimeoutSec, "hard per-task wall clock cap in seconds")
	fs.Bool(SandboxNetworkKey, false, "allow network access inside the sandbox")

	fs.Int(SchedulerTickKey, 5, "scheduling tick interval in seconds")
	fs.Int(SchedulerMaxPerNodeKey, scheduler.DefaultMaxTasksPerNode, "concurrent tasks per node")
	fs.Int(SchedulerMaxRetriesKey, scheduler.DefaultMaxRetries, "assignment attempts before a task fails")

	fs.Int(AuthSignatureTTLKey, 300, "accepted clock skew for signed requests, in seconds")
	fs.Int(AuthMaxAttemptsKey, 5, "failed auths per window before suspension")
	fs.Int(AuthWindowKey, 300, "auth failure window in seconds")

	fs.Int(WalletTransfersPerWindowKey, 10, "wallet transfers allowed per node per window")
	fs.Int(WalletTransferWindowKey, 3600, "wallet transfer window in seconds")

	fs.Int(HeartbeatTTLKey, 120, "heartbeat silence before a node goes offline, in seconds")

	fs.Bool(FundGovernanceEnabledKey, true, "allow governance to execute against the fund")
	fs.Float64(FundMinVoteThresholdKey, 0.5, "fraction of voting weight a fund proposal needs")

	fs.String(NodeIDKey, "", "this daemon's node identity; empty disables local execution")
	fs.StringSlice(NodeCapabilitiesKey, nil, "services this daemon executes locally")

	return fs
}

// NewViper binds flags, environment, and an optional config file.
func NewViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("duxnet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load materializes a Config from the merged sources.
func Load(v *viper.Viper) (*Config, error) {
	providerShare := v.GetFloat64(EscrowProviderShareKey)
	if providerShare <= 0 || providerShare > 1 {
		return nil, fmt.Errorf("%s must be in (0,1], got %f", EscrowProviderShareKey, providerShare)
	}

	runtime := RuntimeKind(v.GetString(SandboxRuntimeKey))
	switch runtime {
	case RuntimeDocker, RuntimeNative:
	default:
		return nil, fmt.Errorf("%s must be docker or native, got %q", SandboxRuntimeKey, runtime)
	}

	rpc := map[string]RPC{}
	if err := v.UnmarshalKey("rpc", &rpc); err != nil {
		return nil, fmt.Errorf("decode rpc endpoints: %w", err)
	}
	endpoints := make(map[string]RPC, len(rpc))
	for currency, endpoint := range rpc {
		endpoints[strings.ToUpper(currency)] = endpoint
	}

	return &Config{
		DataDir:     v.GetString(DataDirKey),
		LogLevel:    v.GetString(LogLevelKey),
		LogDir:      v.GetString(LogDirKey),
		MetricsAddr: v.GetString(MetricsAddrKey),
		RPC:         endpoints,

		Auth: auth.Config{
			SignatureTTL:    time.Duration(v.GetInt(AuthSignatureTTLKey)) * time.Second,
			MaxAuthAttempts: v.GetInt(AuthMaxAttemptsKey),
			AuthWindow:      time.Duration(v.GetInt(AuthWindowKey)) * time.Second,
		},
		Ledger: wallet.LedgerConfig{
			TransfersPerWindow: v.GetInt(WalletTransfersPerWindowKey),
			TransferWindow:     time.Duration(v.GetInt(WalletTransferWindowKey)) * time.Second,
		},
		Escrow: escrow.Config{
			ProviderShare: uint32(providerShare * escrow.ShareDenominator),
		},
		Fund: fund.Config{
			AirdropThreshold:  v.GetUint64(AirdropThresholdKey),
			AirdropInterval:   time.Duration(v.GetInt(AirdropIntervalHoursKey)) * time.Hour,
			MaxAirdropNodes:   v.GetInt(AirdropMaxNodesKey),
			MinAirdropAmount:  v.GetUint64(AirdropMinAmountKey),
			GovernanceEnabled: v.GetBool(FundGovernanceEnabledKey),
			MinVoteThreshold:  v.GetFloat64(FundMinVoteThresholdKey),
		},
		Scheduler: scheduler.Config{
			TickInterval:    time.Duration(v.GetInt(SchedulerTickKey)) * time.Second,
			MaxTasksPerNode: v.GetInt(SchedulerMaxPerNodeKey),
			MaxRetries:      v.GetInt(SchedulerMaxRetriesKey),
		},
		Sandbox: sandbox.Config{
			MaxMemoryMB:    v.GetInt(SandboxMemoryCapKey),
			MaxTimeoutSec:  v.GetInt(SandboxTimeoutCapKey),
			NetworkEnabled: v.GetBool(SandboxNetworkKey),
		},
		Runtime:     runtime,
		Image:       v.GetString(SandboxImageKey),
		Interpreter: v.GetString(SandboxInterpreterKey),

		HeartbeatTTL: time.Duration(v.GetInt(HeartbeatTTLKey)) * time.Second,
		Core: core.Config{
			HeartbeatTTL: time.Duration(v.GetInt(HeartbeatTTLKey)) * time.Second,
		},

		NodeID:           v.GetString(NodeIDKey),
		NodeCapabilities: v.GetStringSlice(NodeCapabilitiesKey),
	}, nil
}
