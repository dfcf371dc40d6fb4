// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/escrow"
	"github.com/duxnet/duxnetd/scheduler"
)

func loadDefaults(t *testing.T) *Config {
	require := require.New(t)
	v, err := NewViper(BuildFlagSet(), "")
	require.NoError(err)
	config, err := Load(v)
	require.NoError(err)
	return config
}

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)
	config := loadDefaults(t)

	require.Equal("info", config.LogLevel)
	require.Equal("127.0.0.1:9650", config.MetricsAddr)
	require.Equal(RuntimeDocker, config.Runtime)
	require.Equal("python:3.11-slim", config.Image)
	require.Equal("python3", config.Interpreter)

	require.Equal(uint32(9500), config.Escrow.ProviderShare)
	require.Equal(uint64(100_000_000), config.Fund.AirdropThreshold)
	require.Equal(24*time.Hour, config.Fund.AirdropInterval)
	require.True(config.Fund.GovernanceEnabled)

	require.Equal(5*time.Second, config.Scheduler.TickInterval)
	require.Equal(scheduler.DefaultMaxTasksPerNode, config.Scheduler.MaxTasksPerNode)
	require.Equal(scheduler.MaxMemoryMB, config.Sandbox.MaxMemoryMB)
	require.False(config.Sandbox.NetworkEnabled)

	require.Equal(5*time.Minute, config.Auth.SignatureTTL)
	require.Equal(10, config.Ledger.TransfersPerWindow)
	require.Equal(2*time.Minute, config.HeartbeatTTL)
	require.Equal(config.HeartbeatTTL, config.Core.HeartbeatTTL)

	require.Empty(config.NodeID)
	require.Empty(config.RPC)
}

func TestLoadFlagsOverride(t *testing.T) {
	require := require.New(t)

	fs := BuildFlagSet()
	require.NoError(fs.Parse([]string{
		"--log-level=debug",
		"--escrow.provider-share=0.9",
		"--sandbox.runtime=native",
		"--node.id=node-1",
		"--node.capabilities=img_v1,ml_inference",
	}))
	v, err := NewViper(fs, "")
	require.NoError(err)
	config, err := Load(v)
	require.NoError(err)

	require.Equal("debug", config.LogLevel)
	require.Equal(uint32(9000), config.Escrow.ProviderShare)
	require.Equal(RuntimeNative, config.Runtime)
	require.Equal("node-1", config.NodeID)
	require.Equal([]string{"img_v1", "ml_inference"}, config.NodeCapabilities)
}

func TestLoadConfigFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "duxnetd.yaml")
	require.NoError(os.WriteFile(path, []byte(`
log-level: warn
rpc:
  flop:
    host: 127.0.0.1
    port: 18332
    user: rpcuser
    password: rpcpass
  eth:
    host: 127.0.0.1
    port: 8545
    account: "0x00000000000000000000000000000000000000aa"
`), 0o600))

	v, err := NewViper(BuildFlagSet(), path)
	require.NoError(err)
	config, err := Load(v)
	require.NoError(err)

	require.Equal("warn", config.LogLevel)
	require.Len(config.RPC, 2)

	// Endpoint keys normalize to upper case currency codes.
	flop, ok := config.RPC["FLOP"]
	require.True(ok)
	require.Equal("http://127.0.0.1:18332", flop.URL())
	require.Equal("rpcuser", flop.User)

	eth, ok := config.RPC["ETH"]
	require.True(ok)
	require.Equal("0x00000000000000000000000000000000000000aa", eth.Account)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero provider share", []string{"--escrow.provider-share=0"}},
		{"provider share above one", []string{"--escrow.provider-share=1.5"}},
		{"unknown runtime", []string{"--sandbox.runtime=qemu"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			fs := BuildFlagSet()
			require.NoError(fs.Parse(test.args))
			v, err := NewViper(fs, "")
			require.NoError(err)
			_, err = Load(v)
			require.Error(err)
		})
	}
}

func TestEnvironmentOverride(t *testing.T) {
	require := require.New(t)
	t.Setenv("DUXNET_LOG_LEVEL", "error")

	config := loadDefaults(t)
	require.Equal("error", config.LogLevel)
}

func TestProviderShareRounding(t *testing.T) {
	require := require.New(t)

	fs := BuildFlagSet()
	require.NoError(fs.Parse([]string{"--escrow.provider-share=1"}))
	v, err := NewViper(fs, "")
	require.NoError(err)
	config, err := Load(v)
	require.NoError(err)
	require.Equal(uint32(escrow.ShareDenominator), config.Escrow.ProviderShare)
}
