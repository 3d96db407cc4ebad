package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheGreatAxios/skale-facilitator/config"
	"github.com/TheGreatAxios/skale-facilitator/kv"
)

func TestOpenStoreMemory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), &config.Config{StoreBackend: config.BackendMemory}, zap.NewNop())
	require.NoError(t, err)
	defer closeStore()

	require.NoError(t, store.Put(context.Background(), "nonce:test:0x01", []byte("{}"), time.Minute))
	_, isMemory := store.(*kv.MemoryStore)
	assert.True(t, isMemory)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, _, err := openStore(context.Background(), &config.Config{StoreBackend: "etcd"}, zap.NewNop())
	assert.ErrorContains(t, err, `unknown store backend "etcd"`)
}

func TestLoadRegistryDefaultsWithOverride(t *testing.T) {
	t.Setenv("RPC_URL_BASE_SEPOLIA", "https://rpc.example.com/base-sepolia")

	registry, err := loadRegistry(&config.Config{})
	require.NoError(t, err)

	network, ok := registry.Network("base-sepolia")
	require.True(t, ok)
	assert.Equal(t, "https://rpc.example.com/base-sepolia", network.RPCURL)

	_, ok = registry.Network("skale-base-sepolia")
	assert.True(t, ok)
}

func TestLoadRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"networks": [{
			"name": "skale-europa",
			"chainId": 2046399126,
			"rpcUrl": "https://mainnet.skalenodes.com/v1/elated-tan-skat",
			"tokens": [{"address": "0x5F795bb52dAC3085f578f4877D450e2929D2F13d", "name": "USDC"}]
		}]
	}`), 0o600))

	registry, err := loadRegistry(&config.Config{NetworksFile: path})
	require.NoError(t, err)

	networks := registry.Networks()
	require.Len(t, networks, 1)
	assert.Equal(t, "skale-europa", networks[0].Name)
	_, ok := registry.Token("skale-europa", "0x5f795bb52dac3085f578f4877d450e2929d2f13d")
	assert.True(t, ok)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{config.LogFormatJSON, config.LogFormatConsole} {
		logger, err := newLogger(format)
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}
}
