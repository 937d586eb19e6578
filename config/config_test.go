package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, chains string, queue string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chains.json"), []byte(chains), 0o644))
	if queue != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.json"), []byte(queue), 0o644))
	}
	return dir
}

func TestLoadReadsEnvAndChainConfigs(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://engine:pw@localhost:5432/engine")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	LoadEnv()

	dir := writeConfigDir(t, `[
		{"chain_id": 1, "name": "mainnet", "rpc_url": "http://localhost:8545", "block_time": 12000},
		{"chain_id": 137, "name": "polygon", "rpc_url": "http://localhost:8546", "legacy_gas": true}
	]`, "")

	require.NoError(t, Load(dir))

	require.Len(t, GlobalConfig.Chains, 2)
	require.Equal(t, 12*time.Second, GlobalConfig.Chains[0].BlockTime)
	// Unset block time falls back to the default.
	require.Equal(t, 12*time.Second, GlobalConfig.Chains[1].BlockTime)
	require.True(t, GlobalConfig.Chains[1].LegacyGas)

	chain, ok := GlobalConfig.ChainByID(137)
	require.True(t, ok)
	require.Equal(t, "polygon", chain.Name)
	_, ok = GlobalConfig.ChainByID(42)
	require.False(t, ok)

	// No queue.json means policy defaults.
	require.Equal(t, 2*time.Second, GlobalConfig.Queue.PollInterval)
	require.Equal(t, 3, GlobalConfig.Queue.MaxResends)
	require.Equal(t, int64(10), GlobalConfig.Queue.GasBumpPercent)
}

func TestLoadQueueOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://engine:pw@localhost:5432/engine")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	LoadEnv()

	dir := writeConfigDir(t,
		`[{"chain_id": 1, "name": "mainnet", "rpc_url": "http://localhost:8545"}]`,
		`{"worker_count": 16, "max_resends": 5}`)

	require.NoError(t, Load(dir))
	require.Equal(t, 16, GlobalConfig.Queue.WorkerCount)
	require.Equal(t, 5, GlobalConfig.Queue.MaxResends)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	LoadEnv()

	dir := writeConfigDir(t, `[]`, "")
	require.Error(t, Load(dir))
}

func TestReadJsonArrayConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"chain_id": 5, "name": "goerli"}]`), 0o644))

	items, err := ReadJsonArrayConfig[ChainConfig](path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, uint64(5), items[0].ChainID)

	_, err = ReadJsonArrayConfig[ChainConfig](filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
