package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chaintap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalYAML = `
chain: ethereum
database:
  path: ./chaintap.db
contracts:
  - name: usdc
    address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    events: [Transfer, Approval]
providers:
  - url: https://rpc.example.com
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1), cfg.ChainID)
	assert.Equal(t, uint64(2000), cfg.Options.BatchSize)
	assert.Equal(t, uint64(12), cfg.Options.Confirmations)
	assert.Equal(t, 15_000, cfg.Options.PollInterval)
	assert.Equal(t, 5, cfg.Options.MaxRetries)
	assert.Equal(t, 4, cfg.Options.Workers)
	assert.Equal(t, 1, cfg.Providers[0].Priority)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", cfg.Contracts[0].Address)
	assert.NotEmpty(t, cfg.CacheDir)
}

func TestLoadRejectsUnsupportedChain(t *testing.T) {
	path := writeConfig(t, `
chain: not-a-real-chain
database:
  path: ./x.db
contracts:
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    events: [Transfer]
providers:
  - url: https://rpc.example.com
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidAddress(t *testing.T) {
	path := writeConfig(t, `
chain: ethereum
database:
  path: ./x.db
contracts:
  - address: "not-an-address"
    events: [Transfer]
providers:
  - url: https://rpc.example.com
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresAtLeastOneEventAndProvider(t *testing.T) {
	noEvents := writeConfig(t, `
chain: ethereum
database:
  path: ./x.db
contracts:
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    events: []
providers:
  - url: https://rpc.example.com
`)
	_, err := Load(noEvents)
	require.Error(t, err)

	noProviders := writeConfig(t, `
chain: ethereum
database:
  path: ./x.db
contracts:
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    events: [Transfer]
providers: []
`)
	_, err = Load(noProviders)
	require.Error(t, err)
}

func TestExpandEnvSubstitutesAndFailsOnUndefined(t *testing.T) {
	t.Setenv("CHAINTAP_TEST_RPC", "https://from-env.example.com")

	path := writeConfig(t, `
chain: ethereum
database:
  path: ./x.db
contracts:
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    events: [Transfer]
providers:
  - url: "${CHAINTAP_TEST_RPC}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.Providers[0].URL)

	undefined := writeConfig(t, `
chain: ethereum
database:
  path: ./x.db
contracts:
  - address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    events: [Transfer]
providers:
  - url: "${CHAINTAP_DEFINITELY_UNDEFINED_VAR}"
`)
	_, err = Load(undefined)
	require.Error(t, err)
}

func TestLoadRejectsTooManyContracts(t *testing.T) {
	yaml := "chain: ethereum\ndatabase:\n  path: ./x.db\ncontracts:\n"
	for i := 0; i < 101; i++ {
		yaml += "  - address: \"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48\"\n    events: [Transfer]\n"
	}
	yaml += "providers:\n  - url: https://rpc.example.com\n"

	path := writeConfig(t, yaml)
	_, err := Load(path)
	require.Error(t, err)
}
