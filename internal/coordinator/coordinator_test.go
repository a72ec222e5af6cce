package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"chaintap/internal/config"
	"chaintap/internal/fetcher"
	"chaintap/internal/providerpool"
	"chaintap/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartBlockUsesFromBlockWhenNeverSynced(t *testing.T) {
	co := &Coordinator{cfg: &config.Config{}, store: testStore(t)}

	explicit := uint64(500)
	contract := &Contract{AddressLower: "0xabc0000000000000000000000000000000000d", FromBlock: &explicit}

	got, err := co.startBlock(context.Background(), contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got)
}

func TestStartBlockResumesFromLastSyncedBlockPlusOneWhenAheadOfFromBlock(t *testing.T) {
	store := testStore(t)
	addr := "0xabc0000000000000000000000000000000000a"

	_, err := store.Commit(1, addr, 777, nil, 1)
	require.NoError(t, err)

	explicit := uint64(100)
	co := &Coordinator{cfg: &config.Config{}, store: store}
	contract := &Contract{AddressLower: addr, FromBlock: &explicit}

	got, err := co.startBlock(context.Background(), contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(778), got)
}

func TestStartBlockUsesFromBlockWhenLastSyncedBehindIt(t *testing.T) {
	store := testStore(t)
	addr := "0xabc0000000000000000000000000000000000b"

	_, err := store.Commit(1, addr, 50, nil, 1)
	require.NoError(t, err)

	explicit := uint64(100)
	co := &Coordinator{cfg: &config.Config{}, store: store}
	contract := &Contract{AddressLower: addr, FromBlock: &explicit}

	got, err := co.startBlock(context.Background(), contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)
}

// TestStartBlockReadsChainHeadWhenFromBlockNil confirms a contract with no
// configured from_block does not default to indexing from genesis: it
// must consult the chain head, so an unreachable provider surfaces as an
// error rather than silently resolving to block 0.
func TestStartBlockReadsChainHeadWhenFromBlockNil(t *testing.T) {
	pool, err := providerpool.New([]providerpool.Endpoint{{URL: "http://127.0.0.1:0", Priority: 1}}, providerpool.Options{})
	require.NoError(t, err)

	co := &Coordinator{cfg: &config.Config{}, store: testStore(t), pool: pool, dial: fetcher.Dial}
	contract := &Contract{AddressLower: "0xabc0000000000000000000000000000000000c"}

	_, err = co.startBlock(context.Background(), contract)
	assert.Error(t, err)
}
