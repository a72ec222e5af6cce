package storage

import (
	"path/filepath"
	"testing"

	"chaintap/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(logIndex uint, block uint64) model.DecodedEvent {
	return model.DecodedEvent{
		ContractAddress: "0xabc0000000000000000000000000000000000a",
		BlockNumber:     block,
		BlockTimestamp:  1_700_000_000,
		TransactionHash: "0xdeadbeef",
		LogIndex:        logIndex,
		EventName:       "Transfer",
		Payload: map[string]interface{}{
			"from":  "0x1111111111111111111111111111111111111",
			"to":    "0x2222222222222222222222222222222222222",
			"value": "1000000000000000000",
		},
	}
}

func TestCommitInsertsAndAdvancesSyncState(t *testing.T) {
	s := openTestStore(t)

	events := []model.DecodedEvent{sampleEvent(0, 100), sampleEvent(1, 100)}
	inserted, err := s.Commit(1, "0xabc0000000000000000000000000000000000a", 100, events, 1_700_000_100)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	last, ok, err := s.GetLastSyncedBlock("0xabc0000000000000000000000000000000000a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), last)

	count, err := s.CountEvents("0xabc0000000000000000000000000000000000a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	states, err := s.SyncStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "active", states[0].Status)
}

func TestCommitIgnoresDuplicateLogs(t *testing.T) {
	s := openTestStore(t)

	events := []model.DecodedEvent{sampleEvent(0, 100)}
	_, err := s.Commit(1, "0xabc0000000000000000000000000000000000a", 100, events, 1)
	require.NoError(t, err)

	inserted, err := s.Commit(1, "0xabc0000000000000000000000000000000000a", 101, events, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted, "duplicate (tx_hash, log_index) row must be ignored")

	last, _, _ := s.GetLastSyncedBlock("0xabc0000000000000000000000000000000000a")
	assert.Equal(t, uint64(101), last, "sync_state still advances even when the event row was a duplicate")
}

func TestQueryFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)

	addr := "0xabc0000000000000000000000000000000000a"
	_, err := s.Commit(1, addr, 102, []model.DecodedEvent{
		sampleEvent(1, 102),
		sampleEvent(0, 101),
		sampleEvent(2, 100),
	}, 1)
	require.NoError(t, err)

	results, err := s.Query(QueryFilter{ContractAddress: addr, EventName: "Transfer"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, uint64(100), results[0].BlockNumber)
	assert.Equal(t, uint64(101), results[1].BlockNumber)
	assert.Equal(t, uint64(102), results[2].BlockNumber)
	assert.Equal(t, "1000000000000000000", results[0].Payload["value"])

	ranged, err := s.Query(QueryFilter{ContractAddress: addr, FromBlock: 101, ToBlock: 101})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, uint64(101), ranged[0].BlockNumber)
}

func TestQueryRespectsLimitAndOffset(t *testing.T) {
	s := openTestStore(t)
	addr := "0xabc0000000000000000000000000000000000a"
	var events []model.DecodedEvent
	for i := uint(0); i < 5; i++ {
		events = append(events, sampleEvent(i, 100))
	}
	_, err := s.Commit(1, addr, 100, events, 1)
	require.NoError(t, err)

	page, err := s.Query(QueryFilter{ContractAddress: addr, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint(2), page[0].LogIndex)
	assert.Equal(t, uint(3), page[1].LogIndex)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, _, err := s.GetLastSyncedBlock("0xabc0000000000000000000000000000000000a")
	assert.Error(t, err)
}
