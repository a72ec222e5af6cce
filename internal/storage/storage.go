// Package storage persists decoded events and per-contract sync progress
// to a local SQLite database. Grounded on tablelandnetwork-go-tableland's
// pkg/database/sqlite_db.go for the mattn/go-sqlite3 driver and WAL-mode
// open pattern, generalized to spec §4.2's schema and atomic-commit
// requirement; golang-migrate and otelsql are dropped (see DESIGN.md) in
// favor of a single idempotent schema pass, matching the teacher's own
// preference for a thin store with no migration framework.
package storage

import (
	"database/sql"
	"fmt"
	"math"

	"chaintap/internal/chaintaperr"
	"chaintap/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_address TEXT    NOT NULL,
	block_number     INTEGER NOT NULL,
	block_timestamp  INTEGER NOT NULL,
	transaction_hash TEXT    NOT NULL,
	log_index        INTEGER NOT NULL,
	event_name       TEXT    NOT NULL,
	event_data       TEXT    NOT NULL,
	indexed_at       INTEGER NOT NULL,
	UNIQUE(transaction_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_events_contract_block ON events(contract_address, block_number);
CREATE INDEX IF NOT EXISTS idx_events_event_name ON events(event_name);
CREATE INDEX IF NOT EXISTS idx_events_block_number ON events(block_number);

CREATE TABLE IF NOT EXISTS sync_state (
	address    TEXT PRIMARY KEY,
	chain_id   INTEGER NOT NULL,
	last_block INTEGER NOT NULL,
	last_sync  INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active'
);
`

// Store is a chaintap SQLite-backed storage handle.
type Store struct {
	db     *sql.DB
	closed bool
}

// Open creates (if absent) and migrates the database file at path, then
// returns a ready Store. WAL mode is enabled for concurrent poll-loop
// writers, following the teacher pack's sqlite_db.go pragmas.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, chaintaperr.StorageErr(fmt.Errorf("opening sqlite database: %w", err))
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, chaintaperr.StorageErr(fmt.Errorf("enabling WAL mode: %w", err))
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, chaintaperr.StorageErr(fmt.Errorf("enabling foreign keys: %w", err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, chaintaperr.StorageErr(fmt.Errorf("applying schema: %w", err))
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle. Any subsequent call on the
// Store fails with a Storage error.
func (s *Store) Close() error {
	s.closed = true
	if err := s.db.Close(); err != nil {
		return chaintaperr.StorageErr(err)
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return chaintaperr.StorageErr(fmt.Errorf("storage handle is closed"))
	}
	return nil
}

// GetLastSyncedBlock returns the last_block recorded for address, and
// false if the contract has never been synced.
func (s *Store) GetLastSyncedBlock(address string) (uint64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	var last uint64
	err := s.db.QueryRow(`SELECT last_block FROM sync_state WHERE address = ?`, address).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, chaintaperr.StorageErr(err)
	}
	return last, true, nil
}

// Commit persists a batch of decoded events and advances sync_state for
// address to lastBlock in one transaction, so readers never observe an
// advanced cursor without its corresponding events (spec §4.2's atomicity
// requirement). Duplicate (transaction_hash, log_index) rows are silently
// ignored via INSERT OR IGNORE. Commit returns the number of rows actually
// inserted (excluding ignored duplicates).
func (s *Store) Commit(chainID int64, address string, lastBlock uint64, events []model.DecodedEvent, syncedAtUnix int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, chaintaperr.StorageErr(err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO events
			(contract_address, block_number, block_timestamp, transaction_hash, log_index, event_name, event_data, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, chaintaperr.StorageErr(err)
	}
	defer stmt.Close()

	inserted := 0
	for _, ev := range events {
		payload, err := encodePayload(ev.Payload)
		if err != nil {
			return 0, chaintaperr.StorageErr(err)
		}
		res, err := stmt.Exec(ev.ContractAddress, ev.BlockNumber, ev.BlockTimestamp, ev.TransactionHash, ev.LogIndex, ev.EventName, payload, syncedAtUnix)
		if err != nil {
			return 0, chaintaperr.StorageErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, chaintaperr.StorageErr(err)
		}
		inserted += int(n)
	}

	_, err = tx.Exec(`
		INSERT INTO sync_state (address, chain_id, last_block, last_sync, status)
		VALUES (?, ?, ?, ?, 'active')
		ON CONFLICT(address) DO UPDATE SET
			last_block = excluded.last_block,
			last_sync  = excluded.last_sync,
			status     = excluded.status
	`, address, chainID, lastBlock, syncedAtUnix)
	if err != nil {
		return 0, chaintaperr.StorageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, chaintaperr.StorageErr(err)
	}

	if inserted != len(events) {
		logrus.Debugf("storage: commit for %s inserted %d/%d rows (duplicates ignored)", address, inserted, len(events))
	}

	return inserted, nil
}

// QueryFilter narrows Query's results. Zero values mean "no filter" except
// Limit, where 0 means "unbounded" (spec §4.2's pagination rule).
type QueryFilter struct {
	ContractAddress string
	EventName       string
	FromBlock       uint64
	ToBlock         uint64 // 0 = no upper bound
	Offset          int
	Limit           int
}

// Query returns matching events ordered by (block_number, log_index)
// ascending.
func (s *Store) Query(f QueryFilter) ([]model.DecodedEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	q := `SELECT contract_address, block_number, block_timestamp, transaction_hash, log_index, event_name, event_data
	      FROM events WHERE 1=1`
	var args []interface{}

	if f.ContractAddress != "" {
		q += ` AND contract_address = ?`
		args = append(args, f.ContractAddress)
	}
	if f.EventName != "" {
		q += ` AND event_name = ?`
		args = append(args, f.EventName)
	}
	if f.FromBlock != 0 {
		q += ` AND block_number >= ?`
		args = append(args, f.FromBlock)
	}
	if f.ToBlock != 0 {
		q += ` AND block_number <= ?`
		args = append(args, f.ToBlock)
	}

	q += ` ORDER BY block_number ASC, log_index ASC`

	limit := f.Limit
	if limit == 0 {
		limit = math.MaxInt32
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, chaintaperr.StorageErr(err)
	}
	defer rows.Close()

	var out []model.DecodedEvent
	for rows.Next() {
		var ev model.DecodedEvent
		var payload string
		if err := rows.Scan(&ev.ContractAddress, &ev.BlockNumber, &ev.BlockTimestamp, &ev.TransactionHash, &ev.LogIndex, &ev.EventName, &payload); err != nil {
			return nil, chaintaperr.StorageErr(err)
		}
		decoded, err := decodePayload(payload)
		if err != nil {
			return nil, chaintaperr.StorageErr(err)
		}
		ev.Payload = decoded
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, chaintaperr.StorageErr(err)
	}

	return out, nil
}

// CountEvents returns the total number of persisted events for address,
// used by the status CLI subcommand's "Total events" line.
func (s *Store) CountEvents(address string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE contract_address = ?`, address).Scan(&count)
	if err != nil {
		return 0, chaintaperr.StorageErr(err)
	}
	return count, nil
}

// SyncStates returns the current sync_state row for every indexed
// contract, used by the status CLI subcommand.
func (s *Store) SyncStates() ([]model.SyncState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT address, chain_id, last_block, last_sync, status FROM sync_state ORDER BY address`)
	if err != nil {
		return nil, chaintaperr.StorageErr(err)
	}
	defer rows.Close()

	var out []model.SyncState
	for rows.Next() {
		var st model.SyncState
		if err := rows.Scan(&st.Address, &st.ChainID, &st.LastBlock, &st.LastSync, &st.Status); err != nil {
			return nil, chaintaperr.StorageErr(err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
