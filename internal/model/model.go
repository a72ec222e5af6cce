// Package model holds the data types shared across chaintap's core
// packages: the canonical decoded event, per-contract sync progress, and
// provider health snapshots.
package model

import "time"

// DecodedEvent is the canonical unit persisted by the Storage Engine. See
// spec §3 for the serialization rules applied to Payload's values.
type DecodedEvent struct {
	ContractAddress string                 `json:"contract_address"`
	BlockNumber     uint64                 `json:"block_number"`
	BlockTimestamp  int64                  `json:"block_timestamp"`
	TransactionHash string                 `json:"transaction_hash"`
	LogIndex        uint                   `json:"log_index"`
	EventName       string                 `json:"event_name"`
	Payload         map[string]interface{} `json:"event_data"`
}

// SyncState is one row per indexed contract address.
type SyncState struct {
	Address   string
	ChainID   int64
	LastBlock uint64
	LastSync  int64
	Status    string
}

// ProviderHealth is an in-memory snapshot of one configured RPC endpoint.
type ProviderHealth struct {
	ID                  string
	URL                 string
	Priority            int
	Healthy             bool
	ConsecutiveFailures int
	LastFailure         time.Time
	LastSuccess         time.Time
	LastError           string
}
