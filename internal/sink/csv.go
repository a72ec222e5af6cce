package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"chaintap/internal/model"
)

// fixedColumns are the DecodedEvent fields every CSV row carries ahead of
// its event-specific payload columns.
var fixedColumns = []string{
	"contract_name", "contract_address", "block_number", "block_timestamp",
	"transaction_hash", "log_index", "event_name",
}

// csvFile wraps an opened CSV file with its writer and cached headers.
// All writes must respect the header order to keep column consistency.
type csvFile struct {
	file    *os.File
	writer  *csv.Writer
	headers []string
}

// CSVSink persists decoded events into per-contract-per-event CSV files.
// The first time an event name is seen for a contract, the sink writes a
// header row of the fixed DecodedEvent columns followed by the event's
// payload keys (sorted alphabetically for determinism), then appends
// every subsequent row in that same column order.
//
// Concurrency note: in watch mode each contract's poller calls Write from
// its own goroutine, so Write is serialized by a mutex.
type CSVSink struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*csvFile // keyed by "<contractName>_<eventName>"
}

// NewCSVSink initialises a sink that writes CSV files under the given
// directory, creating the directory tree if it doesn't already exist.
func NewCSVSink(outputDir string) (*CSVSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create csv output directory: %w", err)
	}

	return &CSVSink{
		outputDir: outputDir,
		files:     make(map[string]*csvFile),
	}, nil
}

// Write appends ev as a CSV row, lazily creating the file associated with
// contractName_eventName.
func (s *CSVSink) Write(contractName string, ev model.DecodedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ev.EventName
	if name == "" {
		name = "unknown"
	}
	if contractName == "" {
		contractName = "unknown"
	}

	key := contractName + "_" + name

	cf, ok := s.files[key]
	if !ok {
		fp := filepath.Join(s.outputDir, fmt.Sprintf("%s.csv", key))

		_, statErr := os.Stat(fp)
		exists := !os.IsNotExist(statErr)

		f, err := os.OpenFile(fp, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open csv file %s: %w", fp, err)
		}

		w := csv.NewWriter(f)
		headers := append(append([]string{}, fixedColumns...), payloadHeaders(ev.Payload)...)

		if !exists {
			if err := w.Write(headers); err != nil {
				f.Close()
				return fmt.Errorf("failed to write csv header for %s: %w", fp, err)
			}
			w.Flush()
			if err := w.Error(); err != nil {
				f.Close()
				return fmt.Errorf("failed to flush csv header for %s: %w", fp, err)
			}
		}

		cf = &csvFile{file: f, writer: w, headers: headers}
		s.files[key] = cf
	}

	row := make([]string, len(cf.headers))
	values := rowValues(contractName, ev)
	for i, col := range cf.headers {
		if v, ok := values[col]; ok {
			row[i] = fmt.Sprint(v)
		}
	}

	if err := cf.writer.Write(row); err != nil {
		return err
	}
	cf.writer.Flush()
	return cf.writer.Error()
}

// payloadHeaders returns a deterministic, alphabetically-sorted slice of
// an event's payload keys, used as the CSV's event-specific columns.
func payloadHeaders(payload map[string]interface{}) []string {
	headers := make([]string, 0, len(payload))
	for k := range payload {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}

// rowValues flattens ev's fixed fields and payload into one lookup by
// column name.
func rowValues(contractName string, ev model.DecodedEvent) map[string]interface{} {
	out := map[string]interface{}{
		"contract_name":    contractName,
		"contract_address": ev.ContractAddress,
		"block_number":     ev.BlockNumber,
		"block_timestamp":  ev.BlockTimestamp,
		"transaction_hash": ev.TransactionHash,
		"log_index":        ev.LogIndex,
		"event_name":       ev.EventName,
	}
	for k, v := range ev.Payload {
		out[k] = v
	}
	return out
}
