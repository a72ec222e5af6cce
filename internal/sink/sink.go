// Package sink implements chaintap's optional CSV export escape hatch
// (options.export_csv), adapted from the teacher's generic event-sink
// package into one that speaks model.DecodedEvent directly.
package sink

import "chaintap/internal/model"

// Sink persists a decoded event, tagged with the name of the contract
// that produced it, to some back-end. Implementations should be
// thread-safe if shared across concurrent writers.
type Sink interface {
	// Write persists ev and returns an error if the operation fails for
	// any reason, letting a RetrySink decide whether to retry.
	Write(contractName string, ev model.DecodedEvent) error
}
