package sink

import (
	"time"

	"chaintap/internal/model"

	"github.com/sirupsen/logrus"
)

// RetrySink decorates another Sink with automatic retry. It attempts the
// write up to the configured number of attempts, waiting delay between
// retries, so the coordinator can tolerate transient failures in the
// underlying sink without adding retry logic at every call site.
//
// If attempts is < 1, it defaults to 1 (no retries). If delayMs is 0, it
// defaults to 1000ms. RetrySink propagates the error from the last
// attempt if all retries fail.
type RetrySink struct {
	inner    Sink
	attempts int
	delay    time.Duration
}

// NewRetrySink builds a Sink with retry behaviour around inner. The
// returned value still satisfies Sink so it can be used transparently.
func NewRetrySink(inner Sink, attempts int, delayMs int) Sink {
	if inner == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetrySink{
		inner:    inner,
		attempts: attempts,
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

// Write forwards the call to the wrapped sink, retrying on failure.
func (r *RetrySink) Write(contractName string, ev model.DecodedEvent) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.inner.Write(contractName, ev)
		if err == nil {
			return nil
		}

		logrus.Warnf("sink write failed (attempt %d/%d): %v", attempt, r.attempts, err)

		if attempt < r.attempts {
			time.Sleep(r.delay)
		}
	}
	return err
}
