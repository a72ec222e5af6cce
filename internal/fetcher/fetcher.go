// Package fetcher retrieves and decodes logs for one contract over a
// block range, adaptively shrinking its chunk size on provider range
// errors and enriching each decoded event with its block timestamp.
// Grounded on the teacher's internal/indexer/indexer.go (FilterQuery
// construction, topic0 precomputation, block-timestamp lookups) and on
// other_examples/75de16fc_0xmhha-indexer-go's fetcher.go (adaptive batch
// sizing and retry shape), generalized per spec §4.4.
package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"chaintap/internal/abiregistry"
	"chaintap/internal/chaintaperr"
	"chaintap/internal/model"
	"chaintap/internal/providerpool"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const (
	minChunkSize        = 100
	maxConsecutiveStalls = 3
)

// Dialer resolves a provider URL to a live client. Kept as an indirection
// so the fetcher can be driven by the pool without importing ethclient at
// every call site, and so tests can substitute a fake.
type Dialer func(ctx context.Context, url string) (*ethclient.Client, error)

func blockBig(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

// Dial is the production Dialer, wrapping ethclient.DialContext.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, url)
}

// BlockTimestampCache memoizes block-number -> timestamp lookups within a
// single fetch session, following the teacher's parser.go cache.
type BlockTimestampCache struct {
	values map[uint64]int64
}

func NewBlockTimestampCache() *BlockTimestampCache {
	return &BlockTimestampCache{values: make(map[uint64]int64)}
}

// Fetcher pulls and decodes logs for one contract.
type Fetcher struct {
	pool       *providerpool.Pool
	dial       Dialer
	decoder    *abiregistry.Decoder
	address    common.Address
	topics     []common.Hash
	defaultChunk uint64
	tsCache    *BlockTimestampCache
}

// New builds a Fetcher for one contract, with topics resolved from
// eventNames via the supplied decoder.
func New(pool *providerpool.Pool, dial Dialer, decoder *abiregistry.Decoder, address common.Address, eventNames []string, defaultChunk uint64) (*Fetcher, error) {
	topics := make([]common.Hash, 0, len(eventNames))
	for _, name := range eventNames {
		topic, err := decoder.TopicForEvent(name)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	if defaultChunk == 0 {
		defaultChunk = 2000
	}
	return &Fetcher{
		pool:         pool,
		dial:         dial,
		decoder:      decoder,
		address:      address,
		topics:       topics,
		defaultChunk: defaultChunk,
		tsCache:      NewBlockTimestampCache(),
	}, nil
}

// Result is one fetch pass's outcome.
type Result struct {
	Events    []model.DecodedEvent
	ToBlock   uint64 // highest block actually covered
}

// FetchRange retrieves and decodes all matching logs in [from, to],
// adaptively shrinking the chunk size on provider range errors per spec
// §4.4, and returns once the full range has been covered.
func (f *Fetcher) FetchRange(ctx context.Context, from, to uint64) (Result, error) {
	if from > to {
		return Result{ToBlock: from - 1}, nil
	}

	var events []model.DecodedEvent
	cursor := from
	stalls := 0
	tsCache := NewBlockTimestampCache()

	for cursor <= to {
		provider, err := f.pool.Checkout()
		if err != nil {
			return Result{ToBlock: cursor - 1}, err
		}

		chunk := f.pool.RangeLimit(provider.ID, f.defaultChunk)
		end := cursor + chunk - 1
		if end > to {
			end = to
		}

		client, err := f.dialClient(ctx, provider.URL)
		if err != nil {
			f.pool.ReportFailure(provider.ID, err)
			return Result{ToBlock: cursor - 1}, err
		}

		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: blockBig(cursor),
			ToBlock:   blockBig(end),
			Addresses: []common.Address{f.address},
			Topics:    [][]common.Hash{f.topics},
		})
		if err != nil {
			if isRangeError(err) {
				newChunk := chunk / 2
				if newChunk < minChunkSize {
					newChunk = minChunkSize
					stalls++
					if stalls >= maxConsecutiveStalls {
						return Result{ToBlock: cursor - 1}, chaintaperr.RPC(provider.ID, fmt.Errorf("range error persists at floor chunk size after %d attempts: %w", stalls, err))
					}
				} else {
					stalls = 0
				}
				f.pool.ShrinkRangeLimit(provider.ID, newChunk)
				logrus.Debugf("fetcher: shrinking chunk size for provider %s to %d after range error: %v", provider.ID, newChunk, err)
				continue // retry the same [cursor, to] window at the smaller chunk
			}
			f.pool.ReportFailure(provider.ID, err)
			return Result{ToBlock: cursor - 1}, chaintaperr.RPC(provider.ID, err)
		}

		f.pool.ReportSuccess(provider.ID)
		stalls = 0

		for _, lg := range logs {
			decoded, err := f.decoder.Decode(abiregistry.RawLogFromTypesLog(lg))
			if err != nil {
				return Result{ToBlock: cursor - 1}, err
			}
			if decoded == nil {
				continue
			}
			ts, err := f.blockTimestamp(ctx, client, tsCache, provider.ID, decoded.BlockNumber)
			if err != nil {
				return Result{ToBlock: cursor - 1}, err
			}
			decoded.BlockTimestamp = ts
			events = append(events, *decoded)
		}

		cursor = end + 1
	}

	return Result{Events: events, ToBlock: to}, nil
}

// blockTimestamp resolves and caches a block's timestamp, making up to
// three attempts in all with 1s->10s backoff between them, per spec §4.4.
func (f *Fetcher) blockTimestamp(ctx context.Context, client *ethclient.Client, providerID string, blockNumber uint64) (int64, error) {
	if ts, ok := f.tsCache.values[blockNumber]; ok {
		return ts, nil
	}

	delay := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		header, err := client.HeaderByNumber(ctx, blockBig(blockNumber))
		if err == nil {
			ts := int64(header.Time)
			f.tsCache.values[blockNumber] = ts
			return ts, nil
		}
		lastErr = err
		f.pool.ReportFailure(providerID, err)
		if attempt == 2 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, chaintaperr.RPC(providerID, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	return 0, chaintaperr.RPC(providerID, fmt.Errorf("resolving timestamp for block %d: %w", blockNumber, lastErr))
}

func (f *Fetcher) dialClient(ctx context.Context, url string) (*ethclient.Client, error) {
	return f.dial(ctx, url)
}

// isRangeError recognizes the provider-side "range too large" family of
// errors by message substring, since there is no standard error code
// across RPC vendors.
func isRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"block range", "query returned more than", "exceeds max", "range limit", "too many results"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
