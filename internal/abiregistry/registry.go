// Package abiregistry resolves a contract's event ABI from a manual file,
// a durable on-disk cache, or a chain explorer API, and decodes raw logs
// against it. Grounded on the teacher's internal/config ABI-parsing code
// (bytes.NewReader + abi.JSON) and on other_examples/8bc09cec's Etherscan
// status/result response shape, generalized into a standalone cache-backed
// registry per spec §4.1.
package abiregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"chaintap/internal/chaintaperr"
	"chaintap/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// explorerURLs maps chain id to its explorer API base, exactly the table
// in spec §4.1.
var explorerURLs = map[int64]string{
	1:     "https://api.etherscan.io/v2/api",
	10:    "https://api-optimistic.etherscan.io/api",
	56:    "https://api.bscscan.com/api",
	137:   "https://api.polygonscan.com/api",
	8453:  "https://api.basescan.org/api",
	42161: "https://api.arbiscan.io/api",
}

// RetryConfig controls the explorer HTTP retry envelope.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	PerCallDeadline time.Duration
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialDelay:    1 * time.Second,
		Factor:          2,
		MaxDelay:        30 * time.Second,
		PerCallDeadline: 30 * time.Second,
	}
}

// Decoder turns a raw log into a model.DecodedEvent, bound to one parsed
// contract ABI.
type Decoder struct {
	parsed abi.ABI
}

// Registry acquires and caches contract ABIs and builds decoders from
// them.
type Registry struct {
	cacheDir   string
	apiKey     string
	httpClient *http.Client
	retry      RetryConfig
}

// New builds a Registry rooted at cacheDir (spec §3's ABICacheEntry
// location).
func New(cacheDir, apiKey string) *Registry {
	return &Registry{
		cacheDir:   cacheDir,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRetryConfig().PerCallDeadline},
		retry:      defaultRetryConfig(),
	}
}

// Resolve acquires the ABI for (chainID, address), preferring a manual
// path, then the durable cache, then the chain explorer, per spec §4.1.
func (r *Registry) Resolve(ctx context.Context, chainID int64, address, manualPath string) (*Decoder, error) {
	address = strings.ToLower(address)

	if manualPath != "" {
		raw, err := os.ReadFile(manualPath)
		if err != nil {
			return nil, chaintaperr.ABIErr("reading manual ABI file %q: %v", manualPath, err)
		}
		if !json.Valid(raw) {
			return nil, chaintaperr.ABIErr("manual ABI file %q is not valid JSON", manualPath)
		}
		if err := r.writeCache(chainID, address, raw); err != nil {
			logrus.Warnf("abi registry: failed to persist manual ABI for %s into cache: %v", address, err)
		}
		return r.decoderFrom(raw)
	}

	if raw, ok := r.readCache(chainID, address); ok {
		return r.decoderFrom(raw)
	}

	raw, err := r.fetchFromExplorer(ctx, chainID, address)
	if err != nil {
		return nil, err
	}
	if err := r.writeCache(chainID, address, raw); err != nil {
		logrus.Warnf("abi registry: failed to cache fetched ABI for %s: %v", address, err)
	}
	return r.decoderFrom(raw)
}

func (r *Registry) decoderFrom(raw []byte) (*Decoder, error) {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, chaintaperr.ABIErr("parsing ABI JSON: %v", err)
	}
	return &Decoder{parsed: parsed}, nil
}

func (r *Registry) cachePath(chainID int64, address string) string {
	return filepath.Join(r.cacheDir, strconv.FormatInt(chainID, 10), address+".json")
}

func (r *Registry) readCache(chainID int64, address string) ([]byte, bool) {
	raw, err := os.ReadFile(r.cachePath(chainID, address))
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (r *Registry) writeCache(chainID int64, address string, raw []byte) error {
	path := r.cachePath(chainID, address)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return chaintaperr.FileSystemErr("creating abi cache dir: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return chaintaperr.FileSystemErr("writing abi cache file: %v", err)
	}
	return nil
}

type explorerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// fetchFromExplorer calls the chain's explorer API with bounded
// exponential-backoff retry, per spec §4.1.
func (r *Registry) fetchFromExplorer(ctx context.Context, chainID int64, address string) ([]byte, error) {
	base, ok := explorerURLs[chainID]
	if !ok {
		return nil, chaintaperr.ABIErr("Unsupported chain ID: %d", chainID)
	}

	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", "getabi")
	params.Set("address", address)
	params.Set("chainid", strconv.FormatInt(chainID, 10))
	if r.apiKey != "" {
		params.Set("apikey", r.apiKey)
	}
	reqURL := base + "?" + params.Encode()

	delay := r.retry.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		result, err := r.doExplorerCall(ctx, reqURL)
		if err == nil {
			return []byte(result), nil
		}
		if !chaintaperr.Retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == r.retry.MaxRetries {
			break
		}
		logrus.Debugf("abi registry: explorer call failed (attempt %d/%d): %v", attempt+1, r.retry.MaxRetries+1, err)
		select {
		case <-ctx.Done():
			return nil, chaintaperr.ABIErr("context cancelled during explorer retry: %v", ctx.Err())
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * r.retry.Factor)
		if delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return nil, chaintaperr.ABIErr("explorer lookup failed after %d attempts: %v", r.retry.MaxRetries+1, lastErr)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// doExplorerCall issues one HTTP round trip and classifies the outcome.
// Non-2xx statuses and the two documented ABI error conditions return a
// non-retryable *chaintaperr.Error; network/transport failures return a
// retryable one.
func (r *Registry) doExplorerCall(ctx context.Context, reqURL string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.retry.PerCallDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", chaintaperr.ABIErr("building explorer request: %v", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", chaintaperr.ABIRetryable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", chaintaperr.ABIRetryable(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", chaintaperr.ABIErr("explorer returned HTTP %d", resp.StatusCode)
	}

	var parsed explorerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", chaintaperr.ABIErr("decoding explorer response: %v", err)
	}

	if parsed.Status != "1" {
		lower := strings.ToLower(parsed.Result)
		if strings.Contains(lower, "not verified") || strings.Contains(lower, "source code not verified") {
			return "", chaintaperr.ABIErr("Contract ABI not verified on Etherscan. Provide manual ABI path in config.")
		}
		return "", chaintaperr.ABIErr("explorer error: %s", parsed.Message)
	}

	return parsed.Result, nil
}

// RawLog is the minimal shape the fetcher hands to Decode.
type RawLog struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// TopicForEvent resolves the topic-0 hash for an event name, failing if
// the event is absent from the bound ABI (spec §4.4's "Topic
// construction").
func (d *Decoder) TopicForEvent(name string) (common.Hash, error) {
	ev, ok := d.parsed.Events[name]
	if !ok {
		return common.Hash{}, chaintaperr.ABIErr("event %q not found in ABI", name)
	}
	return ev.ID, nil
}

// Decode matches topics[0] against the bound ABI and, on a match, decodes
// the log into a model.DecodedEvent whose BlockTimestamp is left at the
// sentinel 0 for the fetcher to fill in. Decode returns (nil, nil) on no
// match -- not an error, per spec §4.1.
func (d *Decoder) Decode(lg RawLog) (*model.DecodedEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	var matched *abi.Event
	for _, ev := range d.parsed.Events {
		if ev.ID == lg.Topics[0] {
			e := ev
			matched = &e
			break
		}
	}
	if matched == nil {
		return nil, nil
	}

	args := make(map[string]interface{})
	if err := d.parsed.UnpackIntoMap(args, matched.Name, lg.Data); err != nil {
		return nil, chaintaperr.ABIErr("unpacking non-indexed args for %s: %v", matched.Name, err)
	}

	var indexedArgs abi.Arguments
	for _, in := range matched.Inputs {
		if in.Indexed {
			indexedArgs = append(indexedArgs, in)
		}
	}
	for i, arg := range indexedArgs {
		if len(lg.Topics) <= i+1 {
			break
		}
		topicVals := make(map[string]interface{})
		if err := abi.ParseTopicsIntoMap(topicVals, abi.Arguments{arg}, []common.Hash{lg.Topics[i+1]}); err == nil {
			for k, v := range topicVals {
				args[k] = v
			}
		} else {
			args[arg.Name] = lg.Topics[i+1].Hex()
		}
	}

	payload := make(map[string]interface{}, len(args))
	for k, v := range args {
		payload[k] = serializeValue(v)
	}

	return &model.DecodedEvent{
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		BlockNumber:     lg.BlockNumber,
		BlockTimestamp:  0,
		TransactionHash: strings.ToLower(lg.TxHash.Hex()),
		LogIndex:        lg.LogIndex,
		EventName:       matched.Name,
		Payload:         payload,
	}, nil
}

// stringer matches *big.Int (the common case for uint256/int256 ABI
// types), which spec §3 requires rendered as a decimal string.
type stringer interface{ String() string }

// serializeValue applies spec §3's serialization rules to a decoded ABI
// value: big integers become decimal strings, addresses become
// lowercase hex, byte slices/arrays of any width become 0x-prefixed hex,
// non-byte arrays/slices recurse into ordered lists preserving element
// order, and tuples (go-ethereum's generated structs) recurse into a
// mapping keyed by parameter name.
func serializeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case common.Address:
		return strings.ToLower(val.Hex())
	case []byte:
		return "0x" + common.Bytes2Hex(val)
	case bool, string:
		return val
	}
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return serializeReflect(reflect.ValueOf(v))
}

// serializeReflect handles every ABI shape that doesn't have a direct Go
// type switch case above: fixed-size byte arrays (bytes1..bytes32),
// fixed arrays and dynamic slices of arbitrary element type, tuples
// (structs), and the plain numeric/bool/string kinds.
func serializeReflect(rv reflect.Value) interface{} {
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return serializeReflect(rv.Elem())

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return "0x" + common.Bytes2Hex(buf)
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = serializeValue(rv.Index(i).Interface())
		}
		return out

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return "0x" + common.Bytes2Hex(rv.Bytes())
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = serializeValue(rv.Index(i).Interface())
		}
		return out

	case reflect.Struct:
		// go-ethereum's abi package unpacks tuples into a generated
		// struct whose fields are tagged `abi:"<paramName>"`.
		out := make(map[string]interface{}, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			name := f.Tag.Get("abi")
			if name == "" {
				name = f.Name
			}
			out[name] = serializeValue(rv.Field(i).Interface())
		}
		return out

	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%d", rv.Interface())

	case reflect.Bool:
		return rv.Bool()

	case reflect.String:
		return rv.String()

	default:
		return fmt.Sprintf("%v", rv.Interface())
	}
}

// RawLogFromTypesLog adapts a go-ethereum types.Log into the decoder's
// narrower RawLog shape.
func RawLogFromTypesLog(lg types.Log) RawLog {
	return RawLog{
		Address:     lg.Address,
		Topics:      lg.Topics,
		Data:        lg.Data,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}
}
