// Package providerpool maintains a set of RPC endpoints with health state,
// selects one per request under a priority-weighted round-robin policy, and
// promotes/demotes endpoints from reported success/failure outcomes.
//
// There is no teacher package for this concern (etl-web3 dials a single
// RPC URL); the shape here follows the teacher's habit of a small struct
// with a mutex and logrus-driven state transitions, generalized to
// multiple endpoints per spec §4.3.
package providerpool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"chaintap/internal/chaintaperr"
	"chaintap/internal/model"

	"github.com/sirupsen/logrus"
)

// Options configures pool behavior; zero values take the spec defaults.
type Options struct {
	FailureThreshold int
	CooldownPeriod   time.Duration
}

// Endpoint is one configured RPC URL with its static priority.
type Endpoint struct {
	URL      string
	Priority int
}

type entry struct {
	health       model.ProviderHealth
	rangeLimit   uint64 // learned per-provider chunk size ceiling; 0 = unset
}

// Pool is the health-tracked provider pool described in spec §4.3.
type Pool struct {
	mu               sync.Mutex
	entries          []*entry
	byID             map[string]*entry
	cursor           int
	failureThreshold int
	cooldownPeriod   time.Duration
}

// New constructs a Pool. endpoints must be non-empty.
func New(endpoints []Endpoint, opts Options) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, chaintaperr.ConfigErr("provider pool requires at least one endpoint")
	}

	failureThreshold := opts.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	cooldown := opts.CooldownPeriod
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	p := &Pool{
		byID:             make(map[string]*entry, len(endpoints)),
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
	}

	for _, e := range endpoints {
		id := identifier(e.URL)
		en := &entry{health: model.ProviderHealth{
			ID:       id,
			URL:      e.URL,
			Priority: e.Priority,
			Healthy:  true,
		}}
		p.entries = append(p.entries, en)
		p.byID[id] = en
	}

	return p, nil
}

// identifier derives a deterministic, collision-resistant id from a URL.
// The source's 32-bit mix is replaced per §9's open question with a
// truncated SHA-256 digest.
func identifier(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}

// Checkout selects an eligible endpoint following the priority-weighted
// round-robin policy of spec §4.3.
func (p *Pool) Checkout() (model.ProviderHealth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []*entry
	minPriority := 0
	for _, e := range p.entries {
		if e.health.Healthy {
			if len(healthy) == 0 || e.health.Priority < minPriority {
				minPriority = e.health.Priority
			}
			healthy = append(healthy, e)
		}
	}

	if len(healthy) > 0 {
		var weighted []*entry
		for _, e := range healthy {
			weight := e.health.Priority - minPriority + 1
			if weight < 1 {
				weight = 1
			}
			for i := 0; i < weight; i++ {
				weighted = append(weighted, e)
			}
		}
		p.cursor = p.cursor % len(weighted)
		chosen := weighted[p.cursor]
		p.cursor++
		return chosen.health, nil
	}

	// No healthy endpoint: promote any whose cooldown has elapsed.
	now := time.Now()
	for _, e := range p.entries {
		if !e.health.LastFailure.IsZero() && now.Sub(e.health.LastFailure) >= p.cooldownPeriod {
			logrus.Warnf("provider %s: promoting for one-shot trial after cooldown", e.health.ID)
			return e.health, nil
		}
	}

	return model.ProviderHealth{}, chaintaperr.RPCf("", "No healthy providers available")
}

// ReportSuccess resets the failure counter and marks the endpoint healthy.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return
	}
	wasUnhealthy := !e.health.Healthy
	e.health.ConsecutiveFailures = 0
	e.health.Healthy = true
	e.health.LastSuccess = time.Now()
	if wasUnhealthy {
		logrus.Infof("provider %s: restored to healthy", id)
	}
}

// ReportFailure increments the failure counter and demotes the endpoint
// once failureThreshold consecutive failures accrue.
func (p *Pool) ReportFailure(id string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return
	}
	e.health.ConsecutiveFailures++
	e.health.LastFailure = time.Now()
	if cause != nil {
		e.health.LastError = cause.Error()
	}
	if e.health.ConsecutiveFailures >= p.failureThreshold && e.health.Healthy {
		e.health.Healthy = false
		logrus.Warnf("provider %s: demoted to unhealthy after %d consecutive failures", id, e.health.ConsecutiveFailures)
	}
}

// Snapshot returns a copy of every endpoint's health, safe to read without
// holding the pool's lock afterward.
func (p *Pool) Snapshot() []model.ProviderHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.ProviderHealth, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.health
	}
	return out
}

// RangeLimit returns the learned chunk-size ceiling for a provider, or the
// provided default if none has been learned yet. Promoting the limit to
// the pool (rather than to a per-fetcher map) lets it survive across
// fetcher instances, per spec §9's design note.
func (p *Pool) RangeLimit(id string, dflt uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok || e.rangeLimit == 0 {
		return dflt
	}
	return e.rangeLimit
}

// ShrinkRangeLimit records a new, smaller chunk-size ceiling for a
// provider. The limit is monotonically non-increasing: a larger proposed
// value is ignored.
func (p *Pool) ShrinkRangeLimit(id string, limit uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return
	}
	if e.rangeLimit == 0 || limit < e.rangeLimit {
		e.rangeLimit = limit
	}
}

// IsRateLimit classifies an error as a rate-limit condition per spec §4.3.
func IsRateLimit(err error) bool {
	return matchesAny(err, "429", "rate limit", "too many requests", "quota exceeded")
}

// IsTimeout classifies an error as a timeout/connection condition per spec
// §4.3.
func IsTimeout(err error) bool {
	return matchesAny(err, "timeout", "etimedout", "econnreset", "socket")
}

func matchesAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
