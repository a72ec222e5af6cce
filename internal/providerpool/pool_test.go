package providerpool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyEndpoints(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestCheckoutPrefersHigherPriority(t *testing.T) {
	pool, err := New([]Endpoint{
		{URL: "https://low.example", Priority: 1},
		{URL: "https://high.example", Priority: 10},
	}, Options{})
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		h, err := pool.Checkout()
		require.NoError(t, err)
		counts[h.URL]++
	}

	assert.Greater(t, counts["https://high.example"], counts["https://low.example"])
}

// TestCheckoutIgnoresUnhealthyEntryWhenComputingMinPriority guards against
// a weighting bug where an unhealthy first-listed entry's priority would
// leak into the healthy set's minimum, skewing the load balance.
func TestCheckoutIgnoresUnhealthyEntryWhenComputingMinPriority(t *testing.T) {
	pool, err := New([]Endpoint{
		{URL: "https://first.example", Priority: 100},
		{URL: "https://low.example", Priority: 1},
		{URL: "https://high.example", Priority: 10},
	}, Options{FailureThreshold: 1})
	require.NoError(t, err)

	first, err := pool.Checkout()
	require.NoError(t, err)
	for first.URL != "https://first.example" {
		first, err = pool.Checkout()
		require.NoError(t, err)
	}
	pool.ReportFailure(first.ID, errors.New("down"))

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		h, err := pool.Checkout()
		require.NoError(t, err)
		counts[h.URL]++
	}

	assert.Zero(t, counts["https://first.example"], "unhealthy entry must never be selected")
	assert.Greater(t, counts["https://high.example"], counts["https://low.example"])
}

func TestReportFailureDemotesAfterThreshold(t *testing.T) {
	pool, err := New([]Endpoint{{URL: "https://only.example", Priority: 1}}, Options{FailureThreshold: 2, CooldownPeriod: 10 * time.Millisecond})
	require.NoError(t, err)

	h, err := pool.Checkout()
	require.NoError(t, err)

	pool.ReportFailure(h.ID, errors.New("timeout"))
	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Healthy, "should still be healthy below threshold")

	pool.ReportFailure(h.ID, errors.New("timeout"))
	snap = pool.Snapshot()
	assert.False(t, snap[0].Healthy, "should demote once threshold reached")

	_, err = pool.Checkout()
	require.Error(t, err, "no healthy provider and cooldown not yet elapsed")

	time.Sleep(15 * time.Millisecond)
	promoted, err := pool.Checkout()
	require.NoError(t, err, "should promote for a one-shot trial after cooldown")
	assert.Equal(t, h.ID, promoted.ID)
}

func TestReportSuccessRestoresHealth(t *testing.T) {
	pool, err := New([]Endpoint{{URL: "https://only.example", Priority: 1}}, Options{FailureThreshold: 1})
	require.NoError(t, err)

	h, _ := pool.Checkout()
	pool.ReportFailure(h.ID, errors.New("timeout"))
	assert.False(t, pool.Snapshot()[0].Healthy)

	pool.ReportSuccess(h.ID)
	snap := pool.Snapshot()
	assert.True(t, snap[0].Healthy)
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
}

func TestRangeLimitDefaultsAndShrinks(t *testing.T) {
	pool, err := New([]Endpoint{{URL: "https://only.example", Priority: 1}}, Options{})
	require.NoError(t, err)

	h, _ := pool.Checkout()
	assert.Equal(t, uint64(2000), pool.RangeLimit(h.ID, 2000))

	pool.ShrinkRangeLimit(h.ID, 500)
	assert.Equal(t, uint64(500), pool.RangeLimit(h.ID, 2000))

	pool.ShrinkRangeLimit(h.ID, 800) // larger than current, must be ignored
	assert.Equal(t, uint64(500), pool.RangeLimit(h.ID, 2000))

	pool.ShrinkRangeLimit(h.ID, 150)
	assert.Equal(t, uint64(150), pool.RangeLimit(h.ID, 2000))
}

func TestIsRateLimitAndIsTimeout(t *testing.T) {
	assert.True(t, IsRateLimit(errors.New("429 Too Many Requests")))
	assert.True(t, IsRateLimit(errors.New("rate limit exceeded")))
	assert.False(t, IsRateLimit(errors.New("connection refused")))

	assert.True(t, IsTimeout(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTimeout(errors.New("ECONNRESET")))
	assert.False(t, IsTimeout(errors.New("429")))
}
