package fetcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRangeError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"block range is too large", true},
		{"query returned more than 10000 results", true},
		{"eth_getLogs range exceeds max of 2000 blocks", true},
		{"connection refused", false},
		{"429 too many requests", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isRangeError(errors.New(tc.msg)), tc.msg)
	}
	assert.False(t, isRangeError(nil))
}

func TestBlockBig(t *testing.T) {
	assert.Equal(t, "1234", blockBig(1234).String())
	assert.Equal(t, "0", blockBig(0).String())
}
