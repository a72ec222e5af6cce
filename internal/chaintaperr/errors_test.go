package chaintaperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	withProvider := RPCf("prov-1", "dial failed")
	assert.Equal(t, "rpc[prov-1]: dial failed", withProvider.Error())

	withoutProvider := ConfigErr("missing field %q", "chain")
	assert.Equal(t, `config: missing field "chain"`, withoutProvider.Error())
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := StorageErr(inner)
	assert.Same(t, inner, errors.Unwrap(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(RPC("p", errors.New("timeout"))))
	assert.False(t, Retryable(ConfigErr("bad")))
	assert.False(t, Retryable(ABIErr("not verified")))
	assert.True(t, Retryable(ABIRetryable(errors.New("connection reset"))))

	assert.True(t, Retryable(errors.New("plain error, not ours")))
}
