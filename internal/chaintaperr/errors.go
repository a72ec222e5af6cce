// Package chaintaperr defines the error taxonomy shared across chaintap's
// core packages: Config, RPC, Storage, ABI, and FileSystem.
package chaintaperr

import "fmt"

// Kind classifies an Error by which subsystem produced it.
type Kind string

const (
	Config     Kind = "config"
	RPCKind    Kind = "rpc"
	Storage    Kind = "storage"
	ABI        Kind = "abi"
	FileSystem Kind = "filesystem"
)

// Error is the common error type returned by chaintap's core. Provider is
// populated only for RPC-kind errors attributable to a specific endpoint.
type Error struct {
	Kind      Kind
	Provider  string
	Message   string
	Err       error
	retryable bool
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a retry envelope should keep retrying this
// error. Non-retryable markers (e.g. unverified contract, bad HTTP status)
// abort retry immediately per §7's propagation policy.
func Retryable(err error) bool {
	ce, ok := err.(*Error)
	if !ok {
		return true
	}
	return ce.retryable
}

func newErr(k Kind, provider, msg string, err error, retryable bool) *Error {
	return &Error{Kind: k, Provider: provider, Message: msg, Err: err, retryable: retryable}
}

func ConfigErr(format string, args ...interface{}) *Error {
	return newErr(Config, "", fmt.Sprintf(format, args...), nil, false)
}

func RPC(provider string, err error) *Error {
	return newErr(RPCKind, provider, err.Error(), err, true)
}

func RPCf(provider, format string, args ...interface{}) *Error {
	return newErr(RPCKind, provider, fmt.Sprintf(format, args...), nil, true)
}

func StorageErr(err error) *Error {
	return newErr(Storage, "", err.Error(), err, false)
}

func ABIErr(format string, args ...interface{}) *Error {
	return newErr(ABI, "", fmt.Sprintf(format, args...), nil, false)
}

// ABIRetryable wraps a transport error encountered while talking to an
// explorer API; these are retried by the bounded backoff envelope.
func ABIRetryable(err error) *Error {
	return newErr(ABI, "", err.Error(), err, true)
}

func FileSystemErr(format string, args ...interface{}) *Error {
	return newErr(FileSystem, "", fmt.Sprintf(format, args...), nil, false)
}
