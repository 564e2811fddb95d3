package bundler

import (
	"context"
	"errors"
	"fmt"

	"github.com/heliolabs/bundler-node/nodepool"
)

// ErrorKind is the failure taxonomy the pipeline originates.
type ErrorKind string

const (
	KindConfig            ErrorKind = "config"
	KindWhitelist         ErrorKind = "whitelist_violation"
	KindMalformed         ErrorKind = "malformed"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamExhausted ErrorKind = "upstream_exhausted"
	KindChain             ErrorKind = "chain"
	KindFeeCeiling        ErrorKind = "fee_ceiling"
	KindTimeout           ErrorKind = "timeout"
	KindCancelled         ErrorKind = "cancelled"
	KindSigning           ErrorKind = "signing"
)

// CodeOversize marks a Malformed error caused by a draft exceeding the
// transport size cap, so callers can re-partition instead of giving up.
const CodeOversize = "oversize"

// Error carries a kind, an optional sub-code, and a human-readable detail.
// Detail never contains key material or raw signed payloads.
type Error struct {
	Kind   ErrorKind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an error of the given kind.
func E(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef builds an error with a formatted detail.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from any error, mapping context and pool
// sentinels onto the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, nodepool.ErrNoEndpoints), errors.Is(err, nodepool.ErrExhausted):
		return KindUpstreamExhausted
	default:
		return KindUpstreamTransient
	}
}

// ExitCode maps an error onto the process exit codes of the CLI surface:
// 0 success, 2 configuration, 3 validation, 4 timeout, 5 upstream exhausted,
// 1 anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfig:
		return 2
	case KindWhitelist, KindMalformed:
		return 3
	case KindTimeout:
		return 4
	case KindUpstreamExhausted:
		return 5
	default:
		return 1
	}
}
