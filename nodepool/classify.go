package nodepool

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Class sorts a remote failure into the retry policy buckets.
type Class uint8

const (
	// ClassTransient: connection trouble, timeouts, 5xx, rate limiting.
	// Decrements endpoint health and moves on to the next endpoint.
	ClassTransient Class = iota
	// ClassPermanent: the request itself is bad; retrying elsewhere cannot
	// help.
	ClassPermanent
	// ClassChain: a deterministic on-chain failure reported by the node.
	// Returned to the caller verbatim, never retried here.
	ClassChain
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassChain:
		return "chain"
	default:
		return "unknown"
	}
}

// chainErrMarkers are node-reported deterministic failures; seen in
// sendTransaction preflight refusals and simulation results.
var chainErrMarkers = []string{
	"Transaction simulation failed",
	"BlockhashNotFound",
	"Blockhash not found",
	"custom program error",
	"InstructionError",
	"AlreadyProcessed",
	"insufficient funds",
}

// Classify maps an error from a node round trip onto a retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == 429:
			return ClassTransient
		case httpErr.Code >= 500:
			return ClassTransient
		case httpErr.Code >= 400:
			return ClassPermanent
		default:
			return ClassTransient
		}
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := rpcErr.Message
		for _, marker := range chainErrMarkers {
			if strings.Contains(msg, marker) {
				return ClassChain
			}
		}
		switch rpcErr.Code {
		case -32700, -32600, -32601, -32602:
			// serialization refusal or a malformed call
			return ClassPermanent
		case -32002:
			// preflight failure carries the chain error
			return ClassChain
		case -32005:
			// node is behind
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransient
	}

	// unrecognized transport trouble, safe to try another endpoint
	return ClassTransient
}
