package chain

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// JSON-RPC error codes. The first two are provider throttling; codeReverted
// is what geth-compatible nodes return for an eth_call revert.
const (
	codeLimitExceeded = -32005
	codeTooManyCalls  = -32029
	codeReverted      = 3
)

// Classify maps a raw provider error to a *domain.ChainError. It returns nil
// for a nil error and passes an existing *domain.ChainError through. Decode
// failures never reach Classify; the reader tags them DataShape itself.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *domain.ChainError
	if errors.As(err, &ce) {
		return err
	}
	return domain.NewChainError(classifyKind(err), op, err)
}

func classifyKind(err error) domain.ChainErrorKind {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return domain.KindRateLimited
		}
		if httpErr.StatusCode >= http.StatusInternalServerError {
			return domain.KindTimeout
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeLimitExceeded, codeTooManyCalls:
			return domain.KindRateLimited
		case codeReverted:
			return domain.KindReverted
		}
	}

	// A revert reason is contract text and may read like a throttle or
	// timeout message, so reverts are decided before any text match.
	msg := strings.ToLower(err.Error())
	if isRevertData(err) || strings.Contains(msg, "execution reverted") {
		return domain.KindReverted
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindTimeout
	}

	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return domain.KindRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return domain.KindTimeout
	}
	// Anything unrecognised (connection resets, gateway errors) is treated as
	// transient so the retry budget decides.
	return domain.KindTimeout
}

// isRevertData reports whether err carries hex return data. Every JSON-RPC
// error implements rpc.DataError, so the data itself must be present.
func isRevertData(err error) bool {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return false
	}
	data, ok := dataErr.ErrorData().(string)
	return ok && strings.HasPrefix(data, "0x")
}
