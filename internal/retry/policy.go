// Package retry classifies job outcomes for retry versus permanent failure.
//
// The policy is a pure function of the last status and the attempt counter
// held by the caller. It never looks at timing or history.
package retry

import "github.com/ChuLiYu/geo-sampler/pkg/types"

// retryable is the full classification table. Every StatusCode must appear.
var retryable = map[types.StatusCode]bool{
	types.StatusOK:                false,
	types.StatusUnknown:           true,
	types.StatusLocationSetFailed: true,
	types.StatusExtractFailed:     true,
	types.StatusDetection:         false,
	types.StatusError:             true,
}

// IsRetryable reports whether a status is a transient or ambiguous failure.
// Unknown statuses are treated as not retryable.
func IsRetryable(status types.StatusCode) bool {
	return retryable[status]
}

// IsTerminalFailure reports whether a status ends the job immediately,
// regardless of the remaining attempt budget.
func IsTerminalFailure(status types.StatusCode) bool {
	return status == types.StatusDetection
}

// Policy holds the attempt budget for one run.
type Policy struct {
	MaxRetries int
}

// New returns a Policy; negative retry counts are clamped to zero.
func New(maxRetries int) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{MaxRetries: maxRetries}
}

// MaxAttempts is MaxRetries+1, so MaxRetries=0 means exactly one attempt.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// ShouldRetry reports whether another attempt should follow attempt
// (1-based) that ended with status.
func (p Policy) ShouldRetry(status types.StatusCode, attempt int) bool {
	return IsRetryable(status) && attempt < p.MaxAttempts()
}
