package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handler return error values controlling the message lifecycle. Handlers
// signal the failure kind explicitly so the consumer loop never has to match
// on error strings.

var (
	// ErrRetry signals a transient failure; the message is retried with
	// exponential backoff.
	ErrRetry = errors.New("reflow: retry message")

	// ErrPermanent signals that the message will always fail the same way;
	// it is dead-lettered immediately, bypassing retry.
	ErrPermanent = errors.New("reflow: permanent failure")

	// ErrDeadLetter signals that the message should go straight to the
	// dead-letter destination without further attempts.
	ErrDeadLetter = errors.New("reflow: send to dead letter")

	// ErrSkip signals that the message should be acknowledged without effect,
	// for example a detected duplicate.
	ErrSkip = errors.New("reflow: skip message")
)

// ReasonRetriesExhausted is the failure reason recorded when a message runs
// out of retry budget.
const ReasonRetriesExhausted = "retries-exhausted"

// RetryAfterError signals a transient failure with an explicit retry delay,
// overriding the backoff policy for this attempt.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// ErrRetryAfter wraps a transient failure with the delay after which the
// message should be retried.
func ErrRetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("reflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool {
	if target == ErrRetry {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// PermanentError signals that retrying is pointless, with a reason recorded in
// the dead-letter record.
type PermanentError struct {
	Reason string
	Cause  error
}

// ErrPermanentWithReason wraps a permanent failure with a triage reason.
func ErrPermanentWithReason(reason string, cause error) *PermanentError {
	return &PermanentError{Reason: reason, Cause: cause}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reflow: permanent failure (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("reflow: permanent failure (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

func (e *PermanentError) Is(target error) bool {
	if target == ErrPermanent {
		return true
	}
	_, ok := target.(*PermanentError)
	return ok
}

// Resolution is the action the consumer loop takes after a handler returns.
type Resolution int

const (
	// ResolutionAck acknowledges the message.
	ResolutionAck Resolution = iota

	// ResolutionRetry schedules a retry with policy backoff.
	ResolutionRetry

	// ResolutionRetryAfter schedules a retry with an explicit delay.
	ResolutionRetryAfter

	// ResolutionDeadLetter captures the message in the dead-letter sink.
	ResolutionDeadLetter

	// ResolutionSkip acknowledges without processing effect.
	ResolutionSkip
)

func (r Resolution) String() string {
	switch r {
	case ResolutionAck:
		return "ack"
	case ResolutionRetry:
		return "retry"
	case ResolutionRetryAfter:
		return "retry-after"
	case ResolutionDeadLetter:
		return "dead-letter"
	case ResolutionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Classify maps a handler error onto the action to take. Unknown errors and
// timeouts are treated as transient; only explicitly-permanent failures skip
// the retry path.
func Classify(err error) (Resolution, time.Duration) {
	if err == nil {
		return ResolutionAck, 0
	}

	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return ResolutionRetryAfter, retryAfter.Delay
	}

	if errors.Is(err, ErrSkip) {
		return ResolutionSkip, 0
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrDeadLetter) {
		return ResolutionDeadLetter, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResolutionRetry, 0
	}

	return ResolutionRetry, 0
}

// IsRetryable reports whether the error leaves the message eligible for retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	r, _ := Classify(err)
	return r == ResolutionRetry || r == ResolutionRetryAfter
}

// FailureReason extracts the operator-facing reason for a failure.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var perm *PermanentError
	if errors.As(err, &perm) && perm.Reason != "" {
		return perm.Reason
	}
	return err.Error()
}
