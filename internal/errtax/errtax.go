// ABOUTME: Error taxonomy sentinels: validation, permission, transient, permanent, agent failure, fatal.
// ABOUTME: Components wrap errors with these via errors.Is so a caller several layers up can decide retry policy.

package errtax

import "errors"

var (
	// ErrValidation marks malformed input rejected at ingress. Never enqueued.
	ErrValidation = errors.New("validation error")

	// ErrPermission marks an admission refusal: allow-list miss or rate limit.
	// User-visible, never enqueued, never retried.
	ErrPermission = errors.New("permission error")

	// ErrTransient marks a collaborator failure expected to clear on retry
	// (cluster API 5xx, DB connection drop, queue backend unreachable,
	// chat API 429/5xx).
	ErrTransient = errors.New("transient external error")

	// ErrPermanent marks a collaborator failure that will not clear on
	// retry but is not fatal to the job (chat message_not_found, a
	// resolved create-conflict). Logged and dropped; the job continues.
	ErrPermanent = errors.New("permanent external error")

	// ErrAgentFailure marks a non-zero agent exit or an explicit failure
	// event in its stream.
	ErrAgentFailure = errors.New("agent failure")

	// ErrFatal marks missing configuration at startup.
	ErrFatal = errors.New("fatal configuration error")
)

// Kind returns the taxonomy sentinel wrapped by err, or nil if err
// wraps none of them.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrPermission, ErrTransient, ErrPermanent, ErrAgentFailure, ErrFatal} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether the propagation policy for err calls for
// the queue to redeliver the job.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrAgentFailure)
}
