// Package reliability names the failure strategies applied when the
// persistent store misbehaves mid-request.
package reliability

type FailureStrategy string

const (
	// FailOpen lets the request proceed despite the error; used for
	// quota reads and increments, where a storage hiccup must under-count
	// rather than reject an otherwise valid request.
	FailOpen FailureStrategy = "fail_open"
	// FailClosed blocks the request; used where letting traffic through
	// would bypass a security decision.
	FailClosed FailureStrategy = "fail_closed"
)

// ShouldAllow decides whether to proceed given an error and a strategy.
func ShouldAllow(strategy FailureStrategy, err error) bool {
	if err == nil {
		return true
	}
	return strategy == FailOpen
}
