package transfer

// Status is the outcome of one pipeline invocation. Callers branch on
// these values; the error in a Result carries detail, not control flow.
type Status int

const (
	// StatusDone means the object was transferred and recorded this call.
	StatusDone Status = iota

	// StatusSkipped means a completion record already existed; no network
	// call was made.
	StatusSkipped

	// StatusFailed means retries were exhausted or the error was permanent;
	// the node is recorded failed for a future resume pass.
	StatusFailed

	// StatusRateLimited means the breaker refused the transfer or tripped
	// during it; the node is recorded pending.
	StatusRateLimited

	// StatusCancelled means shutdown arrived before or during the transfer;
	// the node is recorded pending.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusRateLimited:
		return "rate_limited"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is what one pipeline invocation produced.
type Result struct {
	Status Status
	Err    error
}
