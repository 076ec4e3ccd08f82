package drive

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrNotFound reports that the requested node does not exist on the remote.
var ErrNotFound = errors.New("not found")

// ErrClass buckets remote errors by how the caller should react to them.
// Classification happens on our side of the Service boundary; the remote
// client only wraps and returns what the API gave it.
type ErrClass int

const (
	ClassNone ErrClass = iota

	// ClassRateLimit means the remote signalled quota exhaustion. These are
	// routed to the circuit breaker; local retries alone never fix them.
	ClassRateLimit

	// ClassTransient covers network hiccups, timeouts and 5xx responses.
	// Worth a bounded local retry.
	ClassTransient

	// ClassPermanent covers everything a retry cannot fix: missing objects,
	// bad requests, revoked access.
	ClassPermanent
)

func (c ErrClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// Reasons Drive attaches to 403 responses when quota is exhausted.
var rateLimitReasons = []string{
	"userRateLimitExceeded",
	"rateLimitExceeded",
}

// Classify buckets err for retry and breaker decisions. Unknown errors
// count as transient so they get the bounded retry treatment rather than
// failing the object outright.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassNone
	}
	// Retrying a cancelled call cannot succeed.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	if errors.Is(err, ErrNotFound) {
		return ClassPermanent
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429:
			return ClassRateLimit
		case gerr.Code == 403 && isRateLimited(gerr):
			return ClassRateLimit
		case gerr.Code >= 500:
			return ClassTransient
		case gerr.Code >= 400:
			return ClassPermanent
		}
		return ClassTransient
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassTransient
	}

	return ClassTransient
}

// isRateLimited reports whether a 403 carries a quota reason. Some
// responses only carry the reason in the message body, so both are checked.
func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		for _, reason := range rateLimitReasons {
			if item.Reason == reason {
				return true
			}
		}
	}
	return strings.Contains(gerr.Message, "RateLimitExceeded") ||
		strings.Contains(gerr.Message, "rateLimitExceeded")
}
