package engine

import (
	"sync/atomic"
	"time"
)

// OutcomeKind classifies how a run ended.
type OutcomeKind int

const (
	// OutcomeCompleted means every discovered object is mirrored and the
	// checkpoint is settled as completed.
	OutcomeCompleted OutcomeKind = iota

	// OutcomePaused means the run stopped early, after a breaker trip or a
	// shutdown, with resumable state on disk.
	OutcomePaused

	// OutcomeCoolingDown means the breaker refused to start the run; try
	// again after RetryAfter.
	OutcomeCoolingDown

	// OutcomeAlreadyCompleted means a previous run finished this tree and
	// nothing was attempted.
	OutcomeAlreadyCompleted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeCoolingDown:
		return "cooling_down"
	case OutcomeAlreadyCompleted:
		return "already_completed"
	}
	return "unknown"
}

// Outcome is the terminal report of one run.
type Outcome struct {
	Kind OutcomeKind

	// RetryAfter and ReopensAt are set when the breaker blocked or paused
	// the run.
	RetryAfter time.Duration
	ReopensAt  time.Time

	Stats Stats
}

// Stats counts what the run actually did.
type Stats struct {
	Transferred int64
	Skipped     int64
	Failed      int64
	Pending     int64
}

type runStats struct {
	processed   atomic.Int64
	transferred atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
	pending     atomic.Int64
}

func (s *runStats) snapshot() Stats {
	return Stats{
		Transferred: s.transferred.Load(),
		Skipped:     s.skipped.Load(),
		Failed:      s.failed.Load(),
		Pending:     s.pending.Load(),
	}
}
