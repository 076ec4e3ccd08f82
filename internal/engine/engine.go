// Package engine orchestrates a replication run end to end: it decides from
// checkpointed state whether to start fresh or resume, drives the tree walk,
// fans transfers out to workers and settles the terminal status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kebairia/drivemirror/internal/breaker"
	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/config"
	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/logger"
	"github.com/kebairia/drivemirror/internal/staging"
	"github.com/kebairia/drivemirror/internal/transfer"
	"github.com/kebairia/drivemirror/internal/walker"
)

// ServiceFactory builds one remote client. The engine calls it once for the
// walker and once per transfer worker.
type ServiceFactory func(ctx context.Context) (drive.Service, error)

// Engine drives one replication run. Create a fresh Engine per run; run
// scoped state does not reset.
type Engine struct {
	cfg        *config.Config
	store      *checkpoint.Store
	brk        *breaker.Breaker
	area       *staging.Area
	memory     *staging.MemoryMonitor
	log        logger.Logger
	newService ServiceFactory

	pipe    *transfer.Pipeline
	tripped atomic.Bool
	stats   runStats
}

func New(
	cfg *config.Config,
	store *checkpoint.Store,
	brk *breaker.Breaker,
	area *staging.Area,
	memory *staging.MemoryMonitor,
	log logger.Logger,
	newService ServiceFactory,
) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		brk:        brk,
		area:       area,
		memory:     memory,
		log:        log,
		newService: newService,
	}
}

// Run executes the state machine: a completed checkpoint reports and stops,
// an open breaker refuses the run, paused or interrupted runs resume, and
// anything else starts fresh. The returned Outcome is the operator-facing
// summary; an error means the run aborted with the checkpoint left
// in progress for the next attempt.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	snap := e.store.Snapshot()

	if snap.Status == checkpoint.StatusCompleted {
		e.log.Info("tree already mirrored, nothing to do", "run_id", snap.RunID)
		return &Outcome{Kind: OutcomeAlreadyCompleted}, nil
	}

	// Rehydrate the breaker from the checkpoint, then mirror it back into
	// every state write from here on.
	e.brk.Restore(breaker.State(snap.CircuitBreakerState), timeOrZero(snap.LastRateLimitTime))
	e.store.SetBreakerSource(func() (string, *time.Time) {
		st := e.brk.Status()
		if st.LastFailure.IsZero() {
			return string(st.State), nil
		}
		last := st.LastFailure
		return string(st.State), &last
	})

	if ok, retryAfter := e.brk.Proceed(); !ok {
		st := e.brk.Status()
		e.log.Warn("run refused, rate-limit cooldown active",
			"retry_after", retryAfter.Round(time.Second).String(),
			"reopens_at", st.ReopensAt.Format(time.RFC3339))
		return &Outcome{
			Kind:       OutcomeCoolingDown,
			RetryAfter: retryAfter,
			ReopensAt:  st.ReopensAt,
		}, nil
	}

	e.sweep()
	defer e.sweep()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.pipe = transfer.New(e.store, e.brk, e.area, e.log, transfer.Settings{
		MaxRetries:     e.cfg.Transfer.MaxRetries,
		InitialBackoff: e.cfg.Transfer.InitialBackoff,
		MaxBackoff:     e.cfg.Transfer.MaxBackoff,
	}, func() {
		e.tripped.Store(true)
		cancel()
	})

	resumable := snap.BackupFolderID != "" &&
		(snap.Status == checkpoint.StatusPaused || snap.Status == checkpoint.StatusInProgress)

	var runErr error
	if resumable {
		runErr = e.resume(runCtx, snap)
	} else {
		runErr = e.fresh(runCtx)
	}

	outcome, err := e.settle(runCtx, runErr)
	if err != nil {
		return nil, err
	}
	e.log.Info("run finished",
		"outcome", outcome.Kind.String(),
		"transferred", outcome.Stats.Transferred,
		"skipped", outcome.Stats.Skipped,
		"failed", outcome.Stats.Failed,
		"pending", outcome.Stats.Pending)
	return outcome, nil
}

// fresh resolves the source tree, prepares the mirror root and walks the
// whole hierarchy.
func (e *Engine) fresh(ctx context.Context) error {
	svc, err := e.newService(ctx)
	if err != nil {
		return err
	}

	src, err := svc.Metadata(ctx, e.cfg.Backup.SourceFolderID)
	if err != nil {
		return fmt.Errorf("resolve source folder: %w", err)
	}
	if !src.IsFolder() {
		return fmt.Errorf("source %q (%s) is not a folder", src.Name, src.ID)
	}

	parent := e.cfg.Backup.BackupParentID
	if parent == "" {
		parent = "root"
	}
	destName := src.Name + e.cfg.Backup.FolderSuffix
	destID, created, err := walker.EnsureFolder(ctx, svc, destName, parent)
	if err != nil {
		return fmt.Errorf("prepare mirror root %q: %w", destName, err)
	}
	if created {
		e.log.Info("created mirror root", "name", destName, "id", destID)
	} else {
		e.log.Info("reusing mirror root from an earlier run", "name", destName, "id", destID)
	}

	runID := uuid.New().String()
	if err := e.store.Begin(runID, src.ID, destID); err != nil {
		return err
	}
	e.log.Info("starting replication run",
		"run_id", runID, "source", src.Name, "mirror", destName)

	return e.walk(ctx, svc, src.ID, destID)
}

// resume retries the recorded work sets first and then, when the previous
// enumeration never reached the end of the tree, walks it again. Completed
// subtrees and files skip cheaply on the second pass.
func (e *Engine) resume(ctx context.Context, snap checkpoint.RunState) error {
	e.log.Info("resuming interrupted run",
		"run_id", snap.RunID,
		"pending", len(snap.PendingFiles),
		"failed", len(snap.FailedFiles),
		"walk_completed", snap.WalkCompleted)

	if err := e.store.SetStatus(checkpoint.StatusInProgress); err != nil {
		return err
	}

	if retry := retryBatch(snap); len(retry) > 0 {
		if err := e.runBatch(ctx, retry, snap.BackupFolderID); err != nil {
			return err
		}
	}

	if snap.WalkCompleted {
		return nil
	}

	srcID := snap.SourceFolderID
	if srcID == "" {
		srcID = e.cfg.Backup.SourceFolderID
	} else if srcID != e.cfg.Backup.SourceFolderID {
		e.log.Warn("configured source differs from the checkpoint, finishing the checkpointed tree",
			"configured", e.cfg.Backup.SourceFolderID,
			"checkpoint", srcID)
	}

	svc, err := e.newService(ctx)
	if err != nil {
		return err
	}
	return e.walk(ctx, svc, srcID, snap.BackupFolderID)
}

func (e *Engine) walk(ctx context.Context, svc drive.Service, srcID, destID string) error {
	w := walker.New(svc, e.store, e.log, e.runBatch)
	if err := w.Walk(ctx, srcID, destID); err != nil {
		return err
	}
	return e.store.SetWalkCompleted(true)
}

// settle turns how the run ended into a persisted terminal status and an
// operator-facing outcome.
func (e *Engine) settle(ctx context.Context, runErr error) (*Outcome, error) {
	stats := e.stats.snapshot()

	switch {
	case e.tripped.Load():
		// The pipeline already persisted the paused status when it tripped.
		st := e.brk.Status()
		return &Outcome{
			Kind:      OutcomePaused,
			ReopensAt: st.ReopensAt,
			Stats:     stats,
		}, nil

	case ctx.Err() != nil,
		errors.Is(runErr, context.Canceled),
		errors.Is(runErr, context.DeadlineExceeded):
		if err := e.store.SetStatus(checkpoint.StatusPaused); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomePaused, Stats: stats}, nil

	case runErr != nil:
		// Not a shutdown: surface the error and leave the checkpoint
		// in progress so the next run resumes.
		return nil, runErr
	}

	snap := e.store.Snapshot()
	if len(snap.PendingFiles) > 0 || len(snap.FailedFiles) > 0 {
		if err := e.store.SetStatus(checkpoint.StatusPaused); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomePaused, Stats: stats}, nil
	}

	if err := e.store.SetCompleted(); err != nil {
		return nil, err
	}
	return &Outcome{Kind: OutcomeCompleted, Stats: stats}, nil
}

func (e *Engine) sweep() {
	if err := e.area.Sweep(); err != nil {
		e.log.Warn("sweep staging area", "error", err.Error())
	}
}

// retryBatch merges the pending and failed sets, deduplicated by id.
func retryBatch(snap checkpoint.RunState) []drive.Node {
	seen := make(map[string]struct{}, len(snap.PendingFiles)+len(snap.FailedFiles))
	nodes := make([]drive.Node, 0, len(snap.PendingFiles)+len(snap.FailedFiles))
	for _, set := range [][]drive.Node{snap.PendingFiles, snap.FailedFiles} {
		for _, n := range set {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
