// Package checkpoint persists replication run state so a run can resume
// exactly where it stopped after a crash, a voluntary stop, or a rate-limit
// cooldown.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/logger"
)

// PersistenceError reports a failed checkpoint write. An operation whose
// checkpoint write failed must not be treated as durable: a crash would
// silently lose the which-objects-are-done record.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type StoreOption func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store owns the run state file and the completion log file. All mutation
// goes through one mutex covering the whole read-modify-write-persist
// sequence, so no reader ever observes a half-applied update and every
// change hits disk before the mutating call returns.
type Store struct {
	mu        sync.Mutex
	statePath string
	logPath   string
	state     RunState
	log       CompletionLog

	logger logger.Logger
	now    func() time.Time

	// breakerStatus, when set, is sampled on every state write so the
	// persisted checkpoint always carries the live breaker state.
	breakerStatus func() (string, *time.Time)
}

// Open loads both files, falling back to fresh defaults when a file is
// missing or unreadable. Opening never fails the caller; a corrupt file is
// logged and replaced on the next write.
func Open(statePath, logPath string, log logger.Logger, opts ...StoreOption) *Store {
	s := &Store{
		statePath: statePath,
		logPath:   logPath,
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.state = newRunState(s.now())
	if err := readJSON(statePath, &s.state); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("state file unreadable, starting fresh",
				"path", statePath, "error", err.Error())
		}
		s.state = newRunState(s.now())
	}
	s.state.normalize()

	s.log = newCompletionLog()
	if err := readJSON(logPath, &s.log); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("completion log unreadable, starting fresh",
				"path", logPath, "error", err.Error())
		}
		s.log = newCompletionLog()
	}
	s.log.normalize()

	return s
}

// SetBreakerSource installs the function sampled on every state write to
// mirror live breaker state into the checkpoint.
func (s *Store) SetBreakerSource(fn func() (string, *time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakerStatus = fn
}

// Begin stamps a fresh in-progress run over the current state.
func (s *Store) Begin(runID, sourceID, backupFolderID string) error {
	return s.update(func(st *RunState) {
		st.RunID = runID
		st.Status = StatusInProgress
		st.SourceFolderID = sourceID
		st.BackupFolderID = backupFolderID
		st.CurrentFolder = sourceID
		st.WalkCompleted = false
	})
}

// SetStatus persists a status transition.
func (s *Store) SetStatus(status Status) error {
	return s.update(func(st *RunState) {
		st.Status = status
	})
}

// SetCompleted marks the run completed and clears both work sets.
func (s *Store) SetCompleted() error {
	return s.update(func(st *RunState) {
		st.Status = StatusCompleted
		st.PendingFiles = []drive.Node{}
		st.FailedFiles = []drive.Node{}
	})
}

// SetCurrentFolder records the folder the walker is descending into.
func (s *Store) SetCurrentFolder(id string) error {
	return s.update(func(st *RunState) {
		st.CurrentFolder = id
	})
}

// SetWalkCompleted records whether the tree enumeration ran to the end.
func (s *Store) SetWalkCompleted(done bool) error {
	return s.update(func(st *RunState) {
		st.WalkCompleted = done
	})
}

// AddPending queues a node for a future attempt. A node is never in both
// work sets: queuing it as pending clears any failed mark.
func (s *Store) AddPending(n drive.Node) error {
	return s.update(func(st *RunState) {
		st.FailedFiles = removeNode(st.FailedFiles, n.ID)
		if !containsNode(st.PendingFiles, n.ID) {
			st.PendingFiles = append(st.PendingFiles, n)
		}
	})
}

// AddFailed records a node whose transfer exhausted its retries. Clears any
// pending mark; see AddPending.
func (s *Store) AddFailed(n drive.Node) error {
	return s.update(func(st *RunState) {
		st.PendingFiles = removeNode(st.PendingFiles, n.ID)
		if !containsNode(st.FailedFiles, n.ID) {
			st.FailedFiles = append(st.FailedFiles, n)
		}
	})
}

// SetBreaker writes breaker fields directly, bypassing the sampling hook.
// Used by operator tooling when no live breaker exists.
func (s *Store) SetBreaker(state string, lastTrip *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CircuitBreakerState = state
	s.state.LastRateLimitTime = lastTrip
	s.state.UpdatedAt = s.now()
	return writeJSON(s.statePath, &s.state)
}

// Complete records a finished file transfer: the completion log gains the
// record, the node leaves both work sets, and the processed counter moves.
// The log is written before the state so a crash between the two writes
// resolves as "done" (the at-most-once check wins) rather than "lost".
func (s *Store) Complete(n drive.Node, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordLocked(n, backupID); err != nil {
		return err
	}
	return s.updateLocked(func(st *RunState) {
		st.PendingFiles = removeNode(st.PendingFiles, n.ID)
		st.FailedFiles = removeNode(st.FailedFiles, n.ID)
		st.TotalFilesProcessed++
	})
}

// RecordCompletion appends a completion record without touching the work
// sets or the processed counter. Folders go through here; they are never
// queued as work items.
func (s *Store) RecordCompletion(n drive.Node, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(n, backupID)
}

// Completed reports whether the node id already has a completion record.
func (s *Store) Completed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.log.BackedUpFiles[id]
	return ok
}

// CompletionCount returns the number of completion records.
func (s *Store) CompletionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log.BackedUpFiles)
}

// Snapshot returns a read-consistent copy of the run state.
func (s *Store) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// LogSnapshot returns a read-consistent copy of the completion log.
func (s *Store) LogSnapshot() CompletionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.clone()
}

// --- internals ---

func (s *Store) update(fn func(*RunState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(fn)
}

func (s *Store) updateLocked(fn func(*RunState)) error {
	fn(&s.state)
	if s.breakerStatus != nil {
		state, lastTrip := s.breakerStatus()
		s.state.CircuitBreakerState = state
		s.state.LastRateLimitTime = lastTrip
	}
	s.state.UpdatedAt = s.now()
	return writeJSON(s.statePath, &s.state)
}

// recordLocked appends to the completion log, idempotently by source id.
func (s *Store) recordLocked(n drive.Node, backupID string) error {
	if _, ok := s.log.BackedUpFiles[n.ID]; ok {
		return nil
	}
	s.log.BackedUpFiles[n.ID] = Record{
		Name:       n.Name,
		Kind:       n.Kind,
		Size:       n.Size,
		MD5:        n.MD5,
		BackupID:   backupID,
		BackupTime: s.now(),
	}
	s.log.LastRun = s.now()
	return writeJSON(s.logPath, &s.log)
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSON writes through a temporary file in the same directory and
// renames it over the target, so a crash mid-write never corrupts the
// previously committed file.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}
