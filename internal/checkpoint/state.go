package checkpoint

import (
	"time"

	"github.com/kebairia/drivemirror/internal/drive"
)

// Version written into fresh state files.
const stateVersion = "2.0"

// Status of a replication run.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

// RunState is the durable state of one replication run. One instance exists
// per (source, destination) pair and lives until the run completes. It is
// mutated exclusively through the Store, which persists after every change.
type RunState struct {
	Version        string `json:"version"`
	RunID          string `json:"run_id,omitempty"`
	Status         Status `json:"status"`
	SourceFolderID string `json:"source_folder_id,omitempty"`
	BackupFolderID string `json:"backup_folder_id"`
	CurrentFolder  string `json:"current_folder"`

	// WalkCompleted records whether the tree enumeration ever ran to the
	// end. A paused run with an unfinished walk must re-walk on resume;
	// retrying the pending set alone would silently drop unvisited
	// subtrees.
	WalkCompleted bool `json:"walk_completed"`

	PendingFiles        []drive.Node `json:"pending_files"`
	FailedFiles         []drive.Node `json:"failed_files"`
	TotalFilesProcessed int          `json:"total_files_processed"`

	CircuitBreakerState string     `json:"circuit_breaker_state"`
	LastRateLimitTime   *time.Time `json:"last_rate_limit_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newRunState(now time.Time) RunState {
	return RunState{
		Version:             stateVersion,
		Status:              StatusNew,
		PendingFiles:        []drive.Node{},
		FailedFiles:         []drive.Node{},
		CircuitBreakerState: "CLOSED",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// normalize fills the gaps a hand-edited or older state file may have.
func (s *RunState) normalize() {
	if s.Version == "" {
		s.Version = stateVersion
	}
	if s.Status == "" {
		s.Status = StatusNew
	}
	if s.PendingFiles == nil {
		s.PendingFiles = []drive.Node{}
	}
	if s.FailedFiles == nil {
		s.FailedFiles = []drive.Node{}
	}
	if s.CircuitBreakerState == "" {
		s.CircuitBreakerState = "CLOSED"
	}
}

// clone returns a deep copy safe to hand out to readers.
func (s *RunState) clone() RunState {
	out := *s
	out.PendingFiles = append([]drive.Node{}, s.PendingFiles...)
	out.FailedFiles = append([]drive.Node{}, s.FailedFiles...)
	if s.LastRateLimitTime != nil {
		t := *s.LastRateLimitTime
		out.LastRateLimitTime = &t
	}
	return out
}

func containsNode(nodes []drive.Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func removeNode(nodes []drive.Node, id string) []drive.Node {
	kept := nodes[:0]
	for _, n := range nodes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	return kept
}
