package checkpoint

import (
	"time"

	"github.com/kebairia/drivemirror/internal/drive"
)

const logVersion = "2.0"

// Record is one completed node: what it was and where its mirror lives.
type Record struct {
	Name       string     `json:"name"`
	Kind       drive.Kind `json:"type"`
	Size       int64      `json:"size,omitempty"`
	MD5        string     `json:"md5,omitempty"`
	BackupID   string     `json:"backup_id"`
	BackupTime time.Time  `json:"backup_time"`
}

// CompletionLog is the append-only register of everything already mirrored,
// keyed by source id. Re-encountering a recorded id means "already done";
// the node is never transferred again.
type CompletionLog struct {
	Version       string            `json:"version"`
	BackedUpFiles map[string]Record `json:"backed_up_files"`
	LastRun       time.Time         `json:"last_run"`
}

func newCompletionLog() CompletionLog {
	return CompletionLog{
		Version:       logVersion,
		BackedUpFiles: make(map[string]Record),
	}
}

func (l *CompletionLog) normalize() {
	if l.Version == "" {
		l.Version = logVersion
	}
	if l.BackedUpFiles == nil {
		l.BackedUpFiles = make(map[string]Record)
	}
}

// clone returns a deep copy safe to hand out to readers.
func (l *CompletionLog) clone() CompletionLog {
	out := *l
	out.BackedUpFiles = make(map[string]Record, len(l.BackedUpFiles))
	for id, rec := range l.BackedUpFiles {
		out.BackedUpFiles[id] = rec
	}
	return out
}
