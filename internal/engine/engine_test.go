package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/kebairia/drivemirror/internal/breaker"
	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/config"
	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/drive/drivetest"
	"github.com/kebairia/drivemirror/internal/logger"
	"github.com/kebairia/drivemirror/internal/staging"
)

type engineFixture struct {
	fake  *drivetest.Fake
	cfg   *config.Config
	store *checkpoint.Store
	dir   string

	clients atomic.Int64
	samples atomic.Int64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dir := t.TempDir()

	fx := &engineFixture{fake: drivetest.New(), dir: dir}
	fx.store = checkpoint.Open(
		filepath.Join(dir, "backup_state.json"),
		filepath.Join(dir, "backup_log.json"),
		logger.Nop(),
	)

	cfg := &config.Config{}
	cfg.Backup.FolderSuffix = "_BACKUP"
	cfg.Backup.Workers = 1
	cfg.RateLimit = config.RateLimitConfig{
		Threshold: 3,
		Window:    time.Minute,
		Cooldown:  24 * time.Hour,
	}
	cfg.Transfer = config.TransferConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	cfg.Memory = config.MemoryConfig{ThresholdPercent: 80, CheckEvery: 1000}
	fx.cfg = cfg
	return fx
}

// engine builds a fresh Engine over the shared fixture state, the way each
// CLI invocation would.
func (fx *engineFixture) engine(t *testing.T, brkOpts ...breaker.Option) *Engine {
	t.Helper()

	area, err := staging.NewArea(filepath.Join(fx.dir, "staging"), false, 4)
	require.NoError(t, err)

	monitor := staging.NewMemoryMonitor(fx.cfg.Memory.ThresholdPercent, logger.Nop(),
		staging.WithSampler(func() (float64, error) {
			fx.samples.Add(1)
			return 10, nil
		}))

	brk := breaker.New(
		fx.cfg.RateLimit.Threshold,
		fx.cfg.RateLimit.Window,
		fx.cfg.RateLimit.Cooldown,
		brkOpts...,
	)

	return New(fx.cfg, fx.store, brk, area, monitor, logger.Nop(),
		func(context.Context) (drive.Service, error) {
			fx.clients.Add(1)
			return fx.fake, nil
		})
}

func rateLimitErr() error {
	return &googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
	}
}

func TestRunMirrorsTree(t *testing.T) {
	fx := newEngineFixture(t)
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	folderA := fx.fake.AddFolder(src, "Design")
	folderB := fx.fake.AddFolder(src, "Specs")
	fx.fake.AddFile(folderA, "logo.png", []byte("png bytes"))
	fx.fake.AddFile(folderA, "banner.png", []byte("more png bytes"))
	fx.fake.AddFile(folderB, "rfc.md", []byte("# the plan"))
	fx.fake.AddFile(src, "readme.txt", []byte("hello"))
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	out, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 4, out.Stats.Transferred)
	assert.EqualValues(t, 0, out.Stats.Failed)

	roots := fx.fake.ChildrenOf(parent)
	require.Len(t, roots, 1)
	assert.Equal(t, "Team Drive_BACKUP", roots[0].Name)

	kinds := map[string]drive.Kind{}
	for _, n := range fx.fake.ChildrenOf(roots[0].ID) {
		kinds[n.Name] = n.Kind
	}
	assert.Equal(t, drive.KindFolder, kinds["Design"])
	assert.Equal(t, drive.KindFolder, kinds["Specs"])
	assert.Equal(t, drive.KindFile, kinds["readme.txt"])

	snap := fx.store.Snapshot()
	assert.Equal(t, checkpoint.StatusCompleted, snap.Status)
	assert.True(t, snap.WalkCompleted)
	assert.Empty(t, snap.PendingFiles)
	assert.Empty(t, snap.FailedFiles)
	assert.Equal(t, 4, snap.TotalFilesProcessed)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, roots[0].ID, snap.BackupFolderID)

	// 4 files plus 2 subfolders recorded.
	assert.Equal(t, 6, fx.store.CompletionCount())
}

func TestRunAlreadyCompleted(t *testing.T) {
	fx := newEngineFixture(t)
	fx.cfg.Backup.SourceFolderID = "irrelevant"
	require.NoError(t, fx.store.SetCompleted())

	out, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCompleted, out.Kind)
	assert.Zero(t, fx.clients.Load(), "a settled run makes no network calls")
}

func TestRunRefusedWhileCoolingDown(t *testing.T) {
	fx := newEngineFixture(t)
	fx.cfg.Backup.SourceFolderID = "src-1"

	lastTrip := time.Now().Add(-time.Hour)
	require.NoError(t, fx.store.SetStatus(checkpoint.StatusPaused))
	require.NoError(t, fx.store.SetBreaker(string(breaker.StateOpen), &lastTrip))

	out, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCoolingDown, out.Kind)
	assert.Greater(t, out.RetryAfter, 22*time.Hour)
	assert.WithinDuration(t, lastTrip.Add(24*time.Hour), out.ReopensAt, time.Second)
	assert.Zero(t, fx.clients.Load())
}

func TestRunResumesPendingAndFailed(t *testing.T) {
	fx := newEngineFixture(t)
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	destRoot := fx.fake.AddFolder(parent, "Team Drive_BACKUP")
	pendingA := fx.fake.AddFile(src, "pending-a.txt", []byte("left behind"))
	pendingB := fx.fake.AddFile(src, "pending-b.txt", []byte("also left behind"))
	failedFile := fx.fake.AddFile(src, "failed.txt", []byte("gave up"))
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	require.NoError(t, fx.store.Begin("run-1", src, destRoot))
	require.NoError(t, fx.store.AddPending(pendingA))
	require.NoError(t, fx.store.AddPending(pendingB))
	require.NoError(t, fx.store.AddFailed(failedFile))
	require.NoError(t, fx.store.SetWalkCompleted(true))
	require.NoError(t, fx.store.SetStatus(checkpoint.StatusPaused))

	out, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 3, out.Stats.Transferred)

	// Retried files land directly in the mirror root.
	copies := fx.fake.ChildrenOf(destRoot)
	require.Len(t, copies, 3)
	assert.Zero(t, fx.fake.Calls(drivetest.OpList), "a finished walk is not repeated")

	snap := fx.store.Snapshot()
	assert.Equal(t, checkpoint.StatusCompleted, snap.Status)
	assert.Empty(t, snap.PendingFiles)
	assert.Empty(t, snap.FailedFiles)
}

func TestRunResumeRewalksUnfinishedTree(t *testing.T) {
	fx := newEngineFixture(t)
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	destRoot := fx.fake.AddFolder(parent, "Team Drive_BACKUP")
	archive := fx.fake.AddFolder(src, "Archive")
	fx.fake.AddFile(archive, "old.txt", []byte("already mirrored last run"))
	fx.fake.AddFile(src, "new.txt", []byte("discovered late"))
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	// The previous run finished the Archive subtree, then stopped before
	// reaching the end of the enumeration.
	require.NoError(t, fx.store.Begin("run-1", src, destRoot))
	done := drive.Node{ID: archive, Name: "Archive", Kind: drive.KindFolder}
	require.NoError(t, fx.store.RecordCompletion(done, "mirror-of-archive"))
	require.NoError(t, fx.store.SetStatus(checkpoint.StatusPaused))

	out, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 1, out.Stats.Transferred)

	copies := fx.fake.ChildrenOf(destRoot)
	require.Len(t, copies, 1, "completed subtree is not replicated again")
	assert.Equal(t, "new.txt", copies[0].Name)
	assert.Equal(t, 1, fx.fake.Calls(drivetest.OpList))
	assert.True(t, fx.store.Snapshot().WalkCompleted)
}

func TestRunTripsThenResumesAfterCooldown(t *testing.T) {
	fx := newEngineFixture(t)
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	fx.fake.AddFile(src, "first.txt", []byte("one"))
	fx.fake.AddFile(src, "second.txt", []byte("two"))
	fx.fake.AddFile(src, "third.txt", []byte("three"))
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	// Sustained rate limiting on the very first file trips the breaker.
	fx.fake.FailNext(drivetest.OpDownload, rateLimitErr())
	fx.fake.FailNext(drivetest.OpDownload, rateLimitErr())
	fx.fake.FailNext(drivetest.OpDownload, rateLimitErr())

	out1, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, out1.Kind)
	assert.False(t, out1.ReopensAt.IsZero())
	assert.EqualValues(t, 3, out1.Stats.Pending)

	snap := fx.store.Snapshot()
	assert.Equal(t, checkpoint.StatusPaused, snap.Status)
	assert.Equal(t, string(breaker.StateOpen), snap.CircuitBreakerState)
	require.NotNil(t, snap.LastRateLimitTime)
	assert.Len(t, snap.PendingFiles, 3)
	assert.False(t, snap.WalkCompleted)

	// A second attempt during the cooldown is refused outright.
	out2, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoolingDown, out2.Kind)

	// Once the cooldown elapses the run resumes and finishes.
	afterCooldown := func() time.Time { return time.Now().Add(25 * time.Hour) }
	out3, err := fx.engine(t, breaker.WithClock(afterCooldown)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out3.Kind)
	assert.EqualValues(t, 3, out3.Stats.Transferred)
	assert.EqualValues(t, 3, out3.Stats.Skipped, "the re-walk skips what the retry pass mirrored")

	roots := fx.fake.ChildrenOf(parent)
	require.Len(t, roots, 1, "the mirror root from the tripped run is reused")
	assert.Len(t, fx.fake.ChildrenOf(roots[0].ID), 3)

	snap = fx.store.Snapshot()
	assert.Equal(t, checkpoint.StatusCompleted, snap.Status)
	assert.Equal(t, string(breaker.StateClosed), snap.CircuitBreakerState)
	assert.Empty(t, snap.PendingFiles)
	assert.Empty(t, snap.FailedFiles)
}

func TestRunHonorsShutdownSignal(t *testing.T) {
	fx := newEngineFixture(t)
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	fx.fake.AddFile(src, "untouched.txt", []byte("next time"))
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := fx.engine(t).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, out.Kind)
	assert.Equal(t, checkpoint.StatusPaused, fx.store.Snapshot().Status)
	assert.Zero(t, fx.fake.Calls(drivetest.OpDownload))
}

func TestRunSourceMustBeFolder(t *testing.T) {
	fx := newEngineFixture(t)
	file := fx.fake.AddFile("", "not-a-folder.txt", []byte("nope"))
	fx.cfg.Backup.SourceFolderID = file.ID

	out, err := fx.engine(t).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "not a folder")
	assert.Equal(t, checkpoint.StatusNew, fx.store.Snapshot().Status)
}

func TestRunFailedFilePausesThenRetrySucceeds(t *testing.T) {
	fx := newEngineFixture(t)
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	fx.fake.AddFile(src, "flaky.txt", []byte("second time lucky"))
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	// Permanent error this run; the file is recorded failed and the run
	// pauses for a retry pass.
	fx.fake.FailNext(drivetest.OpDownload, &googleapi.Error{Code: 404, Message: "notFound"})

	out1, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, out1.Kind)
	assert.EqualValues(t, 1, out1.Stats.Failed)

	snap := fx.store.Snapshot()
	assert.Len(t, snap.FailedFiles, 1)
	assert.True(t, snap.WalkCompleted)

	out2, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out2.Kind)
	assert.EqualValues(t, 1, out2.Stats.Transferred)
	assert.Empty(t, fx.store.Snapshot().FailedFiles)
}

func TestRunChecksMemoryPeriodically(t *testing.T) {
	fx := newEngineFixture(t)
	fx.cfg.Memory.CheckEvery = 2
	parent := fx.fake.AddFolder("", "Backups")
	src := fx.fake.AddFolder("", "Team Drive")
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		fx.fake.AddFile(src, name, []byte(name))
	}
	fx.cfg.Backup.SourceFolderID = src
	fx.cfg.Backup.BackupParentID = parent

	out, err := fx.engine(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.EqualValues(t, 2, fx.samples.Load(), "memory sampled every second file")
}
