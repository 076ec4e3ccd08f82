// Package transfer moves single objects from the source tree to the mirror,
// verifying integrity at each hop and recording every outcome in the
// checkpoint so an interrupted run can resume without re-copying.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kebairia/drivemirror/internal/breaker"
	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/logger"
	"github.com/kebairia/drivemirror/internal/staging"
)

// ErrIntegrity reports a size or checksum mismatch after a transfer step.
// Integrity failures are retryable: the partial artifact is removed and the
// step runs again.
var ErrIntegrity = errors.New("integrity check failed")

// errTripped aborts a retry loop once the breaker has opened; the run is
// pausing and further attempts would keep hammering a hard quota.
var errTripped = errors.New("circuit breaker tripped")

// Pipeline executes the per-object transfer sequence: skip if already
// mirrored, gate on the breaker, download to staging, verify size, upload,
// verify checksum, record completion. One Pipeline is shared by all workers;
// per-call state lives on the stack.
type Pipeline struct {
	store    *checkpoint.Store
	breaker  *breaker.Breaker
	area     *staging.Area
	log      logger.Logger
	settings Settings

	// onTrip, when set, is invoked on every breaker trip to request global
	// shutdown of the run.
	onTrip func()
}

func New(
	store *checkpoint.Store,
	brk *breaker.Breaker,
	area *staging.Area,
	log logger.Logger,
	settings Settings,
	onTrip func(),
) *Pipeline {
	return &Pipeline{
		store:    store,
		breaker:  brk,
		area:     area,
		log:      log,
		settings: settings.withDefaults(),
		onTrip:   onTrip,
	}
}

// Process runs the transfer sequence for one file and reports the outcome.
// Every terminal path leaves the node recorded in the checkpoint: completed
// on success, failed after exhausted or permanent errors, pending when the
// breaker or a shutdown got in the way.
func (p *Pipeline) Process(
	ctx context.Context,
	svc drive.Service,
	node drive.Node,
	destParentID string,
) Result {
	if p.store.Completed(node.ID) {
		p.log.Debug("already mirrored, skipping", "name", node.Name, "id", node.ID)
		return Result{Status: StatusSkipped}
	}

	// Breaker gate before any network I/O.
	if ok, retryAfter := p.breaker.Proceed(); !ok {
		p.log.Warn("transfer refused, circuit open",
			"name", node.Name,
			"retry_after", retryAfter.Round(time.Second).String())
		if err := p.store.AddPending(node); err != nil {
			return Result{Status: StatusFailed, Err: err}
		}
		return Result{Status: StatusRateLimited}
	}

	if ctx.Err() != nil {
		if err := p.store.AddPending(node); err != nil {
			return Result{Status: StatusFailed, Err: err}
		}
		return Result{Status: StatusCancelled}
	}

	res := p.transfer(ctx, svc, node, destParentID)

	switch res.Status {
	case StatusRateLimited, StatusCancelled:
		if err := p.store.AddPending(node); err != nil {
			return Result{Status: StatusFailed, Err: err}
		}
	case StatusFailed:
		if errors.As(res.Err, new(*checkpoint.PersistenceError)) {
			// The checkpoint itself is unwritable; surface untouched so the
			// run aborts instead of silently losing progress.
			return res
		}
		p.log.Error("transfer failed", "name", node.Name, "error", res.Err.Error())
		if err := p.store.AddFailed(node); err != nil {
			return Result{Status: StatusFailed, Err: err}
		}
	}
	return res
}

func (p *Pipeline) transfer(
	ctx context.Context,
	svc drive.Service,
	node drive.Node,
	destParentID string,
) Result {
	// Staged bytes never outlive the call.
	defer p.area.Remove(node.ID)

	digest, err := p.download(ctx, svc, node)
	if err != nil {
		return p.resultFor(node, "download", err)
	}

	destID, err := p.upload(ctx, svc, node, destParentID, digest)
	if err != nil {
		return p.resultFor(node, "upload", err)
	}

	if err := p.finalize(ctx, node, destID); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}

	p.breaker.RecordSuccess()
	p.log.Info("mirrored", "name", node.Name, "id", node.ID, "backup_id", destID)
	return Result{Status: StatusDone}
}

// download stages the object's bytes and returns the hex digest of what was
// actually received. The remote API reports md5, so md5 is what we compare.
func (p *Pipeline) download(
	ctx context.Context,
	svc drive.Service,
	node drive.Node,
) (string, error) {
	var digest string
	op := func() error {
		sp, err := p.area.Create(ctx, node.ID)
		if err != nil {
			return p.classify(node, err)
		}
		hash := md5.New()
		n, err := svc.Download(ctx, node.ID, io.MultiWriter(sp, hash))
		closeErr := sp.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			p.area.Remove(node.ID)
			return p.classify(node, err)
		}
		// Size 0 means the source did not declare one; nothing to verify.
		if node.Size > 0 && n != node.Size {
			p.area.Remove(node.ID)
			return p.classify(node, fmt.Errorf("%w: %q: downloaded %d bytes, source declares %d",
				ErrIntegrity, node.Name, n, node.Size))
		}
		digest = hex.EncodeToString(hash.Sum(nil))
		return nil
	}
	if err := backoff.Retry(op, p.settings.newBackOff(ctx)); err != nil {
		return "", err
	}
	return digest, nil
}

// upload sends the staged bytes and returns the destination id. A checksum
// mismatch deletes the just-created remote object before the retry, so a
// corrupt copy never survives in the mirror.
func (p *Pipeline) upload(
	ctx context.Context,
	svc drive.Service,
	node drive.Node,
	destParentID, digest string,
) (string, error) {
	var destID string
	op := func() error {
		sp, err := p.area.Open(ctx, node.ID)
		if err != nil {
			return p.classify(node, err)
		}
		created, err := svc.Upload(ctx, node, destParentID, sp)
		closeErr := sp.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			return p.classify(node, err)
		}

		want, got := node.MD5, created.MD5
		if got == "" {
			// Destination omitted its checksum; fall back to the digest of
			// the bytes we staged.
			got = digest
		}
		if want != "" && got != "" && !strings.EqualFold(want, got) {
			if derr := svc.Delete(ctx, created.ID); derr != nil {
				p.log.Warn("remove mismatched copy", "name", node.Name, "error", derr.Error())
			}
			return p.classify(node, fmt.Errorf("%w: %q: uploaded checksum %s, source declares %s",
				ErrIntegrity, node.Name, got, want))
		}
		destID = created.ID
		return nil
	}
	if err := backoff.Retry(op, p.settings.newBackOff(ctx)); err != nil {
		return "", err
	}
	return destID, nil
}

// finalize makes the completion durable. The checkpoint write gets the same
// bounded retry as the network steps; only after that is failure fatal.
func (p *Pipeline) finalize(ctx context.Context, node drive.Node, destID string) error {
	op := func() error {
		return p.store.Complete(node, destID)
	}
	return backoff.Retry(op, p.settings.newBackOff(ctx))
}

// classify translates a step error into retry control flow: rate limits feed
// the breaker and abort everything once it trips, cancellation and permanent
// errors abort immediately, anything else gets another attempt after backoff.
func (p *Pipeline) classify(node drive.Node, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	switch drive.Classify(err) {
	case drive.ClassRateLimit:
		p.log.Warn("rate limited", "name", node.Name)
		if p.breaker.RecordFailure() {
			p.trip()
			return backoff.Permanent(fmt.Errorf("%w: %v", errTripped, err))
		}
		// Not tripped yet: the rate limit consumes a local retry.
		return err
	case drive.ClassPermanent:
		return backoff.Permanent(err)
	default:
		return err
	}
}

// trip persists the paused status and requests global shutdown. The breaker
// source hook mirrors the open state into the same checkpoint write.
func (p *Pipeline) trip() {
	st := p.breaker.Status()
	p.log.Error("circuit breaker tripped, pausing run",
		"reopens_at", st.ReopensAt.Format(time.RFC3339))
	if err := p.store.SetStatus(checkpoint.StatusPaused); err != nil {
		p.log.Error("persist paused status", "error", err.Error())
	}
	if p.onTrip != nil {
		p.onTrip()
	}
}

func (p *Pipeline) resultFor(node drive.Node, step string, err error) Result {
	switch {
	case errors.Is(err, errTripped):
		return Result{Status: StatusRateLimited, Err: err}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Result{Status: StatusCancelled, Err: err}
	default:
		return Result{Status: StatusFailed, Err: fmt.Errorf("%s %q: %w", step, node.Name, err)}
	}
}
