package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/staging"
	"github.com/kebairia/drivemirror/internal/transfer"
)

// runBatch fans one folder's files out to the worker pool and waits for all
// of them. Each worker gets its own service client; the Drive SDK is not
// safe to share across goroutines mid-upload. An error return means the run
// must stop; per-file failures are recorded and absorbed.
func (e *Engine) runBatch(ctx context.Context, files []drive.Node, destID string) error {
	if len(files) == 0 {
		return nil
	}

	batchCtx := ctx
	if t := e.cfg.Transfer.BatchTimeout; t > 0 {
		var cancelTimeout context.CancelFunc
		batchCtx, cancelTimeout = context.WithTimeout(ctx, t)
		defer cancelTimeout()
	}
	batchCtx, cancel := context.WithCancel(batchCtx)
	defer cancel()

	workers := e.workerCount(len(files))
	svcs := make([]drive.Service, workers)
	for i := range svcs {
		svc, err := e.newService(batchCtx)
		if err != nil {
			return fmt.Errorf("transfer client: %w", err)
		}
		svcs[i] = svc
	}
	e.log.Debug("transferring batch", "files", len(files), "workers", workers)

	jobs := make(chan drive.Node)
	var (
		wg      sync.WaitGroup
		fatalMu sync.Mutex
		fatal   error
	)
	for _, svc := range svcs {
		wg.Add(1)
		go func(svc drive.Service) {
			defer wg.Done()
			for node := range jobs {
				res := e.pipe.Process(batchCtx, svc, node, destID)
				e.count(res)

				if res.Err != nil && errors.As(res.Err, new(*checkpoint.PersistenceError)) {
					fatalMu.Lock()
					if fatal == nil {
						fatal = res.Err
					}
					fatalMu.Unlock()
					cancel()
				}

				if every := e.cfg.Memory.CheckEvery; every > 0 {
					if n := e.stats.processed.Add(1); n%int64(every) == 0 {
						e.memory.Check()
					}
				}
			}
		}(svc)
	}

	// Files never handed to a worker go straight back to pending so the
	// resume pass picks them up.
	var undispatched []drive.Node
dispatch:
	for i, node := range files {
		select {
		case jobs <- node:
		case <-batchCtx.Done():
			undispatched = files[i:]
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if fatal != nil {
		return fatal
	}
	for _, node := range undispatched {
		if err := e.store.AddPending(node); err != nil {
			return err
		}
		e.stats.pending.Add(1)
	}
	// A dead batch context stops the walk; recorded failures alone do not.
	return batchCtx.Err()
}

func (e *Engine) workerCount(queued int) int {
	n := e.cfg.Backup.Workers
	if n <= 0 {
		n = staging.AutoWorkers()
	}
	if n > queued {
		n = queued
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Engine) count(res transfer.Result) {
	switch res.Status {
	case transfer.StatusDone:
		e.stats.transferred.Add(1)
	case transfer.StatusSkipped:
		e.stats.skipped.Add(1)
	case transfer.StatusFailed:
		e.stats.failed.Add(1)
	case transfer.StatusRateLimited, transfer.StatusCancelled:
		e.stats.pending.Add(1)
	}
}
