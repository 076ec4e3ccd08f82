// Package walker enumerates the source tree depth-first and mirrors its
// folder hierarchy, handing each folder's files to a batch callback for
// transfer.
package walker

import (
	"context"
	"errors"
	"fmt"

	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/logger"
)

// BatchFunc transfers one folder's files into the given destination folder.
// It returns an error only when the walk must stop (shutdown, breaker trip,
// unwritable checkpoint); per-file failures are recorded in the checkpoint
// and do not interrupt the walk.
type BatchFunc func(ctx context.Context, files []drive.Node, destFolderID string) error

// Walker descends the source hierarchy. Subtrees are finished before their
// parent folder is recorded complete, so an interrupted walk never hides
// unvisited children behind a completion record.
type Walker struct {
	svc   drive.Service
	store *checkpoint.Store
	log   logger.Logger
	batch BatchFunc
}

func New(svc drive.Service, store *checkpoint.Store, log logger.Logger, batch BatchFunc) *Walker {
	return &Walker{svc: svc, store: store, log: log, batch: batch}
}

// Walk mirrors the folder tree rooted at srcID into destID. Each level
// replicates its subfolders first and then hands its own files to the batch
// callback. Errors from listing or folder creation propagate up and leave
// the run resumable; the next run re-walks and skips whatever already
// finished.
func (w *Walker) Walk(ctx context.Context, srcID, destID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.store.SetCurrentFolder(srcID); err != nil {
		return err
	}

	var folders, files []drive.Node
	pageToken := ""
	for {
		children, next, err := w.svc.ListChildren(ctx, srcID, pageToken)
		if err != nil {
			return fmt.Errorf("list folder %s: %w", srcID, err)
		}
		for _, child := range children {
			if child.IsFolder() {
				folders = append(folders, child)
			} else {
				files = append(files, child)
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.store.Completed(folder.ID) {
			w.log.Debug("subtree already mirrored", "name", folder.Name, "id", folder.ID)
			continue
		}

		childDestID, err := w.ensureFolder(ctx, folder.Name, destID)
		if err != nil {
			return fmt.Errorf("mirror folder %q: %w", folder.Name, err)
		}
		if err := w.Walk(ctx, folder.ID, childDestID); err != nil {
			return err
		}
		// Recorded only once the whole subtree is done; a resume pass
		// revisits anything unfinished underneath.
		if err := w.store.RecordCompletion(folder, childDestID); err != nil {
			return err
		}
	}

	if len(files) == 0 {
		return nil
	}
	return w.batch(ctx, files, destID)
}

func (w *Walker) ensureFolder(ctx context.Context, name, parentID string) (string, error) {
	id, created, err := EnsureFolder(ctx, w.svc, name, parentID)
	if err != nil {
		return "", err
	}
	if created {
		w.log.Info("created mirror folder", "name", name, "id", id)
	}
	return id, nil
}

// EnsureFolder returns the id of the named folder under parentID, creating
// it when absent. Looking before creating keeps interrupted runs from
// growing duplicate siblings in the mirror. The bool reports whether a
// folder was created.
func EnsureFolder(
	ctx context.Context,
	svc drive.Service,
	name, parentID string,
) (string, bool, error) {
	id, err := svc.FindFolder(ctx, name, parentID)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, drive.ErrNotFound) {
		return "", false, err
	}

	id, err = svc.CreateFolder(ctx, name, parentID)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
