package drive

import (
	"context"
	"io"
)

// Service is the set of remote storage operations the replication engine
// consumes. The engine builds one Service per worker rather than sharing a
// single instance, so implementations only need to be safe for sequential
// use by their owning goroutine; implementations that are fully
// concurrency-safe (like the test fake) may be shared.
type Service interface {
	// Metadata fetches a single node by id.
	Metadata(ctx context.Context, id string) (Node, error)

	// ListChildren returns one page of the direct children of a folder.
	// Pass the returned token back in to fetch the next page; an empty
	// token means the listing is complete.
	ListChildren(ctx context.Context, folderID, pageToken string) ([]Node, string, error)

	// CreateFolder creates an empty folder under parentID and returns its id.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// FindFolder returns the id of a folder named name directly under
	// parentID. Returns ErrNotFound when no such folder exists.
	FindFolder(ctx context.Context, name, parentID string) (string, error)

	// Download streams the content of a file into w and returns the number
	// of bytes written.
	Download(ctx context.Context, fileID string, w io.Writer) (int64, error)

	// Upload creates a file named meta.Name under parentID from r and
	// returns the created node as reported by the remote, including the
	// remote-computed checksum when the service provides one.
	Upload(ctx context.Context, meta Node, parentID string, r io.Reader) (Node, error)

	// Delete permanently removes a node.
	Delete(ctx context.Context, id string) error
}
