package drive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2/google"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Field sets requested on every node-returning call. Keeping them minimal
// keeps listing pages small on wide folders.
const (
	nodeFields = "id, name, mimeType, size, md5Checksum"
	listFields = "nextPageToken, files(id, name, mimeType, size, md5Checksum)"
)

const (
	defaultPageSize  = 100
	defaultChunkSize = 10 * 1024 * 1024
)

type ClientOption func(*Client)

// WithChunkSize sets the transfer chunk size in bytes for downloads and
// resumable uploads.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithPageSize sets how many children one listing page returns.
func WithPageSize(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// Client implements Service against the Google Drive v3 API.
type Client struct {
	svc       *gdrive.Service
	chunkSize int
	pageSize  int64
}

var _ Service = (*Client)(nil)

// NewClient builds an authenticated Drive client from service-account or
// authorized-user JSON credentials.
func NewClient(ctx context.Context, credentialsJSON []byte, opts ...ClientOption) (*Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, gdrive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse drive credentials: %w", err)
	}
	svc, err := gdrive.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	client := &Client{
		svc:       svc,
		chunkSize: defaultChunkSize,
		pageSize:  defaultPageSize,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Metadata fetches a single node by id.
func (c *Client) Metadata(ctx context.Context, id string) (Node, error) {
	f, err := c.svc.Files.Get(id).Fields(googleapi.Field(nodeFields)).Context(ctx).Do()
	if err != nil {
		return Node{}, fmt.Errorf("metadata for %s: %w", id, err)
	}
	return nodeFromFile(f), nil
}

// ListChildren returns one page of the direct children of a folder.
func (c *Client) ListChildren(
	ctx context.Context,
	folderID, pageToken string,
) ([]Node, string, error) {
	call := c.svc.Files.List().
		Q(fmt.Sprintf("%s in parents and trashed = false", quote(folderID))).
		Fields(googleapi.Field(listFields)).
		PageSize(c.pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("list children of %s: %w", folderID, err)
	}

	nodes := make([]Node, 0, len(resp.Files))
	for _, f := range resp.Files {
		nodes = append(nodes, nodeFromFile(f))
	}
	return nodes, resp.NextPageToken, nil
}

// CreateFolder creates an empty folder under parentID and returns its id.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	meta := &gdrive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}
	created, err := c.svc.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return created.Id, nil
}

// FindFolder returns the id of a folder named name directly under parentID.
func (c *Client) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf(
		"name = %s and %s in parents and mimeType = '%s' and trashed = false",
		quote(name), quote(parentID), folderMimeType,
	)
	resp, err := c.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("find folder %q: %w", name, err)
	}
	if len(resp.Files) == 0 {
		return "", fmt.Errorf("folder %q under %s: %w", name, parentID, ErrNotFound)
	}
	return resp.Files[0].Id, nil
}

// Download streams the content of a file into w in chunk-sized copies.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	n, err := io.CopyBuffer(w, resp.Body, make([]byte, c.chunkSize))
	if err != nil {
		return n, fmt.Errorf("download %s: %w", fileID, err)
	}
	return n, nil
}

// Upload creates a file under parentID from r via a resumable upload and
// returns the created node, including the checksum Drive computed for it.
func (c *Client) Upload(
	ctx context.Context,
	meta Node,
	parentID string,
	r io.Reader,
) (Node, error) {
	f := &gdrive.File{
		Name:    meta.Name,
		Parents: []string{parentID},
	}
	created, err := c.svc.Files.Create(f).
		Media(r, googleapi.ChunkSize(c.chunkSize)).
		Fields(googleapi.Field(nodeFields)).
		Context(ctx).
		Do()
	if err != nil {
		return Node{}, fmt.Errorf("upload %q: %w", meta.Name, err)
	}
	return nodeFromFile(created), nil
}

// Delete permanently removes a node.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.svc.Files.Delete(id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func nodeFromFile(f *gdrive.File) Node {
	kind := KindFile
	if f.MimeType == folderMimeType {
		kind = KindFolder
	}
	return Node{
		ID:   f.Id,
		Name: f.Name,
		Kind: kind,
		Size: f.Size,
		MD5:  f.Md5Checksum,
	}
}

// quote escapes a value for use inside a Drive query expression.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
