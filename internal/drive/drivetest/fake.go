// Package drivetest provides an in-memory drive.Service for tests.
package drivetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/kebairia/drivemirror/internal/drive"
)

// Operation names accepted by FailNext and Calls.
const (
	OpMetadata     = "metadata"
	OpList         = "list"
	OpCreateFolder = "create_folder"
	OpFindFolder   = "find_folder"
	OpDownload     = "download"
	OpUpload       = "upload"
	OpDelete       = "delete"
)

// Fake is an in-memory drive.Service. Safe for concurrent use, so one
// instance can back every worker in a test.
type Fake struct {
	mu       sync.Mutex
	objects  map[string]*object
	seq      int
	failures map[string][]error
	calls    map[string]int

	// PageSize limits how many children one ListChildren page returns.
	// Zero returns everything on a single page.
	PageSize int

	// TruncateDownloads makes the next n downloads deliver only half of the
	// stored bytes, for size verification tests.
	TruncateDownloads int

	// WrongUploadMD5 makes the next n uploads report a bogus checksum while
	// storing the real bytes, for checksum verification tests.
	WrongUploadMD5 int

	// OmitUploadMD5 strips checksums from upload responses.
	OmitUploadMD5 bool
}

type object struct {
	node   drive.Node
	parent string
	data   []byte
}

var _ drive.Service = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		objects:  make(map[string]*object),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// AddFolder registers a folder and returns its id. An empty parent makes it
// a root visible only through its id.
func (f *Fake) AddFolder(parent, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextIDLocked()
	f.objects[id] = &object{
		node:   drive.Node{ID: id, Name: name, Kind: drive.KindFolder},
		parent: parent,
	}
	return id
}

// AddFile registers a file with content and returns its node.
func (f *Fake) AddFile(parent, name string, data []byte) drive.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextIDLocked()
	sum := md5.Sum(data)
	node := drive.Node{
		ID:   id,
		Name: name,
		Kind: drive.KindFile,
		Size: int64(len(data)),
		MD5:  hex.EncodeToString(sum[:]),
	}
	f.objects[id] = &object{node: node, parent: parent, data: append([]byte(nil), data...)}
	return node
}

// FailNext queues err to be returned by the next call of the named
// operation. Repeated calls build a script consumed in order.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls reports how many times the named operation was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Object returns the stored node by id.
func (f *Fake) Object(id string) (drive.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	if !ok {
		return drive.Node{}, false
	}
	return o.node, true
}

// Content returns the stored bytes of a file.
func (f *Fake) Content(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), o.data...)
}

// ChildrenOf returns the direct children of a folder.
func (f *Fake) ChildrenOf(parent string) []drive.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childrenLocked(parent)
}

// --- drive.Service ---

func (f *Fake) Metadata(_ context.Context, id string) (drive.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepLocked(OpMetadata); err != nil {
		return drive.Node{}, err
	}
	o, ok := f.objects[id]
	if !ok {
		return drive.Node{}, fmt.Errorf("metadata for %s: %w", id, drive.ErrNotFound)
	}
	return o.node, nil
}

func (f *Fake) ListChildren(
	_ context.Context,
	folderID, pageToken string,
) ([]drive.Node, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepLocked(OpList); err != nil {
		return nil, "", err
	}

	children := f.childrenLocked(folderID)
	start := 0
	if pageToken != "" {
		start, _ = strconv.Atoi(pageToken)
	}
	if start >= len(children) {
		return nil, "", nil
	}

	end := len(children)
	next := ""
	if f.PageSize > 0 && start+f.PageSize < len(children) {
		end = start + f.PageSize
		next = strconv.Itoa(end)
	}
	return children[start:end], next, nil
}

func (f *Fake) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepLocked(OpCreateFolder); err != nil {
		return "", err
	}
	id := f.nextIDLocked()
	f.objects[id] = &object{
		node:   drive.Node{ID: id, Name: name, Kind: drive.KindFolder},
		parent: parentID,
	}
	return id, nil
}

func (f *Fake) FindFolder(_ context.Context, name, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepLocked(OpFindFolder); err != nil {
		return "", err
	}
	for _, child := range f.childrenLocked(parentID) {
		if child.IsFolder() && child.Name == name {
			return child.ID, nil
		}
	}
	return "", fmt.Errorf("folder %q under %s: %w", name, parentID, drive.ErrNotFound)
}

func (f *Fake) Download(_ context.Context, fileID string, w io.Writer) (int64, error) {
	f.mu.Lock()
	if err := f.stepLocked(OpDownload); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	o, ok := f.objects[fileID]
	if !ok {
		f.mu.Unlock()
		return 0, fmt.Errorf("download %s: %w", fileID, drive.ErrNotFound)
	}
	data := o.data
	if f.TruncateDownloads > 0 {
		f.TruncateDownloads--
		data = data[:len(data)/2]
	}
	f.mu.Unlock()

	return io.Copy(w, bytes.NewReader(data))
}

func (f *Fake) Upload(
	_ context.Context,
	meta drive.Node,
	parentID string,
	r io.Reader,
) (drive.Node, error) {
	data, rerr := io.ReadAll(r)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepLocked(OpUpload); err != nil {
		return drive.Node{}, err
	}
	if rerr != nil {
		return drive.Node{}, fmt.Errorf("upload %q: %w", meta.Name, rerr)
	}

	sum := md5.Sum(data)
	id := f.nextIDLocked()
	node := drive.Node{
		ID:   id,
		Name: meta.Name,
		Kind: drive.KindFile,
		Size: int64(len(data)),
		MD5:  hex.EncodeToString(sum[:]),
	}
	f.objects[id] = &object{node: node, parent: parentID, data: data}

	out := node
	if f.WrongUploadMD5 > 0 {
		f.WrongUploadMD5--
		out.MD5 = "00000000000000000000000000000000"
	}
	if f.OmitUploadMD5 {
		out.MD5 = ""
	}
	return out, nil
}

func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stepLocked(OpDelete); err != nil {
		return err
	}
	if _, ok := f.objects[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, drive.ErrNotFound)
	}
	delete(f.objects, id)
	return nil
}

// --- internals ---

func (f *Fake) stepLocked(op string) error {
	f.calls[op]++
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *Fake) nextIDLocked() string {
	f.seq++
	return fmt.Sprintf("id-%04d", f.seq)
}

func (f *Fake) childrenLocked(parent string) []drive.Node {
	var children []drive.Node
	for _, o := range f.objects {
		if o.parent == parent {
			children = append(children, o.node)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children
}
