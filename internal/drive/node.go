package drive

// Kind distinguishes folders from regular files in a remote tree.
type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

// Node is one object in a remote tree. Nodes are produced by listings and
// never mutated afterwards. Size is zero when the remote does not report
// one (native document formats), MD5 is empty when no content checksum
// exists for the object.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Size int64  `json:"size,omitempty"`
	MD5  string `json:"md5,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n Node) IsFolder() bool {
	return n.Kind == KindFolder
}
