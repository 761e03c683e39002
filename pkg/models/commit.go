package models

import (
	"encoding/json"
	"time"
)

// Commit is the indexed, immutable metadata of one commit of a project
type Commit struct {
	Hash           string      `json:"hash"`
	ProjectID      string      `json:"project_id"`
	Parents        []string    `json:"parents"`
	AuthorName     string      `json:"author_name"`
	AuthorEmail    string      `json:"author_email"`
	AuthoredAt     time.Time   `json:"authored_at"`
	CommitterName  string      `json:"committer_name"`
	CommitterEmail string      `json:"committer_email"`
	CommittedAt    time.Time   `json:"committed_at"`
	Message        string      `json:"message"`
	Tree           []TreeEntry `json:"tree"`

	// Generation is the length of the longest ancestor chain. A commit
	// always has a higher generation than its parents.
	Generation int `json:"generation"`
}

// IsRoot reports whether the commit has no parent
func (c *Commit) IsRoot() bool {
	return len(c.Parents) == 0
}

// TreeEntry is one flattened entry of a commit tree
type TreeEntry struct {
	Mode   string `json:"mode"`
	Type   string `json:"type"`
	Object string `json:"object"`
	Path   string `json:"path"`
}

// Author identifies the person an upload is attributed to
type Author struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

// Snapshot is the derived GeoJSON artifact of one commit. Write-once.
type Snapshot struct {
	CommitHash string          `json:"commit_hash"`
	ProjectID  string          `json:"project_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}
