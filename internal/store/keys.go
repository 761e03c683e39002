package store

import "net/url"

// Key layout of every record kind
const (
	prefixProject  = "project"
	prefixMutex    = "mutex"
	prefixHolder   = "mutex-holder"
	prefixCommit   = "commit"
	prefixSnapshot = "snapshot"
)

// ProjectKey addresses a project record
func ProjectKey(projectID string) string { return Key(prefixProject, projectID) }

// ProjectPrefix lists every project
func ProjectPrefix() string { return prefixProject + "/" }

// MutexKey addresses one mutex of a project, open or closed
func MutexKey(projectID, mutexID string) string { return Key(prefixMutex, projectID, mutexID) }

// MutexPrefix lists the mutex history of a project
func MutexPrefix(projectID string) string { return Key(prefixMutex, projectID) + "/" }

// HolderKey indexes the open mutex a user holds on a project. The user name
// is escaped so that it stays a single key segment.
func HolderKey(user, projectID string) string {
	return Key(prefixHolder, url.PathEscape(user), projectID)
}

// HolderPrefix lists the open mutexes held by a user
func HolderPrefix(user string) string { return Key(prefixHolder, url.PathEscape(user)) + "/" }

// CommitKey addresses an indexed commit
func CommitKey(projectID, hash string) string { return Key(prefixCommit, projectID, hash) }

// CommitPrefix lists the indexed commits of a project
func CommitPrefix(projectID string) string { return Key(prefixCommit, projectID) + "/" }

// SnapshotKey addresses the GeoJSON snapshot of a commit
func SnapshotKey(projectID, hash string) string { return Key(prefixSnapshot, projectID, hash) }

// SnapshotPrefix lists the snapshots of a project
func SnapshotPrefix(projectID string) string { return Key(prefixSnapshot, projectID) + "/" }
