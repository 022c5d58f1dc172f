// Package gitremote is the remote object store client: read and write git
// objects, refs and pull requests of one hosted repository without a
// working copy.
package gitremote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tree entry modes as reported by the hosting API.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeDir        = "040000"
	ModeSubmodule  = "160000"
)

// Tree entry object types.
const (
	TypeBlob   = "blob"
	TypeTree   = "tree"
	TypeCommit = "commit"
)

// Pull request file statuses.
const (
	StatusAdded    = "added"
	StatusModified = "modified"
	StatusRemoved  = "removed"
	StatusRenamed  = "renamed"
)

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

var (
	// ErrNotFound is returned when a ref, object, pull request or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActionConflict is returned when a pull request already left the state
	// a merge or close expects.
	ErrActionConflict = errors.New("pull request state already changed")
	// ErrNotMergeable is returned when an open pull request cannot be merged,
	// for example because of conflicts or branch protection.
	ErrNotMergeable = errors.New("pull request is not mergeable")
)

// RefConflictError reports a rejected ref update: the branch no longer points
// at the expected commit, or the new commit does not descend from it.
type RefConflictError struct {
	Branch   string
	Expected string
	Actual   string
	Err      error
}

func (e *RefConflictError) Error() string {
	if e.Actual != "" {
		return fmt.Sprintf("ref heads/%s moved: expected %s, found %s", e.Branch, short(e.Expected), short(e.Actual))
	}
	if e.Err != nil {
		return fmt.Sprintf("ref heads/%s update rejected: %v", e.Branch, e.Err)
	}
	return fmt.Sprintf("ref heads/%s update rejected", e.Branch)
}

func (e *RefConflictError) Unwrap() error { return e.Err }

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

type Commit struct {
	SHA     string
	TreeSHA string
	Parents []string
	Message string
	Author  Signature
}

// NewCommit describes a commit to create.
type NewCommit struct {
	TreeSHA string
	Parents []string
	Message string
	Author  Signature
}

// TreeEntry is one direct child of a tree. Path is the entry name, never a
// nested path.
type TreeEntry struct {
	Path string
	Mode string
	Type string
	SHA  string
}

type Tree struct {
	SHA     string
	Entries []TreeEntry
}

// FileChange is one file in a pull request or comparison.
type FileChange struct {
	Path   string
	Status string
}

type PullRequest struct {
	Number         int
	Title          string
	State          string
	Merged         bool
	HeadSHA        string
	HeadRef        string
	BaseRef        string
	MergeCommitSHA string
	HTMLURL        string
}

type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// Comparison lists the files that differ between two commits.
type Comparison struct {
	BaseSHA string
	HeadSHA string
	Files   []FileChange
}

// Store is scoped to one repository. Every method is a remote call and
// honours ctx cancellation.
type Store interface {
	Repository() string
	DefaultBranch(ctx context.Context) (string, error)

	ResolveRef(ctx context.Context, branch string) (string, error)
	GetCommit(ctx context.Context, sha string) (*Commit, error)
	GetTree(ctx context.Context, sha string) (*Tree, error)
	CreateBlob(ctx context.Context, content []byte) (string, error)
	CreateTree(ctx context.Context, entries []TreeEntry) (*Tree, error)
	CreateCommit(ctx context.Context, commit NewCommit) (*Commit, error)
	// UpdateRef moves branch to newSHA only if it currently points at
	// expectedSHA and the update is a fast-forward.
	UpdateRef(ctx context.Context, branch, newSHA, expectedSHA string) error
	CreateRef(ctx context.Context, branch, sha string) error
	CompareCommits(ctx context.Context, base, head string) (*Comparison, error)
	GetFileContents(ctx context.Context, path, ref string) ([]byte, error)

	PullRequestsForCommit(ctx context.Context, sha string) ([]PullRequest, error)
	ListOpenPullRequests(ctx context.Context, base string) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	ListPullRequestFiles(ctx context.Context, number int) ([]FileChange, error)
	MergePullRequest(ctx context.Context, number int, message string) error
	UpdatePullRequestState(ctx context.Context, number int, state string) error
	CreatePullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error)
	CreateComment(ctx context.Context, number int, body string) error
}

// IsMergeCommit reports whether c has more than one parent.
func (c *Commit) IsMergeCommit() bool {
	return c != nil && len(c.Parents) > 1
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// ShortSHA abbreviates a commit sha for branch names and messages.
func ShortSHA(sha string) string {
	return short(sha)
}
