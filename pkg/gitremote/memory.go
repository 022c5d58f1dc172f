package gitremote

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a content-addressed in-memory Store. Object ids are real git
// object hashes, so identical content always yields identical ids.
type MemoryStore struct {
	mu            sync.Mutex
	repo          string
	defaultBranch string
	blobs         map[string][]byte
	trees         map[string][]TreeEntry
	commits       map[string]*Commit
	refs          map[string]string
	pulls         map[int]*memoryPull
	calls         map[string]int
	failures      map[string]error

	// BeforeUpdateRef runs before every UpdateRef, without the store lock
	// held, so a test can move the branch like a concurrent writer would.
	BeforeUpdateRef func(branch string)
}

type memoryPull struct {
	pr       PullRequest
	files    []FileChange
	comments []string
}

func NewMemoryStore(repo, defaultBranch string) *MemoryStore {
	return &MemoryStore{
		repo:          repo,
		defaultBranch: defaultBranch,
		blobs:         make(map[string][]byte),
		trees:         make(map[string][]TreeEntry),
		commits:       make(map[string]*Commit),
		refs:          make(map[string]string),
		pulls:         make(map[int]*memoryPull),
		calls:         make(map[string]int),
		failures:      make(map[string]error),
	}
}

// FailOn makes every later call of method return err.
func (m *MemoryStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// Calls returns how many times method was invoked.
func (m *MemoryStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MemoryStore) enter(ctx context.Context, method string) error {
	m.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.failures[method]
}

// WriteFiles stores files (path -> content) as nested trees and returns the
// root tree sha.
func (m *MemoryStore) WriteFiles(files map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type dir struct {
		files map[string]string
		dirs  map[string]*dir
	}
	newDir := func() *dir { return &dir{files: map[string]string{}, dirs: map[string]*dir{}} }
	root := newDir()
	for filePath, content := range files {
		parts := strings.Split(strings.Trim(filePath, "/"), "/")
		cur := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur.dirs[part]
			if !ok {
				next = newDir()
				cur.dirs[part] = next
			}
			cur = next
		}
		cur.files[parts[len(parts)-1]] = m.putBlob([]byte(content))
	}

	var write func(d *dir) (string, error)
	write = func(d *dir) (string, error) {
		entries := make([]TreeEntry, 0, len(d.files)+len(d.dirs))
		for name, sha := range d.files {
			entries = append(entries, TreeEntry{Path: name, Mode: ModeFile, Type: TypeBlob, SHA: sha})
		}
		for name, child := range d.dirs {
			sha, err := write(child)
			if err != nil {
				return "", err
			}
			entries = append(entries, TreeEntry{Path: name, Mode: ModeDir, Type: TypeTree, SHA: sha})
		}
		return m.putTree(entries)
	}
	return write(root)
}

// CommitFiles writes files as a tree and commits it with parents.
func (m *MemoryStore) CommitFiles(files map[string]string, message string, parents ...string) (string, error) {
	tree, err := m.WriteFiles(files)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	commit, err := m.putCommit(NewCommit{
		TreeSHA: tree,
		Parents: parents,
		Message: message,
		Author:  Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)},
	})
	if err != nil {
		return "", err
	}
	return commit.SHA, nil
}

// SetRef points branch at sha unconditionally.
func (m *MemoryStore) SetRef(branch, sha string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[branch] = sha
}

// AddPullRequest registers a pull request and its changed files.
func (m *MemoryStore) AddPullRequest(pr PullRequest, files []FileChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr.State == "" {
		pr.State = StateOpen
	}
	m.pulls[pr.Number] = &memoryPull{pr: pr, files: append([]FileChange(nil), files...)}
}

// Comments returns the comments posted on a pull request.
func (m *MemoryStore) Comments(number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pull, ok := m.pulls[number]; ok {
		return append([]string(nil), pull.comments...)
	}
	return nil
}

// Paths lists every file path reachable from the commit's tree, sorted.
func (m *MemoryStore) Paths(commitSHA string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commit, ok := m.commits[commitSHA]
	if !ok {
		return nil, ErrNotFound
	}
	flat := make(map[string]string)
	if err := m.flatten(commit.TreeSHA, "", flat); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(flat))
	for p := range flat {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Repository() string { return m.repo }

func (m *MemoryStore) DefaultBranch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "DefaultBranch"); err != nil {
		return "", err
	}
	return m.defaultBranch, nil
}

func (m *MemoryStore) ResolveRef(ctx context.Context, branch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ResolveRef"); err != nil {
		return "", err
	}
	sha, ok := m.refs[branch]
	if !ok {
		return "", fmt.Errorf("ref heads/%s: %w", branch, ErrNotFound)
	}
	return sha, nil
}

func (m *MemoryStore) GetCommit(ctx context.Context, sha string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "GetCommit"); err != nil {
		return nil, err
	}
	commit, ok := m.commits[sha]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", short(sha), ErrNotFound)
	}
	out := *commit
	out.Parents = append([]string(nil), commit.Parents...)
	return &out, nil
}

func (m *MemoryStore) GetTree(ctx context.Context, sha string) (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "GetTree"); err != nil {
		return nil, err
	}
	entries, ok := m.trees[sha]
	if !ok {
		return nil, fmt.Errorf("tree %s: %w", short(sha), ErrNotFound)
	}
	return &Tree{SHA: sha, Entries: append([]TreeEntry(nil), entries...)}, nil
}

func (m *MemoryStore) CreateBlob(ctx context.Context, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateBlob"); err != nil {
		return "", err
	}
	return m.putBlob(content), nil
}

func (m *MemoryStore) CreateTree(ctx context.Context, entries []TreeEntry) (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateTree"); err != nil {
		return nil, err
	}
	sha, err := m.putTree(entries)
	if err != nil {
		return nil, err
	}
	return &Tree{SHA: sha, Entries: append([]TreeEntry(nil), m.trees[sha]...)}, nil
}

func (m *MemoryStore) CreateCommit(ctx context.Context, commit NewCommit) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateCommit"); err != nil {
		return nil, err
	}
	return m.putCommit(commit)
}

func (m *MemoryStore) putCommit(commit NewCommit) (*Commit, error) {
	if _, ok := m.trees[commit.TreeSHA]; !ok {
		return nil, fmt.Errorf("tree %s: %w", short(commit.TreeSHA), ErrNotFound)
	}
	for _, parent := range commit.Parents {
		if _, ok := m.commits[parent]; !ok {
			return nil, fmt.Errorf("parent %s: %w", short(parent), ErrNotFound)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", commit.TreeSHA)
	for _, parent := range commit.Parents {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	when := commit.Author.When.Unix()
	fmt.Fprintf(&buf, "author %s <%s> %d +0000\n", commit.Author.Name, commit.Author.Email, when)
	fmt.Fprintf(&buf, "committer %s <%s> %d +0000\n\n", commit.Author.Name, commit.Author.Email, when)
	buf.WriteString(commit.Message)

	sha := hashObject("commit", buf.Bytes())
	stored := &Commit{
		SHA:     sha,
		TreeSHA: commit.TreeSHA,
		Parents: append([]string(nil), commit.Parents...),
		Message: commit.Message,
		Author:  commit.Author,
	}
	m.commits[sha] = stored
	out := *stored
	return &out, nil
}

func (m *MemoryStore) UpdateRef(ctx context.Context, branch, newSHA, expectedSHA string) error {
	m.mu.Lock()
	hook := m.BeforeUpdateRef
	m.mu.Unlock()
	if hook != nil {
		hook(branch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpdateRef"); err != nil {
		return err
	}
	current, ok := m.refs[branch]
	if !ok {
		return fmt.Errorf("ref heads/%s: %w", branch, ErrNotFound)
	}
	if current != expectedSHA {
		return &RefConflictError{Branch: branch, Expected: expectedSHA, Actual: current}
	}
	if _, ok := m.commits[newSHA]; !ok {
		return fmt.Errorf("commit %s: %w", short(newSHA), ErrNotFound)
	}
	if !m.isAncestor(current, newSHA) {
		return &RefConflictError{Branch: branch, Expected: expectedSHA, Err: errors.New("update is not a fast forward")}
	}
	m.refs[branch] = newSHA
	return nil
}

func (m *MemoryStore) CreateRef(ctx context.Context, branch, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateRef"); err != nil {
		return err
	}
	if _, exists := m.refs[branch]; exists {
		return fmt.Errorf("ref heads/%s already exists", branch)
	}
	if _, ok := m.commits[sha]; !ok {
		return fmt.Errorf("commit %s: %w", short(sha), ErrNotFound)
	}
	m.refs[branch] = sha
	return nil
}

func (m *MemoryStore) CompareCommits(ctx context.Context, base, head string) (*Comparison, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CompareCommits"); err != nil {
		return nil, err
	}
	baseCommit, ok := m.commits[base]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", short(base), ErrNotFound)
	}
	headCommit, ok := m.commits[head]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", short(head), ErrNotFound)
	}
	before := make(map[string]string)
	after := make(map[string]string)
	if err := m.flatten(baseCommit.TreeSHA, "", before); err != nil {
		return nil, err
	}
	if err := m.flatten(headCommit.TreeSHA, "", after); err != nil {
		return nil, err
	}

	out := &Comparison{BaseSHA: base, HeadSHA: head}
	for p, sha := range after {
		old, existed := before[p]
		switch {
		case !existed:
			out.Files = append(out.Files, FileChange{Path: p, Status: StatusAdded})
		case old != sha:
			out.Files = append(out.Files, FileChange{Path: p, Status: StatusModified})
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			out.Files = append(out.Files, FileChange{Path: p, Status: StatusRemoved})
		}
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	return out, nil
}

func (m *MemoryStore) GetFileContents(ctx context.Context, filePath, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "GetFileContents"); err != nil {
		return nil, err
	}
	sha := ref
	if branchSHA, ok := m.refs[ref]; ok {
		sha = branchSHA
	}
	commit, ok := m.commits[sha]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", ref, ErrNotFound)
	}
	flat := make(map[string]string)
	if err := m.flatten(commit.TreeSHA, "", flat); err != nil {
		return nil, err
	}
	blob, ok := flat[strings.Trim(filePath, "/")]
	if !ok {
		return nil, fmt.Errorf("%s: %w", filePath, ErrNotFound)
	}
	return append([]byte(nil), m.blobs[blob]...), nil
}

func (m *MemoryStore) PullRequestsForCommit(ctx context.Context, sha string) ([]PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "PullRequestsForCommit"); err != nil {
		return nil, err
	}
	var out []PullRequest
	for _, pull := range m.sortedPulls() {
		if pull.pr.MergeCommitSHA == sha || pull.pr.HeadSHA == sha {
			out = append(out, pull.pr)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOpenPullRequests(ctx context.Context, base string) ([]PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ListOpenPullRequests"); err != nil {
		return nil, err
	}
	var out []PullRequest
	for _, pull := range m.sortedPulls() {
		if pull.pr.State != StateOpen {
			continue
		}
		if base != "" && pull.pr.BaseRef != base {
			continue
		}
		out = append(out, pull.pr)
	}
	return out, nil
}

func (m *MemoryStore) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "GetPullRequest"); err != nil {
		return nil, err
	}
	pull, ok := m.pulls[number]
	if !ok {
		return nil, fmt.Errorf("pull request #%d: %w", number, ErrNotFound)
	}
	out := pull.pr
	return &out, nil
}

func (m *MemoryStore) ListPullRequestFiles(ctx context.Context, number int) ([]FileChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ListPullRequestFiles"); err != nil {
		return nil, err
	}
	pull, ok := m.pulls[number]
	if !ok {
		return nil, fmt.Errorf("pull request #%d: %w", number, ErrNotFound)
	}
	return append([]FileChange(nil), pull.files...), nil
}

func (m *MemoryStore) MergePullRequest(ctx context.Context, number int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "MergePullRequest"); err != nil {
		return err
	}
	pull, ok := m.pulls[number]
	if !ok {
		return fmt.Errorf("pull request #%d: %w", number, ErrNotFound)
	}
	if pull.pr.Merged || pull.pr.State != StateOpen {
		return fmt.Errorf("pull request #%d is %s: %w", number, pull.pr.State, ErrActionConflict)
	}
	pull.pr.Merged = true
	pull.pr.State = StateClosed
	return nil
}

func (m *MemoryStore) UpdatePullRequestState(ctx context.Context, number int, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpdatePullRequestState"); err != nil {
		return err
	}
	pull, ok := m.pulls[number]
	if !ok {
		return fmt.Errorf("pull request #%d: %w", number, ErrNotFound)
	}
	if pull.pr.State == state {
		return fmt.Errorf("pull request #%d already %s: %w", number, state, ErrActionConflict)
	}
	pull.pr.State = state
	return nil
}

func (m *MemoryStore) CreatePullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreatePullRequest"); err != nil {
		return nil, err
	}
	head, ok := m.refs[pr.Head]
	if !ok {
		return nil, fmt.Errorf("ref heads/%s: %w", pr.Head, ErrNotFound)
	}
	number := 1
	for existing := range m.pulls {
		if existing >= number {
			number = existing + 1
		}
	}
	created := PullRequest{
		Number:  number,
		Title:   pr.Title,
		State:   StateOpen,
		HeadSHA: head,
		HeadRef: pr.Head,
		BaseRef: pr.Base,
	}
	m.pulls[number] = &memoryPull{pr: created}
	return &created, nil
}

func (m *MemoryStore) CreateComment(ctx context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateComment"); err != nil {
		return err
	}
	pull, ok := m.pulls[number]
	if !ok {
		return fmt.Errorf("pull request #%d: %w", number, ErrNotFound)
	}
	pull.comments = append(pull.comments, body)
	return nil
}

func (m *MemoryStore) sortedPulls() []*memoryPull {
	out := make([]*memoryPull, 0, len(m.pulls))
	for _, pull := range m.pulls {
		out = append(out, pull)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pr.Number < out[j].pr.Number })
	return out
}

func (m *MemoryStore) putBlob(content []byte) string {
	sha := hashObject("blob", content)
	m.blobs[sha] = append([]byte(nil), content...)
	return sha
}

// putTree validates entries and stores them in git order.
func (m *MemoryStore) putTree(entries []TreeEntry) (string, error) {
	sorted := append([]TreeEntry(nil), entries...)
	seen := make(map[string]struct{}, len(sorted))
	for _, entry := range sorted {
		if entry.Path == "" || strings.Contains(entry.Path, "/") {
			return "", fmt.Errorf("invalid tree entry name %q", entry.Path)
		}
		if _, dup := seen[entry.Path]; dup {
			return "", fmt.Errorf("duplicate tree entry %q", entry.Path)
		}
		seen[entry.Path] = struct{}{}
		switch entry.Type {
		case TypeBlob:
			if _, ok := m.blobs[entry.SHA]; !ok {
				return "", fmt.Errorf("blob %s: %w", short(entry.SHA), ErrNotFound)
			}
		case TypeTree:
			if _, ok := m.trees[entry.SHA]; !ok {
				return "", fmt.Errorf("tree %s: %w", short(entry.SHA), ErrNotFound)
			}
		case TypeCommit:
		default:
			return "", fmt.Errorf("unknown tree entry type %q", entry.Type)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return gitSortKey(sorted[i]) < gitSortKey(sorted[j]) })

	var buf bytes.Buffer
	for _, entry := range sorted {
		raw, err := hex.DecodeString(entry.SHA)
		if err != nil {
			return "", fmt.Errorf("tree entry %q: %w", entry.Path, err)
		}
		fmt.Fprintf(&buf, "%s %s\x00", strings.TrimPrefix(entry.Mode, "0"), entry.Path)
		buf.Write(raw)
	}
	sha := hashObject("tree", buf.Bytes())
	m.trees[sha] = sorted
	return sha, nil
}

func (m *MemoryStore) flatten(treeSHA, prefix string, out map[string]string) error {
	entries, ok := m.trees[treeSHA]
	if !ok {
		return fmt.Errorf("tree %s: %w", short(treeSHA), ErrNotFound)
	}
	for _, entry := range entries {
		full := path.Join(prefix, entry.Path)
		if entry.Type == TypeTree {
			if err := m.flatten(entry.SHA, full, out); err != nil {
				return err
			}
			continue
		}
		out[full] = entry.SHA
	}
	return nil
}

func (m *MemoryStore) isAncestor(ancestor, sha string) bool {
	seen := make(map[string]struct{})
	queue := []string{sha}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true
		}
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		if commit, ok := m.commits[cur]; ok {
			queue = append(queue, commit.Parents...)
		}
	}
	return false
}

func gitSortKey(entry TreeEntry) string {
	if entry.Type == TypeTree {
		return entry.Path + "/"
	}
	return entry.Path
}

func hashObject(kind string, content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
