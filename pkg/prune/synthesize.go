package prune

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"featurebot/pkg/gitremote"

	"github.com/rs/zerolog"
)

// ErrNothingToPrune is returned when none of the requested paths exist in
// the head tree. Nothing is written.
var ErrNothingToPrune = errors.New("nothing to prune")

// PublishError wraps every remote failure while building or publishing a
// pruning commit. It is never retried.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish pruning commit: %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PruningCommit is a single-parent commit whose tree equals its parent's
// minus Removed.
type PruningCommit struct {
	SHA         string
	Parent      string
	TreeSHA     string
	BaseTreeSHA string
	Message     string
	Author      gitremote.Signature
	Removed     []string
	Skipped     []string
}

// Synthesizer builds pruning commits through the object store only.
type Synthesizer struct {
	Store  gitremote.Store
	Author gitremote.Signature
	Now    func() time.Time
	Log    *zerolog.Logger
}

// Synthesize creates a commit on top of head that removes paths. Paths
// missing from the head tree are reported in Skipped. The derived tree is
// checked to differ from the head tree by exactly the removed files before
// the commit is created.
func (s Synthesizer) Synthesize(ctx context.Context, branch, head string, paths []string) (*PruningCommit, error) {
	root := newPathTrie(paths)
	if root.empty() {
		return nil, ErrNothingToPrune
	}

	base, err := s.Store.GetCommit(ctx, head)
	if err != nil {
		return nil, &PublishError{Op: "get commit " + gitremote.ShortSHA(head), Err: err}
	}

	rw := &treeRewriter{store: s.Store}
	treeSHA, empty, err := rw.rewrite(ctx, base.TreeSHA, root, "")
	if err != nil {
		return nil, &PublishError{Op: "rewrite tree", Err: err}
	}
	if len(rw.removed) == 0 {
		return nil, ErrNothingToPrune
	}
	if empty {
		tree, err := s.Store.CreateTree(ctx, nil)
		if err != nil {
			return nil, &PublishError{Op: "create tree", Err: err}
		}
		treeSHA = tree.SHA
	}
	sort.Strings(rw.removed)

	diff, err := DiffTrees(ctx, s.Store, base.TreeSHA, treeSHA)
	if err != nil {
		return nil, &PublishError{Op: "verify tree", Err: err}
	}
	if !diff.RemovalOnly() || !equalStrings(diff.Removed, rw.removed) {
		return nil, &PublishError{Op: "verify tree", Err: fmt.Errorf("derived tree removes %v, want %v", diff.Removed, rw.removed)}
	}

	author := s.Author
	if author.When.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		author.When = now().UTC()
	}
	message := CommitMessage(branch, rw.removed)
	commit, err := s.Store.CreateCommit(ctx, gitremote.NewCommit{
		TreeSHA: treeSHA,
		Parents: []string{head},
		Message: message,
		Author:  author,
	})
	if err != nil {
		return nil, &PublishError{Op: "create commit", Err: err}
	}

	if s.Log != nil {
		s.Log.Debug().Str("commit", commit.SHA).Str("parent", head).Strs("removed", rw.removed).Msg("pruning commit created")
	}
	return &PruningCommit{
		SHA:         commit.SHA,
		Parent:      head,
		TreeSHA:     treeSHA,
		BaseTreeSHA: base.TreeSHA,
		Message:     message,
		Author:      author,
		Removed:     rw.removed,
		Skipped:     skipped(root.paths(), rw.removed),
	}, nil
}

// CommitMessage names every removed feature.
func CommitMessage(branch string, removed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prune %d redundant feature", len(removed))
	if len(removed) != 1 {
		b.WriteString("s")
	}
	if branch != "" {
		fmt.Fprintf(&b, " from %s", branch)
	}
	b.WriteString("\n\n")
	for _, p := range removed {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}

type pathTrie struct {
	children map[string]*pathTrie
	terminal bool
	full     string
}

func newPathTrie(paths []string) *pathTrie {
	root := &pathTrie{children: map[string]*pathTrie{}}
	for _, p := range paths {
		p = strings.Trim(path.Clean("/"+p), "/")
		if p == "" {
			continue
		}
		node := root
		for _, part := range strings.Split(p, "/") {
			child, ok := node.children[part]
			if !ok {
				child = &pathTrie{children: map[string]*pathTrie{}}
				node.children[part] = child
			}
			node = child
		}
		node.terminal = true
		node.full = p
	}
	return root
}

func (t *pathTrie) empty() bool { return len(t.children) == 0 }

func (t *pathTrie) paths() []string {
	var out []string
	var walk func(n *pathTrie)
	walk = func(n *pathTrie) {
		if n.terminal {
			out = append(out, n.full)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t)
	sort.Strings(out)
	return out
}

type treeRewriter struct {
	store   gitremote.Store
	removed []string
}

// rewrite returns the sha of the tree with the trie's terminal files removed.
// Only trees on a removed path's ancestry are fetched and recreated; an
// untouched tree keeps its sha. empty reports that nothing is left.
func (r *treeRewriter) rewrite(ctx context.Context, treeSHA string, node *pathTrie, prefix string) (string, bool, error) {
	tree, err := r.store.GetTree(ctx, treeSHA)
	if err != nil {
		return "", false, err
	}
	changed := false
	entries := make([]gitremote.TreeEntry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		child, ok := node.children[entry.Path]
		if !ok {
			entries = append(entries, entry)
			continue
		}
		if entry.Type != gitremote.TypeTree {
			if child.terminal {
				r.removed = append(r.removed, prefix+entry.Path)
				changed = true
				continue
			}
			entries = append(entries, entry)
			continue
		}
		if child.empty() {
			entries = append(entries, entry)
			continue
		}
		sub, empty, err := r.rewrite(ctx, entry.SHA, child, prefix+entry.Path+"/")
		if err != nil {
			return "", false, err
		}
		if empty {
			changed = true
			continue
		}
		if sub != entry.SHA {
			entry.SHA = sub
			changed = true
		}
		entries = append(entries, entry)
	}
	if !changed {
		return treeSHA, false, nil
	}
	if len(entries) == 0 {
		return "", true, nil
	}
	created, err := r.store.CreateTree(ctx, entries)
	if err != nil {
		return "", false, err
	}
	return created.SHA, false, nil
}

func skipped(requested, removed []string) []string {
	done := make(map[string]bool, len(removed))
	for _, p := range removed {
		done[p] = true
	}
	var out []string
	for _, p := range requested {
		if !done[p] {
			out = append(out, p)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
