package prune

import (
	"context"
	"sort"
	"strings"

	"featurebot/pkg/gitremote"

	"github.com/pmezard/go-difflib/difflib"
)

// TreeDiff lists file paths that differ between two trees.
type TreeDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// RemovalOnly reports whether the second tree only lacks files of the first.
func (d TreeDiff) RemovalOnly() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0
}

// DiffTrees compares two trees recursively; subtrees with equal shas are not
// fetched.
func DiffTrees(ctx context.Context, store gitremote.Store, baseSHA, headSHA string) (TreeDiff, error) {
	var diff TreeDiff
	if err := diffTrees(ctx, store, baseSHA, headSHA, "", &diff); err != nil {
		return TreeDiff{}, err
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)
	return diff, nil
}

func diffTrees(ctx context.Context, store gitremote.Store, baseSHA, headSHA, prefix string, diff *TreeDiff) error {
	if baseSHA == headSHA {
		return nil
	}
	base, err := store.GetTree(ctx, baseSHA)
	if err != nil {
		return err
	}
	head, err := store.GetTree(ctx, headSHA)
	if err != nil {
		return err
	}
	headEntries := make(map[string]gitremote.TreeEntry, len(head.Entries))
	for _, entry := range head.Entries {
		headEntries[entry.Path] = entry
	}

	for _, b := range base.Entries {
		name := prefix + b.Path
		h, ok := headEntries[b.Path]
		delete(headEntries, b.Path)
		switch {
		case !ok:
			if err := collect(ctx, store, b, name, &diff.Removed); err != nil {
				return err
			}
		case b.Type == gitremote.TypeTree && h.Type == gitremote.TypeTree:
			if err := diffTrees(ctx, store, b.SHA, h.SHA, name+"/", diff); err != nil {
				return err
			}
		case b.Type == gitremote.TypeTree || h.Type == gitremote.TypeTree:
			if err := collect(ctx, store, b, name, &diff.Removed); err != nil {
				return err
			}
			if err := collect(ctx, store, h, name, &diff.Added); err != nil {
				return err
			}
		case b.SHA != h.SHA || b.Mode != h.Mode:
			diff.Modified = append(diff.Modified, name)
		}
	}
	for _, h := range headEntries {
		if err := collect(ctx, store, h, prefix+h.Path, &diff.Added); err != nil {
			return err
		}
	}
	return nil
}

func collect(ctx context.Context, store gitremote.Store, entry gitremote.TreeEntry, name string, out *[]string) error {
	if entry.Type != gitremote.TypeTree {
		*out = append(*out, name)
		return nil
	}
	paths, err := ListFiles(ctx, store, entry.SHA)
	if err != nil {
		return err
	}
	for _, p := range paths {
		*out = append(*out, name+"/"+p)
	}
	return nil
}

// ListFiles returns every non-tree path below treeSHA, sorted.
func ListFiles(ctx context.Context, store gitremote.Store, treeSHA string) ([]string, error) {
	var out []string
	var walk func(sha, prefix string) error
	walk = func(sha, prefix string) error {
		tree, err := store.GetTree(ctx, sha)
		if err != nil {
			return err
		}
		for _, entry := range tree.Entries {
			if entry.Type == gitremote.TypeTree {
				if err := walk(entry.SHA, prefix+entry.Path+"/"); err != nil {
					return err
				}
				continue
			}
			out = append(out, prefix+entry.Path)
		}
		return nil
	}
	if err := walk(treeSHA, ""); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// RenderDiff renders two path listings as a unified diff.
func RenderDiff(fromName string, from []string, toName string, to []string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        listing(from),
		B:        listing(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	})
}

func listing(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	return difflib.SplitLines(strings.Join(paths, "\n"))
}
