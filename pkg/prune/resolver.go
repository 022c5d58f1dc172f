// Package prune computes which feature proposals are redundant after a
// feature is accepted and publishes a commit removing them.
package prune

import (
	"context"
	"fmt"
	"sort"

	"featurebot/pkg/feature"
	"featurebot/pkg/gitremote"
)

// Proposal is an open pull request as seen by the resolver.
type Proposal struct {
	Number     int
	HeadSHA    string
	BaseBranch string
	Files      []gitremote.FileChange
}

// Redundant is one open proposal superseded by the accepted feature.
type Redundant struct {
	Number  int
	Feature feature.Feature
}

// RedundancySet is the result of one resolution. Proposals are the open pull
// requests to close; Paths are feature files in the branch tree to remove.
type RedundancySet struct {
	Accepted  feature.Feature
	Proposals []Redundant
	Paths     []string
}

func (s RedundancySet) Empty() bool {
	return len(s.Proposals) == 0 && len(s.Paths) == 0
}

// Input is everything Resolve needs. TreePaths lists the files of the branch
// head the accepted feature landed on.
type Input struct {
	Accepted       feature.Feature
	AcceptedNumber int
	BaseBranch     string
	Open           []Proposal
	TreePaths      []string
	Classifier     feature.Classifier
	Relation       feature.Relation
}

// Resolve is pure: the same input always yields the same set, sorted by pull
// request number and path.
func Resolve(in Input) RedundancySet {
	relation := in.Relation
	if relation == nil {
		relation = feature.SamePath{}
	}
	set := RedundancySet{Accepted: in.Accepted}

	for _, proposal := range in.Open {
		if proposal.BaseBranch != in.BaseBranch || proposal.Number == in.AcceptedNumber {
			continue
		}
		candidate, err := in.Classifier.Classify(proposal.Files)
		if err != nil {
			continue
		}
		if relation.Supersedes(in.Accepted, candidate) {
			set.Proposals = append(set.Proposals, Redundant{Number: proposal.Number, Feature: candidate})
		}
	}
	sort.Slice(set.Proposals, func(i, j int) bool { return set.Proposals[i].Number < set.Proposals[j].Number })

	seen := map[string]bool{}
	for _, p := range in.TreePaths {
		if p == in.Accepted.Path || seen[p] {
			continue
		}
		if in.Classifier.IsBoilerplate(p) || !in.Classifier.InDirectory(p) {
			continue
		}
		if relation.Supersedes(in.Accepted, feature.Feature{Path: p}) {
			seen[p] = true
			set.Paths = append(set.Paths, p)
		}
	}
	sort.Strings(set.Paths)
	return set
}

// RedundancyError aborts a prune before anything is written.
type RedundancyError struct {
	Op  string
	Err error
}

func (e *RedundancyError) Error() string {
	return fmt.Sprintf("compute redundant features: %s: %v", e.Op, e.Err)
}

func (e *RedundancyError) Unwrap() error { return e.Err }

// Collector gathers resolver input from the object store.
type Collector struct {
	Store gitremote.Store
}

// OpenProposals lists open pull requests against base with their files.
func (c Collector) OpenProposals(ctx context.Context, base string) ([]Proposal, error) {
	pulls, err := c.Store.ListOpenPullRequests(ctx, base)
	if err != nil {
		return nil, &RedundancyError{Op: "list open pull requests", Err: err}
	}
	out := make([]Proposal, 0, len(pulls))
	for _, pr := range pulls {
		files, err := c.Store.ListPullRequestFiles(ctx, pr.Number)
		if err != nil {
			return nil, &RedundancyError{Op: fmt.Sprintf("list files of #%d", pr.Number), Err: err}
		}
		out = append(out, Proposal{Number: pr.Number, HeadSHA: pr.HeadSHA, BaseBranch: pr.BaseRef, Files: files})
	}
	return out, nil
}

// TreePaths lists every file of commitSHA's tree.
func (c Collector) TreePaths(ctx context.Context, commitSHA string) ([]string, error) {
	commit, err := c.Store.GetCommit(ctx, commitSHA)
	if err != nil {
		return nil, &RedundancyError{Op: "get commit " + gitremote.ShortSHA(commitSHA), Err: err}
	}
	paths, err := ListFiles(ctx, c.Store, commit.TreeSHA)
	if err != nil {
		return nil, &RedundancyError{Op: "read tree", Err: err}
	}
	return paths, nil
}

// Collect builds the resolver input for the accepted feature at head.
func (c Collector) Collect(ctx context.Context, in Input, head string) (Input, error) {
	open, err := c.OpenProposals(ctx, in.BaseBranch)
	if err != nil {
		return in, err
	}
	paths, err := c.TreePaths(ctx, head)
	if err != nil {
		return in, err
	}
	in.Open = open
	in.TreePaths = paths
	return in, nil
}
