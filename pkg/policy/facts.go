package policy

import (
	"context"
	"fmt"

	"featurebot/pkg/ci"
	"featurebot/pkg/feature"
	"featurebot/pkg/gitremote"
	"featurebot/pkg/repoconfig"
)

// facts are computed at most once per event.
type facts struct {
	ev         *CheckRunEvent
	cfg        repoconfig.Config
	clients    *Clients
	base       string
	classifier feature.Classifier
	manual     bool

	build    *ci.Build
	buildErr error

	proposing     *bool
	proposingErr  error
	proposedFiles []gitremote.FileChange

	commit    *gitremote.Commit
	commitErr error
}

func (f *facts) Build(ctx context.Context) (ci.Build, error) {
	if f.build == nil && f.buildErr == nil {
		build, err := f.clients.CI.Lookup(ctx, f.ev.CIRun())
		if err != nil {
			f.buildErr = fmt.Errorf("look up ci build: %w", err)
		} else {
			f.build = &build
		}
	}
	if f.buildErr != nil {
		return ci.Build{}, f.buildErr
	}
	return *f.build, nil
}

// Proposing reports whether the build's pull request proposes a feature.
func (f *facts) Proposing(ctx context.Context) (bool, error) {
	if f.proposing == nil && f.proposingErr == nil {
		build, err := f.Build(ctx)
		if err != nil {
			return false, err
		}
		files, err := f.clients.Store.ListPullRequestFiles(ctx, build.PullRequestNumber)
		if err != nil {
			f.proposingErr = fmt.Errorf("list files of #%d: %w", build.PullRequestNumber, err)
		} else {
			ok := f.classifier.IsFeatureProposing(files)
			f.proposing = &ok
			f.proposedFiles = files
		}
	}
	if f.proposingErr != nil {
		return false, f.proposingErr
	}
	return *f.proposing, nil
}

// HeadCommit is the commit the check run ran on.
func (f *facts) HeadCommit(ctx context.Context) (*gitremote.Commit, error) {
	if f.commit == nil && f.commitErr == nil {
		f.commit, f.commitErr = f.clients.Store.GetCommit(ctx, f.ev.CheckRun.HeadSHA)
		if f.commitErr != nil {
			f.commitErr = fmt.Errorf("get commit %s: %w", gitremote.ShortSHA(f.ev.CheckRun.HeadSHA), f.commitErr)
		}
	}
	return f.commit, f.commitErr
}

// OnBaseAfterMerge reports whether the check ran on a merge commit of the
// base branch.
func (f *facts) OnBaseAfterMerge(ctx context.Context) (bool, error) {
	if !f.manual && f.ev.CheckRun.HeadBranch != f.base {
		return false, nil
	}
	commit, err := f.HeadCommit(ctx)
	if err != nil {
		return false, err
	}
	return commit.IsMergeCommit(), nil
}
