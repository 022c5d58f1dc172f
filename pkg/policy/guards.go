package policy

import (
	"context"

	"featurebot/pkg/prune"
)

// Action is the single remote action chosen for an event.
type Action string

const (
	ActionNone  Action = "none"
	ActionPrune Action = "prune"
	ActionMerge Action = "merge"
	ActionClose Action = "close"
)

type guard struct {
	name   string
	reason string
	check  func(ctx context.Context, f *facts) (bool, error)
}

type plan struct {
	action Action
	verb   string
	guards []guard
}

var (
	onBaseAfterMerge = guard{name: "on_base_after_merge", reason: "not on the base branch after a merge", check: func(ctx context.Context, f *facts) (bool, error) {
		return f.OnBaseAfterMerge(ctx)
	}}
	isPullRequest = guard{name: "pull_request", reason: "not a pull request", check: func(ctx context.Context, f *facts) (bool, error) {
		build, err := f.Build(ctx)
		return err == nil && build.IsPullRequest(), err
	}}
	ciPassed = guard{name: "ci_passed", reason: "CI is not passing", check: func(ctx context.Context, f *facts) (bool, error) {
		build, err := f.Build(ctx)
		return err == nil && build.Passed, err
	}}
	ciFailed = guard{name: "ci_failed", reason: "CI did not fail", check: func(ctx context.Context, f *facts) (bool, error) {
		build, err := f.Build(ctx)
		return err == nil && build.Failed(), err
	}}
	proposesFeature = guard{name: "proposes_feature", reason: "not proposing a feature", check: func(ctx context.Context, f *facts) (bool, error) {
		return f.Proposing(ctx)
	}}
	pruningEnabled = guard{name: "pruning_enabled", reason: "config", check: func(ctx context.Context, f *facts) (bool, error) {
		return f.cfg.PruningAction != prune.ModeNone, nil
	}}
	autoMerge = guard{name: "auto_merge", reason: "config", check: func(ctx context.Context, f *facts) (bool, error) {
		return f.cfg.AutoMergeAccepted, nil
	}}
	autoClose = guard{name: "auto_close", reason: "config", check: func(ctx context.Context, f *facts) (bool, error) {
		return f.cfg.AutoCloseRejected, nil
	}}
)

// plans are tried in order; the first with every guard satisfied wins.
var plans = []plan{
	{action: ActionPrune, verb: "pruning", guards: []guard{onBaseAfterMerge, ciPassed, pruningEnabled}},
	{action: ActionMerge, verb: "merging", guards: []guard{isPullRequest, ciPassed, proposesFeature, autoMerge}},
	{action: ActionClose, verb: "closing", guards: []guard{isPullRequest, ciFailed, proposesFeature, autoClose}},
}

// eligible stops at the first failing guard and logs why.
func (p plan) eligible(ctx context.Context, f *facts, run Run, skip map[string]bool) (bool, error) {
	for _, g := range p.guards {
		if skip[g.name] {
			run.Logf("Skipping %s check for %s", g.name, p.verb)
			continue
		}
		ok, err := g.check(ctx, f)
		if err != nil {
			return false, err
		}
		if !ok {
			run.Logf("Not %s because %s", p.verb, g.reason)
			return false, nil
		}
	}
	return true, nil
}
