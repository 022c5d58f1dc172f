// Package ci looks up the CI build behind a check run and whether it passed.
package ci

import (
	"context"
	"errors"
	"strings"
)

const (
	EventPullRequest = "pull_request"
	EventPush        = "push"
)

// ErrNoBuild is returned when a check run references no build the provider
// understands.
var ErrNoBuild = errors.New("no ci build for check run")

// Build is one immutable CI build record.
type Build struct {
	ID                string
	EventType         string
	PullRequestNumber int
	Commit            BuildCommit
	Branch            BuildBranch
	State             string
	Passed            bool
}

type BuildCommit struct {
	SHA     string
	Message string
}

type BuildBranch struct {
	Name string
}

// IsPullRequest reports whether the build ran for a pull request.
func (b Build) IsPullRequest() bool {
	return b.EventType == EventPullRequest && b.PullRequestNumber > 0
}

// Finished reports whether the build reached a final state. A build still
// running is neither passed nor failed.
func (b Build) Finished() bool {
	switch b.State {
	case "passed", "failed", "errored", "canceled":
		return true
	}
	return false
}

// Failed reports a finished build that did not pass.
func (b Build) Failed() bool {
	return b.Finished() && !b.Passed
}

// CheckRun is the part of a check_run event a provider needs.
type CheckRun struct {
	Owner        string
	Repo         string
	ID           int64
	Name         string
	HeadSHA      string
	HeadBranch   string
	DetailsURL   string
	Status       string
	Conclusion   string
	PullRequests []int
}

// Provider resolves the build behind a check run.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, run CheckRun) (Build, error)
}

// Auto routes Travis check runs to Travis and everything else to Checks.
type Auto struct {
	Travis Provider
	Checks Provider
}

func (a Auto) Name() string { return "auto" }

func (a Auto) Lookup(ctx context.Context, run CheckRun) (Build, error) {
	if a.Travis != nil && IsTravisURL(run.DetailsURL) {
		return a.Travis.Lookup(ctx, run)
	}
	if a.Checks == nil {
		return Build{}, ErrNoBuild
	}
	return a.Checks.Lookup(ctx, run)
}

// IsTravisURL reports whether a details URL points at a Travis host.
func IsTravisURL(detailsURL string) bool {
	host := detailsURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	return strings.Contains(strings.ToLower(host), "travis")
}
