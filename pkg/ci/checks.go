package ci

import (
	"context"
	"fmt"
	"strconv"

	gh "github.com/google/go-github/v57/github"
)

// ChecksLister is the part of the go-github checks service Checks uses.
type ChecksLister interface {
	ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *gh.ListCheckRunsOptions) (*gh.ListCheckRunsResults, *gh.Response, error)
}

// PullRequestFinder returns the numbers of open pull requests whose head is sha.
type PullRequestFinder interface {
	OpenPullRequestsForHead(ctx context.Context, sha string) ([]int, error)
}

// Checks derives the build from GitHub check runs on the head commit.
type Checks struct {
	Client ChecksLister
	// PullRequests is consulted when the check run lists no pull requests,
	// which GitHub does for pull requests opened from forks.
	PullRequests PullRequestFinder
	// Ignore names check runs left out of the verdict, such as the bot's
	// own report.
	Ignore []string
}

func (c *Checks) Name() string { return "checks" }

// Lookup passes iff every other check run on the head sha completed with
// success, neutral or skipped and none is still pending.
func (c *Checks) Lookup(ctx context.Context, run CheckRun) (Build, error) {
	if c.Client == nil {
		return Build{}, fmt.Errorf("%w: checks client not configured", ErrNoBuild)
	}
	build := Build{
		ID:        strconv.FormatInt(run.ID, 10),
		EventType: EventPush,
		Commit:    BuildCommit{SHA: run.HeadSHA},
		Branch:    BuildBranch{Name: run.HeadBranch},
	}
	numbers := run.PullRequests
	if len(numbers) == 0 && c.PullRequests != nil {
		found, err := c.PullRequests.OpenPullRequestsForHead(ctx, run.HeadSHA)
		if err != nil {
			return Build{}, fmt.Errorf("find pull requests for %s: %w", run.HeadSHA, err)
		}
		numbers = found
	}
	if len(numbers) > 0 {
		build.EventType = EventPullRequest
		build.PullRequestNumber = numbers[0]
	}

	ignored := make(map[string]bool, len(c.Ignore))
	for _, name := range c.Ignore {
		ignored[name] = true
	}

	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	counted := 0
	passed := true
	pending := false
	for {
		result, resp, err := c.Client.ListCheckRunsForRef(ctx, run.Owner, run.Repo, run.HeadSHA, opts)
		if err != nil {
			return Build{}, fmt.Errorf("list check runs for %s: %w", run.HeadSHA, err)
		}
		for _, cr := range result.CheckRuns {
			if ignored[cr.GetName()] {
				continue
			}
			counted++
			if cr.GetStatus() != "completed" {
				pending = true
				continue
			}
			switch cr.GetConclusion() {
			case "success", "neutral", "skipped":
			default:
				passed = false
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	switch {
	case counted == 0:
		build.Passed = run.Conclusion == "success"
	default:
		build.Passed = passed && !pending
	}
	build.State = "failed"
	if pending {
		build.State = "pending"
	} else if build.Passed {
		build.State = "passed"
	}
	return build, nil
}
