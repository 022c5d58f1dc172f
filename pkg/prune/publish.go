package prune

import (
	"context"
	"fmt"
	"strings"

	"featurebot/pkg/gitremote"
)

// Mode selects how a pruning commit reaches the base branch.
type Mode string

const (
	ModeNone        Mode = "no_action"
	ModePullRequest Mode = "make_pull_request"
	ModeCommit      Mode = "commit_to_master"
)

// DefaultBranchPrefix names branches created by ModePullRequest.
const DefaultBranchPrefix = "featurebot/prune-"

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeCommit:
		return ModeCommit, nil
	case ModePullRequest:
		return ModePullRequest, nil
	case ModeNone:
		return ModeNone, nil
	default:
		return "", fmt.Errorf("unknown pruning action %q", value)
	}
}

// Publication describes where a pruning commit ended up.
type Publication struct {
	Mode        Mode
	CommitSHA   string
	Branch      string
	PullRequest *gitremote.PullRequest
}

// Publisher moves a pruning commit onto its branch.
type Publisher struct {
	Store        gitremote.Store
	BranchPrefix string
}

// Publish applies commit to branch according to mode. With ModeCommit the
// branch is fast-forwarded only if it still points at the commit's parent;
// a moved branch is reported, never rebased.
func (p Publisher) Publish(ctx context.Context, branch string, commit *PruningCommit, mode Mode) (*Publication, error) {
	pub := &Publication{Mode: mode, CommitSHA: commit.SHA, Branch: branch}
	switch mode {
	case ModeNone:
		return pub, nil
	case ModeCommit:
		if err := p.Store.UpdateRef(ctx, branch, commit.SHA, commit.Parent); err != nil {
			return nil, &PublishError{Op: "update ref heads/" + branch, Err: err}
		}
		return pub, nil
	case ModePullRequest:
		prefix := p.BranchPrefix
		if prefix == "" {
			prefix = DefaultBranchPrefix
		}
		name := prefix + gitremote.ShortSHA(commit.SHA)
		if err := p.Store.CreateRef(ctx, name, commit.SHA); err != nil {
			return nil, &PublishError{Op: "create ref heads/" + name, Err: err}
		}
		pr, err := p.Store.CreatePullRequest(ctx, gitremote.NewPullRequest{
			Title: "Prune redundant features",
			Body:  pullRequestBody(commit),
			Head:  name,
			Base:  branch,
		})
		if err != nil {
			return nil, &PublishError{Op: "create pull request", Err: err}
		}
		pub.Branch = name
		pub.PullRequest = pr
		return pub, nil
	default:
		return nil, &PublishError{Op: "publish", Err: fmt.Errorf("unknown pruning action %q", mode)}
	}
}

func pullRequestBody(commit *PruningCommit) string {
	var b strings.Builder
	b.WriteString("The following features are redundant and are removed by this pull request:\n\n")
	for _, p := range commit.Removed {
		fmt.Fprintf(&b, "- `%s`\n", p)
	}
	return b.String()
}
