package policy

import (
	"context"

	"featurebot/internal"
	"featurebot/pkg/ci"
	"featurebot/pkg/gitremote"
	ghprovider "featurebot/pkg/providers/github"

	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"
)

// GitHubSource builds clients for the event's installation.
type GitHubSource struct {
	Factory      *ghprovider.Factory
	CI           internal.CIConfig
	CheckRunName string
	Log          *zerolog.Logger
}

func (s GitHubSource) Clients(ctx context.Context, ev *CheckRunEvent) (*Clients, error) {
	client, err := s.Factory.ForInstallation(ctx, ev.InstallationID)
	if err != nil {
		return nil, err
	}
	return GitHubClients(client, ev, s.CI, s.CheckRunName, s.Log)
}

// GitHubClients scopes one API client to the event's repository. The bot's
// own check run never counts towards the CI verdict.
func GitHubClients(client *gh.Client, ev *CheckRunEvent, cfg internal.CIConfig, checkRunName string, log *zerolog.Logger) (*Clients, error) {
	var ignore []string
	if checkRunName != "" {
		ignore = []string{checkRunName}
	}
	store := gitremote.NewGitHubStore(client, ev.Repository.Owner, ev.Repository.Name)
	provider, err := ci.NewProvider(cfg, client.Checks, headPullRequests{store}, ignore, log)
	if err != nil {
		return nil, err
	}
	return &Clients{
		Store:  store,
		CI:     provider,
		Checks: client.Checks,
	}, nil
}

// headPullRequests finds the open pull requests a head commit belongs to.
type headPullRequests struct {
	store gitremote.Store
}

func (h headPullRequests) OpenPullRequestsForHead(ctx context.Context, sha string) ([]int, error) {
	pulls, err := h.store.PullRequestsForCommit(ctx, sha)
	if err != nil {
		return nil, err
	}
	var numbers []int
	for _, pr := range pulls {
		if pr.State == gitremote.StateOpen && pr.HeadSHA == sha {
			numbers = append(numbers, pr.Number)
		}
	}
	return numbers, nil
}
