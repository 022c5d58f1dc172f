package ci

import (
	"context"
	"errors"
	"testing"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecks struct {
	pages [][]*gh.CheckRun
	refs  []string
}

func (f *fakeChecks) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *gh.ListCheckRunsOptions) (*gh.ListCheckRunsResults, *gh.Response, error) {
	f.refs = append(f.refs, ref)
	page := opts.Page
	if page == 0 {
		page = 1
	}
	resp := &gh.Response{}
	if page < len(f.pages) {
		resp.NextPage = page + 1
	}
	return &gh.ListCheckRunsResults{CheckRuns: f.pages[page-1]}, resp, nil
}

func checkRun(name, status, conclusion string) *gh.CheckRun {
	return &gh.CheckRun{Name: gh.String(name), Status: gh.String(status), Conclusion: gh.String(conclusion)}
}

func TestChecksPassedAcrossPages(t *testing.T) {
	fake := &fakeChecks{pages: [][]*gh.CheckRun{
		{checkRun("build", "completed", "success"), checkRun("featurebot", "completed", "failure")},
		{checkRun("lint", "completed", "skipped")},
	}}
	checks := &Checks{Client: fake, Ignore: []string{"featurebot"}}

	build, err := checks.Lookup(context.Background(), CheckRun{ID: 5, HeadSHA: "abc", PullRequests: []int{12}})
	require.NoError(t, err)
	assert.True(t, build.Passed)
	assert.Equal(t, EventPullRequest, build.EventType)
	assert.Equal(t, 12, build.PullRequestNumber)
	assert.Equal(t, []string{"abc", "abc"}, fake.refs)
}

func TestChecksFailedAndPending(t *testing.T) {
	failed := &Checks{Client: &fakeChecks{pages: [][]*gh.CheckRun{
		{checkRun("build", "completed", "success"), checkRun("test", "completed", "failure")},
	}}}
	build, err := failed.Lookup(context.Background(), CheckRun{HeadSHA: "abc"})
	require.NoError(t, err)
	assert.True(t, build.Failed())
	assert.Equal(t, EventPush, build.EventType)

	pending := &Checks{Client: &fakeChecks{pages: [][]*gh.CheckRun{
		{checkRun("build", "completed", "success"), checkRun("test", "in_progress", "")},
	}}}
	build, err = pending.Lookup(context.Background(), CheckRun{HeadSHA: "abc"})
	require.NoError(t, err)
	assert.False(t, build.Passed)
	assert.False(t, build.Failed())
}

type fakeFinder struct {
	numbers []int
	err     error
	shas    []string
}

func (f *fakeFinder) OpenPullRequestsForHead(ctx context.Context, sha string) ([]int, error) {
	f.shas = append(f.shas, sha)
	return f.numbers, f.err
}

func TestChecksFindsForkPullRequest(t *testing.T) {
	finder := &fakeFinder{numbers: []int{31}}
	checks := &Checks{
		Client:       &fakeChecks{pages: [][]*gh.CheckRun{{checkRun("build", "completed", "success")}}},
		PullRequests: finder,
	}

	build, err := checks.Lookup(context.Background(), CheckRun{HeadSHA: "fork"})
	require.NoError(t, err)
	assert.Equal(t, EventPullRequest, build.EventType)
	assert.Equal(t, 31, build.PullRequestNumber)
	assert.Equal(t, []string{"fork"}, finder.shas)
}

func TestChecksPrefersPayloadPullRequests(t *testing.T) {
	finder := &fakeFinder{numbers: []int{31}}
	checks := &Checks{
		Client:       &fakeChecks{pages: [][]*gh.CheckRun{{checkRun("build", "completed", "success")}}},
		PullRequests: finder,
	}

	build, err := checks.Lookup(context.Background(), CheckRun{HeadSHA: "abc", PullRequests: []int{12}})
	require.NoError(t, err)
	assert.Equal(t, 12, build.PullRequestNumber)
	assert.Empty(t, finder.shas)
}

func TestChecksFinderError(t *testing.T) {
	checks := &Checks{
		Client:       &fakeChecks{pages: [][]*gh.CheckRun{{checkRun("build", "completed", "success")}}},
		PullRequests: &fakeFinder{err: errors.New("boom")},
	}

	_, err := checks.Lookup(context.Background(), CheckRun{HeadSHA: "abc"})
	assert.ErrorContains(t, err, "boom")
}
