package gitremote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"
)

const perPage = 100

// GitHubStore implements Store with the GitHub REST API.
type GitHubStore struct {
	client *gh.Client
	owner  string
	repo   string
}

// NewGitHubStore scopes client to owner/repo.
func NewGitHubStore(client *gh.Client, owner, repo string) *GitHubStore {
	return &GitHubStore{client: client, owner: owner, repo: repo}
}

// SplitFullName splits "owner/name".
func SplitFullName(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", fullName)
	}
	return owner, repo, nil
}

func (s *GitHubStore) Repository() string {
	return s.owner + "/" + s.repo
}

func (s *GitHubStore) DefaultBranch(ctx context.Context) (string, error) {
	repo, _, err := s.client.Repositories.Get(ctx, s.owner, s.repo)
	if err != nil {
		return "", mapError(err)
	}
	return repo.GetDefaultBranch(), nil
}

func (s *GitHubStore) ResolveRef(ctx context.Context, branch string) (string, error) {
	ref, _, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "heads/"+branch)
	if err != nil {
		return "", mapError(err)
	}
	return ref.GetObject().GetSHA(), nil
}

func (s *GitHubStore) GetCommit(ctx context.Context, sha string) (*Commit, error) {
	commit, _, err := s.client.Git.GetCommit(ctx, s.owner, s.repo, sha)
	if err != nil {
		return nil, mapError(err)
	}
	return fromGitHubCommit(commit), nil
}

func (s *GitHubStore) GetTree(ctx context.Context, sha string) (*Tree, error) {
	tree, _, err := s.client.Git.GetTree(ctx, s.owner, s.repo, sha, false)
	if err != nil {
		return nil, mapError(err)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("tree %s truncated by the API", short(sha))
	}
	return fromGitHubTree(tree), nil
}

func (s *GitHubStore) CreateBlob(ctx context.Context, content []byte) (string, error) {
	blob, _, err := s.client.Git.CreateBlob(ctx, s.owner, s.repo, &gh.Blob{
		Content:  gh.String(base64.StdEncoding.EncodeToString(content)),
		Encoding: gh.String("base64"),
	})
	if err != nil {
		return "", mapError(err)
	}
	return blob.GetSHA(), nil
}

// CreateTree creates a tree from the complete entry list; no base tree is
// used so the result contains exactly entries.
func (s *GitHubStore) CreateTree(ctx context.Context, entries []TreeEntry) (*Tree, error) {
	ghEntries := make([]*gh.TreeEntry, 0, len(entries))
	for _, entry := range entries {
		ghEntries = append(ghEntries, &gh.TreeEntry{
			Path: gh.String(entry.Path),
			Mode: gh.String(entry.Mode),
			Type: gh.String(entry.Type),
			SHA:  gh.String(entry.SHA),
		})
	}
	tree, _, err := s.client.Git.CreateTree(ctx, s.owner, s.repo, "", ghEntries)
	if err != nil {
		return nil, mapError(err)
	}
	return fromGitHubTree(tree), nil
}

func (s *GitHubStore) CreateCommit(ctx context.Context, commit NewCommit) (*Commit, error) {
	parents := make([]*gh.Commit, 0, len(commit.Parents))
	for _, parent := range commit.Parents {
		parents = append(parents, &gh.Commit{SHA: gh.String(parent)})
	}
	input := &gh.Commit{
		Message: gh.String(commit.Message),
		Tree:    &gh.Tree{SHA: gh.String(commit.TreeSHA)},
		Parents: parents,
	}
	if commit.Author.Name != "" {
		author := &gh.CommitAuthor{
			Name:  gh.String(commit.Author.Name),
			Email: gh.String(commit.Author.Email),
		}
		if !commit.Author.When.IsZero() {
			author.Date = &gh.Timestamp{Time: commit.Author.When}
		}
		input.Author = author
	}
	created, _, err := s.client.Git.CreateCommit(ctx, s.owner, s.repo, input, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return fromGitHubCommit(created), nil
}

// UpdateRef reads the branch head and rejects the update when it differs
// from expectedSHA, then issues a non-forced update so the API refuses
// anything but a fast-forward.
func (s *GitHubStore) UpdateRef(ctx context.Context, branch, newSHA, expectedSHA string) error {
	current, err := s.ResolveRef(ctx, branch)
	if err != nil {
		return err
	}
	if current != expectedSHA {
		return &RefConflictError{Branch: branch, Expected: expectedSHA, Actual: current}
	}
	_, _, err = s.client.Git.UpdateRef(ctx, s.owner, s.repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.String(newSHA)},
	}, false)
	if err != nil {
		if statusCode(err) == http.StatusUnprocessableEntity {
			return &RefConflictError{Branch: branch, Expected: expectedSHA, Err: err}
		}
		return mapError(err)
	}
	return nil
}

func (s *GitHubStore) CreateRef(ctx context.Context, branch, sha string) error {
	_, _, err := s.client.Git.CreateRef(ctx, s.owner, s.repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.String(sha)},
	})
	return mapError(err)
}

func (s *GitHubStore) CompareCommits(ctx context.Context, base, head string) (*Comparison, error) {
	out := &Comparison{BaseSHA: base, HeadSHA: head}
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		cmp, resp, err := s.client.Repositories.CompareCommits(ctx, s.owner, s.repo, base, head, opts)
		if err != nil {
			return nil, mapError(err)
		}
		for _, file := range cmp.Files {
			out.Files = append(out.Files, FileChange{Path: file.GetFilename(), Status: file.GetStatus()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *GitHubStore) GetFileContents(ctx context.Context, path, ref string) ([]byte, error) {
	file, _, _, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, mapError(err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

// PullRequestsForCommit returns the first page of pull requests associated
// with sha, which covers the merge commits this is used for.
func (s *GitHubStore) PullRequestsForCommit(ctx context.Context, sha string) ([]PullRequest, error) {
	prs, _, err := s.client.PullRequests.ListPullRequestsWithCommit(ctx, s.owner, s.repo, sha, nil)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, fromGitHubPullRequest(pr))
	}
	return out, nil
}

func (s *GitHubStore) ListOpenPullRequests(ctx context.Context, base string) ([]PullRequest, error) {
	var out []PullRequest
	opts := &gh.PullRequestListOptions{
		State:       StateOpen,
		Base:        base,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	for {
		prs, resp, err := s.client.PullRequests.List(ctx, s.owner, s.repo, opts)
		if err != nil {
			return nil, mapError(err)
		}
		for _, pr := range prs {
			out = append(out, fromGitHubPullRequest(pr))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (s *GitHubStore) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	pr, _, err := s.client.PullRequests.Get(ctx, s.owner, s.repo, number)
	if err != nil {
		return nil, mapError(err)
	}
	out := fromGitHubPullRequest(pr)
	return &out, nil
}

func (s *GitHubStore) ListPullRequestFiles(ctx context.Context, number int) ([]FileChange, error) {
	var out []FileChange
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		files, resp, err := s.client.PullRequests.ListFiles(ctx, s.owner, s.repo, number, opts)
		if err != nil {
			return nil, mapError(err)
		}
		for _, file := range files {
			out = append(out, FileChange{Path: file.GetFilename(), Status: file.GetStatus()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// MergePullRequest merges an open pull request. A rejected merge is only an
// ErrActionConflict when the pull request turns out to be merged or closed
// already; a rejected merge of an open pull request is ErrNotMergeable.
func (s *GitHubStore) MergePullRequest(ctx context.Context, number int, message string) error {
	result, _, err := s.client.PullRequests.Merge(ctx, s.owner, s.repo, number, message, nil)
	if err != nil {
		switch statusCode(err) {
		case http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
			return s.rejectedMerge(ctx, number, err)
		}
		return mapError(err)
	}
	if !result.GetMerged() {
		return s.rejectedMerge(ctx, number, errors.New(result.GetMessage()))
	}
	return nil
}

func (s *GitHubStore) rejectedMerge(ctx context.Context, number int, cause error) error {
	pr, err := s.GetPullRequest(ctx, number)
	if err != nil {
		return fmt.Errorf("merge pull request #%d: %v; refetch: %w", number, cause, err)
	}
	if pr.Merged || pr.State != StateOpen {
		return fmt.Errorf("merge pull request #%d: %v: %w", number, cause, ErrActionConflict)
	}
	return fmt.Errorf("merge pull request #%d: %v: %w", number, cause, ErrNotMergeable)
}

func (s *GitHubStore) UpdatePullRequestState(ctx context.Context, number int, state string) error {
	pr, _, err := s.client.PullRequests.Get(ctx, s.owner, s.repo, number)
	if err != nil {
		return mapError(err)
	}
	if pr.GetState() == state {
		return fmt.Errorf("pull request #%d already %s: %w", number, state, ErrActionConflict)
	}
	_, _, err = s.client.PullRequests.Edit(ctx, s.owner, s.repo, number, &gh.PullRequest{State: gh.String(state)})
	if err != nil {
		return mapActionError(err)
	}
	return nil
}

func (s *GitHubStore) CreatePullRequest(ctx context.Context, pr NewPullRequest) (*PullRequest, error) {
	created, _, err := s.client.PullRequests.Create(ctx, s.owner, s.repo, &gh.NewPullRequest{
		Title: gh.String(pr.Title),
		Body:  gh.String(pr.Body),
		Head:  gh.String(pr.Head),
		Base:  gh.String(pr.Base),
	})
	if err != nil {
		return nil, mapError(err)
	}
	out := fromGitHubPullRequest(created)
	return &out, nil
}

func (s *GitHubStore) CreateComment(ctx context.Context, number int, body string) error {
	_, _, err := s.client.Issues.CreateComment(ctx, s.owner, s.repo, number, &gh.IssueComment{Body: gh.String(body)})
	return mapError(err)
}

func fromGitHubCommit(commit *gh.Commit) *Commit {
	out := &Commit{
		SHA:     commit.GetSHA(),
		TreeSHA: commit.GetTree().GetSHA(),
		Message: commit.GetMessage(),
	}
	for _, parent := range commit.Parents {
		out.Parents = append(out.Parents, parent.GetSHA())
	}
	if author := commit.GetAuthor(); author != nil {
		out.Author = Signature{Name: author.GetName(), Email: author.GetEmail(), When: author.GetDate().Time}
	}
	return out
}

func fromGitHubTree(tree *gh.Tree) *Tree {
	out := &Tree{SHA: tree.GetSHA(), Entries: make([]TreeEntry, 0, len(tree.Entries))}
	for _, entry := range tree.Entries {
		out.Entries = append(out.Entries, TreeEntry{
			Path: entry.GetPath(),
			Mode: entry.GetMode(),
			Type: entry.GetType(),
			SHA:  entry.GetSHA(),
		})
	}
	return out
}

func fromGitHubPullRequest(pr *gh.PullRequest) PullRequest {
	return PullRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		State:          pr.GetState(),
		Merged:         pr.GetMerged(),
		HeadSHA:        pr.GetHead().GetSHA(),
		HeadRef:        pr.GetHead().GetRef(),
		BaseRef:        pr.GetBase().GetRef(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		HTMLURL:        pr.GetHTMLURL(),
	}
}

func statusCode(err error) int {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if statusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// mapActionError treats the statuses GitHub returns for merging or editing a
// pull request that is no longer open as ErrActionConflict.
func mapActionError(err error) error {
	switch statusCode(err) {
	case http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", ErrActionConflict, err)
	}
	return mapError(err)
}
