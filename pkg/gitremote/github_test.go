package gitremote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGitHubStore(t *testing.T, mux *http.ServeMux) *GitHubStore {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := gh.NewClient(nil)
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return NewGitHubStore(client, "acme", "features")
}

func TestGitHubStoreUpdateRefExpectedMismatch(t *testing.T) {
	mux := http.NewServeMux()
	patched := false
	mux.HandleFunc("/repos/acme/features/git/ref/heads/master", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/master","object":{"sha":"moved","type":"commit"}}`)
	})
	mux.HandleFunc("/repos/acme/features/git/refs/heads/master", func(w http.ResponseWriter, r *http.Request) {
		patched = true
		w.WriteHeader(http.StatusOK)
	})
	store := newTestGitHubStore(t, mux)

	err := store.UpdateRef(context.Background(), "master", "new", "expected")
	var conflict *RefConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "moved", conflict.Actual)
	assert.False(t, patched, "no update may be sent once the head moved")
}

func TestGitHubStoreUpdateRefNonFastForward(t *testing.T) {
	mux := http.NewServeMux()
	var force interface{}
	mux.HandleFunc("/repos/acme/features/git/ref/heads/master", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/master","object":{"sha":"expected","type":"commit"}}`)
	})
	mux.HandleFunc("/repos/acme/features/git/refs/heads/master", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body map[string]interface{}
		_ = decodeJSON(r, &body)
		force = body["force"]
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Update is not a fast forward"}`)
	})
	store := newTestGitHubStore(t, mux)

	err := store.UpdateRef(context.Background(), "master", "new", "expected")
	var conflict *RefConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, false, force)
}

func TestGitHubStoreNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/features/git/ref/heads/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	store := newTestGitHubStore(t, mux)

	_, err := store.ResolveRef(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func mergeRejectingMux(prState string, merged bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/features/pulls/42/merge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"message":"Pull Request is not mergeable"}`)
	})
	mux.HandleFunc("/repos/acme/features/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"number":42,"state":%q,"merged":%t}`, prState, merged)
	})
	return mux
}

func TestGitHubStoreMergeRejectedOpenPullRequest(t *testing.T) {
	store := newTestGitHubStore(t, mergeRejectingMux("open", false))

	err := store.MergePullRequest(context.Background(), 42, "")
	assert.ErrorIs(t, err, ErrNotMergeable)
	assert.NotErrorIs(t, err, ErrActionConflict)
}

func TestGitHubStoreMergeAlreadyMerged(t *testing.T) {
	store := newTestGitHubStore(t, mergeRejectingMux("closed", true))

	err := store.MergePullRequest(context.Background(), 42, "")
	assert.ErrorIs(t, err, ErrActionConflict)
}

func TestGitHubStoreMergeNotMergedResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/features/pulls/42/merge", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"merged":false,"message":"Base branch was modified"}`)
	})
	mux.HandleFunc("/repos/acme/features/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"state":"open","merged":false}`)
	})
	store := newTestGitHubStore(t, mux)

	err := store.MergePullRequest(context.Background(), 42, "")
	assert.ErrorIs(t, err, ErrNotMergeable)
	assert.Contains(t, err.Error(), "Base branch was modified")
}

func TestGitHubStoreCreateTreeSendsFullEntries(t *testing.T) {
	mux := http.NewServeMux()
	var body struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
	}
	mux.HandleFunc("/repos/acme/features/git/trees", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, decodeJSON(r, &body))
		fmt.Fprint(w, `{"sha":"t1","tree":[{"path":"keep.txt","mode":"100644","type":"blob","sha":"b1"}]}`)
	})
	store := newTestGitHubStore(t, mux)

	tree, err := store.CreateTree(context.Background(), []TreeEntry{{Path: "keep.txt", Mode: ModeFile, Type: TypeBlob, SHA: "b1"}})
	require.NoError(t, err)
	assert.Equal(t, "t1", tree.SHA)
	assert.Empty(t, body.BaseTree)
	require.Len(t, body.Tree, 1)
	assert.Equal(t, "b1", body.Tree[0].SHA)
}

func TestSplitFullName(t *testing.T) {
	owner, repo, err := SplitFullName("acme/features")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "features", repo)

	_, _, err = SplitFullName("acme")
	assert.Error(t, err)
}
