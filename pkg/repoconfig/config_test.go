package repoconfig

import (
	"context"
	"testing"

	"featurebot/pkg/feature"
	"featurebot/pkg/gitremote"
	"featurebot/pkg/prune"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultSection(t *testing.T) {
	cfg, err := Parse([]byte(`
default:
  github:
    auto_merge_accepted_features: no
    auto_close_rejected_features: yes
    pruning_action: make_pull_request
  features:
    directory: src/features/contrib/
    redundancy:
      relation: same_name
github:
  auto_merge_accepted_features: yes
`))
	require.NoError(t, err)
	assert.False(t, cfg.AutoMergeAccepted)
	assert.True(t, cfg.AutoCloseRejected)
	assert.Equal(t, prune.ModePullRequest, cfg.PruningAction)
	assert.Equal(t, "src/features/contrib", cfg.Features.Directory)

	rel, err := cfg.Relation()
	require.NoError(t, err)
	assert.Equal(t, feature.SameName{}, rel)
}

func TestParseRootAndDefaults(t *testing.T) {
	cfg, err := Parse([]byte("github:\n  pruning_action: no_action\n"))
	require.NoError(t, err)
	assert.True(t, cfg.AutoMergeAccepted)
	assert.True(t, cfg.AutoCloseRejected)
	assert.Equal(t, prune.ModeNone, cfg.PruningAction)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	_, err := Parse([]byte("github:\n  auto_merge_accepted_features: maybe\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("github:\n  pruning_action: force_push\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("features:\n  redundancy:\n    relation: expression\n"))
	assert.Error(t, err)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	store := gitremote.NewMemoryStore("acme/features", "master")
	head, err := store.CommitFiles(map[string]string{"README.md": "hi"}, "init")
	require.NoError(t, err)
	store.SetRef("master", head)

	cfg, err := Loader{}.Load(context.Background(), store, "master")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoaderReadsFile(t *testing.T) {
	store := gitremote.NewMemoryStore("acme/features", "master")
	head, err := store.CommitFiles(map[string]string{
		"featurebot.yml": "default:\n  github:\n    auto_close_rejected_features: no\n",
	}, "init")
	require.NoError(t, err)
	store.SetRef("master", head)

	cfg, err := Loader{}.Load(context.Background(), store, "master")
	require.NoError(t, err)
	assert.False(t, cfg.AutoCloseRejected)
}
