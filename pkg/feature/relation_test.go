package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamePath(t *testing.T) {
	a := Feature{Path: "features/x.py"}
	assert.True(t, SamePath{}.Supersedes(a, Feature{Path: "/features/x.py"}))
	assert.False(t, SamePath{}.Supersedes(a, Feature{Path: "features/y.py"}))
}

func TestSameName(t *testing.T) {
	a := Feature{Path: "features/user_a/mean_age.py"}
	assert.True(t, SameName{}.Supersedes(a, Feature{Path: "features/user_b/mean_age.py"}))
	assert.False(t, SameName{}.Supersedes(a, Feature{Path: "features/user_b/median_age.py"}))
}

func TestEquivalence(t *testing.T) {
	rel := Equivalence{Classes: [][]string{{"mean_age", "features/legacy/avg_age.py"}}}
	assert.True(t, rel.Supersedes(Feature{Path: "features/new/mean_age.py"}, Feature{Path: "features/legacy/avg_age.py"}))
	assert.False(t, rel.Supersedes(Feature{Path: "features/new/mean_age.py"}, Feature{Path: "features/other/avg_age.py"}))
}

func TestExpressionRelation(t *testing.T) {
	rel, err := NewExpression(`accepted.dir == candidate.dir && candidate.path != accepted.path`)
	require.NoError(t, err)
	assert.True(t, rel.Supersedes(Feature{Path: "features/a/x.py"}, Feature{Path: "features/a/y.py"}))
	assert.False(t, rel.Supersedes(Feature{Path: "features/a/x.py"}, Feature{Path: "features/a/x.py"}))
	assert.False(t, rel.Supersedes(Feature{Path: "features/a/x.py"}, Feature{Path: "features/b/y.py"}))
}

func TestNewRelation(t *testing.T) {
	rel, err := NewRelation(RelationConfig{})
	require.NoError(t, err)
	assert.Equal(t, SamePath{}, rel)

	rel, err = NewRelation(RelationConfig{Relation: "same_path,same_name"})
	require.NoError(t, err)
	require.IsType(t, AnyOf{}, rel)
	assert.True(t, rel.Supersedes(Feature{Path: "a/x.py"}, Feature{Path: "b/x.py"}))

	rel, err = NewRelation(RelationConfig{Equivalences: [][]string{{"x", "y"}}})
	require.NoError(t, err)
	assert.True(t, rel.Supersedes(Feature{Path: "a/x.py"}, Feature{Path: "b/y.py"}))
	assert.True(t, rel.Supersedes(Feature{Path: "a/x.py"}, Feature{Path: "a/x.py"}))

	_, err = NewRelation(RelationConfig{Relation: "expression"})
	assert.Error(t, err)
	_, err = NewRelation(RelationConfig{Relation: "fuzzy"})
	assert.Error(t, err)
}
