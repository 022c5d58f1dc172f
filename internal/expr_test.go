package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteVariablesSkipsLiteralsAndFunctions(t *testing.T) {
	rewritten, vars, err := rewriteVariables(`stem(accepted.path) == stem(candidate.path) && candidate.path != "accepted.path"`)
	require.NoError(t, err)

	assert.Equal(t, `stem(v0) == stem(v1) && v1 != "accepted.path"`, rewritten)
	assert.Equal(t, map[string]string{"v0": "accepted.path", "v1": "candidate.path"}, vars)
}

func TestExpressionHelpers(t *testing.T) {
	object := map[string]interface{}{
		"path":   "features/legacy/foo.py",
		"name":   "foo",
		"labels": []interface{}{"bug", "ui"},
		"single": []interface{}{"bug"},
		"empty":  []interface{}{},
		"sizes":  []interface{}{float64(1), float64(2)},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`basename(path) == "foo.py"`, true},
		{`stem(path) == name`, true},
		{`dirname(path) == "features/legacy"`, true},
		{`hasPrefix(path, "features/")`, true},
		{`hasSuffix(path, ".go")`, false},
		{`like(path, "features/%/foo._y")`, true},
		{`contains(path, "legacy")`, true},
		{`contains(labels, "bug")`, true},
		{`contains(labels, "ui")`, true},
		{`contains(labels, "feature")`, false},
		{`contains(single, "bug")`, true},
		{`contains(empty, "bug")`, false},
		{`contains(sizes, 2)`, true},
		{`contains(sizes, 3)`, false},
	}
	for _, tc := range cases {
		expr, err := CompileExpression(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := expr.Match(object, true)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
	assert.Equal(t, []interface{}{"bug", "ui"}, object["labels"])
}

func TestExpressionStrictMissing(t *testing.T) {
	expr, err := CompileExpression(`absent == 1`)
	require.NoError(t, err)

	_, err = expr.Match(map[string]interface{}{}, true)
	assert.True(t, errors.Is(err, ErrMissingVariable))

	ok, err := expr.Match(map[string]interface{}{}, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLikeMatch(t *testing.T) {
	assert.True(t, likeMatch("refs/heads/main", "refs/heads/%"))
	assert.True(t, likeMatch("abc", "a_c"))
	assert.False(t, likeMatch("abc", "a_"))
	assert.True(t, likeMatch("", "%"))
}
