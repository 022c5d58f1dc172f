package internal

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// Expression is a compiled boolean expression over a JSON object.
// Variables are dotted paths (pull_request.draft, $.pull_requests[0].number)
// resolved with JSONPath against the object passed to Match.
type Expression struct {
	source string
	expr   *govaluate.EvaluableExpression
	vars   map[string]string
}

// ErrMissingVariable is returned by Match in strict mode when a variable does not resolve.
var ErrMissingVariable = errors.New("expression variable not found")

var expressionFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		// govaluate spreads a list argument, so contains(labels, "bug")
		// arrives as the list items followed by the needle.
		switch len(args) {
		case 0:
			return false, errors.New("contains expects 2 arguments")
		case 1:
			return false, nil
		case 2:
			if haystack, ok := args[0].(string); ok {
				needle, _ := args[1].(string)
				return strings.Contains(haystack, needle), nil
			}
		}
		needle := args[len(args)-1]
		for _, item := range args[:len(args)-1] {
			if reflect.DeepEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	},
	"like": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return false, errors.New("like expects 2 arguments")
		}
		value, _ := args[0].(string)
		pattern, _ := args[1].(string)
		return likeMatch(value, pattern), nil
	},
	"hasPrefix": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return false, errors.New("hasPrefix expects 2 arguments")
		}
		value, _ := args[0].(string)
		prefix, _ := args[1].(string)
		return strings.HasPrefix(value, prefix), nil
	},
	"hasSuffix": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return false, errors.New("hasSuffix expects 2 arguments")
		}
		value, _ := args[0].(string)
		suffix, _ := args[1].(string)
		return strings.HasSuffix(value, suffix), nil
	},
	"basename": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return "", errors.New("basename expects 1 argument")
		}
		value, _ := args[0].(string)
		return path.Base(value), nil
	},
	"stem": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return "", errors.New("stem expects 1 argument")
		}
		value, _ := args[0].(string)
		base := path.Base(value)
		return strings.TrimSuffix(base, path.Ext(base)), nil
	},
	"dirname": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return "", errors.New("dirname expects 1 argument")
		}
		value, _ := args[0].(string)
		return path.Dir(value), nil
	},
}

// CompileExpression parses source and rewrites its variables into placeholders.
func CompileExpression(source string) (*Expression, error) {
	rewritten, vars, err := rewriteVariables(source)
	if err != nil {
		return nil, err
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, expressionFunctions)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	return &Expression{source: source, expr: expr, vars: vars}, nil
}

// String returns the expression as written.
func (e *Expression) String() string {
	return e.source
}

// Match evaluates the expression against object. A non-boolean result is false.
func (e *Expression) Match(object interface{}, strict bool) (bool, error) {
	params := make(map[string]interface{}, len(e.vars))
	for placeholder, varPath := range e.vars {
		value, err := jsonpath.Get("$."+varPath, object)
		if err != nil {
			if strict {
				return false, fmt.Errorf("%w: %s", ErrMissingVariable, varPath)
			}
			value = nil
		}
		if list, ok := value.([]interface{}); ok {
			// Full slice expression so argument spreading cannot write into object.
			value = list[:len(list):len(list)]
		}
		params[placeholder] = value
	}
	result, err := e.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	ok, _ := result.(bool)
	return ok, nil
}

var reservedWords = map[string]struct{}{
	"true": {}, "false": {}, "in": {}, "IN": {}, "nil": {}, "null": {},
}

// rewriteVariables replaces each variable chain outside string literals with
// a placeholder name govaluate accepts, returning placeholder -> path.
func rewriteVariables(source string) (string, map[string]string, error) {
	var out strings.Builder
	vars := make(map[string]string)
	byPath := make(map[string]string)

	for i := 0; i < len(source); {
		ch := source[i]
		switch {
		case ch == '"' || ch == '\'' || ch == '`':
			end := i + 1
			for end < len(source) && source[end] != ch {
				if source[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(source) {
				return "", nil, fmt.Errorf("unterminated string in %q", source)
			}
			out.WriteString(source[i : end+1])
			i = end + 1
		case ch == '$' || isIdentStart(ch):
			end := scanChain(source, i)
			chain := source[i:end]
			if _, reserved := reservedWords[chain]; reserved || nextNonSpace(source, end) == '(' {
				out.WriteString(chain)
				i = end
				continue
			}
			varPath := strings.TrimPrefix(strings.TrimPrefix(chain, "$"), ".")
			if varPath == "" {
				return "", nil, fmt.Errorf("empty variable in %q", source)
			}
			placeholder, ok := byPath[varPath]
			if !ok {
				placeholder = fmt.Sprintf("v%d", len(byPath))
				byPath[varPath] = placeholder
				vars[placeholder] = varPath
			}
			out.WriteString(placeholder)
			i = end
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.String(), vars, nil
}

func scanChain(source string, start int) int {
	i := start
	if source[i] == '$' {
		i++
	}
	for i < len(source) {
		ch := source[i]
		switch {
		case isIdentStart(ch) || (ch >= '0' && ch <= '9'):
			i++
		case ch == '.' && i+1 < len(source) && isIdentStart(source[i+1]):
			i++
		case ch == '[':
			end := strings.IndexByte(source[i:], ']')
			if end < 0 {
				return i
			}
			i += end + 1
		default:
			return i
		}
	}
	return i
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func nextNonSpace(source string, i int) byte {
	for i < len(source) {
		if source[i] != ' ' && source[i] != '\t' {
			return source[i]
		}
		i++
	}
	return 0
}

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(value, pattern string) bool {
	if pattern == "" {
		return value == ""
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(value); i++ {
			if likeMatch(value[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return value != "" && likeMatch(value[1:], pattern[1:])
	default:
		return value != "" && value[0] == pattern[0] && likeMatch(value[1:], pattern[1:])
	}
}
