package feature

import (
	"fmt"
	"path"
	"strings"

	"featurebot/internal"
)

// Relation decides whether the accepted feature makes candidate redundant.
type Relation interface {
	Supersedes(accepted, candidate Feature) bool
}

// SamePath treats two features as the same when they add the same file.
type SamePath struct{}

func (SamePath) Supersedes(accepted, candidate Feature) bool {
	return cleanPath(accepted.Path) == cleanPath(candidate.Path)
}

// SameName matches features by file name without extension, in any directory.
type SameName struct{}

func (SameName) Supersedes(accepted, candidate Feature) bool {
	return accepted.Name() != "" && accepted.Name() == candidate.Name()
}

// Equivalence groups paths or names that implement one logical feature.
// A class member containing "/" is compared to the full path, otherwise to
// the feature name.
type Equivalence struct {
	Classes [][]string
}

func (e Equivalence) Supersedes(accepted, candidate Feature) bool {
	for _, class := range e.Classes {
		if memberOf(class, accepted) && memberOf(class, candidate) {
			return true
		}
	}
	return false
}

func memberOf(class []string, f Feature) bool {
	for _, member := range class {
		member = strings.TrimSpace(member)
		if strings.Contains(member, "/") {
			if cleanPath(member) == cleanPath(f.Path) {
				return true
			}
		} else if member != "" && member == f.Name() {
			return true
		}
	}
	return false
}

// Expression evaluates a boolean expression over accepted.* and candidate.*
// (path, name, dir, ext).
type Expression struct {
	expr *internal.Expression
}

func NewExpression(source string) (*Expression, error) {
	expr, err := internal.CompileExpression(source)
	if err != nil {
		return nil, fmt.Errorf("redundancy expression: %w", err)
	}
	return &Expression{expr: expr}, nil
}

func (e *Expression) Supersedes(accepted, candidate Feature) bool {
	ok, err := e.expr.Match(map[string]interface{}{
		"accepted":  featureFields(accepted),
		"candidate": featureFields(candidate),
	}, false)
	return err == nil && ok
}

func featureFields(f Feature) map[string]interface{} {
	return map[string]interface{}{
		"path": f.Path,
		"name": f.Name(),
		"dir":  f.Dir(),
		"ext":  path.Ext(f.Path),
	}
}

// AnyOf supersedes when any member relation does.
type AnyOf []Relation

func (a AnyOf) Supersedes(accepted, candidate Feature) bool {
	for _, relation := range a {
		if relation != nil && relation.Supersedes(accepted, candidate) {
			return true
		}
	}
	return false
}

// RelationConfig names a relation and its parameters.
type RelationConfig struct {
	Relation     string
	Equivalences [][]string
	Expression   string
}

// NewRelation builds the relation named by cfg. Names may be joined with
// "," or "|" to combine relations with AnyOf. Configured equivalences or an
// expression are always added alongside the named relation.
func NewRelation(cfg RelationConfig) (Relation, error) {
	names := strings.FieldsFunc(strings.ToLower(cfg.Relation), func(r rune) bool {
		return r == ',' || r == '|' || r == ' '
	})
	if len(names) == 0 {
		names = []string{"same_path"}
	}

	var relations AnyOf
	seen := map[string]bool{}
	add := func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		switch name {
		case "same_path", "path":
			relations = append(relations, SamePath{})
		case "same_name", "name":
			relations = append(relations, SameName{})
		case "equivalence":
			relations = append(relations, Equivalence{Classes: cfg.Equivalences})
		case "expression":
			if strings.TrimSpace(cfg.Expression) == "" {
				return fmt.Errorf("redundancy relation %q requires an expression", name)
			}
			expr, err := NewExpression(cfg.Expression)
			if err != nil {
				return err
			}
			relations = append(relations, expr)
		default:
			return fmt.Errorf("unknown redundancy relation %q", name)
		}
		return nil
	}
	for _, name := range names {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	if len(cfg.Equivalences) > 0 {
		if err := add("equivalence"); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.Expression) != "" {
		if err := add("expression"); err != nil {
			return nil, err
		}
	}
	if len(relations) == 1 {
		return relations[0], nil
	}
	return relations, nil
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}
