// Package feature decides whether a pull request proposes a single feature
// and which features supersede one another.
package feature

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"featurebot/pkg/gitremote"
)

// DefaultBoilerplate matches package marker files that accompany a feature
// without being one.
var DefaultBoilerplate = []string{"__init__.py"}

// ErrClassificationAmbiguous means a change set is not exactly one added
// feature file. It is always wrapped with the reason.
var ErrClassificationAmbiguous = errors.New("not a feature proposal")

// Feature is identified by the path of its single added file.
type Feature struct {
	Path string
}

// Name is the file name without its extension.
func (f Feature) Name() string {
	base := path.Base(f.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

func (f Feature) Dir() string {
	return path.Dir(f.Path)
}

func (f Feature) String() string { return f.Path }

// Classifier filters boilerplate files and recognises feature additions.
//
// A boilerplate pattern containing glob meta characters is matched against
// the base name with path.Match; any other pattern is a path suffix.
// Directory, when set, restricts features to files below it.
type Classifier struct {
	Boilerplate []string
	Directory   string
}

func NewClassifier(directory string, boilerplate []string) Classifier {
	if boilerplate == nil {
		boilerplate = DefaultBoilerplate
	}
	return Classifier{Boilerplate: boilerplate, Directory: strings.Trim(directory, "/")}
}

// IsBoilerplate reports whether filePath is ignored by classification.
func (c Classifier) IsBoilerplate(filePath string) bool {
	for _, pattern := range c.Boilerplate {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := path.Match(pattern, path.Base(filePath)); ok {
				return true
			}
			continue
		}
		if strings.HasSuffix(filePath, pattern) {
			return true
		}
	}
	return false
}

// InDirectory reports whether filePath lies under the feature directory.
func (c Classifier) InDirectory(filePath string) bool {
	if c.Directory == "" {
		return true
	}
	return strings.HasPrefix(strings.TrimPrefix(filePath, "/"), c.Directory+"/")
}

// Classify returns the feature proposed by files.
func (c Classifier) Classify(files []gitremote.FileChange) (Feature, error) {
	var remaining []gitremote.FileChange
	for _, file := range files {
		if !c.IsBoilerplate(file.Path) {
			remaining = append(remaining, file)
		}
	}
	switch {
	case len(remaining) == 0 && len(files) == 0:
		return Feature{}, fmt.Errorf("%w: no files changed", ErrClassificationAmbiguous)
	case len(remaining) == 0:
		return Feature{}, fmt.Errorf("%w: only boilerplate changed", ErrClassificationAmbiguous)
	case len(remaining) > 1:
		return Feature{}, fmt.Errorf("%w: %d non-boilerplate files changed", ErrClassificationAmbiguous, len(remaining))
	}
	file := remaining[0]
	if file.Status != gitremote.StatusAdded {
		return Feature{}, fmt.Errorf("%w: %s was %s, not added", ErrClassificationAmbiguous, file.Path, file.Status)
	}
	if !c.InDirectory(file.Path) {
		return Feature{}, fmt.Errorf("%w: %s is outside %s", ErrClassificationAmbiguous, file.Path, c.Directory)
	}
	return Feature{Path: file.Path}, nil
}

func (c Classifier) IsFeatureProposing(files []gitremote.FileChange) bool {
	_, err := c.Classify(files)
	return err == nil
}
