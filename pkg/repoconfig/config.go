// Package repoconfig loads the per-repository policy file.
package repoconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"featurebot/pkg/feature"
	"featurebot/pkg/gitremote"
	"featurebot/pkg/prune"

	"gopkg.in/yaml.v3"
)

const DefaultFile = "featurebot.yml"

// Config is the effective policy of one repository.
type Config struct {
	AutoMergeAccepted bool
	AutoCloseRejected bool
	PruningAction     prune.Mode
	BaseBranch        string
	Features          FeaturesConfig
}

type FeaturesConfig struct {
	Directory   string
	Boilerplate []string
	Redundancy  feature.RelationConfig
}

// Defaults merges and closes automatically and prunes onto the base branch.
func Defaults() Config {
	return Config{
		AutoMergeAccepted: true,
		AutoCloseRejected: true,
		PruningAction:     prune.ModeCommit,
	}
}

// Classifier returns the feature classifier configured for the repository.
func (c Config) Classifier() feature.Classifier {
	return feature.NewClassifier(c.Features.Directory, c.Features.Boilerplate)
}

// Relation returns the configured redundancy relation.
func (c Config) Relation() (feature.Relation, error) {
	return feature.NewRelation(c.Features.Redundancy)
}

type document struct {
	GitHub   githubSection   `yaml:"github"`
	Features featuresSection `yaml:"features"`
}

type githubSection struct {
	AutoMergeAcceptedFeatures Switch `yaml:"auto_merge_accepted_features"`
	AutoCloseRejectedFeatures Switch `yaml:"auto_close_rejected_features"`
	PruningAction             string `yaml:"pruning_action"`
	BaseBranch                string `yaml:"base_branch"`
}

type featuresSection struct {
	Directory   string   `yaml:"directory"`
	Boilerplate []string `yaml:"boilerplate"`
	Redundancy  struct {
		Relation     string     `yaml:"relation"`
		Equivalences [][]string `yaml:"equivalences"`
		Expression   string     `yaml:"expression"`
	} `yaml:"redundancy"`
}

// Switch is a yes/no setting. An absent key keeps the default.
type Switch struct {
	Set   bool
	Value bool
}

func (s *Switch) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected yes or no", node.Line)
	}
	switch strings.ToLower(strings.TrimSpace(node.Value)) {
	case "yes", "y", "true", "on":
		*s = Switch{Set: true, Value: true}
	case "no", "n", "false", "off":
		*s = Switch{Set: true, Value: false}
	default:
		return fmt.Errorf("line %d: expected yes or no, got %q", node.Line, node.Value)
	}
	return nil
}

func (s Switch) or(def bool) bool {
	if s.Set {
		return s.Value
	}
	return def
}

// Parse reads a policy file. A top-level "default" section takes precedence
// over the document root.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Config{}, fmt.Errorf("parse repository config: %w", err)
	}
	target := &root
	if section := defaultSection(&root); section != nil {
		target = section
	}
	var doc document
	if err := target.Decode(&doc); err != nil {
		return Config{}, fmt.Errorf("parse repository config: %w", err)
	}

	mode, err := prune.ParseMode(doc.GitHub.PruningAction)
	if err != nil {
		return Config{}, fmt.Errorf("parse repository config: %w", err)
	}
	cfg.AutoMergeAccepted = doc.GitHub.AutoMergeAcceptedFeatures.or(cfg.AutoMergeAccepted)
	cfg.AutoCloseRejected = doc.GitHub.AutoCloseRejectedFeatures.or(cfg.AutoCloseRejected)
	cfg.PruningAction = mode
	cfg.BaseBranch = strings.TrimSpace(doc.GitHub.BaseBranch)
	cfg.Features = FeaturesConfig{
		Directory:   strings.Trim(strings.TrimSpace(doc.Features.Directory), "/"),
		Boilerplate: doc.Features.Boilerplate,
		Redundancy: feature.RelationConfig{
			Relation:     doc.Features.Redundancy.Relation,
			Equivalences: doc.Features.Redundancy.Equivalences,
			Expression:   doc.Features.Redundancy.Expression,
		},
	}
	if _, err := cfg.Relation(); err != nil {
		return Config{}, fmt.Errorf("parse repository config: %w", err)
	}
	return cfg, nil
}

func defaultSection(root *yaml.Node) *yaml.Node {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == "default" && doc.Content[i+1].Kind == yaml.MappingNode {
			return doc.Content[i+1]
		}
	}
	return nil
}

// Loader reads the policy file from a repository branch.
type Loader struct {
	Path string
}

// Load returns defaults when the file does not exist.
func (l Loader) Load(ctx context.Context, store gitremote.Store, ref string) (Config, error) {
	file := l.Path
	if file == "" {
		file = DefaultFile
	}
	data, err := store.GetFileContents(ctx, file, ref)
	if errors.Is(err, gitremote.ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", file, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}
