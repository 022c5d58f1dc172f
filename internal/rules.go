package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultTopic receives completed check runs when no rules are configured.
const DefaultTopic = "featurebot.check_run.completed"

// Rule routes matching webhook events to one or more topics.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    EmitList `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
	// Events restricts the rule to these webhook event names. Empty means any.
	Events []string `yaml:"events"`
}

// EmitList accepts either a single topic or a list of topics in YAML.
type EmitList []string

func (e *EmitList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var topic string
		if err := value.Decode(&topic); err != nil {
			return err
		}
		*e = EmitList{topic}
		return nil
	case yaml.SequenceNode:
		var topics []string
		if err := value.Decode(&topics); err != nil {
			return err
		}
		*e = EmitList(topics)
		return nil
	default:
		return errors.New("emit must be a string or a list of strings")
	}
}

// Match is one topic selected for an event.
type Match struct {
	Topic   string
	Drivers []string
}

// DefaultRules is used when the configuration declares no rules.
func DefaultRules() []Rule {
	return []Rule{{
		When:   `action == "completed"`,
		Emit:   EmitList{DefaultTopic},
		Events: []string{"check_run"},
	}}
}

type compiledRule struct {
	rule Rule
	expr *Expression
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *zerolog.Logger
}

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	source := cfg.Rules
	if len(source) == 0 {
		source = DefaultRules()
	}
	rules := make([]compiledRule, 0, len(source))
	for i, rule := range source {
		expr, err := CompileExpression(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, compiledRule{rule: rule, expr: expr})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger("rules")
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Topics lists every topic any rule can emit, in declaration order.
func (r *RuleEngine) Topics() []string {
	seen := make(map[string]struct{})
	topics := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		for _, topic := range rule.rule.Emit {
			if _, ok := seen[topic]; ok {
				continue
			}
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	return topics
}

func (r *RuleEngine) Evaluate(event Event) []Match {
	return r.EvaluateWithLogger(event, r.logger)
}

func (r *RuleEngine) EvaluateWithLogger(event Event, logger *zerolog.Logger) []Match {
	if len(r.rules) == 0 {
		return nil
	}
	if logger == nil {
		logger = r.logger
	}

	object := event.RawObject
	if object == nil && len(event.RawPayload) > 0 {
		if err := json.Unmarshal(event.RawPayload, &object); err != nil {
			logger.Warn().Err(err).Msg("rule payload decode failed")
			return nil
		}
	}

	matches := make([]Match, 0, 1)
	for _, rule := range r.rules {
		if !eventAllowed(rule.rule.Events, event.Name) {
			continue
		}
		ok, err := rule.expr.Match(object, r.strict)
		if err != nil {
			logger.Debug().Err(err).Str("when", rule.expr.String()).Msg("rule eval failed")
			continue
		}
		if !ok {
			continue
		}
		for _, topic := range rule.rule.Emit {
			matches = append(matches, Match{Topic: topic, Drivers: rule.rule.Drivers})
		}
	}
	return matches
}

func eventAllowed(events []string, name string) bool {
	if len(events) == 0 {
		return true
	}
	for _, event := range events {
		if strings.EqualFold(event, name) {
			return true
		}
	}
	return false
}
