// Package heartbeat implements the heartbeat scheduler (spec.md §4.4): a
// reloadable policy of recurring prompts fired against sessions on a timer.
package heartbeat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule is one policy entry (spec.md §4.4.1).
type Rule struct {
	RuleID     string `yaml:"rule_id"`
	Prompt     string `yaml:"prompt"`
	IntervalMs int64  `yaml:"interval_ms"`
	SessionID  string `yaml:"session_id,omitempty"`
	EnabledPtr *bool  `yaml:"enabled,omitempty"`
}

// Enabled defaults to true when unset in the policy file.
func (r Rule) Enabled() bool {
	return r.EnabledPtr == nil || *r.EnabledPtr
}

// DefaultSessionID is the `heartbeat:<rule_id>` form spec.md §4.4.1 names.
func DefaultSessionID(ruleID string) string {
	return "heartbeat:" + ruleID
}

// EffectiveSessionID returns the rule's explicit session_id, or the default
// form derived from its rule_id.
func (r Rule) EffectiveSessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return DefaultSessionID(r.RuleID)
}

// Policy is the parsed rule set.
type Policy struct {
	Rules []Rule
}

type policyFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadPolicy parses the human-editable policy file (spec.md §4.4.1).
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var raw policyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	seen := make(map[string]bool, len(raw.Rules))
	for _, r := range raw.Rules {
		if r.RuleID == "" {
			return nil, fmt.Errorf("policy rule missing rule_id")
		}
		if seen[r.RuleID] {
			return nil, fmt.Errorf("duplicate rule_id %q in policy file", r.RuleID)
		}
		seen[r.RuleID] = true
	}
	return &Policy{Rules: raw.Rules}, nil
}
