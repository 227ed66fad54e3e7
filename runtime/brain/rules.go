package brain

import (
	"errors"
	"fmt"
	"regexp"
)

type (
	// Match carries what a rule pattern captured from the message.
	Match struct {
		// Message is the full original message.
		Message string
		// Groups holds the regexp submatches, Groups[0] being the full match.
		Groups []string
		// Request is the planner request the message arrived in, so extractors
		// can read context and conversation metadata.
		Request *Request
	}

	// Draft is an unvalidated tool call produced by a rule extractor.
	Draft struct {
		ToolName       string
		Input          map[string]any
		IdempotencyKey string
	}

	// Rule maps a message pattern to tool-call drafts. Rules are evaluated in
	// registration order and the first whose pattern matches wins, so ties in
	// generality resolve to the earlier registration.
	Rule struct {
		// Name identifies the rule in audit records.
		Name string
		// Pattern matches against the incoming message.
		Pattern *regexp.Regexp
		// ToolName is the default tool for drafts whose extractor leaves it
		// empty.
		ToolName string
		// Describe is a one-line intent description used in help responses.
		Describe string
		// Extract builds the draft calls from the match. A nil Extract yields
		// a single draft with an empty input.
		Extract func(m Match) ([]Draft, error)
	}

	// RuleSet is an ordered, immutable collection of rules.
	RuleSet struct {
		rules []Rule
	}
)

// NewRuleSet validates and freezes an ordered rule collection.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if r.Pattern == nil {
			return nil, fmt.Errorf("rule %q: pattern is required", r.Name)
		}
		if r.ToolName == "" && r.Extract == nil {
			return nil, fmt.Errorf("rule %q: tool name or extractor is required", r.Name)
		}
	}
	frozen := make([]Rule, len(rules))
	copy(frozen, rules)
	return &RuleSet{rules: frozen}, nil
}

// Match evaluates the rules in order against the message and returns the
// first match.
func (rs *RuleSet) Match(message string, req *Request) (*Rule, Match, bool) {
	for i := range rs.rules {
		rule := &rs.rules[i]
		groups := rule.Pattern.FindStringSubmatch(message)
		if groups == nil {
			continue
		}
		return rule, Match{Message: message, Groups: groups, Request: req}, true
	}
	return nil, Match{}, false
}

// Drafts runs the rule's extractor and fills in default tool names.
func (r *Rule) Drafts(m Match) ([]Draft, error) {
	if r.Extract == nil {
		return []Draft{{ToolName: r.ToolName, Input: map[string]any{}}}, nil
	}
	drafts, err := r.Extract(m)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if len(drafts) == 0 {
		return nil, errors.New("rule " + r.Name + " produced no drafts")
	}
	for i := range drafts {
		if drafts[i].ToolName == "" {
			drafts[i].ToolName = r.ToolName
		}
		if drafts[i].Input == nil {
			drafts[i].Input = map[string]any{}
		}
	}
	return drafts, nil
}

// Help returns one line per rule for the no-match answer response.
func (rs *RuleSet) Help() []string {
	lines := make([]string, 0, len(rs.rules))
	for _, r := range rs.rules {
		desc := r.Describe
		if desc == "" {
			desc = r.ToolName
		}
		lines = append(lines, desc)
	}
	return lines
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }
