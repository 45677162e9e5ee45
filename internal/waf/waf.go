// Package waf implements the rule-based request analyzer (spec §4.3): each
// rule's own compiled regex is matched in turn against URI, headers, and
// body (there is no combined multi-pattern set), producing an ordered list
// of findings that the pipeline controller scores against a severity
// threshold.
package waf

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/aegis-network/aegis-node/internal/reqctx"
)

// Action is the default disposition a rule requests when it matches.
type Action int

const (
	ActionLog Action = iota
	ActionChallenge
	ActionBlock
)

// Rule is one compiled WAF rule (spec §3 "WAF Rule Set").
type Rule struct {
	ID       string
	Pattern  string
	Severity int
	Category string
	Action   Action

	compiled *regexp.Regexp
}

// OversizedBodyAction controls what happens when a request body exceeds
// MaxInspectionSize (spec §4.3, §6.6 waf.oversized_body_action).
type OversizedBodyAction int

const (
	OversizedSkip OversizedBodyAction = iota
	OversizedBlock
)

// oversizedRuleID is the synthetic rule id emitted when OversizedBlock
// triggers, per spec §4.3 ("synthetic rule id 0").
const oversizedRuleID = "0"

// Config controls WAF evaluation thresholds (spec §6.6).
type Config struct {
	MinSeverity         int
	MaxInspectionSize   int64
	OversizedBodyAction OversizedBodyAction
	// CategoryActions lets specific categories escalate or relax below the
	// default per-rule action (spec §4.3 "Category overrides ... take
	// precedence over the default action").
	CategoryActions map[string]Action
}

// RuleSet is an immutable, compiled snapshot of the rule list: each rule
// carries its own compiled regex in one slice. The node compiles a single
// RuleSet at startup and has no path that replaces it.
type RuleSet struct {
	rules  []Rule
	config Config
}

// Compile builds a RuleSet from rule definitions. A regex compile failure
// is a startup-fatal condition (spec §4.13): the caller should treat a
// non-nil error as fatal, not retry per-request.
func Compile(rules []Rule, cfg Config) (*RuleSet, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, err
		}
		r.compiled = re
		compiled[i] = r
	}
	return &RuleSet{rules: compiled, config: cfg}, nil
}

// Analyze evaluates the rule set against a request, returning matches in
// rule order. It is a pure function of its inputs and is idempotent
// (spec §8 property 3): calling it twice with the same arguments produces
// an equal match list, since it holds no mutable state of its own.
func (rs *RuleSet) Analyze(method, uri string, headers []reqctx.Header, body []byte) []reqctx.RuleMatch {
	var matches []reqctx.RuleMatch

	matches = append(matches, rs.scan(uri, "URI")...)

	for _, h := range headers {
		matches = append(matches, rs.scan(h.Value, "Header:"+h.Name)...)
	}

	matches = append(matches, rs.scanBody(body)...)

	return rs.filterBySeverity(matches)
}

func (rs *RuleSet) scanBody(body []byte) []reqctx.RuleMatch {
	if len(body) == 0 {
		return nil
	}
	if int64(len(body)) > rs.config.MaxInspectionSize {
		if rs.config.OversizedBodyAction == OversizedBlock {
			return []reqctx.RuleMatch{{
				RuleID:   oversizedRuleID,
				Severity: 10,
				Category: "protocol",
				Location: "Body",
				Matched:  "body exceeds max_inspection_size",
			}}
		}
		return nil
	}
	if !utf8.Valid(body) {
		return nil
	}
	return rs.scan(string(body), "Body")
}

func (rs *RuleSet) scan(text, location string) []reqctx.RuleMatch {
	if text == "" {
		return nil
	}
	var matches []reqctx.RuleMatch
	for _, r := range rs.rules {
		if loc := r.compiled.FindString(text); loc != "" {
			matches = append(matches, reqctx.RuleMatch{
				RuleID:   r.ID,
				Severity: r.Severity,
				Category: r.Category,
				Location: location,
				Matched:  loc,
			})
		}
	}
	return matches
}

func (rs *RuleSet) filterBySeverity(matches []reqctx.RuleMatch) []reqctx.RuleMatch {
	out := matches[:0]
	for _, m := range matches {
		if m.Severity >= rs.config.MinSeverity {
			out = append(out, m)
		}
	}
	return out
}

// Verdict is the WAF's disposition after folding category overrides over
// the per-rule defaults.
func (rs *RuleSet) Verdict(matches []reqctx.RuleMatch) Action {
	action := ActionLog
	for _, m := range matches {
		ruleAction := rs.actionFor(m)
		if ruleAction > action {
			action = ruleAction
		}
	}
	return action
}

func (rs *RuleSet) actionFor(m reqctx.RuleMatch) Action {
	if override, ok := rs.config.CategoryActions[strings.ToLower(m.Category)]; ok {
		return override
	}
	for _, r := range rs.rules {
		if r.ID == m.RuleID {
			return r.Action
		}
	}
	return ActionLog
}

// ruleFile is the on-disk YAML shape for a rule set (spec §6.6
// waf.rules_file), kept separate from Rule so the compiled regexp field
// never leaks into (un)marshaling.
type ruleFile struct {
	Rules []struct {
		ID       string `yaml:"id"`
		Pattern  string `yaml:"pattern"`
		Severity int    `yaml:"severity"`
		Category string `yaml:"category"`
		Action   string `yaml:"action"`
	} `yaml:"rules"`
}

// LoadRules reads a rules_file and parses it into compile-ready Rule
// values. It does not compile the regexes itself; callers pass the
// result to Compile so a bad pattern fails at the same startup-fatal
// point as any other rule-set error.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	rules := make([]Rule, len(rf.Rules))
	for i, r := range rf.Rules {
		rules[i] = Rule{
			ID:       r.ID,
			Pattern:  r.Pattern,
			Severity: r.Severity,
			Category: r.Category,
			Action:   ParseAction(r.Action),
		}
	}
	return rules, nil
}

// ParseAction maps a config string to an Action, defaulting to ActionLog
// for anything unrecognized so a typo'd rules file degrades to logging
// rather than failing to load.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return ActionBlock
	case "challenge":
		return ActionChallenge
	default:
		return ActionLog
	}
}

// ParseOversizedBodyAction maps a config string to an OversizedBodyAction,
// defaulting to OversizedSkip (spec §6.6 default).
func ParseOversizedBodyAction(s string) OversizedBodyAction {
	if strings.ToLower(strings.TrimSpace(s)) == "block" {
		return OversizedBlock
	}
	return OversizedSkip
}
