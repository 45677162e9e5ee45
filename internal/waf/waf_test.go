package waf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-network/aegis-node/internal/reqctx"
)

func TestAnalyze_MatchesURIHeaderAndBody(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "1", Pattern: `(?i)union\s+select`, Severity: 5, Category: "sqli", Action: ActionBlock},
		{ID: "2", Pattern: `(?i)<script`, Severity: 3, Category: "xss", Action: ActionChallenge},
	}, Config{MinSeverity: 1, MaxInspectionSize: 1 << 10})
	require.NoError(t, err)

	matches := rs.Analyze("GET", "/search?q=union select * from users",
		[]reqctx.Header{{Name: "X-Forwarded-For", Value: "<script>alert(1)</script>"}},
		nil)

	require.Len(t, matches, 2)
	assert.Equal(t, "sqli", matches[0].Category)
	assert.Equal(t, "URI", matches[0].Location)
	assert.Equal(t, "xss", matches[1].Category)
	assert.Equal(t, "Header:X-Forwarded-For", matches[1].Location)
}

func TestAnalyze_FiltersBelowMinSeverity(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "1", Pattern: `bad`, Severity: 2, Category: "noise"},
	}, Config{MinSeverity: 5})
	require.NoError(t, err)

	matches := rs.Analyze("GET", "/bad", nil, nil)
	assert.Empty(t, matches)
}

func TestAnalyze_OversizedBodySkipsByDefault(t *testing.T) {
	rs, err := Compile([]Rule{{ID: "1", Pattern: `too big`, Severity: 1}},
		Config{MinSeverity: 1, MaxInspectionSize: 4, OversizedBodyAction: OversizedSkip})
	require.NoError(t, err)

	matches := rs.Analyze("POST", "/", nil, []byte("way too big for inspection"))
	assert.Empty(t, matches)
}

func TestAnalyze_OversizedBodyBlocksWhenConfigured(t *testing.T) {
	rs, err := Compile(nil, Config{MinSeverity: 1, MaxInspectionSize: 4, OversizedBodyAction: OversizedBlock})
	require.NoError(t, err)

	matches := rs.Analyze("POST", "/", nil, []byte("way too big for inspection"))
	require.Len(t, matches, 1)
	assert.Equal(t, oversizedRuleID, matches[0].RuleID)
	assert.Equal(t, "Body", matches[0].Location)
}

func TestVerdict_CategoryOverrideTakesPrecedence(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "1", Pattern: `x`, Severity: 5, Category: "xss", Action: ActionBlock},
	}, Config{
		MinSeverity:     1,
		CategoryActions: map[string]Action{"xss": ActionLog},
	})
	require.NoError(t, err)

	matches := rs.Analyze("GET", "/x", nil, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, ActionLog, rs.Verdict(matches), "a category override must win over the rule's default action")
}

func TestVerdict_HighestActionWins(t *testing.T) {
	rs, err := Compile([]Rule{
		{ID: "1", Pattern: `a`, Severity: 1, Category: "c1", Action: ActionLog},
		{ID: "2", Pattern: `b`, Severity: 1, Category: "c2", Action: ActionBlock},
	}, Config{MinSeverity: 1})
	require.NoError(t, err)

	matches := rs.Analyze("GET", "/ab", nil, nil)
	assert.Equal(t, ActionBlock, rs.Verdict(matches))
}

func TestCompile_InvalidPatternFails(t *testing.T) {
	_, err := Compile([]Rule{{ID: "1", Pattern: "(unclosed"}}, Config{})
	assert.Error(t, err)
}

func TestLoadRules_ParsesYAMLIntoRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `
rules:
  - id: "100"
    pattern: "(?i)drop table"
    severity: 9
    category: sqli
    action: block
  - id: "101"
    pattern: "(?i)<iframe"
    severity: 4
    category: xss
    action: challenge
  - id: "102"
    pattern: "noisy"
    severity: 1
    category: recon
    action: unknown-action
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, ActionBlock, rules[0].Action)
	assert.Equal(t, ActionChallenge, rules[1].Action)
	assert.Equal(t, ActionLog, rules[2].Action, "an unrecognized action string must default to log")
}

func TestLoadRules_MissingFileErrors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseOversizedBodyAction(t *testing.T) {
	assert.Equal(t, OversizedBlock, ParseOversizedBodyAction("Block"))
	assert.Equal(t, OversizedSkip, ParseOversizedBodyAction("skip"))
	assert.Equal(t, OversizedSkip, ParseOversizedBodyAction(""))
}
