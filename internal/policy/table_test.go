package policy

import (
	"encoding/json"
	"testing"

	"github.com/neogan74/overseer/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Validate(t *testing.T) {
	ok := Operation{Category: "post", Action: "publish", Source: "agent-1"}
	assert.NoError(t, ok.Validate())

	err := Operation{Category: "post", Source: "agent-1"}.Validate()
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, err.Error(), "action is required")

	err = Operation{Category: "  ", Action: "publish", Source: "agent-1"}.Validate()
	assert.True(t, apperr.IsValidation(err))

	err = Operation{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category is required")
	assert.Contains(t, err.Error(), "source is required")
}

func TestDefaultRules(t *testing.T) {
	table, err := NewTable(DefaultRules())
	require.NoError(t, err)

	cases := []struct {
		name string
		op   Operation
		want VerdictKind
	}{
		{"publish", Operation{Category: "post", Action: "publish"}, VerdictAllow},
		{"shell", Operation{Category: "exec", Action: "shell"}, VerdictRequireApproval},
		{"credential", Operation{Category: "credential", Action: "read"}, VerdictRequireApproval},
		{"delete", Operation{Category: "post", Action: "delete"}, VerdictAnomalyCheck},
		{"wipe", Operation{Category: "system", Action: "wipe"}, VerdictBlock},
		{"large transfer", Operation{Category: "payment", Action: "transfer", Context: map[string]any{"amount": 250.0}}, VerdictRequireApproval},
		{"small transfer", Operation{Category: "payment", Action: "transfer", Context: map[string]any{"amount": 20}}, VerdictAllow},
		{"transfer without amount", Operation{Category: "payment", Action: "transfer"}, VerdictAllow},
		{"unknown", Operation{Category: "unknown", Action: "thing"}, VerdictRequireApproval},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, table.Resolve(tc.op).Verdict)
		})
	}

	unknown := table.Resolve(Operation{Category: "unknown", Action: "thing"})
	assert.False(t, unknown.Matched)
	assert.Contains(t, unknown.Reason, "fallback")
}

func TestNewTable_RejectsInvalidSets(t *testing.T) {
	cases := map[string]RuleSet{
		"missing fallback": {Rules: []Rule{{Category: "a", Action: "b", Verdict: VerdictAllow}}},
		"unknown fallback": {Fallback: "maybe"},
		"duplicate": {Fallback: VerdictBlock, Rules: []Rule{
			{Category: "a", Action: "b", Verdict: VerdictAllow},
			{Category: "a", Action: "b", Verdict: VerdictBlock},
		}},
		"empty key":       {Fallback: VerdictBlock, Rules: []Rule{{Category: "a", Verdict: VerdictAllow}}},
		"unknown verdict": {Fallback: VerdictBlock, Rules: []Rule{{Category: "a", Action: "b", Verdict: "escalate"}}},
		"unknown predicate": {Fallback: VerdictBlock, Rules: []Rule{
			{Category: "a", Action: "b", Verdict: VerdictRequireApproval, When: &Predicate{Kind: "regex"}},
		}},
		"predicate on allow": {Fallback: VerdictBlock, Rules: []Rule{
			{Category: "a", Action: "b", Verdict: VerdictAllow, When: &Predicate{Kind: PredicateAlways}},
		}},
		"predicate missing key": {Fallback: VerdictBlock, Rules: []Rule{
			{Category: "a", Action: "b", Verdict: VerdictRequireApproval, When: &Predicate{Kind: PredicateContextGT}},
		}},
	}

	for name, set := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(set)
			assert.Error(t, err)
		})
	}
}

func TestPredicates(t *testing.T) {
	op := Operation{
		Category: "deploy",
		Action:   "production",
		Target:   "/etc/passwd",
		Context:  map[string]any{"env": "prod", "replicas": json.Number("5"), "amount": "99.5"},
	}

	assert.True(t, Predicate{Kind: PredicateAlways}.Matches(op))
	assert.True(t, Predicate{Kind: PredicateContextEquals, Key: "env", Value: "prod"}.Matches(op))
	assert.False(t, Predicate{Kind: PredicateContextEquals, Key: "env", Value: "dev"}.Matches(op))
	assert.True(t, Predicate{Kind: PredicateContextEquals, Key: "replicas", Value: 5}.Matches(op))
	assert.True(t, Predicate{Kind: PredicateContextPresent, Key: "env"}.Matches(op))
	assert.False(t, Predicate{Kind: PredicateContextPresent, Key: "region"}.Matches(op))
	assert.True(t, Predicate{Kind: PredicateContextGT, Key: "replicas", Threshold: 3}.Matches(op))
	assert.False(t, Predicate{Kind: PredicateContextGT, Key: "amount", Threshold: 100}.Matches(op))
	assert.False(t, Predicate{Kind: PredicateContextGT, Key: "env", Threshold: 0}.Matches(op))
	assert.True(t, Predicate{Kind: PredicateTargetPrefix, Prefix: "/etc/"}.Matches(op))
	assert.False(t, Predicate{Kind: PredicateTargetPrefix, Prefix: "/var/"}.Matches(op))
}

func TestLoadFile(t *testing.T) {
	set, err := LoadFile("testdata/rules.yaml")
	require.NoError(t, err)
	assert.Equal(t, VerdictBlock, set.Fallback)
	require.Len(t, set.Rules, 4)

	table, err := NewTable(set)
	require.NoError(t, err)

	prod := table.Resolve(Operation{Category: "deploy", Action: "production", Context: map[string]any{"env": "prod"}})
	assert.Equal(t, VerdictRequireApproval, prod.Verdict)
	assert.Equal(t, "production deploys require sign-off", prod.Reason)

	staging := table.Resolve(Operation{Category: "deploy", Action: "production", Context: map[string]any{"env": "staging"}})
	assert.Equal(t, VerdictAllow, staging.Verdict)

	etc := table.Resolve(Operation{Category: "file", Action: "write", Target: "/etc/hosts"})
	assert.Equal(t, VerdictRequireApproval, etc.Verdict)

	assert.Equal(t, VerdictBlock, table.Resolve(Operation{Category: "x", Action: "y"}).Verdict)
	assert.Len(t, table.Rules().Rules, 4)
}

func TestParseYAML_RejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte("fallback: allow\nrulez: []\n"))
	assert.Error(t, err)

	_, err = LoadFile("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestNewTable_DottedNamesStayDistinct(t *testing.T) {
	table, err := NewTable(RuleSet{
		Fallback: VerdictBlock,
		Rules: []Rule{
			{Category: "a.b", Action: "c", Verdict: VerdictAllow},
			{Category: "a", Action: "b.c", Verdict: VerdictRequireApproval},
		},
	})
	require.NoError(t, err)

	res := table.Resolve(Operation{Category: "a.b", Action: "c", Source: "agent-1"})
	assert.True(t, res.Matched)
	assert.Equal(t, VerdictAllow, res.Verdict)

	res = table.Resolve(Operation{Category: "a", Action: "b.c", Source: "agent-1"})
	assert.True(t, res.Matched)
	assert.Equal(t, VerdictRequireApproval, res.Verdict)

	res = table.Resolve(Operation{Category: "a.b.c", Action: "x", Source: "agent-1"})
	assert.False(t, res.Matched)
	assert.Equal(t, VerdictBlock, res.Verdict)

	rules := table.Rules().Rules
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Category)
	assert.Equal(t, "a.b", rules[1].Category)
}
