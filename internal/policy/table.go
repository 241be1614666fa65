package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Resolution is what the table decides for one operation before the pause
// switch and anomaly signals are applied.
type Resolution struct {
	Verdict VerdictKind
	Reason  string
	// Matched is false when the fallback verdict was used.
	Matched bool
}

// ruleKey identifies a rule. Category and action are kept apart so that
// names containing dots cannot collide.
type ruleKey struct {
	category string
	action   string
}

// Table is the immutable (category, action) -> verdict lookup.
type Table struct {
	rules    map[ruleKey]Rule
	fallback VerdictKind
}

// NewTable validates set and builds a table from it. Every problem found is
// reported.
func NewTable(set RuleSet) (*Table, error) {
	var errs []error

	if set.Fallback == "" {
		errs = append(errs, errors.New("fallback verdict is required"))
	} else if !set.Fallback.valid() {
		errs = append(errs, fmt.Errorf("unknown fallback verdict %q", set.Fallback))
	}

	rules := make(map[ruleKey]Rule, len(set.Rules))
	for i, r := range set.Rules {
		if r.Category == "" || r.Action == "" {
			errs = append(errs, fmt.Errorf("rule %d: category and action are required", i))
			continue
		}
		if !r.Verdict.valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown verdict %q", r.Key(), r.Verdict))
		}
		if r.When != nil {
			if r.Verdict != VerdictRequireApproval {
				errs = append(errs, fmt.Errorf("rule %s: only require_approval rules take a predicate", r.Key()))
			} else if err := r.When.validate(); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", r.Key(), err))
			}
		}
		key := ruleKey{category: r.Category, action: r.Action}
		if _, dup := rules[key]; dup {
			errs = append(errs, fmt.Errorf("rule %s: duplicate key", r.Key()))
			continue
		}
		rules[key] = r
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid rule table: %w", err)
	}
	return &Table{rules: rules, fallback: set.Fallback}, nil
}

// LoadFile reads a YAML rule set from path.
func LoadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a rule set. Unknown fields are rejected.
func ParseYAML(data []byte) (RuleSet, error) {
	var set RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse rule file: %w", err)
	}
	return set, nil
}

// Resolve returns the verdict for op.
func (t *Table) Resolve(op Operation) Resolution {
	r, ok := t.rules[ruleKey{category: op.Category, action: op.Action}]
	if !ok {
		return Resolution{
			Verdict: t.fallback,
			Reason:  fmt.Sprintf("no rule for %s; fallback %s", op.Name(), t.fallback),
		}
	}

	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("rule %s: %s", r.Key(), r.Verdict)
	}

	if r.Verdict == VerdictRequireApproval && r.When != nil && !r.When.Matches(op) {
		return Resolution{
			Verdict: VerdictAllow,
			Reason:  fmt.Sprintf("rule %s: condition %s not met", r.Key(), r.When),
			Matched: true,
		}
	}
	return Resolution{Verdict: r.Verdict, Reason: reason, Matched: true}
}

// Fallback returns the verdict for unknown operations.
func (t *Table) Fallback() VerdictKind {
	return t.fallback
}

// Rules returns the rule set sorted by key.
func (t *Table) Rules() RuleSet {
	set := RuleSet{Fallback: t.fallback, Rules: make([]Rule, 0, len(t.rules))}
	for _, r := range t.rules {
		set.Rules = append(set.Rules, r)
	}
	sort.Slice(set.Rules, func(i, j int) bool {
		a, b := set.Rules[i], set.Rules[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Action < b.Action
	})
	return set
}
