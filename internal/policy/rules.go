package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// VerdictKind is the closed set of rule outcomes.
type VerdictKind string

const (
	VerdictAllow           VerdictKind = "allow"
	VerdictBlock           VerdictKind = "block"
	VerdictRequireApproval VerdictKind = "require_approval"
	VerdictAnomalyCheck    VerdictKind = "anomaly_check"
)

func (k VerdictKind) valid() bool {
	switch k {
	case VerdictAllow, VerdictBlock, VerdictRequireApproval, VerdictAnomalyCheck:
		return true
	}
	return false
}

// PredicateKind is the closed set of require_approval conditions.
type PredicateKind string

const (
	PredicateAlways         PredicateKind = "always"
	PredicateContextEquals  PredicateKind = "context_equals"
	PredicateContextPresent PredicateKind = "context_present"
	PredicateContextGT      PredicateKind = "context_gt"
	PredicateTargetPrefix   PredicateKind = "target_prefix"
)

// Predicate gates a require_approval rule.
type Predicate struct {
	Kind      PredicateKind `yaml:"kind" json:"kind"`
	Key       string        `yaml:"key,omitempty" json:"key,omitempty"`
	Value     any           `yaml:"value,omitempty" json:"value,omitempty"`
	Threshold float64       `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Prefix    string        `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

func (p Predicate) validate() error {
	switch p.Kind {
	case PredicateAlways:
	case PredicateContextEquals:
		if p.Key == "" || p.Value == nil {
			return fmt.Errorf("context_equals needs key and value")
		}
	case PredicateContextPresent, PredicateContextGT:
		if p.Key == "" {
			return fmt.Errorf("%s needs key", p.Kind)
		}
	case PredicateTargetPrefix:
		if p.Prefix == "" {
			return fmt.Errorf("target_prefix needs prefix")
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

// Matches reports whether op satisfies the predicate.
func (p Predicate) Matches(op Operation) bool {
	switch p.Kind {
	case PredicateAlways:
		return true
	case PredicateContextEquals:
		v, ok := op.Context[p.Key]
		return ok && looseEqual(v, p.Value)
	case PredicateContextPresent:
		_, ok := op.Context[p.Key]
		return ok
	case PredicateContextGT:
		f, ok := toFloat(op.Context[p.Key])
		return ok && f > p.Threshold
	case PredicateTargetPrefix:
		return strings.HasPrefix(op.Target, p.Prefix)
	}
	return false
}

func (p Predicate) String() string {
	switch p.Kind {
	case PredicateContextEquals:
		return fmt.Sprintf("context.%s == %v", p.Key, p.Value)
	case PredicateContextPresent:
		return fmt.Sprintf("context.%s present", p.Key)
	case PredicateContextGT:
		return fmt.Sprintf("context.%s > %v", p.Key, p.Threshold)
	case PredicateTargetPrefix:
		return fmt.Sprintf("target has prefix %q", p.Prefix)
	}
	return string(p.Kind)
}

func looseEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Rule binds one (category, action) pair to a verdict.
type Rule struct {
	Category string      `yaml:"category" json:"category"`
	Action   string      `yaml:"action" json:"action"`
	Verdict  VerdictKind `yaml:"verdict" json:"verdict"`
	When     *Predicate  `yaml:"when,omitempty" json:"when,omitempty"`
	Reason   string      `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Key returns "category.action" for display. It is not unique when a
// category or action contains a dot.
func (r Rule) Key() string {
	return r.Category + "." + r.Action
}

// RuleSet is the serialized form of a Table.
type RuleSet struct {
	Fallback VerdictKind `yaml:"fallback" json:"fallback"`
	Rules    []Rule      `yaml:"rules" json:"rules"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	return RuleSet{
		Fallback: VerdictRequireApproval,
		Rules: []Rule{
			{Category: "post", Action: "publish", Verdict: VerdictAllow, Reason: "publishing is permitted"},
			{Category: "post", Action: "reply", Verdict: VerdictAllow, Reason: "replies are permitted"},
			{Category: "post", Action: "delete", Verdict: VerdictAnomalyCheck, Reason: "deletion permitted for well-behaved sources"},
			{Category: "exec", Action: "shell", Verdict: VerdictRequireApproval, Reason: "shell execution requires operator approval"},
			{Category: "credential", Action: "read", Verdict: VerdictRequireApproval, Reason: "credential access requires operator approval"},
			{
				Category: "payment",
				Action:   "transfer",
				Verdict:  VerdictRequireApproval,
				When:     &Predicate{Kind: PredicateContextGT, Key: "amount", Threshold: 100},
				Reason:   "large transfers require operator approval",
			},
			{Category: "system", Action: "wipe", Verdict: VerdictBlock, Reason: "destructive system operations are never allowed"},
		},
	}
}
