// Package policy contains domain types for declarative action classification.
package policy

import (
	"fmt"
	"strings"
)

// Decision is the closed set of governance outcomes.
// The zero value is invalid so an unset decision is never mistaken for ALLOW.
type Decision int

const (
	// DecisionAllow permits the action.
	DecisionAllow Decision = iota + 1
	// DecisionEscalate requires a human to approve the action.
	DecisionEscalate
	// DecisionDeny blocks the action.
	DecisionDeny
)

// String returns the canonical upper-case name of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionEscalate:
		return "ESCALATE"
	case DecisionDeny:
		return "DENY"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Valid reports whether d is one of the three known decisions.
func (d Decision) Valid() bool {
	return d >= DecisionAllow && d <= DecisionDeny
}

// ParseDecision parses a decision name, case-insensitive.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW":
		return DecisionAllow, nil
	case "ESCALATE":
		return DecisionEscalate, nil
	case "DENY":
		return DecisionDeny, nil
	default:
		return 0, fmt.Errorf("unknown decision %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid decision %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Stricter returns the more restrictive of a and b (ALLOW < ESCALATE < DENY).
func Stricter(a, b Decision) Decision {
	if a > b {
		return a
	}
	return b
}

// ActionKind identifies the kind of action an agent proposes.
type ActionKind string

const (
	ActionRead      ActionKind = "read"
	ActionList      ActionKind = "list"
	ActionWrite     ActionKind = "write"
	ActionDelete    ActionKind = "delete"
	ActionExecute   ActionKind = "execute"
	ActionModelCall ActionKind = "model-call"
	ActionNetwork   ActionKind = "network"

	// ActionAny is only valid inside a rule scope and matches every kind.
	ActionAny ActionKind = "*"
)

// KnownActions lists every concrete action kind.
var KnownActions = []ActionKind{
	ActionRead, ActionList, ActionWrite, ActionDelete,
	ActionExecute, ActionModelCall, ActionNetwork,
}

// ParseActionKind validates and normalizes an action kind.
func ParseActionKind(s string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownActions {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// IsMutating reports whether the action changes state or spends resources.
// Everything except read and list is mutating.
func (a ActionKind) IsMutating() bool {
	return a != ActionRead && a != ActionList
}

// IsDestructive reports whether the action can destroy or alter data on its own.
func (a ActionKind) IsDestructive() bool {
	return a == ActionWrite || a == ActionDelete || a == ActionExecute
}

// Rule is one declarative policy entry.
type Rule struct {
	// Name identifies the rule in reasons and logs. Unique within a rule set.
	Name string `json:"name"`
	// Pattern is a glob over the target path ("**" spans path segments).
	Pattern string `json:"pattern"`
	// Scope lists the action kinds the rule applies to. ActionAny matches all.
	Scope []ActionKind `json:"scope"`
	// Verdict is the decision produced when the rule is selected.
	Verdict Decision `json:"verdict"`
	// Priority orders candidates; higher wins.
	Priority int `json:"priority"`
	// Condition is an optional CEL expression that must also evaluate to true.
	Condition string `json:"condition,omitempty"`
	// Reason is an optional human-readable explanation attached to the verdict.
	Reason string `json:"reason,omitempty"`
	// Source is where the rule was declared (file name), informational only.
	Source string `json:"-"`
}

// AppliesTo reports whether the rule scope covers the given action.
func (r Rule) AppliesTo(action ActionKind) bool {
	for _, s := range r.Scope {
		if s == ActionAny || s == action {
			return true
		}
	}
	return false
}

// Input is a single action to classify.
type Input struct {
	Action     ActionKind
	TargetPath string
	Content    []byte
}

// Verdict is the outcome of classifying an Input.
type Verdict struct {
	// Decision is the classification result.
	Decision Decision
	// MatchedRule is the selected rule, or nil when the default policy applied.
	MatchedRule *Rule
	// Reasons are ordered human-readable triggers.
	Reasons []string
}

// Default reports whether no rule matched and the built-in default applied.
func (v Verdict) Default() bool {
	return v.MatchedRule == nil
}

// RuleName returns the matched rule name or "" for default verdicts.
func (v Verdict) RuleName() string {
	if v.MatchedRule == nil {
		return ""
	}
	return v.MatchedRule.Name
}
