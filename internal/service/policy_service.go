// Package service contains application services.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	celeval "github.com/Sentinel-Gate/governor/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

// Reasons attached to default verdicts.
const (
	ReasonDefaultDenyMutating = "default-deny-mutating"
	ReasonDefaultAllowRead    = "default-allow-read"
)

// CompiledRule represents a pre-compiled policy rule ready for evaluation.
type CompiledRule struct {
	Rule policy.Rule
	// Condition is nil when the rule has none.
	Condition *celeval.Condition
	// Wildcards is the number of wildcard segments in the pattern; fewer is more specific.
	Wildcards int
	// Order is the declaration position across the whole rule set.
	Order int
}

// RuleIndex holds, per action kind, the candidate rules already in selection order.
type RuleIndex struct {
	ByAction map[policy.ActionKind][]*CompiledRule
}

// CompiledRulesSnapshot is the immutable rule set shared by all evaluations.
type CompiledRulesSnapshot struct {
	Rules   []CompiledRule
	Index   *RuleIndex
	Version string
}

// PolicyService implements policy.Engine with glob patterns and optional CEL conditions.
// Rules are compiled once by Initialize into a snapshot that readers load without locks.
type PolicyService struct {
	evaluator *celeval.Evaluator
	snapshot  atomic.Pointer[CompiledRulesSnapshot]
	mu        sync.Mutex // serializes Initialize
	logger    *slog.Logger
}

// NewPolicyService creates an uninitialized engine.
func NewPolicyService(logger *slog.Logger) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	return &PolicyService{evaluator: evaluator, logger: logger}, nil
}

// Initialize loads, validates and compiles the rule set. It succeeds at most once;
// any failure leaves the engine uninitialized so no partial policy is ever served.
func (s *PolicyService) Initialize(ctx context.Context, src policy.RuleSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot.Load() != nil {
		return policy.ErrAlreadyInitialized
	}

	rules, err := src.Load(ctx)
	if err != nil {
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		return &policy.ConfigError{Source: src.Describe(), Index: -1, Err: err}
	}
	if len(rules) == 0 {
		return &policy.ConfigError{Source: src.Describe(), Index: -1, Err: policy.ErrEmptyRuleSet}
	}

	compiled, err := s.compileRules(rules)
	if err != nil {
		return err
	}
	version, err := RuleSetVersion(rules)
	if err != nil {
		return &policy.ConfigError{Source: src.Describe(), Index: -1, Err: err}
	}

	snapshot := &CompiledRulesSnapshot{
		Rules:   compiled,
		Index:   buildIndex(compiled),
		Version: version,
	}
	s.snapshot.Store(snapshot)

	s.logger.Info("policy engine initialized",
		"source", src.Describe(),
		"rules_compiled", len(compiled),
		"policy_version", version,
	)
	return nil
}

// compileRules compiles CEL conditions and sorts rules into selection order.
func (s *PolicyService) compileRules(rules []policy.Rule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for i, rule := range rules {
		if !rule.Verdict.Valid() {
			return nil, &policy.ConfigError{Source: rule.Source, Index: i, Rule: rule.Name, Err: errors.New("unknown verdict")}
		}
		if !policy.ValidatePattern(rule.Pattern) {
			return nil, &policy.ConfigError{Source: rule.Source, Index: i, Rule: rule.Name, Err: fmt.Errorf("invalid glob pattern %q", rule.Pattern)}
		}
		var cond *celeval.Condition
		if rule.Condition != "" {
			c, err := s.evaluator.Compile(rule.Condition)
			if err != nil {
				return nil, &policy.ConfigError{Source: rule.Source, Index: i, Rule: rule.Name, Err: fmt.Errorf("condition: %w", err)}
			}
			cond = c
		}
		compiled = append(compiled, CompiledRule{
			Rule:      rule,
			Condition: cond,
			Wildcards: policy.WildcardSegments(rule.Pattern),
			Order:     i,
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i], compiled[j]
		if a.Rule.Priority != b.Rule.Priority {
			return a.Rule.Priority > b.Rule.Priority
		}
		if a.Wildcards != b.Wildcards {
			return a.Wildcards < b.Wildcards
		}
		return a.Order < b.Order
	})
	return compiled, nil
}

// buildIndex creates the per-action candidate lists, preserving selection order.
func buildIndex(rules []CompiledRule) *RuleIndex {
	idx := &RuleIndex{ByAction: make(map[policy.ActionKind][]*CompiledRule, len(policy.KnownActions))}
	for i := range rules {
		r := &rules[i]
		for _, action := range policy.KnownActions {
			if r.Rule.AppliesTo(action) {
				idx.ByAction[action] = append(idx.ByAction[action], r)
			}
		}
	}
	return idx
}

// Classify selects the verdict for one action. The first candidate in selection order
// whose pattern and condition both match wins; otherwise the fail-closed default applies.
func (s *PolicyService) Classify(in policy.Input) (policy.Verdict, error) {
	snapshot := s.snapshot.Load()
	if snapshot == nil {
		return policy.Verdict{}, policy.ErrNotInitialized
	}
	action, err := policy.ParseActionKind(string(in.Action))
	if err != nil {
		return policy.Verdict{}, fmt.Errorf("%w: %v", policy.ErrInvalidInput, err)
	}
	target := policy.NormalizePath(in.TargetPath)
	if target == "" {
		return policy.Verdict{}, fmt.Errorf("%w: target path is required", policy.ErrInvalidInput)
	}
	in.Action, in.TargetPath = action, target

	for _, rule := range snapshot.Index.ByAction[action] {
		if !policy.MatchPath(rule.Rule.Pattern, target) {
			continue
		}
		if rule.Condition != nil {
			ok, err := rule.Condition.Match(context.Background(), in)
			if err != nil {
				return policy.Verdict{}, fmt.Errorf("rule %s evaluation failed: %w", rule.Rule.Name, err)
			}
			if !ok {
				continue
			}
		}
		matched := rule.Rule
		reasons := []string{"rule:" + matched.Name}
		if matched.Reason != "" {
			reasons = append(reasons, matched.Reason)
		}
		return policy.Verdict{Decision: matched.Verdict, MatchedRule: &matched, Reasons: reasons}, nil
	}

	if action.IsMutating() {
		return policy.Verdict{Decision: policy.DecisionDeny, Reasons: []string{ReasonDefaultDenyMutating}}, nil
	}
	return policy.Verdict{Decision: policy.DecisionAllow, Reasons: []string{ReasonDefaultAllowRead}}, nil
}

// Version returns the loaded rule set fingerprint, or "" before Initialize.
func (s *PolicyService) Version() string {
	if snapshot := s.snapshot.Load(); snapshot != nil {
		return snapshot.Version
	}
	return ""
}

// RuleCount returns the number of loaded rules.
func (s *PolicyService) RuleCount() int {
	if snapshot := s.snapshot.Load(); snapshot != nil {
		return len(snapshot.Rules)
	}
	return 0
}

// RuleSetVersion fingerprints a rule list as "sha256:<hex>" of its canonical encoding.
// Declaration order is kept because it breaks ties; scopes are sorted and deduplicated.
func RuleSetVersion(rules []policy.Rule) (string, error) {
	normalized := make([]policy.Rule, len(rules))
	for i, r := range rules {
		r.Scope = normalizeScope(r.Scope)
		r.Source = ""
		normalized[i] = r
	}
	canon, err := ledger.Canonicalize(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func normalizeScope(scope []policy.ActionKind) []policy.ActionKind {
	seen := make(map[policy.ActionKind]bool, len(scope))
	out := make([]policy.ActionKind, 0, len(scope))
	for _, a := range scope {
		if a == policy.ActionAny {
			return []policy.ActionKind{policy.ActionAny}
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Compile-time interface verification.
var _ policy.Engine = (*PolicyService)(nil)
