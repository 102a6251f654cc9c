package policy

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for policy engine operations.
var (
	// ErrEmptyRuleSet is returned when a rule source yields no rules.
	ErrEmptyRuleSet = errors.New("rule set is empty")
	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("policy engine already initialized")
	// ErrNotInitialized is returned when Classify runs before Initialize.
	ErrNotInitialized = errors.New("policy engine not initialized")
	// ErrInvalidInput is returned when Classify is called without action or target.
	ErrInvalidInput = errors.New("invalid classification input")
)

// ConfigError reports a rule set that cannot be loaded.
// It always describes the first offending rule; later rules are not inspected.
type ConfigError struct {
	// Source is the document the rule came from, if known.
	Source string
	// Index is the zero-based position of the rule in its document, or -1.
	Index int
	// Rule is the rule name, if it could be read.
	Rule string
	// Err is the underlying cause.
	Err error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Index >= 0 && e.Rule != "":
		return fmt.Sprintf("policy config %s: rule %d (%s): %v", e.Source, e.Index, e.Rule, e.Err)
	case e.Index >= 0:
		return fmt.Sprintf("policy config %s: rule %d: %v", e.Source, e.Index, e.Err)
	default:
		return fmt.Sprintf("policy config %s: %v", e.Source, e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RuleSource yields the declarative rules for one engine lifetime.
type RuleSource interface {
	// Load reads and structurally validates every rule.
	// Implementations return *ConfigError on the first invalid rule.
	Load(ctx context.Context) ([]Rule, error)
	// Describe names the source for logs and errors.
	Describe() string
}

// Engine classifies actions against a loaded rule set.
type Engine interface {
	// Initialize loads the rule set once. Any error leaves the engine unusable.
	Initialize(ctx context.Context, src RuleSource) error
	// Classify selects the verdict for in. It never returns configuration errors.
	Classify(in Input) (Verdict, error)
	// Version is a fingerprint of the loaded rule set.
	Version() string
}
