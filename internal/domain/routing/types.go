// Package routing contains domain types for risk triage ahead of policy evaluation.
package routing

import (
	"fmt"
	"strings"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

// RiskGrade orders request risk. The zero value is invalid.
type RiskGrade int

const (
	RiskLow RiskGrade = iota + 1
	RiskMedium
	RiskHigh
)

func (g RiskGrade) String() string {
	switch g {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("RiskGrade(%d)", int(g))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (g RiskGrade) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *RiskGrade) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "LOW":
		*g = RiskLow
	case "MEDIUM":
		*g = RiskMedium
	case "HIGH":
		*g = RiskHigh
	default:
		return fmt.Errorf("unknown risk grade %q", text)
	}
	return nil
}

// Raise returns the next grade, capped at RiskHigh.
func (g RiskGrade) Raise() RiskGrade {
	if g >= RiskHigh {
		return RiskHigh
	}
	return g + 1
}

// Request is the subset of a governance request the router inspects.
type Request struct {
	ActorID    string
	Action     policy.ActionKind
	TargetPath string
	Content    []byte
}

// Outcome is the triage result for one request.
type Outcome struct {
	Grade RiskGrade
	// ShortCircuit holds a cached verdict that can be returned without policy work.
	ShortCircuit *policy.Verdict
	// Reasons are the triggers that raised the grade, in evaluation order.
	Reasons []string
	// Novel reports whether (action, targetPath) had not been seen before.
	Novel bool
}

// Result is the final decision of the router for one request.
type Result struct {
	Verdict policy.Verdict
	// Policy is the engine verdict before any risk override.
	Policy       policy.Verdict
	Grade        RiskGrade
	ShortCircuit bool
	// Overridden reports that HIGH risk forced a stricter decision than policy.
	Overridden bool
}

// Reason strings emitted by triage.
const (
	ReasonDestructive   = "risk:destructive-action"
	ReasonNovel         = "risk:novel-target"
	ReasonLargePayload  = "risk:large-payload"
	ReasonSensitivePath = "risk:sensitive-path:"
	ReasonCredential    = "risk:credential-content:"
	ReasonHighEscalate  = "risk:high-forces-escalate"
	ReasonCached        = "router:cached-low-risk"
)
