// Package governance contains the request/response contract of the decision pipeline.
package governance

import (
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
	"github.com/Sentinel-Gate/governor/internal/domain/routing"
)

// Request is one proposed agent action. (RequestID, ActorID) is its natural key.
type Request struct {
	RequestID  string            `json:"requestId" validate:"required,max=256,printascii"`
	ActorID    string            `json:"actorId" validate:"required,max=256,printascii"`
	Action     policy.ActionKind `json:"action" validate:"required,oneof=read list write delete execute model-call network"`
	TargetPath string            `json:"targetPath" validate:"required,max=4096"`
	Content    []byte            `json:"content,omitempty" validate:"max=67108864"`
}

// Response is the decision handed back to the caller.
type Response struct {
	Decision      policy.Decision   `json:"decision"`
	DecisionID    string            `json:"decisionId"`
	AuditEventID  string            `json:"auditEventId"`
	Reasons       []string          `json:"reasons"`
	PolicyVersion string            `json:"policyVersion"`
	RiskGrade     routing.RiskGrade `json:"riskGrade"`
}

// State is the orchestrator lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "READY"
	}
	return "UNINITIALIZED"
}
