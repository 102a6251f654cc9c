// Package ledger contains domain types for the append-only, hash-chained decision log.
package ledger

import (
	"encoding/json"
	"time"
)

// GenesisHash is the prevHash of the entry at sequence 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// PayloadKind discriminates ledger payloads.
type PayloadKind string

const (
	// KindDecision marks a governance decision payload.
	KindDecision PayloadKind = "decision"
	// KindEvent marks a generic audit event payload.
	KindEvent PayloadKind = "event"
)

// Entry is one committed link of the chain.
// Payload holds the canonical (JCS) encoding that was hashed, byte for byte.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	KeyID     string          `json:"key_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditEventID returns the externally visible reference "<sequence>:<hash prefix>".
func (e Entry) AuditEventID() string {
	prefix := e.Hash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return formatUint(e.Sequence) + ":" + prefix
}

// Decode parses the canonical payload bytes.
func (e Entry) Decode() (Payload, error) {
	var p Payload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Payload is the content committed by an entry. Exactly one of Decision or Event is set.
type Payload struct {
	Kind     PayloadKind     `json:"kind"`
	TraceID  string          `json:"trace_id,omitempty"`
	Decision *DecisionRecord `json:"decision,omitempty"`
	Event    *EventRecord    `json:"event,omitempty"`
}

// DecisionRecord is the audit form of a governance decision.
type DecisionRecord struct {
	DecisionID    string   `json:"decision_id"`
	RequestID     string   `json:"request_id"`
	ActorID       string   `json:"actor_id"`
	Action        string   `json:"action"`
	TargetPath    string   `json:"target_path"`
	ContentSHA256 string   `json:"content_sha256,omitempty"`
	ContentSize   int      `json:"content_size"`
	Decision      string   `json:"decision"`
	RiskGrade     string   `json:"risk_grade"`
	Rule          string   `json:"rule,omitempty"`
	Reasons       []string `json:"reasons"`
	PolicyVersion string   `json:"policy_version"`
	ShortCircuit  bool     `json:"short_circuit,omitempty"`
	Authenticated bool     `json:"authenticated"`
	KeyID         string   `json:"key_id,omitempty"`
	DecidedAt     string   `json:"decided_at"`
}

// EventRecord is a generic audit event, e.g. runtime lifecycle transitions.
type EventRecord struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         string            `json:"at"`
}

// NewDecisionPayload wraps a decision record.
func NewDecisionPayload(traceID string, rec DecisionRecord) Payload {
	return Payload{Kind: KindDecision, TraceID: traceID, Decision: &rec}
}

// NewEventPayload wraps an event record.
func NewEventPayload(traceID, eventType string, attrs map[string]string, at time.Time) Payload {
	return Payload{
		Kind:    KindEvent,
		TraceID: traceID,
		Event: &EventRecord{
			Type:       eventType,
			Attributes: attrs,
			At:         at.UTC().Format(time.RFC3339Nano),
		},
	}
}

// Head describes the committed end of the chain.
type Head struct {
	// Length is the number of committed entries (the next sequence to assign).
	Length uint64 `json:"length"`
	// Hash is the hash of the last committed entry, or GenesisHash when empty.
	Hash string `json:"hash"`
}

// Empty reports whether no entry has been committed.
func (h Head) Empty() bool { return h.Length == 0 }

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	// FromSequence is the first sequence to consider (inclusive).
	FromSequence uint64
	// Kind keeps only payloads of this kind.
	Kind PayloadKind
	// ActorID keeps only decisions by this actor.
	ActorID string
	// Decision keeps only decisions with this outcome (e.g. "DENY").
	Decision string
	// Limit stops after this many matching entries.
	Limit int
}

// Matches reports whether the decoded payload satisfies the filter.
func (f Filter) Matches(p Payload) bool {
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	if f.ActorID != "" || f.Decision != "" {
		if p.Decision == nil {
			return false
		}
		if f.ActorID != "" && p.Decision.ActorID != f.ActorID {
			return false
		}
		if f.Decision != "" && p.Decision.Decision != f.Decision {
			return false
		}
	}
	return true
}

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
	// BrokenAtSequence is the first sequence failing verification, nil when Valid.
	BrokenAtSequence *uint64 `json:"brokenAtSequence,omitempty"`
	// Reason describes the failure.
	Reason string `json:"reason,omitempty"`
	// Checked is the number of entries verified before stopping.
	Checked uint64 `json:"checked"`
}

// Broken builds a failed VerifyResult.
func Broken(seq uint64, checked uint64, reason string) VerifyResult {
	return VerifyResult{Valid: false, BrokenAtSequence: &seq, Reason: reason, Checked: checked}
}
