package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a, err := Canonicalize(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	b, err := Canonicalize(struct {
		A string `json:"a"`
		B int    `json:"b"`
	}{"x", 1})
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
	if string(a) != `{"a":"x","b":1}` {
		t.Errorf("Canonicalize() = %s", a)
	}
}

func TestComputeHash_SequenceBound(t *testing.T) {
	payload := []byte(`{"kind":"event"}`)
	h0 := ComputeHash(GenesisHash, payload, 0)
	h1 := ComputeHash(GenesisHash, payload, 1)
	if h0 == h1 {
		t.Error("hash must depend on sequence")
	}
	if len(h0) != 64 {
		t.Errorf("hash length = %d, want 64", len(h0))
	}
	if ComputeHash("other", payload, 0) == h0 {
		t.Error("hash must depend on prevHash")
	}
}

func TestComputeHash_DeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs produce the same hash", prop.ForAll(
		func(prev, actor string, seq uint64) bool {
			p := NewEventPayload("", "test", map[string]string{"actor": actor}, time.Unix(0, 0))
			c1, err1 := Canonicalize(p)
			c2, err2 := Canonicalize(p)
			if err1 != nil || err2 != nil {
				return false
			}
			return ComputeHash(prev, c1, seq) == ComputeHash(prev, c2, seq)
		},
		gen.AlphaString(),
		gen.AnyString(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestCheckLink(t *testing.T) {
	signer, err := NewHMACSigner("k1", []byte("workspace-secret"), nil)
	if err != nil {
		t.Fatalf("NewHMACSigner() error: %v", err)
	}
	payload := []byte(`{"kind":"event"}`)
	hash := ComputeHash(GenesisHash, payload, 0)
	sig, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	good := Entry{Sequence: 0, PrevHash: GenesisHash, Hash: hash, Payload: payload, Signature: sig, KeyID: "k1"}

	tests := []struct {
		name   string
		mutate func(e *Entry)
		want   string
	}{
		{"valid", func(e *Entry) {}, ""},
		{"sequence gap", func(e *Entry) { e.Sequence = 3 }, "sequence gap"},
		{"prev hash", func(e *Entry) { e.PrevHash = strings.Repeat("1", 64) }, "prev_hash"},
		{"payload tamper", func(e *Entry) { e.Payload = []byte(`{"kind":"decision"}`) }, "hash mismatch"},
		{"signature tamper", func(e *Entry) { e.Signature = "AAAA" }, "signature"},
		{"unknown key", func(e *Entry) { e.KeyID = "k2" }, "signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := good
			e.Payload = append([]byte(nil), good.Payload...)
			tt.mutate(&e)
			got := CheckLink(e, 0, GenesisHash, signer)
			if tt.want == "" && got != "" {
				t.Fatalf("CheckLink() = %q, want valid", got)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("CheckLink() = %q, want containing %q", got, tt.want)
			}
		})
	}
}

func TestAuditEventID(t *testing.T) {
	e := Entry{Sequence: 42, Hash: "abcdef0123456789ffff"}
	if got := e.AuditEventID(); got != "42:abcdef0123456789" {
		t.Errorf("AuditEventID() = %q", got)
	}
}

func TestFilterMatches(t *testing.T) {
	dec := NewDecisionPayload("t", DecisionRecord{ActorID: "agent-1", Decision: "DENY"})
	ev := NewEventPayload("t", "governance.initialized", nil, time.Now())

	tests := []struct {
		name   string
		filter Filter
		p      Payload
		want   bool
	}{
		{"empty filter", Filter{}, ev, true},
		{"kind match", Filter{Kind: KindDecision}, dec, true},
		{"kind mismatch", Filter{Kind: KindDecision}, ev, false},
		{"actor match", Filter{ActorID: "agent-1"}, dec, true},
		{"actor mismatch", Filter{ActorID: "agent-2"}, dec, false},
		{"actor on event", Filter{ActorID: "agent-1"}, ev, false},
		{"decision match", Filter{Decision: "DENY"}, dec, true},
		{"decision mismatch", Filter{Decision: "ALLOW"}, dec, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.p); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
