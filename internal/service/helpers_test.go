package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/rulesource"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rule(name, pattern string, verdict policy.Decision, priority int, scope ...policy.ActionKind) policy.Rule {
	if len(scope) == 0 {
		scope = []policy.ActionKind{policy.ActionAny}
	}
	return policy.Rule{Name: name, Pattern: pattern, Scope: scope, Verdict: verdict, Priority: priority}
}

func staticSource(rules ...policy.Rule) rulesource.StaticSource {
	return rulesource.StaticSource{Name: "test", Rules: rules}
}

func newTestEngine(t *testing.T, rules ...policy.Rule) *PolicyService {
	t.Helper()
	engine, err := NewPolicyService(discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	if err := engine.Initialize(context.Background(), staticSource(rules...)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return engine
}

func newTestSigner(t *testing.T) ledger.Signer {
	t.Helper()
	signer, err := ledger.NewHMACSigner("test-key", []byte("workspace-secret-for-tests"), nil)
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	return signer
}

func newTestLedger(t *testing.T, store ledger.Store, opts ...LedgerOption) *LedgerService {
	t.Helper()
	if store == nil {
		store = memory.NewLedgerStore()
	}
	lg, err := OpenLedger(context.Background(), store, newTestSigner(t), discardLogger(), opts...)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { _ = lg.Close() })
	return lg
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
