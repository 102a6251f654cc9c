package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/governor/internal/config"
	"github.com/Sentinel-Gate/governor/internal/domain/governance"
	"github.com/Sentinel-Gate/governor/internal/domain/identity"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

const testRules = `version: "1.0"
rules:
  - {name: auth-deny, pattern: "**/auth/**", scope: write, verdict: deny, priority: 10}
  - {name: docs-allow, pattern: "**/*.md", scope: [read, list], verdict: allow}
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(testRules), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

// testConfig is a dev setup with in-memory backends.
func testConfig(t *testing.T) *config.GovernorConfig {
	t.Helper()
	cfg := &config.GovernorConfig{DevMode: true}
	cfg.SetDefaults()
	cfg.Ledger.Backend = config.BackendMemory
	cfg.Replay.Backend = config.BackendMemory
	cfg.Policy.Path = writeRules(t)
	return cfg
}

func bootTest(t *testing.T, cfg *config.GovernorConfig) *governor {
	t.Helper()
	ctx := context.Background()
	g, err := bootstrap(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	if err := g.initialize(ctx); err != nil {
		t.Fatalf("initialize() error = %v", err)
	}
	return g
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{"serve", "evaluate", "verify", "ledger", "policy", "keys", "stop", "version"}
	registered := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestValidatePolicy(t *testing.T) {
	dir := writeRules(t)
	var out bytes.Buffer
	if err := validatePolicy(context.Background(), dir, &out); err != nil {
		t.Fatalf("validatePolicy() error = %v", err)
	}
	if !strings.Contains(out.String(), "2 rules, version sha256:") {
		t.Errorf("output = %q", out.String())
	}

	bad := t.TempDir()
	if err := os.WriteFile(filepath.Join(bad, "rules.yaml"), []byte("version: \"2.0\"\nrules: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := validatePolicy(context.Background(), bad, io.Discard); err == nil {
		t.Error("expected error for unsupported document version")
	}
}

func TestEvaluateOne(t *testing.T) {
	g := bootTest(t, testConfig(t))

	t.Run("decision", func(t *testing.T) {
		in := `{"request":{"requestId":"r-1","actorId":"agent-1","action":"write","targetPath":"src/auth/login.go"}}`
		var out bytes.Buffer
		if err := evaluateOne(context.Background(), g, strings.NewReader(in), &out); err != nil {
			t.Fatalf("evaluateOne() error = %v", err)
		}
		var resp map[string]any
		if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, out.String())
		}
		if resp["decision"] != "DENY" {
			t.Errorf("decision = %v, want DENY", resp["decision"])
		}
		if resp["policyVersion"] != g.gov.PolicyVersion() {
			t.Errorf("policyVersion = %v", resp["policyVersion"])
		}
	})

	t.Run("validation error printed", func(t *testing.T) {
		in := `{"request":{"requestId":"r-2","actorId":"agent-1","action":"write"}}`
		var out bytes.Buffer
		err := evaluateOne(context.Background(), g, strings.NewReader(in), &out)
		if !errors.Is(err, errEvaluationFailed) {
			t.Fatalf("error = %v, want errEvaluationFailed", err)
		}
		if !strings.Contains(out.String(), `"code": "VALIDATION_ERROR"`) {
			t.Errorf("output = %s", out.String())
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		err := evaluateOne(context.Background(), g, strings.NewReader(`{"req":{}}`), io.Discard)
		if err == nil || errors.Is(err, errEvaluationFailed) {
			t.Errorf("error = %v, want decode error", err)
		}
	})
}

func TestVerifyAndTail_FileLedger(t *testing.T) {
	t.Setenv("GOVERNOR_LEDGER_SECRET", "workspace-secret-for-tests")
	cfg := testConfig(t)
	cfg.DevMode = false
	cfg.Ledger.Backend = config.BackendFile
	cfg.Ledger.Path = t.TempDir()

	g := bootTest(t, cfg)
	in := `{"request":{"requestId":"r-1","actorId":"agent-1","action":"write","targetPath":"src/auth/login.go"}}`
	if err := evaluateOne(context.Background(), g, strings.NewReader(in), io.Discard); err != nil {
		t.Fatalf("evaluateOne() error = %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx := context.Background()
	store, err := openLedgerStore(ctx, cfg.Ledger, discardLogger())
	if err != nil {
		t.Fatalf("openLedgerStore() error = %v", err)
	}
	defer store.Close()

	verifier, err := offlineVerifier(cfg.Ledger, "", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := verifyLedger(ctx, store, verifier, &out); err != nil {
		t.Fatalf("verifyLedger() error = %v\n%s", err, out.String())
	}
	var res ledger.VerifyResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 2 {
		t.Errorf("verify result = %+v, want valid with 2 entries", res)
	}

	t.Setenv("GOVERNOR_LEDGER_SECRET", "some-other-secret")
	wrong, err := offlineVerifier(cfg.Ledger, "", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyLedger(ctx, store, wrong, io.Discard); !errors.Is(err, errChainBroken) {
		t.Errorf("verify with wrong secret error = %v, want errChainBroken", err)
	}

	out.Reset()
	if err := tailLedger(ctx, store, ledger.Filter{Kind: ledger.KindDecision}, &out); err != nil {
		t.Fatalf("tailLedger() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("tail printed %d lines, want 1:\n%s", len(lines), out.String())
	}
	var line tailLine
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatal(err)
	}
	if line.Sequence != 1 || line.Payload.Decision == nil || line.Payload.Decision.Decision != "DENY" {
		t.Errorf("tail line = %+v", line)
	}
}

func TestOfflineVerifier_BadPublicKey(t *testing.T) {
	cfg := config.LedgerConfig{KeyID: "ledger-1"}
	if _, err := offlineVerifier(cfg, "abcd", discardLogger()); err == nil {
		t.Error("expected error for short public key")
	}
}

func TestSignProof_VerifiesAgainstRegisteredKey(t *testing.T) {
	var gen bytes.Buffer
	if err := generateKey(identity.AlgHMAC, &gen); err != nil {
		t.Fatal(err)
	}
	var key generatedKey
	if err := json.Unmarshal(gen.Bytes(), &key); err != nil {
		t.Fatal(err)
	}
	if len(key.Secret) != 32 {
		t.Fatalf("secret length = %d, want 32", len(key.Secret))
	}

	var out bytes.Buffer
	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if err := signProof(identity.AlgHMAC, "k1", key.Secret, "agent-1", "n-1", ts, &out); err != nil {
		t.Fatalf("signProof() error = %v", err)
	}
	var proof identity.ActorProof
	if err := json.Unmarshal(out.Bytes(), &proof); err != nil {
		t.Fatal(err)
	}
	registered := identity.Key{ID: "k1", Algorithm: identity.AlgHMAC, Material: key.Secret}
	if err := identity.VerifySignature(registered, proof); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}
}

func TestSignProof_Ed25519(t *testing.T) {
	var gen bytes.Buffer
	if err := generateKey(identity.AlgEd25519, &gen); err != nil {
		t.Fatal(err)
	}
	var key generatedKey
	if err := json.Unmarshal(gen.Bytes(), &key); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := signProof(identity.AlgEd25519, "k2", key.Seed, "agent-1", "n-1", time.Now().UTC(), &out); err != nil {
		t.Fatalf("signProof() error = %v", err)
	}
	var proof identity.ActorProof
	if err := json.Unmarshal(out.Bytes(), &proof); err != nil {
		t.Fatal(err)
	}
	registered := identity.Key{ID: "k2", Algorithm: identity.AlgEd25519, Material: key.PublicKey}
	if err := identity.VerifySignature(registered, proof); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}

	if err := signProof(identity.AlgEd25519, "k2", []byte("short"), "agent-1", "n-2", time.Now(), io.Discard); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestDecodeMaterial(t *testing.T) {
	want := []byte("0123456789abcdef")
	got, err := decodeMaterial(" " + base64.StdEncoding.EncodeToString(want) + "\n")
	if err != nil || !bytes.Equal(got, want) {
		t.Errorf("decodeMaterial() = %q, %v", got, err)
	}
	if _, err := decodeMaterial(""); err == nil {
		t.Error("expected error for empty material")
	}
	if _, err := decodeMaterial("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestKeyState(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		key  identity.Key
		want string
	}{
		{"active", identity.Key{}, "active"},
		{"revoked", identity.Key{Revoked: true}, "revoked"},
		{"retiring", identity.Key{NotAfter: now.Add(time.Hour)}, "retiring until 2026-03-01T01:00:00Z"},
		{"expired", identity.Key{NotAfter: now.Add(-time.Hour)}, "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := keyState(tt.key, now); got != tt.want {
				t.Errorf("keyState() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluate_ProofReplayedAcrossRuns(t *testing.T) {
	t.Setenv("GOVERNOR_LEDGER_SECRET", "workspace-secret-for-tests")
	dir := t.TempDir()
	cfg := &config.GovernorConfig{}
	cfg.Ledger.Path = filepath.Join(dir, "ledger")
	cfg.Keyring.Path = filepath.Join(dir, "keyring.json")
	cfg.Policy.Path = writeRules(t)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Replay.Backend != config.BackendSQLite {
		t.Fatalf("replay backend = %s, want sqlite beside the ledger", cfg.Replay.Backend)
	}

	secret := []byte("actor-secret-0123456789abcdef012")
	ctx := context.Background()
	kr, err := openKeyring(ctx, cfg.Keyring, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := kr.Register(ctx, "agent-1", identity.Key{ID: "k1", Algorithm: identity.AlgHMAC, Material: secret}); err != nil {
		t.Fatal(err)
	}
	proof, err := identity.SignProof(identity.AlgHMAC, "k1", secret, "agent-1", "n-1", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	// Each run is a separate process sharing the ledger directory.
	run := func(requestID string) (string, error) {
		g, err := bootstrap(ctx, cfg, discardLogger())
		if err != nil {
			t.Fatalf("bootstrap() error = %v", err)
		}
		defer func() { _ = g.Close() }()
		if err := g.initialize(ctx); err != nil {
			t.Fatalf("initialize() error = %v", err)
		}
		in, err := json.Marshal(evaluateInput{
			Request: governance.Request{RequestID: requestID, ActorID: "agent-1", Action: policy.ActionRead, TargetPath: "docs/readme.md"},
			Proof:   &proof,
		})
		if err != nil {
			t.Fatal(err)
		}
		var out bytes.Buffer
		err = evaluateOne(ctx, g, bytes.NewReader(in), &out)
		return out.String(), err
	}

	if out, err := run("r-1"); err != nil {
		t.Fatalf("first run error = %v\n%s", err, out)
	}
	out, err := run("r-2")
	if !errors.Is(err, errEvaluationFailed) {
		t.Fatalf("second run error = %v, want errEvaluationFailed\n%s", err, out)
	}
	if !strings.Contains(out, `"code": "REPLAY_CONFLICT"`) {
		t.Errorf("second run output = %s", out)
	}
}
