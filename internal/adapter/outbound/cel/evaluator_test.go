package cel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	if eval == nil {
		t.Fatal("NewEvaluator() returned nil")
	}
}

func TestCompile_Rejects(t *testing.T) {
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	tests := []struct {
		name string
		expr string
	}{
		{"syntax error", `this is not valid CEL !!!`},
		{"empty", ``},
		{"non bool", `content_size + 1`},
		{"unknown variable", `tool_name == "x"`},
		{"too long", `action == "` + strings.Repeat("a", maxExpressionLength) + `"`},
		{"too deep", strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eval.Compile(tt.expr); err == nil {
				t.Errorf("Compile(%q) expected error, got nil", tt.name)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	in := policy.Input{
		Action:     policy.ActionWrite,
		TargetPath: "./src/auth/login.go",
		Content:    []byte("package auth"),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`action == "write"`, true},
		{`is_mutating`, true},
		{`content_size == 12`, true},
		{`content.contains("auth")`, true},
		{`target_path == "src/auth/login.go"`, true},
		{`glob("**/auth/**", target_path)`, true},
		{`glob("**/*.py", target_path)`, false},
		{`path_segments(target_path) == 3`, true},
		{`action in ["read", "list"]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := eval.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile() error: %v", err)
			}
			if cond.Source() != tt.expr {
				t.Errorf("Source() = %q", cond.Source())
			}
			got, err := cond.Match(context.Background(), in)
			if err != nil {
				t.Fatalf("Match() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestMatch_CostLimit(t *testing.T) {
	eval, err := NewEvaluatorWithLimits(Limits{Cost: 10, Timeout: time.Second, InterruptEvery: 10})
	if err != nil {
		t.Fatal(err)
	}
	cond, err := eval.Compile(`[1, 2, 3, 4, 5, 6, 7, 8].all(x, [1, 2, 3, 4, 5, 6, 7, 8].all(y, x + y > 0))`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if _, err := cond.Match(context.Background(), policy.Input{Action: policy.ActionRead, TargetPath: "a"}); err == nil {
		t.Error("expected cost limit error")
	}
}

func TestNestingDepth(t *testing.T) {
	if got := nestingDepth(`a([b], {c: (d)})`); got != 3 {
		t.Errorf("nestingDepth() = %d, want 3", got)
	}
}
