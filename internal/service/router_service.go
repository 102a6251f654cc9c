package service

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
	"github.com/Sentinel-Gate/governor/internal/domain/routing"
)

// PathClass is a named glob for sensitive target paths.
type PathClass struct {
	Name    string
	Pattern string
}

// ContentClass is a named pattern for credential-like content.
type ContentClass struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultSensitivePaths are the path classes that raise risk by one grade each.
var DefaultSensitivePaths = []PathClass{
	{Name: "auth", Pattern: "**/auth/**"},
	{Name: "ssh", Pattern: "**/.ssh/**"},
	{Name: "secrets", Pattern: "**/secrets/**"},
	{Name: "dotenv", Pattern: "**/.env*"},
	{Name: "pem", Pattern: "**/*.pem"},
	{Name: "key", Pattern: "**/*.key"},
}

// DefaultCredentialPatterns are the content classes that raise risk by one grade each.
var DefaultCredentialPatterns = []ContentClass{
	{Name: "private-key", Pattern: regexp.MustCompile(`-----BEGIN (?:[A-Z0-9]+ )?PRIVATE KEY-----`)},
	{Name: "aws-access-key", Pattern: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{Name: "password", Pattern: regexp.MustCompile(`(?i)\bpassword\s*[=:]`)},
	{Name: "api-key", Pattern: regexp.MustCompile(`(?i)\bapi[_-]?key\b`)},
	{Name: "secret", Pattern: regexp.MustCompile(`(?i)\bsecret\s*[=:]`)},
	{Name: "bearer-token", Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`)},
}

// RouterConfig bounds the router caches and tunes the risk heuristics.
type RouterConfig struct {
	// CacheSize caps the decision cache.
	CacheSize int
	// CacheTTL bounds how long a cached verdict may short-circuit policy.
	CacheTTL time.Duration
	// NoveltyCapacity caps the set of seen (action, target) pairs.
	NoveltyCapacity int
	// LargePayloadBytes is the content size above which risk is raised.
	LargePayloadBytes int
	// SensitivePaths overrides DefaultSensitivePaths when non-nil.
	SensitivePaths []PathClass
	// CredentialPatterns overrides DefaultCredentialPatterns when non-nil.
	CredentialPatterns []ContentClass
}

// DefaultRouterConfig returns the router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CacheSize:         10_000,
		CacheTTL:          5 * time.Minute,
		NoveltyCapacity:   10_000,
		LargePayloadBytes: 1 << 20,
	}
}

// RouterService grades request risk and decides whether policy evaluation is needed.
// It never writes to the ledger; Record must be called after the decision is committed.
type RouterService struct {
	engine    policy.Engine
	novelty   *BoundedCache[uint64, struct{}]
	decisions *BoundedCache[uint64, policy.Verdict]
	cfg       RouterConfig
	logger    *slog.Logger
}

// NewRouterService creates a router in front of engine.
func NewRouterService(engine policy.Engine, cfg RouterConfig, logger *slog.Logger) *RouterService {
	def := DefaultRouterConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.NoveltyCapacity <= 0 {
		cfg.NoveltyCapacity = def.NoveltyCapacity
	}
	if cfg.LargePayloadBytes <= 0 {
		cfg.LargePayloadBytes = def.LargePayloadBytes
	}
	if cfg.SensitivePaths == nil {
		cfg.SensitivePaths = DefaultSensitivePaths
	}
	if cfg.CredentialPatterns == nil {
		cfg.CredentialPatterns = DefaultCredentialPatterns
	}
	return &RouterService{
		engine:    engine,
		novelty:   NewBoundedCache[uint64, struct{}](cfg.NoveltyCapacity, 0),
		decisions: NewBoundedCache[uint64, policy.Verdict](cfg.CacheSize, cfg.CacheTTL),
		cfg:       cfg,
		logger:    logger,
	}
}

// Route grades a request. A LOW request with a live cached verdict for the same
// (actor, action, target) carries that verdict as a short-circuit.
func (r *RouterService) Route(req routing.Request) routing.Outcome {
	target := policy.NormalizePath(req.TargetPath)
	grade := routing.RiskLow
	var reasons []string

	if req.Action.IsDestructive() {
		grade = routing.RiskMedium
		reasons = append(reasons, routing.ReasonDestructive)
	}

	novel := !r.novelty.Contains(pairKey(req.Action, target))
	if novel {
		grade = grade.Raise()
		reasons = append(reasons, routing.ReasonNovel)
	}

	for _, class := range r.cfg.SensitivePaths {
		if policy.MatchPath(class.Pattern, target) {
			grade = grade.Raise()
			reasons = append(reasons, routing.ReasonSensitivePath+class.Name)
		}
	}

	if len(req.Content) > 0 {
		for _, class := range r.cfg.CredentialPatterns {
			if class.Pattern.Match(req.Content) {
				grade = grade.Raise()
				reasons = append(reasons, routing.ReasonCredential+class.Name)
			}
		}
		if len(req.Content) > r.cfg.LargePayloadBytes {
			grade = grade.Raise()
			reasons = append(reasons, routing.ReasonLargePayload)
		}
	}

	outcome := routing.Outcome{Grade: grade, Reasons: reasons, Novel: novel}
	if grade == routing.RiskLow {
		if cached, ok := r.decisions.Get(decisionKey(req.ActorID, req.Action, target)); ok {
			v := cached
			v.Reasons = append(append([]string{}, cached.Reasons...), routing.ReasonCached)
			outcome.ShortCircuit = &v
		}
	}
	return outcome
}

// Evaluate produces the final verdict for a routed request. Short-circuited requests
// skip the engine. HIGH risk makes the decision at least ESCALATE; policy can only
// make it stricter.
func (r *RouterService) Evaluate(req routing.Request, outcome routing.Outcome) (routing.Result, error) {
	if outcome.ShortCircuit != nil {
		return routing.Result{
			Verdict:      *outcome.ShortCircuit,
			Policy:       *outcome.ShortCircuit,
			Grade:        outcome.Grade,
			ShortCircuit: true,
		}, nil
	}

	verdict, err := r.engine.Classify(policy.Input{
		Action:     req.Action,
		TargetPath: req.TargetPath,
		Content:    req.Content,
	})
	if err != nil {
		return routing.Result{}, fmt.Errorf("classify: %w", err)
	}

	final := verdict
	final.Reasons = append(append([]string{}, verdict.Reasons...), outcome.Reasons...)
	result := routing.Result{Policy: verdict, Grade: outcome.Grade}

	if outcome.Grade == routing.RiskHigh {
		stricter := policy.Stricter(verdict.Decision, policy.DecisionEscalate)
		if stricter != verdict.Decision {
			final.Decision = stricter
			final.Reasons = append(final.Reasons, routing.ReasonHighEscalate)
			result.Overridden = true
			r.logger.Debug("risk override",
				"actor_id", req.ActorID,
				"action", req.Action,
				"policy_decision", verdict.Decision,
				"decision", stricter,
			)
		}
	}
	result.Verdict = final
	return result, nil
}

// Record marks the (action, target) pair as seen and caches the policy verdict
// for later LOW-risk short-circuits. Call only after the decision is committed.
func (r *RouterService) Record(req routing.Request, result routing.Result) {
	target := policy.NormalizePath(req.TargetPath)
	r.novelty.Put(pairKey(req.Action, target), struct{}{})
	if !result.ShortCircuit {
		r.decisions.Put(decisionKey(req.ActorID, req.Action, target), result.Policy)
	}
}

// CacheSize returns the number of cached verdicts.
func (r *RouterService) CacheSize() int {
	return r.decisions.Size()
}

func pairKey(action policy.ActionKind, target string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(action))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(target)
	return h.Sum64()
}

func decisionKey(actorID string, action policy.ActionKind, target string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(actorID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(action))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(target)
	return h.Sum64()
}
