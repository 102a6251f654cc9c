package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/governor/internal/domain/governance"
	"github.com/Sentinel-Gate/governor/internal/domain/identity"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
	"github.com/Sentinel-Gate/governor/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/governor/internal/domain/replay"
	"github.com/Sentinel-Gate/governor/internal/domain/routing"
)

// EventInitialized is the ledger event type recorded when the runtime becomes READY.
const EventInitialized = "governance.initialized"

const tracerName = "github.com/Sentinel-Gate/governor/internal/service"

// DecisionObserver receives per-request outcomes, e.g. for metrics.
type DecisionObserver interface {
	ObserveDecision(decision policy.Decision, grade routing.RiskGrade, shortCircuit, overridden bool, elapsed time.Duration)
	ObserveError(code governance.Code)
}

type idempotencyKey struct {
	requestID string
	actorID   string
}

type idempotencyRecord struct {
	action     policy.ActionKind
	targetPath string
	response   governance.Response
}

// GovernanceService is the decision pipeline. It owns one policy engine, router,
// ledger and verifier for its lifetime and moves UNINITIALIZED -> READY exactly once.
type GovernanceService struct {
	engine   *PolicyService
	router   *RouterService
	ledger   *LedgerService
	identity *IdentityService

	limiter     ratelimit.Limiter
	limitConfig ratelimit.Limit

	idempotency *BoundedCache[idempotencyKey, idempotencyRecord]
	requestLock *keyedMutex[idempotencyKey]

	state  atomic.Int32
	initMu sync.Mutex

	requireProof     bool
	reverifyOnReplay bool

	validate *validator.Validate
	tracer   trace.Tracer
	observer DecisionObserver
	now      func() time.Time
	logger   *slog.Logger
}

// GovernanceOption configures GovernanceService.
type GovernanceOption func(*GovernanceService)

// WithIdentity enables proof verification.
func WithIdentity(id *IdentityService) GovernanceOption {
	return func(s *GovernanceService) { s.identity = id }
}

// WithRequireProof rejects requests that carry no actor proof.
func WithRequireProof(require bool) GovernanceOption {
	return func(s *GovernanceService) { s.requireProof = require }
}

// WithReverifyOnReplay controls whether an idempotent replay must still present a
// fresh, valid proof. When false, a previously decided request is answered from the
// idempotency store before any proof is inspected.
func WithReverifyOnReplay(reverify bool) GovernanceOption {
	return func(s *GovernanceService) { s.reverifyOnReplay = reverify }
}

// WithRateLimiter enables per-actor pre-admission limiting.
func WithRateLimiter(l ratelimit.Limiter, cfg ratelimit.Limit) GovernanceOption {
	return func(s *GovernanceService) {
		s.limiter = l
		s.limitConfig = cfg
	}
}

// WithIdempotencyCapacity bounds the idempotency store.
func WithIdempotencyCapacity(n int) GovernanceOption {
	return func(s *GovernanceService) {
		if n > 0 {
			s.idempotency = NewBoundedCache[idempotencyKey, idempotencyRecord](n, 0)
		}
	}
}

// WithTracerProvider sets the provider spans and trace ids come from.
func WithTracerProvider(tp trace.TracerProvider) GovernanceOption {
	return func(s *GovernanceService) { s.tracer = tp.Tracer(tracerName) }
}

// WithDecisionObserver registers an outcome observer.
func WithDecisionObserver(o DecisionObserver) GovernanceOption {
	return func(s *GovernanceService) { s.observer = o }
}

// WithGovernanceClock overrides the time source for decision timestamps.
func WithGovernanceClock(now func() time.Time) GovernanceOption {
	return func(s *GovernanceService) { s.now = now }
}

// NewGovernanceService wires the pipeline. The instance starts UNINITIALIZED.
func NewGovernanceService(engine *PolicyService, router *RouterService, lg *LedgerService, logger *slog.Logger, opts ...GovernanceOption) *GovernanceService {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	s := &GovernanceService{
		engine:           engine,
		router:           router,
		ledger:           lg,
		idempotency:      NewBoundedCache[idempotencyKey, idempotencyRecord](10_000, 0),
		requestLock:      newKeyedMutex[idempotencyKey](),
		reverifyOnReplay: true,
		validate:         v,
		tracer:           sdktrace.NewTracerProvider().Tracer(tracerName),
		now:              time.Now,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the lifecycle state.
func (s *GovernanceService) State() governance.State {
	return governance.State(s.state.Load())
}

// Initialize loads the rule set and records the initialization event.
// Any failure is fatal for this instance: it never becomes READY.
func (s *GovernanceService) Initialize(ctx context.Context, src policy.RuleSource) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.State() == governance.StateReady {
		return governance.NewError(governance.CodeAlreadyActive, "runtime already initialized", "", nil)
	}

	if err := s.engine.Initialize(ctx, src); err != nil {
		s.logger.Error("policy initialization failed", "source", src.Describe(), "error", err)
		return err
	}

	payload := ledger.NewEventPayload("", EventInitialized, map[string]string{
		"policy_version": s.engine.Version(),
		"rule_count":     fmt.Sprint(s.engine.RuleCount()),
		"source":         src.Describe(),
	}, s.now())
	entry, err := s.ledger.Append(ctx, payload)
	if err != nil {
		s.logger.Error("failed to record initialization", "error", err)
		return fmt.Errorf("record initialization: %w", err)
	}

	s.state.Store(int32(governance.StateReady))
	s.logger.Info("governance runtime ready",
		"policy_version", s.engine.Version(),
		"sequence", entry.Sequence,
	)
	return nil
}

// PolicyVersion returns the loaded rule set fingerprint.
func (s *GovernanceService) PolicyVersion() string {
	return s.engine.Version()
}

// VerifyLedgerIntegrity replays the whole chain.
func (s *GovernanceService) VerifyLedgerIntegrity(ctx context.Context) (ledger.VerifyResult, error) {
	return s.ledger.VerifyChain(ctx)
}

// LedgerHead returns the committed ledger head.
func (s *GovernanceService) LedgerHead() ledger.Head {
	return s.ledger.Head()
}

// Evaluate decides one request. Each step's failure aborts the request before any
// later side effect; no response is returned without a committed ledger entry.
func (s *GovernanceService) Evaluate(ctx context.Context, req governance.Request, proof *identity.ActorProof) (governance.Response, error) {
	ctx, span := s.tracer.Start(ctx, "governance.Evaluate",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("actor_id", req.ActorID),
			attribute.String("action", string(req.Action)),
		))
	defer span.End()
	traceID := traceIDOf(span)
	start := time.Now()

	resp, result, err := s.evaluate(ctx, traceID, req, proof)
	if err != nil {
		code := governance.CodeOf(err)
		span.SetStatus(codes.Error, string(code))
		if s.observer != nil {
			s.observer.ObserveError(code)
		}
		level := slog.LevelWarn
		if code == governance.CodeInternal {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "evaluation failed",
			"request_id", req.RequestID,
			"actor_id", req.ActorID,
			"code", code,
			"trace_id", traceID,
			"error", err,
		)
		return governance.Response{}, err
	}

	span.SetAttributes(
		attribute.String("decision", resp.Decision.String()),
		attribute.String("risk_grade", resp.RiskGrade.String()),
	)
	if s.observer != nil && result != nil {
		s.observer.ObserveDecision(resp.Decision, resp.RiskGrade, result.ShortCircuit, result.Overridden, time.Since(start))
	}
	return resp, nil
}

// evaluate returns a nil result for idempotent replays.
func (s *GovernanceService) evaluate(ctx context.Context, traceID string, req governance.Request, proof *identity.ActorProof) (governance.Response, *routing.Result, error) {
	if s.State() != governance.StateReady {
		return governance.Response{}, nil, governance.NewError(governance.CodeNotReady, "runtime is not initialized", traceID, nil)
	}

	if err := s.admit(ctx, traceID, req.ActorID); err != nil {
		return governance.Response{}, nil, err
	}

	if err := s.validateRequest(req); err != nil {
		return governance.Response{}, nil, governance.NewError(governance.CodeValidation, err.Error(), traceID, err)
	}

	key := idempotencyKey{requestID: req.RequestID, actorID: req.ActorID}

	if !s.reverifyOnReplay {
		unlock := s.requestLock.Lock(key)
		defer unlock()
		if resp, hit, err := s.replayed(traceID, key, req); hit || err != nil {
			return resp, nil, err
		}
		authenticated, keyID, err := s.authenticate(ctx, traceID, req, proof)
		if err != nil {
			return governance.Response{}, nil, err
		}
		return s.decide(ctx, traceID, key, req, authenticated, keyID)
	}

	authenticated, keyID, err := s.authenticate(ctx, traceID, req, proof)
	if err != nil {
		return governance.Response{}, nil, err
	}
	unlock := s.requestLock.Lock(key)
	defer unlock()
	if resp, hit, err := s.replayed(traceID, key, req); hit || err != nil {
		return resp, nil, err
	}
	return s.decide(ctx, traceID, key, req, authenticated, keyID)
}

func (s *GovernanceService) admit(ctx context.Context, traceID, actorID string) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.Allow(ctx, ratelimit.ActorKey(actorID), s.limitConfig)
	if err != nil {
		return governance.NewError(governance.CodeInternal, "rate limiter unavailable", traceID, err)
	}
	if !res.Allowed {
		return governance.NewError(governance.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %s", res.RetryAfter.Round(time.Millisecond)), traceID, nil)
	}
	return nil
}

func (s *GovernanceService) validateRequest(req governance.Request) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if strings.ContainsRune(req.TargetPath, 0) {
		return errors.New("targetPath contains NUL")
	}
	if policy.NormalizePath(req.TargetPath) == "" {
		return errors.New("targetPath is empty after normalization")
	}
	return nil
}

// authenticate runs proof verification and maps its failures onto error codes.
func (s *GovernanceService) authenticate(ctx context.Context, traceID string, req governance.Request, proof *identity.ActorProof) (bool, string, error) {
	if proof == nil {
		if s.requireProof {
			return false, "", governance.NewError(governance.CodeAuthRequired, "actor proof required", traceID, nil)
		}
		return false, "", nil
	}
	if s.identity == nil {
		return false, "", governance.NewError(governance.CodeAuthRequired, "actor proofs are not accepted by this runtime", traceID, nil)
	}
	if proof.ActorID != req.ActorID {
		return false, "", governance.NewError(governance.CodeAuthRequired, "proof actor does not match request actor", traceID, nil)
	}

	_, err := s.identity.Verify(ctx, *proof)
	switch {
	case err == nil:
		return true, proof.KeyID, nil
	case errors.Is(err, identity.ErrUnknownKey):
		return false, "", governance.NewError(governance.CodeUnknownKey, "signing key not recognized", traceID, err)
	case errors.Is(err, replay.ErrReplay):
		return false, "", governance.NewError(governance.CodeReplay, "nonce already used", traceID, err)
	case errors.Is(err, identity.ErrMalformedProof),
		errors.Is(err, identity.ErrBadSignature),
		errors.Is(err, identity.ErrClockSkew):
		return false, "", governance.NewError(governance.CodeAuthRequired, authMessage(err), traceID, err)
	default:
		return false, "", governance.NewError(governance.CodeInternal, "identity verification unavailable", traceID, err)
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrMalformedProof):
		return err.Error()
	case errors.Is(err, identity.ErrClockSkew):
		return "proof timestamp outside accepted window"
	default:
		return "proof signature invalid"
	}
}

// replayed answers from the idempotency store. Must be called with the request lock held.
func (s *GovernanceService) replayed(traceID string, key idempotencyKey, req governance.Request) (governance.Response, bool, error) {
	prior, ok := s.idempotency.Get(key)
	if !ok {
		return governance.Response{}, false, nil
	}
	if prior.action != req.Action || prior.targetPath != req.TargetPath {
		return governance.Response{}, true, governance.NewError(governance.CodeReplay,
			"requestId already used for a different action or target", traceID, nil)
	}
	resp := prior.response
	resp.Reasons = append([]string(nil), prior.response.Reasons...)
	s.logger.Debug("idempotent replay", "request_id", req.RequestID, "decision_id", resp.DecisionID)
	return resp, true, nil
}

// decide routes, evaluates and commits. Must be called with the request lock held.
func (s *GovernanceService) decide(ctx context.Context, traceID string, key idempotencyKey, req governance.Request, authenticated bool, keyID string) (governance.Response, *routing.Result, error) {
	rreq := routing.Request{
		ActorID:    req.ActorID,
		Action:     req.Action,
		TargetPath: req.TargetPath,
		Content:    req.Content,
	}
	_, routeSpan := s.tracer.Start(ctx, "router.Route")
	outcome := s.router.Route(rreq)
	result, err := s.router.Evaluate(rreq, outcome)
	routeSpan.End()
	if err != nil {
		return governance.Response{}, nil, governance.NewError(governance.CodeInternal, "policy evaluation failed", traceID, err)
	}

	admitted := s.now().UTC()
	decisionID, err := uuid.NewV7()
	if err != nil {
		return governance.Response{}, nil, governance.NewError(governance.CodeInternal, "decision id unavailable", traceID, err)
	}

	rec := ledger.DecisionRecord{
		DecisionID:    decisionID.String(),
		RequestID:     req.RequestID,
		ActorID:       req.ActorID,
		Action:        string(req.Action),
		TargetPath:    req.TargetPath,
		ContentSize:   len(req.Content),
		Decision:      result.Verdict.Decision.String(),
		RiskGrade:     result.Grade.String(),
		Rule:          result.Verdict.RuleName(),
		Reasons:       result.Verdict.Reasons,
		PolicyVersion: s.engine.Version(),
		ShortCircuit:  result.ShortCircuit,
		Authenticated: authenticated,
		KeyID:         keyID,
		DecidedAt:     admitted.Format(time.RFC3339Nano),
	}
	if len(req.Content) > 0 {
		sum := sha256.Sum256(req.Content)
		rec.ContentSHA256 = hex.EncodeToString(sum[:])
	}

	appendCtx, appendSpan := s.tracer.Start(ctx, "ledger.Append")
	entry, err := s.ledger.Append(appendCtx, ledger.NewDecisionPayload(traceID, rec))
	appendSpan.End()
	if err != nil {
		return governance.Response{}, nil, governance.NewError(governance.CodeInternal, "decision could not be recorded", traceID, err)
	}

	s.router.Record(rreq, result)

	resp := governance.Response{
		Decision:      result.Verdict.Decision,
		DecisionID:    rec.DecisionID,
		AuditEventID:  entry.AuditEventID(),
		Reasons:       append([]string(nil), result.Verdict.Reasons...),
		PolicyVersion: rec.PolicyVersion,
		RiskGrade:     result.Grade,
	}
	s.idempotency.Put(key, idempotencyRecord{action: req.Action, targetPath: req.TargetPath, response: resp})

	s.logger.Debug("decision recorded",
		"request_id", req.RequestID,
		"actor_id", req.ActorID,
		"decision", resp.Decision,
		"risk_grade", resp.RiskGrade,
		"sequence", entry.Sequence,
		"trace_id", traceID,
	)
	return resp, &result, nil
}

// traceIDOf returns the span's trace id, or a random id when tracing is disabled.
func traceIDOf(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
