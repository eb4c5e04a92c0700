package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aegisshield/compliance-audit/internal/regulatory"
)

// RuleSource supplies the active rule snapshot for an evaluation.
type RuleSource interface {
	GetActiveRules(ctx context.Context, asOf time.Time) ([]regulatory.Rule, error)
}

// Screener performs watchlist screening. It must always return a well-formed
// result, substituting a sentinel on timeout or failure.
type Screener interface {
	Screen(ctx context.Context, entity Entity, timeout time.Duration) AmlResult
}

// AuditLog is the append-only store of finalized checks.
type AuditLog interface {
	// Append records check atomically. It fails with ErrConflictAlreadyFinalized
	// when a check with the same idempotency key exists.
	Append(ctx context.Context, check *Check) error
	Get(ctx context.Context, id string) (*Check, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Check, error)
	ListByEntity(ctx context.Context, q EntityQuery) (*CheckPage, error)
}

// VerdictPublisher hands verdict events to the durable log.
type VerdictPublisher interface {
	PublishVerdict(ctx context.Context, event VerdictEvent) error
}

// Recorder receives orchestrator measurements.
type Recorder interface {
	ObserveCheck(status, category string, elapsed time.Duration)
	ObserveDegradedRule(ruleID string)
	ObserveDuplicate()
	ObservePublishFailure()
}

type nopRecorder struct{}

func (nopRecorder) ObserveCheck(string, string, time.Duration) {}
func (nopRecorder) ObserveDegradedRule(string) {}
func (nopRecorder) ObserveDuplicate() {}
func (nopRecorder) ObservePublishFailure() {}

// EngineConfig bounds the orchestrator's time budget.
type EngineConfig struct {
	// ScreeningTimeout is the default and upper bound for a screening call.
	ScreeningTimeout time.Duration
	// CheckBudget bounds a whole check attempt, including rule fetch.
	CheckBudget time.Duration
	// PersistTimeout bounds the audit append once a verdict exists.
	PersistTimeout time.Duration
	SchemaVersion  int
}

// DefaultEngineConfig returns the settings used when none are configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ScreeningTimeout: 5 * time.Second,
		CheckBudget:      15 * time.Second,
		PersistTimeout:   5 * time.Second,
		SchemaVersion:    VerdictSchemaVersion,
	}
}

// Engine is the compliance orchestrator.
type Engine struct {
	config    EngineConfig
	rules     RuleSource
	screener  Screener
	matcher   *ApplicabilityMatcher
	evaluator *Evaluator
	audit     AuditLog
	publisher VerdictPublisher
	recorder  Recorder
	logger    *zap.Logger
	flight    singleflight.Group
	clock     func() time.Time
	validate  *validator.Validate
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine wires an orchestrator. publisher may be nil, in which case no
// verdict events are emitted.
func NewEngine(
	cfg EngineConfig,
	rules RuleSource,
	screener Screener,
	matcher *ApplicabilityMatcher,
	evaluator *Evaluator,
	audit AuditLog,
	publisher VerdictPublisher,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	defaults := DefaultEngineConfig()
	if cfg.ScreeningTimeout <= 0 {
		cfg.ScreeningTimeout = defaults.ScreeningTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = defaults.SchemaVersion
	}
	if evaluator == nil {
		evaluator = NewEvaluator(nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:    cfg,
		rules:     rules,
		screener:  screener,
		matcher:   matcher,
		evaluator: evaluator,
		audit:     audit,
		publisher: publisher,
		recorder:  nopRecorder{},
		logger:    logger,
		clock:     time.Now,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runResult struct {
	check *Check
	err   error
}

// RunCheck evaluates an entity and records the verdict exactly once per
// idempotency key. Concurrent and repeated submissions of the same request
// all observe the same persisted check.
func (e *Engine) RunCheck(ctx context.Context, req CheckRequest) (*Check, error) {
	req = normalizeRequest(req)
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.ScreeningTimeout < 0 {
		return nil, fmt.Errorf("%w: negative screening timeout", ErrInvalidInput)
	}

	key := IdempotencyKey(req.EntityType, req.EntityID, req.CallerRequestID)
	// The flight is shared by every duplicate caller, so it must outlive the
	// caller that started it. CheckBudget still bounds it.
	flightCtx := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (interface{}, error) {
		check, err := e.runOnce(flightCtx, req, key)
		return runResult{check: check, err: err}, nil
	})

	select {
	case r := <-ch:
		res := r.Val.(runResult)
		return res.check.Clone(), res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: stopped waiting for check: %w", ErrUnavailable, ctx.Err())
	}
}

func (e *Engine) runOnce(ctx context.Context, req CheckRequest, key string) (*Check, error) {
	started := e.clock()
	logger := e.logger.With(
		zap.String("entity_id", req.EntityID),
		zap.String("entity_type", string(req.EntityType)),
		zap.String("idempotency_key", key),
	)

	existing, err := e.audit.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		e.recorder.ObserveDuplicate()
		logger.Info("Returning finalized check for repeated request", zap.String("check_id", existing.ID))
		return existing, checkErrorFor(existing)
	case errors.Is(err, ErrNotFound):
	default:
		return nil, unavailable("audit log lookup", err)
	}

	if req.SupersedesCheckID != "" {
		if err := e.verifySuperseded(ctx, req); err != nil {
			return nil, err
		}
	}

	if e.config.CheckBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.CheckBudget)
		defer cancel()
	}

	check, err := e.evaluate(ctx, req, key, logger)
	if err != nil {
		return nil, err
	}

	persisted, err := e.persist(ctx, check, logger)
	if err != nil {
		return nil, err
	}
	if persisted.ID != check.ID {
		// Lost the race to a concurrent run of the same request.
		e.recorder.ObserveDuplicate()
		return persisted, checkErrorFor(persisted)
	}

	e.recorder.ObserveCheck(string(check.Status), check.Category, e.clock().Sub(started))
	e.publish(ctx, check, logger)

	if check.Status == StatusError {
		logger.Error("Compliance check recorded as ERROR",
			zap.String("check_id", check.ID),
			zap.String("stage", string(check.FailedStage)),
			zap.String("details", check.Details),
		)
	} else {
		logger.Info("Compliance check finalized",
			zap.String("check_id", check.ID),
			zap.String("status", string(check.Status)),
			zap.Strings("violated_rules", check.ViolatedRules),
		)
	}
	return check, checkErrorFor(check)
}

func (e *Engine) verifySuperseded(ctx context.Context, req CheckRequest) error {
	prior, err := e.audit.Get(ctx, req.SupersedesCheckID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: superseded check %s does not exist", ErrInvalidInput, req.SupersedesCheckID)
	}
	if err != nil {
		return unavailable("audit log lookup", err)
	}
	if prior.EntityID != req.EntityID || prior.EntityType != req.EntityType {
		return fmt.Errorf("%w: superseded check %s belongs to another entity", ErrInvalidInput, req.SupersedesCheckID)
	}
	return nil
}

// evaluate runs the RulesFetched, Screened and Evaluated stages and returns
// the unpersisted verdict. Only rule store unavailability is returned as an
// error; every other failure becomes an ERROR check.
func (e *Engine) evaluate(ctx context.Context, req CheckRequest, key string, logger *zap.Logger) (*Check, error) {
	now := e.clock().UTC()
	entity := req.Entity()
	check := &Check{
		ID:                uuid.NewString(),
		EntityID:          req.EntityID,
		EntityType:        req.EntityType,
		Category:          req.Category,
		IdempotencyKey:    key,
		CallerRequestID:   req.CallerRequestID,
		SupersedesCheckID: req.SupersedesCheckID,
		ViolatedRules:     []string{},
	}

	var (
		rules   []regulatory.Rule
		rulesEr error
		aml     AmlResult
		g       errgroup.Group
	)
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				rulesEr = fmt.Errorf("rule source panicked: %v", r)
			}
		}()
		rules, rulesEr = e.rules.GetActiveRules(ctx, now)
		return nil
	})
	g.Go(func() error {
		aml = e.screen(ctx, entity, e.screeningTimeout(req))
		return nil
	})
	_ = g.Wait()

	check.Aml = &aml
	if rulesEr != nil {
		if isUnavailable(rulesEr) {
			return nil, unavailable("rule store", rulesEr)
		}
		return e.failed(check, StageRulesFetched, rulesEr), nil
	}

	evaluation, err := e.applyRules(entity, req.Category, rules)
	if err != nil {
		return e.failed(check, StageEvaluated, err), nil
	}

	for _, d := range evaluation.Degraded {
		e.recorder.ObserveDegradedRule(d.RuleID)
	}
	check.EvaluatedRules = evaluation.refs
	check.ViolatedRules = evaluation.Violations
	for _, d := range evaluation.Degraded {
		check.DegradedRules = append(check.DegradedRules, d.RuleID)
	}
	check.Status = DeriveStatus(aml, evaluation.Violations)
	check.CheckTimestamp = e.clock().UTC().Truncate(time.Microsecond)
	check.Details = describe(check, evaluation.Evaluation)
	return check, nil
}

type appliedEvaluation struct {
	Evaluation
	refs []RuleRef
}

func (e *Engine) applyRules(entity Entity, category string, rules []regulatory.Rule) (out appliedEvaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	applicable := e.matcher.Filter(rules, category)
	out.Evaluation = e.evaluator.Evaluate(entity, applicable)
	out.refs = make([]RuleRef, 0, len(applicable))
	for _, r := range applicable {
		out.refs = append(out.refs, RuleRef{RuleID: r.RuleID, Version: r.Version, Framework: r.Framework})
	}
	return out, nil
}

func (e *Engine) screen(ctx context.Context, entity Entity, timeout time.Duration) (aml AmlResult) {
	defer func() {
		if r := recover(); r != nil {
			aml = ErrorResult("", fmt.Errorf("screener panicked: %v", r), e.clock())
		}
	}()
	aml = e.screener.Screen(ctx, entity, timeout)
	if !aml.MatchStatus.Valid() || !aml.RiskLevel.Valid() {
		aml = ErrorResult(aml.Source, fmt.Errorf("malformed screening result %q/%q", aml.MatchStatus, aml.RiskLevel), e.clock())
	}
	return aml
}

func (e *Engine) screeningTimeout(req CheckRequest) time.Duration {
	timeout := e.config.ScreeningTimeout
	if req.ScreeningTimeout > 0 && req.ScreeningTimeout < timeout {
		timeout = req.ScreeningTimeout
	}
	return timeout
}

func (e *Engine) failed(check *Check, stage Stage, cause error) *Check {
	check.Status = StatusError
	check.FailedStage = stage
	check.CheckTimestamp = e.clock().UTC().Truncate(time.Microsecond)
	check.Details = fmt.Sprintf("Check failed at stage %s: %v", stage, cause)
	if check.SupersedesCheckID != "" {
		check.Details += fmt.Sprintf(" Supersedes check %s.", check.SupersedesCheckID)
	}
	return check
}

// persist is the commit point. It is detached from caller cancellation so a
// verdict that was computed is not lost to a client disconnect.
func (e *Engine) persist(ctx context.Context, check *Check, logger *zap.Logger) (*Check, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.PersistTimeout)
	defer cancel()

	err := e.audit.Append(pctx, check)
	if err == nil {
		return check, nil
	}
	if errors.Is(err, ErrConflictAlreadyFinalized) {
		winner, gerr := e.audit.GetByIdempotencyKey(pctx, check.IdempotencyKey)
		if gerr != nil {
			return nil, unavailable("audit log lookup after conflict", gerr)
		}
		logger.Info("Concurrent duplicate resolved to existing check",
			zap.String("check_id", winner.ID),
			zap.String("discarded_check_id", check.ID),
		)
		return winner, nil
	}
	return nil, unavailable("audit log append", err)
}

func (e *Engine) publish(ctx context.Context, check *Check, logger *zap.Logger) {
	if e.publisher == nil {
		return
	}
	event := VerdictEvent{
		EventID:       uuid.NewString(),
		CheckID:       check.ID,
		EntityID:      check.EntityID,
		EntityType:    check.EntityType,
		Category:      check.Category,
		Status:        check.Status,
		ViolatedRules: append([]string(nil), check.ViolatedRules...),
		Timestamp:     check.CheckTimestamp,
		SchemaVersion: e.config.SchemaVersion,
	}
	if err := e.publisher.PublishVerdict(context.WithoutCancel(ctx), event); err != nil {
		e.recorder.ObservePublishFailure()
		logger.Error("Failed to publish verdict event",
			zap.String("check_id", check.ID),
			zap.String("status", string(check.Status)),
			zap.Error(err),
		)
	}
}

// GetCheck returns a recorded check by id.
func (e *Engine) GetCheck(ctx context.Context, id string) (*Check, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: check id is required", ErrInvalidInput)
	}
	check, err := e.audit.Get(ctx, id)
	return check, classifyRead(err)
}

// GetCheckByIdempotencyKey returns the check recorded for key.
func (e *Engine) GetCheckByIdempotencyKey(ctx context.Context, key string) (*Check, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	check, err := e.audit.GetByIdempotencyKey(ctx, key)
	return check, classifyRead(err)
}

// ListChecks pages through an entity's checks in timestamp order.
func (e *Engine) ListChecks(ctx context.Context, q EntityQuery) (*CheckPage, error) {
	q.EntityID = strings.TrimSpace(q.EntityID)
	q.EntityType = EntityType(normalizeTag(string(q.EntityType)))
	if q.EntityID == "" || q.EntityType == "" {
		return nil, fmt.Errorf("%w: entity id and type are required", ErrInvalidInput)
	}
	if _, err := DecodeCursor(q.Cursor); err != nil {
		return nil, err
	}
	q.Limit = NormalizeLimit(q.Limit)
	page, err := e.audit.ListByEntity(ctx, q)
	return page, classifyRead(err)
}

func classifyRead(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return unavailable("audit log read", err)
}

func normalizeRequest(req CheckRequest) CheckRequest {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.EntityType = EntityType(normalizeTag(string(req.EntityType)))
	req.Category = normalizeTag(req.Category)
	req.CallerRequestID = strings.TrimSpace(req.CallerRequestID)
	req.SupersedesCheckID = strings.TrimSpace(req.SupersedesCheckID)
	return req
}

func checkErrorFor(check *Check) error {
	if check == nil || check.Status != StatusError {
		return nil
	}
	return &CheckError{
		Check: check,
		Stage: check.FailedStage,
		Err:   errors.New(check.Details),
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, regulatory.ErrStoreUnavailable) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func unavailable(what string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, what, err)
}

func describe(check *Check, ev Evaluation) string {
	var b strings.Builder
	aml := check.Aml

	switch check.Status {
	case StatusFail:
		b.WriteString("FAIL.")
		if len(check.ViolatedRules) > 0 {
			fmt.Fprintf(&b, " Violated rules: %s.", strings.Join(check.ViolatedRules, ", "))
		}
		if aml.MatchStatus == MatchConfirmed || aml.RiskLevel == RiskHigh || aml.RiskLevel == RiskCritical {
			fmt.Fprintf(&b, " AML basis: %s at risk %s", aml.MatchStatus, aml.RiskLevel)
			if aml.Source != "" {
				fmt.Fprintf(&b, " from %s", aml.Source)
			}
			b.WriteString(".")
		}
	case StatusPending:
		fmt.Fprintf(&b, "PENDING. No rule violations; screening unresolved (%s, risk %s)", aml.MatchStatus, aml.RiskLevel)
		if aml.Details != "" {
			fmt.Fprintf(&b, ": %s", aml.Details)
		}
		b.WriteString(".")
	default:
		fmt.Fprintf(&b, "PASS. %d applicable rules examined with no violations; screening %s at risk %s.",
			ev.Examined, aml.MatchStatus, aml.RiskLevel)
	}

	if len(ev.Degraded) > 0 {
		parts := make([]string, 0, len(ev.Degraded))
		for _, d := range ev.Degraded {
			parts = append(parts, fmt.Sprintf("%s (%s)", d.RuleID, d.Reason))
		}
		fmt.Fprintf(&b, " Degraded evaluation, treated as not violated: %s.", strings.Join(parts, "; "))
	}
	if check.SupersedesCheckID != "" {
		fmt.Fprintf(&b, " Supersedes check %s.", check.SupersedesCheckID)
	}
	return b.String()
}
