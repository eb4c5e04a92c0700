package compliance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/audit"
	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/regulatory"
)

type stubScreener struct {
	result compliance.AmlResult
	delay  time.Duration
	calls  int32
}

func (s *stubScreener) Screen(ctx context.Context, entity compliance.Entity, timeout time.Duration) compliance.AmlResult {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-time.After(timeout):
			return compliance.TimeoutResult("stub", timeout, time.Now())
		}
	}
	return s.result
}

type panickingScreener struct{}

func (panickingScreener) Screen(context.Context, compliance.Entity, time.Duration) compliance.AmlResult {
	panic("provider client bug")
}

type failingRules struct{ err error }

func (f failingRules) GetActiveRules(context.Context, time.Time) ([]regulatory.Rule, error) {
	return nil, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []compliance.VerdictEvent
	err    error
}

func (p *recordingPublisher) PublishVerdict(ctx context.Context, event compliance.VerdictEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// slowLog delays lookups so concurrent runs reach Append together.
type slowLog struct {
	*audit.MemoryLog
	delay time.Duration
}

func (l slowLog) GetByIdempotencyKey(ctx context.Context, key string) (*compliance.Check, error) {
	time.Sleep(l.delay)
	return l.MemoryLog.GetByIdempotencyKey(ctx, key)
}

type brokenLog struct{ *audit.MemoryLog }

func (brokenLog) Append(context.Context, *compliance.Check) error {
	return audit.ErrLogUnavailable
}

var clean = compliance.AmlResult{Source: "stub", MatchStatus: compliance.MatchNone, RiskLevel: compliance.RiskLow}

type fixture struct {
	rules     *regulatory.MemoryStore
	log       *audit.MemoryLog
	screener  *stubScreener
	publisher *recordingPublisher
	engine    *compliance.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rules:     regulatory.NewMemoryStore(zap.NewNop()),
		log:       audit.NewMemoryLog(zap.NewNop()),
		screener:  &stubScreener{result: clean},
		publisher: &recordingPublisher{},
	}
	_, err := f.rules.CreateRule(context.Background(), regulatory.Rule{
		RuleID:        "R1",
		Jurisdiction:  "US",
		Framework:     "BSA",
		Categories:    []string{"AML"},
		Predicate:     regulatory.Predicate{Type: compliance.PredicateAmountThreshold, Params: map[string]interface{}{"threshold": "10000"}},
		EffectiveDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	})
	require.NoError(t, err)
	f.engine = f.build(f.rules, f.screener, f.log)
	return f
}

func (f *fixture) build(rules compliance.RuleSource, screener compliance.Screener, log compliance.AuditLog) *compliance.Engine {
	return compliance.NewEngine(
		compliance.EngineConfig{ScreeningTimeout: 200 * time.Millisecond, CheckBudget: 2 * time.Second},
		rules,
		screener,
		compliance.NewApplicabilityMatcher(nil),
		compliance.NewEvaluator(nil, zap.NewNop()),
		log,
		f.publisher,
		zap.NewNop(),
	)
}

func request(amount interface{}, requestID string) compliance.CheckRequest {
	return compliance.CheckRequest{
		EntityID:        "CUST-1",
		EntityType:      compliance.EntityCustomer,
		Category:        "AML",
		CallerRequestID: requestID,
		Attributes:      map[string]interface{}{"amount": amount},
	}
}

func TestEngine_LargeTransactionFails(t *testing.T) {
	f := newFixture(t)
	check, err := f.engine.RunCheck(context.Background(), request(15000, "req-1"))
	require.NoError(t, err)

	assert.Equal(t, compliance.StatusFail, check.Status)
	assert.Equal(t, []string{"R1"}, check.ViolatedRules)
	assert.Contains(t, check.Details, "R1")
	require.NotNil(t, check.Aml)
	assert.Equal(t, compliance.MatchNone, check.Aml.MatchStatus)
	require.Len(t, check.EvaluatedRules, 1)
	assert.Equal(t, int64(1), check.EvaluatedRules[0].Version)
	assert.Equal(t, compliance.IdempotencyKey(compliance.EntityCustomer, "CUST-1", "req-1"), check.IdempotencyKey)

	require.Equal(t, 1, f.publisher.count())
	event := f.publisher.events[0]
	assert.Equal(t, check.ID, event.CheckID)
	assert.Equal(t, compliance.StatusFail, event.Status)
	assert.Equal(t, compliance.VerdictSchemaVersion, event.SchemaVersion)
}

func TestEngine_ScreeningTimeoutLeavesCheckPending(t *testing.T) {
	f := newFixture(t)
	f.screener.delay = time.Second

	started := time.Now()
	check, err := f.engine.RunCheck(context.Background(), request(500, "req-2"))
	require.NoError(t, err)

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, compliance.StatusPending, check.Status)
	assert.Empty(t, check.ViolatedRules)
	require.NotNil(t, check.Aml)
	assert.Equal(t, compliance.RiskUnknown, check.Aml.RiskLevel)
	assert.Equal(t, compliance.MatchPendingReview, check.Aml.MatchStatus)
}

func TestEngine_CallerTimeoutCannotExceedConfigured(t *testing.T) {
	f := newFixture(t)
	f.screener.delay = 100 * time.Millisecond

	req := request(500, "req-short")
	req.ScreeningTimeout = 10 * time.Millisecond
	check, err := f.engine.RunCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPending, check.Status)

	req = request(500, "req-long")
	req.ScreeningTimeout = time.Hour
	check, err = f.engine.RunCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPass, check.Status)
}

func TestEngine_AmlPrecedence(t *testing.T) {
	f := newFixture(t)
	f.screener.result = compliance.AmlResult{Source: "stub", MatchStatus: compliance.MatchNone, RiskLevel: compliance.RiskCritical}

	check, err := f.engine.RunCheck(context.Background(), request(10, "req-3"))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFail, check.Status)
	assert.Empty(t, check.ViolatedRules)
	assert.Contains(t, check.Details, "AML basis")
}

func TestEngine_CleanEntityPasses(t *testing.T) {
	f := newFixture(t)
	check, err := f.engine.RunCheck(context.Background(), request(10, "req-4"))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPass, check.Status)
	assert.Contains(t, check.Details, "PASS")
}

func TestEngine_CategoryFiltersRules(t *testing.T) {
	f := newFixture(t)
	req := request(15000, "req-5")
	req.Category = "PRIVACY"
	check, err := f.engine.RunCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPass, check.Status)
	assert.Empty(t, check.EvaluatedRules)
}

func TestEngine_DuplicateSubmissionReturnsExistingCheck(t *testing.T) {
	f := newFixture(t)
	first, err := f.engine.RunCheck(context.Background(), request(15000, "req-6"))
	require.NoError(t, err)
	require.Equal(t, compliance.StatusFail, first.Status)

	// Same request id, different payload: still collapses onto the first verdict.
	second, err := f.engine.RunCheck(context.Background(), request(1, "req-6"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, f.log.Len())
	assert.Equal(t, 1, f.publisher.count())
}

func TestEngine_ConcurrentDuplicatesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	slow := slowLog{MemoryLog: f.log, delay: 20 * time.Millisecond}

	// Separate engines defeat in-process collapsing so the audit log arbitrates.
	engines := make([]*compliance.Engine, 8)
	for i := range engines {
		engines[i] = f.build(f.rules, f.screener, slow)
	}

	ids := make([]string, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *compliance.Engine) {
			defer wg.Done()
			check, err := e.RunCheck(context.Background(), request(15000, "req-7"))
			if assert.NoError(t, err) {
				ids[i] = check.ID
			}
		}(i, e)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.log.Len())
}

func TestEngine_ConcurrentDuplicatesOnOneEngine(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	results := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check, err := f.engine.RunCheck(context.Background(), request(15000, "req-8"))
			if assert.NoError(t, err) {
				results <- check.ID
			}
		}()
	}
	wg.Wait()
	close(results)

	var first string
	for id := range results {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Equal(t, 1, f.log.Len())
}

func TestEngine_DuplicateSurvivesFirstCallerCancel(t *testing.T) {
	f := newFixture(t)
	f.screener.delay = 150 * time.Millisecond

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.engine.RunCheck(firstCtx, request(15000, "req-9"))
		firstErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	type outcome struct {
		check *compliance.Check
		err   error
	}
	second := make(chan outcome, 1)
	go func() {
		check, err := f.engine.RunCheck(context.Background(), request(15000, "req-9"))
		second <- outcome{check: check, err: err}
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-firstErr
	assert.ErrorIs(t, err, compliance.ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, compliance.StatusFail, got.check.Status)
	assert.Equal(t, 1, f.log.Len())
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.screener.calls))

	again, err := f.engine.RunCheck(context.Background(), request(15000, "req-9"))
	require.NoError(t, err)
	assert.Equal(t, got.check.ID, again.ID)
}

func TestEngine_InvalidInput(t *testing.T) {
	f := newFixture(t)
	for _, mutate := range []func(*compliance.CheckRequest){
		func(r *compliance.CheckRequest) { r.EntityID = "" },
		func(r *compliance.CheckRequest) { r.EntityType = " " },
		func(r *compliance.CheckRequest) { r.Category = "" },
		func(r *compliance.CheckRequest) { r.CallerRequestID = "" },
		func(r *compliance.CheckRequest) { r.ScreeningTimeout = -time.Second },
	} {
		req := request(1, "req-9")
		mutate(&req)
		_, err := f.engine.RunCheck(context.Background(), req)
		assert.ErrorIs(t, err, compliance.ErrInvalidInput)
	}
	assert.Equal(t, 0, f.log.Len())
}

func TestEngine_RuleStoreUnavailableCommitsNothing(t *testing.T) {
	f := newFixture(t)
	engine := f.build(failingRules{err: regulatory.ErrStoreUnavailable}, f.screener, f.log)

	_, err := engine.RunCheck(context.Background(), request(15000, "req-10"))
	assert.ErrorIs(t, err, compliance.ErrUnavailable)
	assert.Equal(t, 0, f.log.Len())
	assert.Equal(t, 0, f.publisher.count())
}

func TestEngine_AuditLogUnavailableCommitsNothing(t *testing.T) {
	f := newFixture(t)
	engine := f.build(f.rules, f.screener, brokenLog{f.log})

	_, err := engine.RunCheck(context.Background(), request(15000, "req-11"))
	assert.ErrorIs(t, err, compliance.ErrUnavailable)
	assert.Equal(t, 0, f.publisher.count())
}

func TestEngine_UnexpectedRuleFailureIsRecordedAsError(t *testing.T) {
	f := newFixture(t)
	engine := f.build(failingRules{err: errors.New("corrupt rule snapshot")}, f.screener, f.log)

	check, err := engine.RunCheck(context.Background(), request(15000, "req-12"))
	var checkErr *compliance.CheckError
	require.ErrorAs(t, err, &checkErr)
	assert.Equal(t, compliance.StageRulesFetched, checkErr.Stage)

	require.NotNil(t, check)
	assert.Equal(t, compliance.StatusError, check.Status)
	assert.Equal(t, compliance.StageRulesFetched, check.FailedStage)
	assert.Contains(t, check.Details, "RULES_FETCHED")
	assert.Contains(t, check.Details, "corrupt rule snapshot")
	assert.NotNil(t, check.Aml)
	assert.Equal(t, 1, f.log.Len())
	assert.Equal(t, 1, f.publisher.count())

	// The ERROR record is terminal: retrying the same request returns it.
	again, err := engine.RunCheck(context.Background(), request(15000, "req-12"))
	require.ErrorAs(t, err, &checkErr)
	assert.Equal(t, check.ID, again.ID)
	assert.Equal(t, 1, f.log.Len())
}

func TestEngine_ScreenerPanicBecomesSentinel(t *testing.T) {
	f := newFixture(t)
	engine := f.build(f.rules, panickingScreener{}, f.log)

	check, err := engine.RunCheck(context.Background(), request(10, "req-13"))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPending, check.Status)
	assert.Equal(t, compliance.MatchError, check.Aml.MatchStatus)
	assert.Equal(t, compliance.RiskUnknown, check.Aml.RiskLevel)
}

func TestEngine_MalformedScreeningResultBecomesSentinel(t *testing.T) {
	f := newFixture(t)
	f.screener.result = compliance.AmlResult{MatchStatus: "MAYBE", RiskLevel: "SORT_OF"}

	check, err := f.engine.RunCheck(context.Background(), request(10, "req-14"))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPending, check.Status)
	assert.True(t, check.Aml.IsSentinel())
}

func TestEngine_PublishFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	check, err := f.engine.RunCheck(context.Background(), request(15000, "req-15"))
	require.NoError(t, err)
	stored, err := f.log.Get(context.Background(), check.ID)
	require.NoError(t, err)
	assert.Equal(t, check.Status, stored.Status)
}

func TestEngine_DegradedRuleIsFlagged(t *testing.T) {
	f := newFixture(t)
	_, err := f.rules.CreateRule(context.Background(), regulatory.Rule{
		RuleID:        "R2",
		Jurisdiction:  "US",
		Framework:     "BSA",
		Categories:    []string{"AML"},
		Predicate:     regulatory.Predicate{Type: "neural_net"},
		EffectiveDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	})
	require.NoError(t, err)

	check, err := f.engine.RunCheck(context.Background(), request(10, "req-16"))
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusPass, check.Status)
	assert.Equal(t, []string{"R2"}, check.DegradedRules)
	assert.Contains(t, check.Details, "Degraded")
	assert.Len(t, check.EvaluatedRules, 2)
}

func TestEngine_Corrections(t *testing.T) {
	f := newFixture(t)
	original, err := f.engine.RunCheck(context.Background(), request(15000, "req-17"))
	require.NoError(t, err)

	req := request(500, "req-17-correction")
	req.SupersedesCheckID = original.ID
	correction, err := f.engine.RunCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, original.ID, correction.SupersedesCheckID)
	assert.Contains(t, correction.Details, original.ID)

	unchanged, err := f.log.Get(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusFail, unchanged.Status)

	req = request(500, "req-17-bad")
	req.SupersedesCheckID = "no-such-check"
	_, err = f.engine.RunCheck(context.Background(), req)
	assert.ErrorIs(t, err, compliance.ErrInvalidInput)
}

func TestEngine_StatusQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.engine.RunCheck(ctx, request(10, id))
		require.NoError(t, err)
	}

	key := compliance.IdempotencyKey(compliance.EntityCustomer, "CUST-1", "b")
	byKey, err := f.engine.GetCheckByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "b", byKey.CallerRequestID)

	byID, err := f.engine.GetCheck(ctx, byKey.ID)
	require.NoError(t, err)
	assert.Equal(t, byKey.ID, byID.ID)

	_, err = f.engine.GetCheckByIdempotencyKey(ctx, "unknown")
	assert.ErrorIs(t, err, compliance.ErrNotFound)
	_, err = f.engine.GetCheck(ctx, "")
	assert.ErrorIs(t, err, compliance.ErrInvalidInput)

	page, err := f.engine.ListChecks(ctx, compliance.EntityQuery{EntityID: "CUST-1", EntityType: "customer", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Checks, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := f.engine.ListChecks(ctx, compliance.EntityQuery{EntityID: "CUST-1", EntityType: compliance.EntityCustomer, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Len(t, rest.Checks, 1)
	assert.Empty(t, rest.NextCursor)

	_, err = f.engine.ListChecks(ctx, compliance.EntityQuery{EntityType: compliance.EntityCustomer})
	assert.ErrorIs(t, err, compliance.ErrInvalidInput)
}
