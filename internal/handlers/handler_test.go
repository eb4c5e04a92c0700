package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/cache"
	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/regulatory"
	"github.com/aegisshield/compliance-audit/internal/reporting"
)

type fakeChecks struct {
	lastRequest compliance.CheckRequest
	runResult   *compliance.Check
	runErr      error
	checks      map[string]*compliance.Check
	lastQuery   compliance.EntityQuery
	listErr     error
}

func (f *fakeChecks) RunCheck(_ context.Context, req compliance.CheckRequest) (*compliance.Check, error) {
	f.lastRequest = req
	return f.runResult, f.runErr
}

func (f *fakeChecks) GetCheck(_ context.Context, id string) (*compliance.Check, error) {
	if c, ok := f.checks[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("check %s: %w", id, compliance.ErrNotFound)
}

func (f *fakeChecks) GetCheckByIdempotencyKey(_ context.Context, key string) (*compliance.Check, error) {
	for _, c := range f.checks {
		if c.IdempotencyKey == key {
			return c, nil
		}
	}
	return nil, compliance.ErrNotFound
}

func (f *fakeChecks) ListChecks(_ context.Context, q compliance.EntityQuery) (*compliance.CheckPage, error) {
	f.lastQuery = q
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &compliance.CheckPage{Checks: []*compliance.Check{f.runResult}, NextCursor: "next"}, nil
}

type fakeReports struct {
	report        *reporting.Report
	transitionErr error
	lastTarget    reporting.Status
}

func (f *fakeReports) GenerateReport(_ context.Context, req reporting.GenerateRequest) (*reporting.Report, error) {
	if err := req.Window.Validate(); err != nil {
		return nil, err
	}
	f.report = &reporting.Report{ID: "rep-1", EntityID: req.EntityID, Status: reporting.StatusDraft, Version: 1}
	return f.report, nil
}

func (f *fakeReports) GetReport(_ context.Context, id string) (*reporting.Report, error) {
	if f.report == nil || f.report.ID != id {
		return nil, reporting.ErrReportNotFound
	}
	return f.report, nil
}

func (f *fakeReports) ListReports(context.Context, reporting.ListQuery) ([]*reporting.Report, error) {
	if f.report == nil {
		return nil, nil
	}
	return []*reporting.Report{f.report}, nil
}

func (f *fakeReports) Transition(_ context.Context, id string, target reporting.Status) (*reporting.Report, error) {
	f.lastTarget = target
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	r := *f.report
	r.Status = target
	return &r, nil
}

type fakeVerdicts struct {
	verdict *cache.Verdict
	err     error
}

func (f *fakeVerdicts) Latest(context.Context, compliance.EntityType, string) (*cache.Verdict, error) {
	return f.verdict, f.err
}

type httpRecorder struct {
	routes []string
	codes  []int
}

func (r *httpRecorder) ObserveHTTPRequest(_, route string, code int, _ time.Duration) {
	r.routes = append(r.routes, route)
	r.codes = append(r.codes, code)
}

type fixture struct {
	router   *gin.Engine
	checks   *fakeChecks
	reports  *fakeReports
	rules    *regulatory.MemoryStore
	recorder *httpRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		checks: &fakeChecks{
			runResult: &compliance.Check{ID: "chk-1", EntityID: "CUST-1", EntityType: compliance.EntityCustomer, Status: compliance.StatusPass, IdempotencyKey: "key-1"},
			checks:    map[string]*compliance.Check{},
		},
		reports:  &fakeReports{},
		rules:    regulatory.NewMemoryStore(zap.NewNop()),
		recorder: &httpRecorder{},
	}
	f.checks.checks["chk-1"] = f.checks.runResult

	h := NewComplianceHandler(f.checks, f.rules, f.reports, zap.NewNop(), opts...)
	f.router = NewRouter(zap.NewNop(), f.recorder)
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRunCheck(t *testing.T) {
	t.Run("Pass Verdict", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/checks", map[string]interface{}{
			"entity_id":            "CUST-1",
			"entity_type":          "CUSTOMER",
			"check_category":       "AML",
			"caller_request_id":    "req-1",
			"attributes":           map[string]interface{}{"amount": 100},
			"screening_timeout_ms": 250,
		})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "chk-1", body["id"])
		assert.Equal(t, "PASS", body["status"])
		assert.NotContains(t, body, "error")
		assert.Equal(t, 250*time.Millisecond, f.checks.lastRequest.ScreeningTimeout)
		assert.Equal(t, "AML", f.checks.lastRequest.Category)
	})

	t.Run("Error Verdict Returns Record", func(t *testing.T) {
		f := newFixture(t)
		failed := &compliance.Check{ID: "chk-9", Status: compliance.StatusError, FailedStage: compliance.StageRulesFetched}
		f.checks.runResult = nil
		f.checks.runErr = &compliance.CheckError{Check: failed, Stage: compliance.StageRulesFetched, Err: errors.New("rule store down")}

		w := f.do(t, http.MethodPost, "/api/v1/checks", map[string]interface{}{
			"entity_id": "CUST-1", "entity_type": "CUSTOMER", "check_category": "AML", "caller_request_id": "req-2",
		})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "chk-9", body["id"])
		assert.Equal(t, "ERROR", body["status"])
		assert.NotEmpty(t, body["error"])
	})

	t.Run("Missing Fields", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/checks", map[string]interface{}{"entity_id": "CUST-1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Negative Timeout", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/checks", map[string]interface{}{
			"entity_id": "CUST-1", "entity_type": "CUSTOMER", "check_category": "AML", "caller_request_id": "req-3",
			"screening_timeout_ms": -1,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Error Mapping", func(t *testing.T) {
		cases := []struct {
			cause error
			code  int
		}{
			{fmt.Errorf("%w: bad", compliance.ErrInvalidInput), http.StatusBadRequest},
			{fmt.Errorf("%w: down", compliance.ErrUnavailable), http.StatusServiceUnavailable},
			{fmt.Errorf("%w", compliance.ErrNotFound), http.StatusNotFound},
			{fmt.Errorf("%w", compliance.ErrConflictAlreadyFinalized), http.StatusConflict},
			{errors.New("unexpected"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			f := newFixture(t)
			f.checks.runErr = tc.cause
			w := f.do(t, http.MethodPost, "/api/v1/checks", map[string]interface{}{
				"entity_id": "CUST-1", "entity_type": "CUSTOMER", "check_category": "AML", "caller_request_id": "req-4",
			})
			assert.Equal(t, tc.code, w.Code, tc.cause.Error())
		}
	})
}

func TestCheckQueries(t *testing.T) {
	f := newFixture(t)

	t.Run("Get By ID", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/checks/chk-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "chk-1", decode(t, w)["id"])

		w = f.do(t, http.MethodGet, "/api/v1/checks/unknown", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Get By Idempotency Key", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/checks?idempotency_key=key-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "chk-1", decode(t, w)["id"])

		w = f.do(t, http.MethodGet, "/api/v1/checks?idempotency_key=missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/checks", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("List Entity Checks", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/checks?limit=5&cursor=abc&from=2026-01-01T00:00:00Z", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "next", decode(t, w)["next_cursor"])
		assert.Equal(t, compliance.EntityCustomer, f.checks.lastQuery.EntityType)
		assert.Equal(t, "CUST-1", f.checks.lastQuery.EntityID)
		assert.Equal(t, 5, f.checks.lastQuery.Limit)
		assert.Equal(t, "abc", f.checks.lastQuery.Cursor)
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), f.checks.lastQuery.From)
	})

	t.Run("List Bad Parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/checks?limit=x", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/checks?to=yesterday", nil).Code)

		f.checks.listErr = fmt.Errorf("%w: bad cursor", compliance.ErrInvalidInput)
		defer func() { f.checks.listErr = nil }()
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/checks?cursor=zzz", nil).Code)
	})
}

func TestLatestVerdict(t *testing.T) {
	t.Run("Projection Disabled", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/verdict", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Hit And Miss", func(t *testing.T) {
		verdicts := &fakeVerdicts{verdict: &cache.Verdict{CheckID: "chk-1", Status: compliance.StatusFail}}
		f := newFixture(t, WithVerdicts(verdicts))

		w := f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/verdict", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "FAIL", decode(t, w)["status"])

		verdicts.verdict = nil
		w = f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/verdict", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		verdicts.err = errors.New("redis down")
		w = f.do(t, http.MethodGet, "/api/v1/entities/customer/CUST-1/verdict", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestRuleRoutes(t *testing.T) {
	f := newFixture(t)
	rule := map[string]interface{}{
		"rule_id":        "R1",
		"jurisdiction":   "US",
		"framework":      "BSA",
		"categories":     []string{"AML"},
		"predicate":      map[string]interface{}{"type": "amount_threshold", "params": map[string]interface{}{"threshold": "10000"}},
		"effective_date": "2020-01-01T00:00:00Z",
	}

	t.Run("Create", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/rules", rule)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.EqualValues(t, 1, decode(t, w)["version"])

		w = f.do(t, http.MethodPost, "/api/v1/rules", rule)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("List Active", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/rules", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, decode(t, w)["total"])

		w = f.do(t, http.MethodGet, "/api/v1/rules?as_of=2019-01-01T00:00:00Z", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 0, decode(t, w)["total"])
	})

	t.Run("Update", func(t *testing.T) {
		update := map[string]interface{}{
			"jurisdiction":   "US",
			"framework":      "BSA",
			"description":    "raised threshold",
			"categories":     []string{"AML"},
			"predicate":      map[string]interface{}{"type": "amount_threshold", "params": map[string]interface{}{"threshold": "20000"}},
			"effective_date": "2020-01-01T00:00:00Z",
		}
		w := f.do(t, http.MethodPut, "/api/v1/rules/R1", update)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.EqualValues(t, 2, decode(t, w)["version"])

		update["framework"] = "FATF"
		w = f.do(t, http.MethodPut, "/api/v1/rules/R1", update)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		update["rule_id"] = "R2"
		w = f.do(t, http.MethodPut, "/api/v1/rules/R1", update)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Deactivate Keeps History", func(t *testing.T) {
		w := f.do(t, http.MethodDelete, "/api/v1/rules/R1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["active"])

		w = f.do(t, http.MethodGet, "/api/v1/rules/R1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/rules/R1/versions", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["versions"], 3)

		w = f.do(t, http.MethodGet, "/api/v1/rules", nil)
		assert.EqualValues(t, 0, decode(t, w)["total"])
	})

	t.Run("Unknown Rule", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/rules/NOPE", nil).Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/rules/NOPE", nil).Code)
	})
}

func TestReportRoutes(t *testing.T) {
	f := newFixture(t)

	t.Run("Generate", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
			"entity_id":   "BU-1",
			"entity_type": "BUSINESS_UNIT",
			"report_type": "MONTHLY",
			"window":      map[string]string{"from": "2026-01-01T00:00:00Z", "to": "2026-02-01T00:00:00Z"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "DRAFT", decode(t, w)["status"])
	})

	t.Run("Generate Invalid Window", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
			"entity_id":   "BU-1",
			"entity_type": "BUSINESS_UNIT",
			"report_type": "MONTHLY",
			"window":      map[string]string{"from": "2026-02-01T00:00:00Z", "to": "2026-01-01T00:00:00Z"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Get And List", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/reports/rep-1", nil).Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/reports/rep-x", nil).Code)

		w := f.do(t, http.MethodGet, "/api/v1/reports?entity_id=BU-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, decode(t, w)["total"])
	})

	t.Run("Transition", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/reports/rep-1/transitions", map[string]string{"target": "under_review"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, reporting.StatusUnderReview, f.reports.lastTarget)
		assert.Equal(t, "UNDER_REVIEW", decode(t, w)["status"])
	})

	t.Run("Transition Conflicts", func(t *testing.T) {
		for _, cause := range []error{reporting.ErrInvalidTransition, reporting.ErrApprovalBlocked, reporting.ErrRevisionConflict} {
			f.reports.transitionErr = fmt.Errorf("%w: nope", cause)
			w := f.do(t, http.MethodPost, "/api/v1/reports/rep-1/transitions", map[string]string{"target": "APPROVED"})
			assert.Equal(t, http.StatusConflict, w.Code, cause.Error())
		}
		f.reports.transitionErr = nil

		w := f.do(t, http.MethodPost, "/api/v1/reports/rep-1/transitions", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealthCheck(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		f := newFixture(t, WithHealthCheck("database", func(context.Context) error { return nil }))
		w := f.do(t, http.MethodGet, "/api/v1/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "healthy", body["components"].(map[string]interface{})["database"])
	})

	t.Run("Unhealthy Dependency", func(t *testing.T) {
		f := newFixture(t,
			WithHealthCheck("database", func(context.Context) error { return nil }),
			WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
		)
		w := f.do(t, http.MethodGet, "/api/v1/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decode(t, w)["status"])
	})
}

func TestMetricsMiddleware(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/checks/chk-1", nil)
	f.do(t, http.MethodGet, "/no/such/route", nil)

	require.Len(t, f.recorder.routes, 2)
	assert.Equal(t, "/api/v1/checks/:id", f.recorder.routes[0])
	assert.Equal(t, http.StatusOK, f.recorder.codes[0])
	assert.Equal(t, "unmatched", f.recorder.routes[1])
	assert.Equal(t, http.StatusNotFound, f.recorder.codes[1])
}
