package screening

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

type fakeProvider struct {
	result compliance.AmlResult
	err    error
	delay  time.Duration
	panics bool
	mu     sync.Mutex
	calls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Screen(ctx context.Context, entity compliance.Entity) (compliance.AmlResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("nil map in client")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return compliance.AmlResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) ObserveScreening(provider, outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

var customer = compliance.Entity{ID: "CUST-1", Type: compliance.EntityCustomer, Attributes: map[string]interface{}{"name": "Jane Doe"}}

func TestAdapter_Screen(t *testing.T) {
	ctx := context.Background()

	t.Run("Provider Result Is Normalized", func(t *testing.T) {
		provider := &fakeProvider{result: compliance.AmlResult{MatchStatus: "potential_match", RiskLevel: "medium"}}
		recorder := &outcomeRecorder{}
		adapter := NewAdapter(provider, BreakerConfig{}, recorder, zap.NewNop())

		result := adapter.Screen(ctx, customer, time.Second)
		assert.Equal(t, compliance.MatchPotential, result.MatchStatus)
		assert.Equal(t, compliance.RiskMedium, result.RiskLevel)
		assert.Equal(t, "fake", result.Source)
		assert.False(t, result.ScreenedAt.IsZero())
		assert.Equal(t, []string{OutcomeOK}, recorder.outcomes)
	})

	t.Run("Timeout Yields Pending Review Sentinel", func(t *testing.T) {
		provider := &fakeProvider{result: compliance.AmlResult{MatchStatus: compliance.MatchNone, RiskLevel: compliance.RiskLow}, delay: time.Second}
		adapter := NewAdapter(provider, BreakerConfig{}, nil, zap.NewNop())

		started := time.Now()
		result := adapter.Screen(ctx, customer, 20*time.Millisecond)
		assert.Less(t, time.Since(started), 500*time.Millisecond)
		assert.Equal(t, compliance.MatchPendingReview, result.MatchStatus)
		assert.Equal(t, compliance.RiskUnknown, result.RiskLevel)
		assert.True(t, result.IsSentinel())
	})

	t.Run("Provider Error Yields Error Sentinel", func(t *testing.T) {
		provider := &fakeProvider{err: errors.New("503 from upstream")}
		adapter := NewAdapter(provider, BreakerConfig{}, nil, zap.NewNop())

		result := adapter.Screen(ctx, customer, time.Second)
		assert.Equal(t, compliance.MatchError, result.MatchStatus)
		assert.Equal(t, compliance.RiskUnknown, result.RiskLevel)
		assert.Contains(t, result.Details, "503 from upstream")
	})

	t.Run("Provider Panic Yields Error Sentinel", func(t *testing.T) {
		adapter := NewAdapter(&fakeProvider{panics: true}, BreakerConfig{}, nil, zap.NewNop())
		result := adapter.Screen(ctx, customer, time.Second)
		assert.Equal(t, compliance.MatchError, result.MatchStatus)
		assert.Contains(t, result.Details, "panicked")
	})

	t.Run("Malformed Result Yields Error Sentinel", func(t *testing.T) {
		provider := &fakeProvider{result: compliance.AmlResult{MatchStatus: "PROBABLY_FINE", RiskLevel: compliance.RiskLow}}
		recorder := &outcomeRecorder{}
		adapter := NewAdapter(provider, BreakerConfig{}, recorder, zap.NewNop())

		result := adapter.Screen(ctx, customer, time.Second)
		assert.Equal(t, compliance.MatchError, result.MatchStatus)
		assert.Equal(t, []string{OutcomeMalformed}, recorder.outcomes)
	})

	t.Run("Breaker Opens After Consecutive Failures", func(t *testing.T) {
		provider := &fakeProvider{err: errors.New("connection refused")}
		recorder := &outcomeRecorder{}
		adapter := NewAdapter(provider, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, recorder, zap.NewNop())

		adapter.Screen(ctx, customer, time.Second)
		adapter.Screen(ctx, customer, time.Second)
		assert.Equal(t, gobreaker.StateOpen, adapter.BreakerState())

		result := adapter.Screen(ctx, customer, time.Second)
		assert.Equal(t, compliance.MatchError, result.MatchStatus)
		assert.Contains(t, result.Details, "circuit breaker open")
		assert.Equal(t, 2, provider.callCount())
		assert.Equal(t, []string{OutcomeError, OutcomeError, OutcomeBreakerOpen}, recorder.outcomes)
	})
}

func TestHTTPProvider(t *testing.T) {
	t.Run("Decodes Verdict", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/screenings", r.URL.Path)
			assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

			var req screeningRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "CUST-1", req.EntityID)
			assert.Equal(t, "Jane Doe", req.Attributes["name"])

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(screeningResponse{
				Source:      "ofac-sdn",
				MatchStatus: "CONFIRMED_MATCH",
				RiskLevel:   "CRITICAL",
				Details:     "SDN entry 1234",
			})
		}))
		defer server.Close()

		provider := NewHTTPProvider(HTTPConfig{BaseURL: server.URL, APIKey: "secret"})
		result, err := provider.Screen(context.Background(), customer)
		require.NoError(t, err)
		assert.Equal(t, "ofac-sdn", result.Source)
		assert.Equal(t, compliance.MatchConfirmed, result.MatchStatus)
		assert.Equal(t, compliance.RiskCritical, result.RiskLevel)
	})

	t.Run("Server Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		provider := NewHTTPProvider(HTTPConfig{BaseURL: server.URL})
		_, err := provider.Screen(context.Background(), customer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("Through Adapter With Slow Server", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		adapter := NewAdapter(NewHTTPProvider(HTTPConfig{BaseURL: server.URL}), BreakerConfig{}, nil, zap.NewNop())
		result := adapter.Screen(context.Background(), customer, 30*time.Millisecond)
		assert.Equal(t, compliance.MatchPendingReview, result.MatchStatus)
		assert.Equal(t, compliance.RiskUnknown, result.RiskLevel)
	})
}

func TestWatchlistProvider(t *testing.T) {
	provider := NewWatchlistProvider([]WatchlistEntry{
		{Name: "Ivan  Petrov", List: "OFAC-SDN", Risk: "critical"},
		{Name: "Acme Trading LLC", List: "EU-CONSOLIDATED"},
		{Name: "   ", List: "ignored"},
	})
	screen := func(name interface{}) compliance.AmlResult {
		attrs := map[string]interface{}{}
		if name != nil {
			attrs["name"] = name
		}
		result, err := provider.Screen(context.Background(), compliance.Entity{ID: "E1", Attributes: attrs})
		require.NoError(t, err)
		return result
	}

	exact := screen("ivan petrov")
	assert.Equal(t, compliance.MatchConfirmed, exact.MatchStatus)
	assert.Equal(t, compliance.RiskCritical, exact.RiskLevel)

	defaultRisk := screen("ACME Trading, LLC")
	assert.Equal(t, compliance.MatchConfirmed, defaultRisk.MatchStatus)
	assert.Equal(t, compliance.RiskHigh, defaultRisk.RiskLevel)

	partial := screen("Ivan Sergeyevich Petrov")
	assert.Equal(t, compliance.MatchPotential, partial.MatchStatus)
	assert.Equal(t, compliance.RiskMedium, partial.RiskLevel)

	single := screen("Ivan")
	assert.Equal(t, compliance.MatchNone, single.MatchStatus)

	none := screen("Jane Doe")
	assert.Equal(t, compliance.MatchNone, none.MatchStatus)
	assert.Equal(t, compliance.RiskLow, none.RiskLevel)

	missing := screen(nil)
	assert.Equal(t, compliance.MatchNone, missing.MatchStatus)
	assert.Contains(t, missing.Details, "no name")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := provider.Screen(ctx, customer)
	assert.ErrorIs(t, err, context.Canceled)
}
