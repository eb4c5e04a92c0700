package screening

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// Provider is one external watchlist/AML screening service.
type Provider interface {
	Name() string
	Screen(ctx context.Context, entity compliance.Entity) (compliance.AmlResult, error)
}

// Recorder receives screening outcomes.
type Recorder interface {
	ObserveScreening(provider, outcome string, elapsed time.Duration)
}

// Screening outcomes reported to the Recorder.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
	OutcomeBreakerOpen = "breaker_open"
	OutcomeMalformed   = "malformed"
)

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// Adapter turns a Provider into a total compliance.Screener: every call
// returns a well-formed result within the timeout, substituting a sentinel
// when the provider is slow, failing or short-circuited.
type Adapter struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	recorder Recorder
	logger   *zap.Logger
	clock    func() time.Time
}

// NewAdapter wraps provider with a circuit breaker.
func NewAdapter(provider Provider, cfg BreakerConfig, recorder Recorder, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	a := &Adapter{
		provider: provider,
		recorder: recorder,
		logger:   logger,
		clock:    time.Now,
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "screening-" + provider.Name(),
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Screening circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return a
}

// BreakerState reports the current breaker state.
func (a *Adapter) BreakerState() gobreaker.State {
	return a.breaker.State()
}

type screenOutcome struct {
	result compliance.AmlResult
	err    error
}

// Screen calls the provider bounded by timeout.
func (a *Adapter) Screen(ctx context.Context, entity compliance.Entity, timeout time.Duration) compliance.AmlResult {
	started := a.clock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan screenOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- screenOutcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		v, err := a.breaker.Execute(func() (interface{}, error) {
			return a.provider.Screen(ctx, entity)
		})
		if err != nil {
			done <- screenOutcome{err: err}
			return
		}
		done <- screenOutcome{result: v.(compliance.AmlResult)}
	}()

	var (
		result  compliance.AmlResult
		outcome string
	)
	select {
	case out := <-done:
		result, outcome = a.settle(ctx, out, timeout)
	case <-ctx.Done():
		result, outcome = compliance.TimeoutResult(a.provider.Name(), timeout, a.clock()), OutcomeTimeout
	}

	if a.recorder != nil {
		a.recorder.ObserveScreening(a.provider.Name(), outcome, a.clock().Sub(started))
	}
	if outcome != OutcomeOK {
		a.logger.Warn("Screening substituted with sentinel",
			zap.String("entity_id", entity.ID),
			zap.String("provider", a.provider.Name()),
			zap.String("outcome", outcome),
			zap.String("details", result.Details),
		)
	}
	return result
}

func (a *Adapter) settle(ctx context.Context, out screenOutcome, timeout time.Duration) (compliance.AmlResult, string) {
	name := a.provider.Name()
	switch {
	case out.err == nil:
	case errors.Is(out.err, gobreaker.ErrOpenState), errors.Is(out.err, gobreaker.ErrTooManyRequests):
		return compliance.ErrorResult(name, fmt.Errorf("circuit breaker open: %w", out.err), a.clock()), OutcomeBreakerOpen
	case errors.Is(out.err, context.DeadlineExceeded) || ctx.Err() != nil:
		return compliance.TimeoutResult(name, timeout, a.clock()), OutcomeTimeout
	default:
		return compliance.ErrorResult(name, out.err, a.clock()), OutcomeError
	}

	result := out.result
	result.MatchStatus = compliance.MatchStatus(strings.ToUpper(string(result.MatchStatus)))
	result.RiskLevel = compliance.RiskLevel(strings.ToUpper(string(result.RiskLevel)))
	if !result.MatchStatus.Valid() || !result.RiskLevel.Valid() {
		err := fmt.Errorf("malformed result %q/%q", result.MatchStatus, result.RiskLevel)
		return compliance.ErrorResult(name, err, a.clock()), OutcomeMalformed
	}
	if result.Source == "" {
		result.Source = name
	}
	if result.ScreenedAt.IsZero() {
		result.ScreenedAt = a.clock()
	}
	result.ScreenedAt = result.ScreenedAt.UTC()
	return result, OutcomeOK
}
