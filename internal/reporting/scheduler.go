package reporting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// ScheduleConfig generates a report for one entity on a cron schedule. Each
// run covers the Window leading up to the run time.
type ScheduleConfig struct {
	Name       string        `mapstructure:"name"`
	Spec       string        `mapstructure:"spec"`
	EntityID   string        `mapstructure:"entity_id"`
	EntityType string        `mapstructure:"entity_type"`
	ReportType string        `mapstructure:"report_type"`
	Window     time.Duration `mapstructure:"window"`
}

// ScheduledRun records the outcome of a schedule's latest run.
type ScheduledRun struct {
	LastRun    time.Time
	LastReport string
	RunCount   int64
	ErrorCount int64
	LastError  string
}

// Scheduler triggers report generation from cron specs with second precision.
type Scheduler struct {
	aggregator *Aggregator
	cron       *cron.Cron
	logger     *zap.Logger
	clock      func() time.Time

	mu        sync.RWMutex
	schedules map[string]ScheduleConfig
	runs      map[string]*ScheduledRun
}

func NewScheduler(aggregator *Aggregator, schedules []ScheduleConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		aggregator: aggregator,
		cron:       cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		logger:     logger,
		clock:      aggregator.clock,
		schedules:  make(map[string]ScheduleConfig),
		runs:       make(map[string]*ScheduledRun),
	}
	for _, sc := range schedules {
		if err := s.add(sc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(sc ScheduleConfig) error {
	if sc.Name == "" {
		return fmt.Errorf("%w: schedule name is required", ErrInvalidRequest)
	}
	if sc.Window <= 0 {
		return fmt.Errorf("%w: schedule %s needs a positive window", ErrInvalidRequest, sc.Name)
	}
	if _, exists := s.schedules[sc.Name]; exists {
		return fmt.Errorf("%w: duplicate schedule %s", ErrInvalidRequest, sc.Name)
	}
	name := sc.Name
	if _, err := s.cron.AddFunc(sc.Spec, func() {
		_, _ = s.Run(context.Background(), name)
	}); err != nil {
		return fmt.Errorf("%w: schedule %s: %v", ErrInvalidRequest, sc.Name, err)
	}
	s.schedules[sc.Name] = sc
	s.runs[sc.Name] = &ScheduledRun{}
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Report scheduler started", zap.Int("schedules", len(s.schedules)))
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Report scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the named schedule immediately.
func (s *Scheduler) Run(ctx context.Context, name string) (*Report, error) {
	s.mu.RLock()
	sc, ok := s.schedules[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown schedule %s", ErrInvalidRequest, name)
	}

	to := s.clock().UTC().Truncate(time.Second)
	report, err := s.aggregator.GenerateReport(ctx, GenerateRequest{
		EntityID:   sc.EntityID,
		EntityType: compliance.EntityType(sc.EntityType),
		ReportType: sc.ReportType,
		Window:     Window{From: to.Add(-sc.Window), To: to},
	})

	s.mu.Lock()
	run := s.runs[name]
	run.LastRun = to
	run.RunCount++
	if err != nil {
		run.ErrorCount++
		run.LastError = err.Error()
	} else {
		run.LastReport = report.ID
		run.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled report failed", zap.String("schedule", name), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Scheduled report generated",
		zap.String("schedule", name),
		zap.String("report_id", report.ID),
	)
	return report, nil
}

// Runs returns a copy of each schedule's run state.
func (s *Scheduler) Runs() map[string]ScheduledRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ScheduledRun, len(s.runs))
	for name, run := range s.runs {
		out[name] = *run
	}
	return out
}
