package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/reporting"
)

// DispatcherConfig tunes queueing and redelivery.
type DispatcherConfig struct {
	VerdictTopic   string        `mapstructure:"verdict_topic"`
	ReportTopic    string        `mapstructure:"report_topic"`
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	// Synchronous delivers on the caller's goroutine and returns the final
	// delivery error instead of queueing.
	Synchronous bool `mapstructure:"synchronous"`
}

func (c *DispatcherConfig) applyDefaults() {
	if c.VerdictTopic == "" {
		c.VerdictTopic = "compliance.verdicts"
	}
	if c.ReportTopic == "" {
		c.ReportTopic = "compliance.reports"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = time.Second
	}
}

// Dispatcher publishes verdict and report events with at-least-once delivery
// to its Sink: each message is retried with bounded exponential backoff
// before the failure is reported.
type Dispatcher struct {
	sink     Sink
	config   DispatcherConfig
	logger   *zap.Logger
	recorder Recorder

	queue   chan Message
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewDispatcher creates a dispatcher over sink. Call Start before publishing
// in asynchronous mode.
func NewDispatcher(sink Sink, cfg DispatcherConfig, recorder Recorder, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sink:     sink,
		config:   cfg,
		logger:   logger,
		recorder: recorder,
		queue:    make(chan Message, cfg.QueueSize),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed || d.config.Synchronous {
		return
	}
	d.started = true
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("Event dispatcher started",
		zap.Int("workers", d.config.Workers),
		zap.Int("queue_size", d.config.QueueSize),
	)
}

// Stop refuses new events and drains the queue, waiting at most until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return d.sink.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Event dispatcher drained")
	case <-ctx.Done():
		d.logger.Warn("Event dispatcher stopped before queue drained", zap.Int("pending", len(d.queue)))
		return ctx.Err()
	}
	return d.sink.Close()
}

// PublishVerdict queues a verdict event keyed by entity so one entity's
// verdicts stay ordered within a partition.
func (d *Dispatcher) PublishVerdict(ctx context.Context, event compliance.VerdictEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict event: %w", err)
	}
	return d.publish(ctx, Message{
		Topic: d.config.VerdictTopic,
		Key:   string(event.EntityType) + ":" + event.EntityID,
		Value: value,
		Headers: map[string]string{
			HeaderContentType:   "application/json",
			HeaderEventType:     EventTypeVerdict,
			HeaderSchemaVersion: strconv.Itoa(event.SchemaVersion),
		},
		CreatedAt: event.Timestamp,
	})
}

// PublishReportStatus queues a report lifecycle event keyed by report id.
func (d *Dispatcher) PublishReportStatus(ctx context.Context, event reporting.StatusEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal report status event: %w", err)
	}
	return d.publish(ctx, Message{
		Topic: d.config.ReportTopic,
		Key:   event.ReportID,
		Value: value,
		Headers: map[string]string{
			HeaderContentType:   "application/json",
			HeaderEventType:     EventTypeReportStatus,
			HeaderSchemaVersion: strconv.Itoa(event.SchemaVersion),
		},
		CreatedAt: event.Timestamp,
	})
}

func (d *Dispatcher) publish(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Headers[HeaderEventTime] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if d.config.Synchronous {
		return d.deliver(ctx, msg)
	}

	timer := time.NewTimer(d.config.EnqueueTimeout)
	defer timer.Stop()
	select {
	case d.queue <- msg:
		if d.recorder != nil {
			d.recorder.ObserveQueueDepth(len(d.queue))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: topic %s", ErrQueueFull, msg.Topic)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		if d.recorder != nil {
			d.recorder.ObserveQueueDepth(len(d.queue))
		}
		_ = d.deliver(context.Background(), msg)
	}
}

// deliver sends msg, retrying failures with exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return d.sink.Send(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("Event delivery failed, retrying",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if d.recorder != nil {
		d.recorder.ObservePublish(msg.Topic, err == nil, attempts)
	}
	if err != nil {
		d.logger.Error("Event delivery failed after retries",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("deliver to %s after %d attempts: %w", msg.Topic, attempts, err)
	}
	return nil
}
