package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kairospay/subscription-core/backoff"
	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/messaging"
)

const (
	// DefaultDispatchInterval is the polling period between dispatch cycles.
	DefaultDispatchInterval = 2 * time.Second

	// DefaultBatchSize caps the records picked up per cycle.
	DefaultBatchSize = 100

	// DefaultRetryBackoffBase seeds the exponential retry schedule.
	DefaultRetryBackoffBase = 5 * time.Second

	// DefaultPublishTimeout bounds a single publish attempt.
	DefaultPublishTimeout = 10 * time.Second
)

// Dispatcher drains due outbox records to the message bus on a fixed
// interval. It is the safety net behind eager publishing: anything the
// synchronous path could not deliver is retried here until it succeeds or
// exhausts its retry budget.
//
// Running more than one dispatcher against the same store is safe for
// consumers (MarkProcessed claims are conditional and subscribers must be
// idempotent) but wastes publishes, so deployments normally run one.
type Dispatcher struct {
	store    Store
	bus      messaging.Bus
	registry *Registry

	logger  log.Logger
	tracer  trace.Tracer
	metrics dispatcherMetrics
	meter   metric.MeterProvider

	interval       time.Duration
	batchSize      int
	backoffBase    time.Duration
	publishTimeout time.Duration

	clock func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher) error

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}

		dispatcher.logger = logger

		return nil
	}
}

// WithTracer sets the tracer used to wrap dispatch cycles.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}

		dispatcher.tracer = tracer

		return nil
	}
}

// WithMeterProvider sets the provider backing the dispatcher's instruments.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if provider == nil {
			return errors.New("meter provider must not be nil")
		}

		dispatcher.meter = provider

		return nil
	}
}

// WithDispatchInterval sets the polling period between cycles.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if interval <= 0 {
			return errors.New("dispatch interval must be positive")
		}

		dispatcher.interval = interval

		return nil
	}
}

// WithBatchSize caps how many due records one cycle picks up.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if size <= 0 {
			return errors.New("batch size must be positive")
		}

		dispatcher.batchSize = size

		return nil
	}
}

// WithRetryBackoffBase sets the base delay of the exponential retry
// schedule applied to failed publishes.
func WithRetryBackoffBase(base time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if base <= 0 {
			return errors.New("retry backoff base must be positive")
		}

		dispatcher.backoffBase = base

		return nil
	}
}

// WithPublishTimeout bounds a single publish attempt.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if timeout <= 0 {
			return errors.New("publish timeout must be positive")
		}

		dispatcher.publishTimeout = timeout

		return nil
	}
}

// WithClock overrides the dispatcher's time source, for tests.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}

		dispatcher.clock = clock

		return nil
	}
}

// NewDispatcher creates a dispatcher over the given store, bus, and
// registry.
func NewDispatcher(store Store, bus messaging.Bus, registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if bus == nil {
		return nil, ErrBusRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	dispatcher := &Dispatcher{
		store:          store,
		bus:            bus,
		registry:       registry,
		logger:         log.NewNop(),
		tracer:         tracenoop.NewTracerProvider().Tracer(meterName),
		interval:       DefaultDispatchInterval,
		batchSize:      DefaultBatchSize,
		backoffBase:    DefaultRetryBackoffBase,
		publishTimeout: DefaultPublishTimeout,
		clock:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if err := opt(dispatcher); err != nil {
			return nil, err
		}
	}

	metrics, err := newDispatcherMetrics(dispatcher.meter)
	if err != nil {
		return nil, err
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run polls the store until ctx is canceled. A cycle runs immediately on
// start, then on every interval tick. Run never returns a non-nil error
// for per-record failures; those are absorbed into record state.
func (dispatcher *Dispatcher) Run(ctx context.Context) error {
	dispatcher.mu.Lock()

	if dispatcher.running {
		dispatcher.mu.Unlock()

		return ErrDispatcherRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	dispatcher.running = true
	dispatcher.cancel = cancel
	dispatcher.done = done
	dispatcher.mu.Unlock()

	defer func() {
		cancel()
		close(done)

		dispatcher.mu.Lock()
		dispatcher.running = false
		dispatcher.mu.Unlock()
	}()

	dispatcher.logger.Log(runCtx, log.LevelInfo, "outbox dispatcher started",
		log.String("interval", dispatcher.interval.String()),
		log.Int("batch_size", dispatcher.batchSize),
		log.Any("event_types", dispatcher.registry.Types()),
	)

	ticker := time.NewTicker(dispatcher.interval)
	defer ticker.Stop()

	dispatcher.runCycle(runCtx)

	for {
		select {
		case <-runCtx.Done():
			dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher stopped")

			return nil
		case <-ticker.C:
			dispatcher.runCycle(runCtx)
		}
	}
}

// Shutdown stops the polling loop and waits for any in-flight cycle to
// finish or ctx to expire.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	dispatcher.mu.Lock()
	cancel := dispatcher.cancel
	done := dispatcher.done
	dispatcher.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context) {
	result, err := dispatcher.DispatchOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox dispatch cycle failed", log.Err(err))

		return
	}

	if result.Picked > 0 {
		dispatcher.logger.Log(ctx, log.LevelDebug, "outbox dispatch cycle finished",
			log.Int("picked", result.Picked),
			log.Int("published", result.Published),
			log.Int("retried", result.Retried),
			log.Int("permanently_failed", result.PermanentlyFailed),
			log.Int("claims_lost", result.ClaimsLost),
		)
	}
}

// DispatchResult summarizes one dispatch cycle.
type DispatchResult struct {
	// Picked is the number of due records the cycle loaded.
	Picked int
	// Published is the number of records published and claimed by this cycle.
	Published int
	// Retried is the number of failed publishes rescheduled with backoff.
	Retried int
	// PermanentlyFailed counts records that exhausted their retry budget or
	// could not be decoded.
	PermanentlyFailed int
	// ClaimsLost counts successful publishes where another path had already
	// marked the record processed.
	ClaimsLost int
}

// DispatchOnce runs a single dispatch cycle: load due records, publish
// each, and update record state per outcome. One record's failure never
// aborts the rest of the batch; the returned error covers only the listing
// itself.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch_cycle")
	defer span.End()

	started := dispatcher.clock()

	records, err := dispatcher.store.ListDue(ctx, started, dispatcher.batchSize)
	if err != nil {
		return DispatchResult{}, err
	}

	result := DispatchResult{Picked: len(records)}

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		dispatcher.dispatchRecord(ctx, record, &result)
	}

	dispatcher.metrics.recordCycle(ctx, started, result.Picked)

	return result, nil
}

func (dispatcher *Dispatcher) dispatchRecord(ctx context.Context, record *Record, result *DispatchResult) {
	envelope, err := dispatcher.registry.Decode(record)
	if err != nil {
		// Undecodable records can never be published; retrying would burn
		// the budget on the same failure.
		dispatcher.failPermanently(ctx, record, err)
		result.PermanentlyFailed++

		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, dispatcher.publishTimeout)
	err = dispatcher.bus.Publish(publishCtx, envelope)
	cancel()

	if err != nil {
		if record.RetryCount+1 < record.MaxRetryCount {
			dispatcher.scheduleRetry(ctx, record, err)
			result.Retried++
		} else {
			dispatcher.failPermanently(ctx, record, err)
			result.PermanentlyFailed++
		}

		return
	}

	claimed, err := dispatcher.store.MarkProcessed(ctx, record.ID, dispatcher.clock())
	if err != nil {
		// The message is on the bus but the record is still unprocessed, so
		// a later cycle will publish it again. Duplicate delivery is the
		// contract; consumers deduplicate.
		dispatcher.logger.Log(ctx, log.LevelError, "outbox mark processed failed",
			log.String("record_id", record.ID.String()),
			log.String("event_type", record.EventType),
			log.Err(err),
		)

		return
	}

	if !claimed {
		dispatcher.metrics.claimsLost.Add(ctx, 1, eventTypeAttr(record.EventType))
		result.ClaimsLost++

		dispatcher.logger.Log(ctx, log.LevelDebug, "outbox record already claimed",
			log.String("record_id", record.ID.String()),
			log.String("event_type", record.EventType),
		)

		return
	}

	dispatcher.metrics.dispatched.Add(ctx, 1, eventTypeAttr(record.EventType))
	result.Published++
}

func (dispatcher *Dispatcher) scheduleRetry(ctx context.Context, record *Record, cause error) {
	nextRetryAt := dispatcher.clock().Add(backoff.Exponential(dispatcher.backoffBase, record.RetryCount))

	if err := dispatcher.store.MarkFailed(ctx, record.ID, sanitizeError(cause.Error()), nextRetryAt); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox mark failed failed",
			log.String("record_id", record.ID.String()),
			log.Err(err),
		)

		return
	}

	dispatcher.metrics.publishFailures.Add(ctx, 1, eventTypeAttr(record.EventType))

	dispatcher.logger.Log(ctx, log.LevelWarn, "outbox publish failed, retry scheduled",
		log.String("record_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.Int("retry_count", record.RetryCount+1),
		log.String("next_retry_at", nextRetryAt.Format(time.RFC3339)),
		log.Err(cause),
	)
}

func (dispatcher *Dispatcher) failPermanently(ctx context.Context, record *Record, cause error) {
	if err := dispatcher.store.MarkPermanentlyFailed(ctx, record.ID, sanitizeError(cause.Error())); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox mark permanently failed failed",
			log.String("record_id", record.ID.String()),
			log.Err(err),
		)

		return
	}

	dispatcher.metrics.permanentFailures.Add(ctx, 1, eventTypeAttr(record.EventType))

	dispatcher.logger.Log(ctx, log.LevelError, "outbox record permanently failed",
		log.String("record_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.Int("retry_count", record.RetryCount),
		log.Err(cause),
	)
}
