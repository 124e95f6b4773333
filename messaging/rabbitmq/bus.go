package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kairospay/subscription-core/internal/nilcheck"
	"github.com/kairospay/subscription-core/log"
	"github.com/kairospay/subscription-core/messaging"
	"github.com/kairospay/subscription-core/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Bus errors.
var (
	ErrConnectionRequired  = errors.New("rabbitmq connection is required")
	ErrServiceNameRequired = errors.New("service name is required")
	ErrPublishNacked       = errors.New("message was nacked by broker")
	ErrConfirmTimeout      = errors.New("publish confirmation timed out")
	ErrBusClosed           = errors.New("rabbitmq bus is closed")
)

const (
	// DefaultExchange is the topic exchange carrying all integration events
	// and commands, routed by event type.
	DefaultExchange = "integration.events"

	// DefaultConfirmTimeout bounds the wait for a broker publish confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// DefaultConcurrency is the bounded number of in-flight deliveries per
	// subscription.
	DefaultConcurrency = 8

	dlxSuffix = ".dlx"
	dlqSuffix = ".dlq"
)

// Channel is the subset of *amqp.Channel the bus depends on. It exists so
// tests can substitute a fake.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelFactory opens a dedicated channel. Each publisher and each
// subscription gets its own channel because AMQP channels are not safe for
// concurrent use.
type ChannelFactory func() (Channel, error)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the structured logger.
func WithLogger(logger log.Logger) Option {
	return func(bus *Bus) {
		if nilcheck.Interface(logger) {
			return
		}

		bus.logger = logger
	}
}

// WithExchange overrides the topic exchange name.
func WithExchange(name string) Option {
	return func(bus *Bus) {
		if strings.TrimSpace(name) != "" {
			bus.exchange = strings.TrimSpace(name)
		}
	}
}

// WithConfirmTimeout bounds the wait for broker publish confirmations.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(bus *Bus) {
		if timeout > 0 {
			bus.confirmTimeout = timeout
		}
	}
}

// WithConcurrency bounds in-flight deliveries per subscription.
func WithConcurrency(concurrency int) Option {
	return func(bus *Bus) {
		if concurrency > 0 {
			bus.concurrency = concurrency
		}
	}
}

// WithChannelFactory overrides how channels are opened. Intended for tests.
func WithChannelFactory(factory ChannelFactory) Option {
	return func(bus *Bus) {
		if factory != nil {
			bus.channels = factory
		}
	}
}

// Bus implements messaging.Bus on RabbitMQ: a topic exchange routed by
// event type, one durable queue per (service, event type) pair with
// dead-letter topology, publisher confirms on the publish path, and a
// bounded worker pool per subscription with manual acknowledgment.
type Bus struct {
	service        string
	exchange       string
	confirmTimeout time.Duration
	concurrency    int
	logger         log.Logger
	channels       ChannelFactory

	publishMu sync.Mutex
	publishCh Channel
	confirms  chan amqp.Confirmation

	lifecycleMu sync.Mutex
	consumeCtx  context.Context
	cancel      context.CancelFunc
	consumers   sync.WaitGroup
	closed      bool
}

var _ messaging.Bus = (*Bus)(nil)

// NewBus creates a bus bound to the given connection and declares the
// exchange and dead-letter topology.
func NewBus(connection *Connection, service string, opts ...Option) (*Bus, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	service = strings.TrimSpace(service)
	if service == "" {
		return nil, ErrServiceNameRequired
	}

	consumeCtx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		service:        service,
		exchange:       DefaultExchange,
		confirmTimeout: DefaultConfirmTimeout,
		concurrency:    DefaultConcurrency,
		logger:         log.NewNop(),
		channels: func() (Channel, error) {
			return connection.Channel()
		},
		consumeCtx: consumeCtx,
		cancel:     cancel,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	if err := bus.declareTopology(); err != nil {
		cancel()

		return nil, err
	}

	return bus, nil
}

// declareTopology declares the main exchange plus the dead-letter exchange
// and queue on a short-lived setup channel.
func (bus *Bus) declareTopology() error {
	channel, err := bus.channels()
	if err != nil {
		return fmt.Errorf("open setup channel: %w", err)
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(bus.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", bus.exchange, err)
	}

	dlx := bus.exchange + dlxSuffix
	if err := channel.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %q: %w", dlx, err)
	}

	dlq := bus.exchange + dlqSuffix
	if _, err := channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %q: %w", dlq, err)
	}

	if err := channel.QueueBind(dlq, "#", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %q: %w", dlq, err)
	}

	return nil
}

// Publish sends the envelope to the exchange with the event type as routing
// key and waits for the broker confirmation.
func (bus *Bus) Publish(ctx context.Context, envelope messaging.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := envelope.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", envelope.ID, err)
	}

	bus.publishMu.Lock()
	defer bus.publishMu.Unlock()

	if bus.isClosed() {
		return ErrBusClosed
	}

	if err := bus.ensurePublishChannelLocked(); err != nil {
		return err
	}

	err = bus.publishCh.PublishWithContext(
		ctx,
		bus.exchange,
		envelope.EventType,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    envelope.ID.String(),
			Type:         envelope.EventType,
			AppId:        envelope.Source,
			Timestamp:    envelope.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		bus.dropPublishChannelLocked()

		return fmt.Errorf("publish %q: %w", envelope.EventType, err)
	}

	return bus.awaitConfirmationLocked(ctx)
}

// ensurePublishChannelLocked opens the confirm-mode publish channel on
// first use or after a publish failure. Caller must hold publishMu.
func (bus *Bus) ensurePublishChannelLocked() error {
	if bus.publishCh != nil {
		return nil
	}

	channel, err := bus.channels()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()

		return fmt.Errorf("enable confirm mode: %w", err)
	}

	bus.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	bus.publishCh = channel

	return nil
}

func (bus *Bus) dropPublishChannelLocked() {
	if bus.publishCh != nil {
		bus.publishCh.Close()
	}

	bus.publishCh = nil
	bus.confirms = nil
}

// awaitConfirmationLocked waits for the single outstanding confirmation.
// Publishes are serialized by publishMu, so confirmations cannot interleave.
func (bus *Bus) awaitConfirmationLocked(ctx context.Context) error {
	timer := time.NewTimer(bus.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-bus.confirms:
		if !ok {
			bus.dropPublishChannelLocked()

			return ErrPublishNacked
		}

		if !confirmation.Ack {
			return ErrPublishNacked
		}

		return nil
	case <-timer.C:
		bus.dropPublishChannelLocked()

		return ErrConfirmTimeout
	case <-ctx.Done():
		bus.dropPublishChannelLocked()

		return fmt.Errorf("await confirmation: %w", ctx.Err())
	}
}

// Subscribe binds a durable queue for the event type and consumes it with a
// bounded worker pool. The handler is acknowledged manually: success acks,
// the first failure requeues, and a failure of a redelivered message is
// dead-lettered.
func (bus *Bus) Subscribe(eventType string, handler messaging.Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return messaging.ErrEventTypeRequired
	}

	if handler == nil {
		return messaging.ErrHandlerRequired
	}

	bus.lifecycleMu.Lock()
	defer bus.lifecycleMu.Unlock()

	if bus.closed {
		return ErrBusClosed
	}

	channel, err := bus.channels()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}

	queue := bus.service + "." + eventType

	if _, err := channel.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": bus.exchange + dlxSuffix,
	}); err != nil {
		channel.Close()

		return fmt.Errorf("declare queue %q: %w", queue, err)
	}

	if err := channel.QueueBind(queue, eventType, bus.exchange, false, nil); err != nil {
		channel.Close()

		return fmt.Errorf("bind queue %q: %w", queue, err)
	}

	if err := channel.Qos(bus.concurrency, 0, false); err != nil {
		channel.Close()

		return fmt.Errorf("set qos on %q: %w", queue, err)
	}

	deliveries, err := channel.ConsumeWithContext(bus.consumeCtx, queue, bus.service, false, false, false, false, nil)
	if err != nil {
		channel.Close()

		return fmt.Errorf("consume %q: %w", queue, err)
	}

	bus.consumers.Add(1)

	runtime.SafeGo(bus.consumeCtx, bus.logger, "rabbitmq", "consume_"+queue, func(ctx context.Context) {
		defer bus.consumers.Done()
		defer channel.Close()

		bus.consumeLoop(ctx, queue, deliveries, handler)
	})

	return nil
}

// consumeLoop fans deliveries out to at most bus.concurrency workers.
func (bus *Bus) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler messaging.Handler) {
	semaphore := make(chan struct{}, bus.concurrency)

	var workers sync.WaitGroup

	for delivery := range deliveries {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			return
		}

		workers.Add(1)

		received := delivery

		runtime.SafeGo(ctx, bus.logger, "rabbitmq", "handle_"+queue, func(workerCtx context.Context) {
			defer workers.Done()
			defer func() { <-semaphore }()

			bus.handleDelivery(workerCtx, queue, received, handler)
		})
	}

	workers.Wait()
}

func (bus *Bus) handleDelivery(ctx context.Context, queue string, delivery amqp.Delivery, handler messaging.Handler) {
	var envelope messaging.Envelope

	if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
		bus.logger.Log(ctx, log.LevelError, "malformed message dead-lettered",
			log.String("queue", queue),
			log.Err(err),
		)
		bus.reject(ctx, delivery, false)

		return
	}

	if err := envelope.Validate(); err != nil {
		bus.logger.Log(ctx, log.LevelError, "invalid envelope dead-lettered",
			log.String("queue", queue),
			log.Err(err),
		)
		bus.reject(ctx, delivery, false)

		return
	}

	if err := handler(ctx, envelope); err != nil {
		// First failure goes back to the queue; a redelivered failure is
		// dead-lettered so a poison message cannot loop forever.
		requeue := !delivery.Redelivered

		bus.logger.Log(ctx, log.LevelWarn, "message handling failed",
			log.String("queue", queue),
			log.String("event_type", envelope.EventType),
			log.String("message_id", envelope.ID.String()),
			log.Bool("requeue", requeue),
			log.Err(err),
		)
		bus.reject(ctx, delivery, requeue)

		return
	}

	if err := delivery.Ack(false); err != nil {
		bus.logger.Log(ctx, log.LevelError, "failed to ack delivery",
			log.String("queue", queue),
			log.Err(err),
		)
	}
}

func (bus *Bus) reject(ctx context.Context, delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		bus.logger.Log(ctx, log.LevelError, "failed to nack delivery", log.Err(err))
	}
}

// Close stops all subscriptions and releases the publish channel.
func (bus *Bus) Close() error {
	bus.lifecycleMu.Lock()

	if bus.closed {
		bus.lifecycleMu.Unlock()

		return nil
	}

	bus.closed = true
	bus.cancel()
	bus.lifecycleMu.Unlock()

	bus.consumers.Wait()

	bus.publishMu.Lock()
	bus.dropPublishChannelLocked()
	bus.publishMu.Unlock()

	return nil
}

func (bus *Bus) isClosed() bool {
	bus.lifecycleMu.Lock()
	defer bus.lifecycleMu.Unlock()

	return bus.closed
}
