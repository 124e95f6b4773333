package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kairospay/subscription-core/internal/nilcheck"
	"github.com/kairospay/subscription-core/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrNotConnected is returned when a channel is requested before Connect.
	ErrNotConnected = errors.New("rabbitmq connection is not established")
	// ErrConnectionClosed is returned after Close.
	ErrConnectionClosed = errors.New("rabbitmq connection is closed")
)

// Connection manages a single AMQP connection and hands out dedicated
// channels. Channels are not safe for concurrent use, so every consumer and
// publisher gets its own.
type Connection struct {
	URL    string
	Logger log.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool

	dialer func(url string) (*amqp.Connection, error)
}

// Connect dials the broker. Calling Connect on an already-connected
// Connection is a no-op.
func (connection *Connection) Connect(ctx context.Context) error {
	if connection == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.closed {
		return ErrConnectionClosed
	}

	if connection.conn != nil && !connection.conn.IsClosed() {
		return nil
	}

	logger := connection.logger()
	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	dial := connection.dialer
	if dial == nil {
		dial = amqp.Dial
	}

	conn, err := dial(connection.URL)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.Err(err))

		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	connection.conn = conn

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a fresh channel on the established connection.
func (connection *Connection) Channel() (*amqp.Channel, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.closed {
		return nil, ErrConnectionClosed
	}

	if connection.conn == nil || connection.conn.IsClosed() {
		return nil, ErrNotConnected
	}

	channel, err := connection.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return channel, nil
}

// Close shuts the underlying connection down. The Connection cannot be
// reused afterwards.
func (connection *Connection) Close() error {
	if connection == nil {
		return nil
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.closed {
		return nil
	}

	connection.closed = true

	if connection.conn == nil {
		return nil
	}

	if err := connection.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

func (connection *Connection) logger() log.Logger {
	if nilcheck.Interface(connection.Logger) {
		return log.NewNop()
	}

	return connection.Logger
}
