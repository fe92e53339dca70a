package broker

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/streadway/amqp"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type connectionAdapter struct {
	*amqp.Connection
}

func (c connectionAdapter) Channel() (amqpChannel, error) {
	return c.Connection.Channel()
}

var dialAmqp = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return connectionAdapter{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(channel amqpChannel) *pooledChannel {
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}
}

func newConnection(settings *config.BrokerSettings, logger log.Logger) (amqpConnection, error) {
	conn, err := dialAmqp(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			level.Warn(logger).Log("msg", "RabbitMQ connection closed", "err", err)
		}
	}()

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := newConnection(r.settings, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Clear the existing channel pool
	drainPool(r.channelPool)
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	// Declare the exchange
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	err = channel.ExchangeDeclare(
		r.settings.Exchange, // name
		exchangeKind,        // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	channel.Close()
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- newPooledChannel(channel)
	}

	level.Info(r.logger).Log("msg", "RabbitMQ connection, exchange, and channel pool initialized", "exchange", r.settings.Exchange)
	return nil
}

func (r *rabbitMqBroker) needsReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && (r.connection == nil || r.connection.IsClosed())
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.needsReconnect() {
				level.Info(r.logger).Log("msg", "attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					level.Error(r.logger).Log("msg", "failed to reconnect to RabbitMQ", "err", err)
				} else {
					level.Info(r.logger).Log("msg", "reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			level.Debug(r.logger).Log("msg", "stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, connection, closed := r.channelPool, r.connection, r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("RabbitMQ broker is closed")
	}

	for {
		select {
		case pooledChan := <-pool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				level.Debug(r.logger).Log("msg", "discarding closed channel", "err", err)
				continue
			default:
				// Channel is valid
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			channel, err := connection.Channel()
			if err != nil {
				return nil, err
			}
			return newPooledChannel(channel), nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		level.Debug(r.logger).Log("msg", "discarding closed channel", "err", err)
		return
	default:
	}

	r.mu.Lock()
	pool, closed := r.channelPool, r.closed
	r.mu.Unlock()
	if closed {
		pooledChan.channel.Close()
		return
	}

	// Channel is valid, return it to the pool
	select {
	case pool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}

func drainPool(pool chan *pooledChannel) {
	for {
		select {
		case pooledChan := <-pool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}
