// Package amqp relays process events onto an AMQP topic exchange so services
// outside this module can follow generation progress through a broker
// instead of a direct observer connection.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/draftflow/draftflow-go/contracts"
	"github.com/draftflow/draftflow-go/eventlog"
	"github.com/draftflow/draftflow-go/internal/reliability"
)

// Relay publishes event envelopes to a durable topic exchange. Routing keys
// have the shape "process.<id>.<event type>", so consumers can bind to one
// process, one event type, or everything.
type Relay struct {
	url      string
	exchange string
	events   *eventlog.Log
	logger   *slog.Logger
	dial     reliability.RetryPolicy

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	follows map[string]func()
	closed  bool
}

// RelayOption configures the relay
type RelayOption func(*Relay)

// WithRelayLogger sets the logger
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithDialPolicy sets the retry policy used when connecting to the broker
func WithDialPolicy(policy reliability.RetryPolicy) RelayOption {
	return func(r *Relay) {
		r.dial = policy
	}
}

// NewRelay creates a relay for the given broker URL and exchange
func NewRelay(url, exchange string, events *eventlog.Log, opts ...RelayOption) *Relay {
	r := &Relay{
		url:      url,
		exchange: exchange,
		events:   events,
		logger:   slog.Default(),
		dial:     reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5),
		follows:  make(map[string]func()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials the broker with retries and declares the exchange
func (r *Relay) Connect(ctx context.Context) error {
	var conn *amqp.Connection
	err := reliability.Retry(ctx, r.dial, func() error {
		c, err := amqp.Dial(r.url)
		if err != nil {
			r.logger.Warn("broker dial failed, retrying", "url", r.url, "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		r.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", r.exchange, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.mu.Unlock()

	r.logger.Info("event relay connected", "exchange", r.exchange)
	return nil
}

// Publish relays one envelope to the exchange as persistent JSON
func (r *Relay) Publish(ctx context.Context, envelope contracts.EventEnvelope) error {
	r.mu.Lock()
	channel := r.channel
	r.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("relay is not connected")
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return channel.PublishWithContext(ctx,
		r.exchange,
		routingKey(envelope.ProcessID, envelope.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    envelope.Timestamp,
			MessageId:    fmt.Sprintf("%s-%d", envelope.ProcessID, envelope.Sequence),
			Body:         body,
		})
}

// Follow subscribes to the process's event stream and relays every event
// until Unfollow or Close
func (r *Relay) Follow(processID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("relay is closed")
	}
	if _, exists := r.follows[processID]; exists {
		r.mu.Unlock()
		return nil
	}

	live, cancel := r.events.Subscribe(processID, 256)
	r.follows[processID] = cancel
	r.mu.Unlock()

	go func() {
		for envelope := range live {
			if err := r.Publish(context.Background(), envelope); err != nil {
				r.logger.Warn("failed to relay event",
					"processId", envelope.ProcessID,
					"sequence", envelope.Sequence,
					"error", err)
			}
		}
	}()
	return nil
}

// Unfollow stops relaying the process's events
func (r *Relay) Unfollow(processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, exists := r.follows[processID]; exists {
		cancel()
		delete(r.follows, processID)
	}
}

// Close stops all follows and tears down the broker connection
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, cancel := range r.follows {
		cancel()
		delete(r.follows, id)
	}

	var err error
	if r.channel != nil {
		err = r.channel.Close()
		r.channel = nil
	}
	if r.conn != nil {
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
		r.conn = nil
	}
	return err
}

// routingKey builds the topic key for one envelope
func routingKey(processID, eventType string) string {
	return "process." + processID + "." + eventType
}
