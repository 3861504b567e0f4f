package amqp

import (
	"context"
	"fmt"

	"github.com/draftflow/draftflow-go/contracts"
)

// Channel adapts the relay into an observer channel, so a process can be
// "observed" by whatever consumes the exchange. Heartbeats map to a
// connection liveness check; closing the channel leaves the shared relay
// connection open.
type Channel struct {
	relay     *Relay
	processID string
}

// NewChannel creates an observer channel that forwards to the relay
func NewChannel(relay *Relay, processID string) *Channel {
	return &Channel{relay: relay, processID: processID}
}

// Send implements the observer channel by relaying the envelope
func (c *Channel) Send(envelope contracts.EventEnvelope) error {
	return c.relay.Publish(context.Background(), envelope)
}

// Ping reports broker connection health
func (c *Channel) Ping() error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	if c.relay.conn == nil || c.relay.conn.IsClosed() {
		return fmt.Errorf("broker connection is down")
	}
	return nil
}

// Close is a no-op; the relay connection is shared across processes
func (c *Channel) Close() error {
	return nil
}
