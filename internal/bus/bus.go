package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

// Logical channels between pipeline stages.
const (
	ChannelIngestion  = "ingestion"
	ChannelTriage     = "triage"
	ChannelAnalysis   = "analysis"
	ChannelEnrichment = "enrichment"
	ChannelPlanning   = "planning"
	ChannelExecution  = "execution"
	ChannelResponse   = "response"
	ChannelOutgoing   = "outgoing"
)

// Channels lists every named channel in wiring order.
var Channels = []string{
	ChannelIngestion,
	ChannelTriage,
	ChannelAnalysis,
	ChannelEnrichment,
	ChannelPlanning,
	ChannelExecution,
	ChannelResponse,
	ChannelOutgoing,
}

// Sheddable channels may drop payloads under sustained backpressure.
// Ingestion is never dropped.
var sheddable = map[string]bool{
	ChannelEnrichment: true,
}

// ErrDropped is returned when a sheddable channel gives up under
// backpressure.
var ErrDropped = errors.New("payload dropped: queue full")

// ErrClosed is returned when dequeueing from a closed queue.
var ErrClosed = errors.New("queue closed")

// Enqueue backoff bounds.
const (
	backoffInitial = 10 * time.Millisecond
	backoffMax     = time.Second
)

// Queue is one bounded FIFO channel between two stages.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	Dequeue(ctx context.Context) ([]byte, error)
	Close() error
}

// Config selects the queue backend and capacities.
type Config struct {
	Backend string `toml:"backend"` // memory, redis, or kafka
}

// Validate checks bus configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case "", "memory", "redis", "kafka":
		return nil
	default:
		return fmt.Errorf("invalid backend: %s, must be memory, redis, or kafka", c.Backend)
	}
}

// Bus is the registry of named queues.
type Bus struct {
	queues map[string]Queue
}

// New builds a bus from pre-constructed queues keyed by channel name.
func New(queues map[string]Queue) *Bus {
	return &Bus{queues: queues}
}

// Channel returns the queue for a named channel.
func (b *Bus) Channel(name string) Queue {
	return b.queues[name]
}

// Publish marshals a payload and enqueues it on the named channel.
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	q := b.queues[channel]
	if q == nil {
		return errors.Errorf("unknown channel: %s", channel)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.WithMessage(err, "marshal payload")
	}

	return q.Enqueue(ctx, payload)
}

// Consume dequeues one payload from the named channel and unmarshals it.
func (b *Bus) Consume(ctx context.Context, channel string, out any) error {
	q := b.queues[channel]
	if q == nil {
		return errors.Errorf("unknown channel: %s", channel)
	}

	payload, err := q.Dequeue(ctx)
	if err != nil {
		return err
	}

	return json.Unmarshal(payload, out)
}

// Close closes every queue.
func (b *Bus) Close() error {
	var firstErr error
	for _, q := range b.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// enqueueWithBackoff retries a non-blocking enqueue attempt with
// exponential backoff. Sheddable queues drop the payload once the backoff
// is saturated; others keep retrying until the context is cancelled.
func enqueueWithBackoff(ctx context.Context, name string, droppable bool, try func() bool) error {
	delay := backoffInitial
	for {
		if try() {
			return nil
		}

		if droppable && delay >= backoffMax {
			metrics.GetOrRegisterCounter("enrichment_shed_total", metrics.DefaultRegistry).Inc(1)
			return errors.WithMessagef(ErrDropped, "channel %s", name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
