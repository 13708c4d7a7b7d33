package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
)

// KafkaConfig holds broker settings for the kafka bus backend.
type KafkaConfig struct {
	Brokers     []string `toml:"brokers"`
	GroupPrefix string   `toml:"group_prefix"`
	TopicPrefix string   `toml:"topic_prefix"`
}

// Validate checks kafka configuration
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers is required when backend is kafka")
	}
	return nil
}

// KafkaQueue carries one channel over a Kafka topic. Enqueue produces
// synchronously; Dequeue is fed by a consumer group so redelivery after a
// crash is at-least-once.
type KafkaQueue struct {
	logger    *slog.Logger
	name      string
	topic     string
	droppable bool

	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	messages chan []byte
	ready    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Ensure KafkaQueue implements the Queue interface
var _ Queue = (*KafkaQueue)(nil)

// NewKafkaQueue creates a topic-backed queue for a channel and starts its
// consumer loop.
func NewKafkaQueue(ctx context.Context, cfg KafkaConfig, name string, capacity int) (*KafkaQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 64
	}

	topicPrefix := cfg.TopicPrefix
	if topicPrefix == "" {
		topicPrefix = "observer."
	}
	groupPrefix := cfg.GroupPrefix
	if groupPrefix == "" {
		groupPrefix = "observer-"
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create producer")
	}

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	consumerConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupPrefix+name, consumerConfig)
	if err != nil {
		_ = producer.Close()
		return nil, errors.WithMessage(err, "failed to create consumer group")
	}

	q := &KafkaQueue{
		logger:    slog.Default().With("module", "bus.kafka", "channel", name),
		name:      name,
		topic:     topicPrefix + name,
		droppable: sheddable[name],
		producer:  producer,
		group:     group,
		messages:  make(chan []byte, capacity),
		ready:     make(chan struct{}),
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.consume(ctx)

	return q, nil
}

func (q *KafkaQueue) consume(ctx context.Context) {
	defer q.wg.Done()
	for {
		handler := &groupHandler{queue: q}
		if err := q.group.Consume(ctx, []string{q.topic}, handler); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			q.logger.Error("consumer error", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		q.ready = make(chan struct{})
	}
}

// Enqueue produces the payload to the channel topic.
func (q *KafkaQueue) Enqueue(ctx context.Context, payload []byte) error {
	return enqueueWithBackoff(ctx, q.name, q.droppable, func() bool {
		_, _, err := q.producer.SendMessage(&sarama.ProducerMessage{
			Topic: q.topic,
			Value: sarama.ByteEncoder(payload),
		})
		if err != nil {
			q.logger.Error("failed to send message", "error", err)
			return false
		}
		return true
	})
}

// Dequeue blocks until the consumer group delivers a payload.
func (q *KafkaQueue) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-q.messages:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the consumer loop and closes the clients.
func (q *KafkaQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
		close(q.messages)
		if cerr := q.group.Close(); cerr != nil {
			err = cerr
		}
		if perr := q.producer.Close(); perr != nil && err == nil {
			err = perr
		}
	})
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	queue *KafkaQueue
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	select {
	case <-h.queue.ready:
	default:
		close(h.queue.ready)
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.queue.messages <- message.Value:
				session.MarkMessage(message, "")
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
