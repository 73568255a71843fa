package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/safar/order-settlement/internal/config"
	"github.com/safar/order-settlement/internal/models"
)

const writeTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes events through a buffered inbox so callers never
// wait on the broker. Events that do not fit in the inbox are dropped and logged.
type KafkaNotifier struct {
	w        messageWriter
	producer string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	inbox  chan kafka.Message
	done   chan struct{}
}

func NewKafkaNotifier(cfg config.KafkaConfig, logger *slog.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write failed", slog.Int("messages", len(msgs)), slog.Any("error", err))
			}
		},
	}
	return newKafkaNotifier(w, cfg.ClientID, cfg.InboxSize, logger)
}

func newKafkaNotifier(w messageWriter, producer string, buf int, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		w:        w,
		producer: producer,
		logger:   logger,
		inbox:    make(chan kafka.Message, buf),
		done:     make(chan struct{}),
	}
}

// Start runs the publishing loop until Close is called or ctx is done.
func (n *KafkaNotifier) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			n.Close()
		case <-n.done:
		}
	}()

	go func() {
		defer close(n.done)
		for m := range n.inbox {
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := n.w.WriteMessages(wctx, m); err != nil {
				n.logger.Error("publish event failed",
					slog.String("key", string(m.Key)),
					slog.Any("error", err))
			}
			cancel()
		}
		if err := n.w.Close(); err != nil {
			n.logger.Error("close kafka writer", slog.Any("error", err))
		}
	}()
}

func (n *KafkaNotifier) Notify(ctx context.Context, recipients []int64, event models.Event) {
	env, err := NewEnvelope(ctx, n.producer, recipients, event)
	if err != nil {
		n.logger.ErrorContext(ctx, "build event envelope", slog.Any("error", err))
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		n.logger.ErrorContext(ctx, "marshal event envelope", slog.Any("error", err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(PartitionKey(event.OrderID)),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(event.Type)},
			{Key: "x-event-version", Value: []byte(strconv.Itoa(EnvelopeVersion))},
		},
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.WarnContext(ctx, "event dropped after shutdown", slog.String("event_type", event.Type))
		return
	}
	select {
	case n.inbox <- msg:
	default:
		n.logger.WarnContext(ctx, "event inbox full, dropping event",
			slog.String("event_type", event.Type),
			slog.Int64("order_id", event.OrderID))
	}
}

// Close stops accepting events. Buffered events are still flushed.
func (n *KafkaNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.inbox)
	}
}

// WaitClosed blocks until every buffered event was handed to the writer.
func (n *KafkaNotifier) WaitClosed() {
	<-n.done
}
