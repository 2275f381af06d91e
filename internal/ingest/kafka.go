package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/models"
)

// HeartbeatProducer publishes heartbeats keyed by rider id, so one rider's
// heartbeats stay on one partition and are applied in order.
type HeartbeatProducer struct {
	writer *kafka.Writer
}

func NewHeartbeatProducer(brokers []string, topic string) *HeartbeatProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &HeartbeatProducer{writer: w}
}

func (k *HeartbeatProducer) Publish(ctx context.Context, hb models.Heartbeat) error {
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.RiderID), Value: b})
}

func (k *HeartbeatProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type HeartbeatConsumer struct {
	reader   MessageReader
	applier  Applier
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

func NewHeartbeatConsumer(reader MessageReader, applier Applier, logger *slog.Logger) *HeartbeatConsumer {
	return &HeartbeatConsumer{reader: reader, applier: applier, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// Run consumes until ctx is done. Read errors back off up to 30s; messages
// that cannot be applied are logged and skipped.
func (c *HeartbeatConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("heartbeat consumer stopping")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *HeartbeatConsumer) handle(ctx context.Context, m kafka.Message) {
	var hb models.Heartbeat
	if err := json.Unmarshal(m.Value, &hb); err != nil {
		Record(fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err))
		c.logger.Warn("invalid heartbeat message", "offset", m.Offset, "error", err)
		return
	}
	err := applyWithRetry(ctx, c.applier, hb, c.attempts, c.delay)
	Record(err)
	if err != nil {
		c.logger.Error("heartbeat not applied", "rider_id", hb.RiderID, "error", err)
	}
}

func (c *HeartbeatConsumer) Close() error {
	return c.reader.Close()
}
