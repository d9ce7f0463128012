package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads heartbeats from a topic in a consumer group. Agents
// key messages by device id, so each device's heartbeats arrive in order on
// one partition.
type KafkaConsumer struct {
	reader     messageReader
	dispatcher *Dispatcher
	log        *slog.Logger
	backoff    time.Duration
}

func NewKafkaConsumer(brokers []string, topic, groupID string, d *Dispatcher, log *slog.Logger) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return newKafkaConsumer(r, d, log)
}

func newKafkaConsumer(r messageReader, d *Dispatcher, log *slog.Logger) *KafkaConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaConsumer{
		reader:     r,
		dispatcher: d,
		log:        log.With(slog.String("component", "kafka-ingest")),
		backoff:    time.Second,
	}
}

// Run consumes until ctx is cancelled. A message is committed once the
// engine has taken it, or once it has been rejected as malformed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Warn("fetch failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		if _, err := c.dispatcher.HandleRaw(hctx, TransportKafka, msg.Value); err != nil {
			c.log.Log(hctx, rejectLevel(err), "heartbeat rejected",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Any("err", err),
			)
		}
		cancel()

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("commit failed", slog.Int64("offset", msg.Offset), slog.Any("err", err))
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
