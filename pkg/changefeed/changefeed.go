// Package changefeed carries row changes over Kafka from the services that
// write them to the services that fan them out or project them.
package changefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the subset of *kafka.Reader the consumer loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Publisher struct {
	w   MessageWriter
	now func() time.Time
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

func NewPublisher(w MessageWriter) *Publisher {
	return &Publisher{w: w, now: time.Now}
}

// Publish writes changes keyed by the row they touch, so changes to one
// conversation (or one user's notifications) stay on one partition.
func (p *Publisher) Publish(ctx context.Context, changes ...model.Change) error {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		if c.CommitTimestamp.IsZero() {
			c.CommitTimestamp = p.now().UTC()
		}
		b, err := json.Marshal(c)
		if err != nil {
			return errors.WithMessagef(err, "failed to marshal %s change", c.Table)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(Key(c)), Value: b, Time: c.CommitTimestamp})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return errors.WithMessage(err, "failed to write changes to Kafka")
	}
	jww.DEBUG.Printf("[changefeed] published %d changes", len(msgs))
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }

// Key is the partition key of a change.
func Key(c model.Change) string {
	rec := c.Record()
	for _, col := range []string{"conversation_id", "user_id", "id"} {
		if v, ok := rec[col].(string); ok && v != "" {
			return c.Table + ":" + v
		}
	}
	return c.Table
}

// NewReader creates a consumer. Each gateway needs every change, so it
// passes a group unique to the instance; projectors share one group.
func NewReader(brokers []string, topic, groupID string, startOffset int64) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     250 * time.Millisecond,
	})
}

// Handler processes one decoded change.
type Handler func(ctx context.Context, c model.Change)

// Consume reads until ctx is done. Messages that do not decode are skipped;
// read errors are retried after a pause.
func Consume(ctx context.Context, r MessageReader, handle Handler) error {
	defer r.Close()
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			jww.WARN.Printf("[changefeed] error reading message: %v. Retrying in 1s...", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var c model.Change
		if err := json.Unmarshal(m.Value, &c); err != nil {
			jww.WARN.Printf("[changefeed] failed to unmarshal change at offset %d: %v", m.Offset, err)
			continue
		}
		handle(ctx, c)
	}
}
